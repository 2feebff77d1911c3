// Package santimpay integrates the SantimPay gateway. Unlike the other
// providers, the reference is the payment id SantimPay returns at
// initialization; our attempt id travels as the merchant-side id.
package santimpay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/storefront-payments/internal/adapter"
	"github.com/yourorg/storefront-payments/internal/monitor"
	"github.com/yourorg/storefront-payments/internal/payment"
)

const DefaultBaseURL = "https://services.santimpay.com"

// Config holds the SantimPay credentials, read from SANTIMPAY_* variables.
type Config struct {
	BaseURL       string `env:"BASE_URL" envDefault:"https://services.santimpay.com"`
	APIKey        string `env:"API_KEY"`
	MerchantID    string `env:"MERCHANT_ID"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
}

const webhookSchema = `{
	"type": "object",
	"required": ["txnId", "status"],
	"properties": {
		"txnId": {"type": "string", "minLength": 1},
		"thirdPartyId": {"type": ["string", "null"]},
		"merId": {"type": ["string", "null"]},
		"status": {"type": "string"},
		"amount": {"type": ["string", "number", "null"]},
		"currency": {"type": ["string", "null"]}
	}
}`

var webhookContract = monitor.MustContractMonitor("santimpay webhook", webhookSchema)

// Adapter implements adapter.Gateway and adapter.WebhookAuthenticator.
type Adapter struct {
	cfg    Config
	opts   adapter.Options
	client *adapter.Client
}

// New validates cfg and returns a ready adapter.
func New(cfg Config, opts adapter.Options) (*Adapter, error) {
	if err := adapter.MissingCredentials(payment.MethodSantimPay, map[string]string{
		"SANTIMPAY_API_KEY":     cfg.APIKey,
		"SANTIMPAY_MERCHANT_ID": cfg.MerchantID,
	}); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	a := &Adapter{cfg: cfg, opts: opts}
	a.client = adapter.NewClient(payment.MethodSantimPay, cfg.BaseURL, opts, func(h http.Header) {
		h.Set("Authorization", "Bearer "+cfg.APIKey)
	})
	return a, nil
}

func (a *Adapter) Method() payment.Method { return payment.MethodSantimPay }

type initiateRequest struct {
	ID                 string      `json:"id"`
	Amount             json.Number `json:"amount"`
	Currency           string      `json:"currency"`
	Reason             string      `json:"reason"`
	MerchantID         string      `json:"merchantId"`
	PhoneNumber        string      `json:"phoneNumber,omitempty"`
	NotifyURL          string      `json:"notifyUrl"`
	SuccessRedirectURL string      `json:"successRedirectUrl,omitempty"`
	FailureRedirectURL string      `json:"failureRedirectUrl,omitempty"`
	CancelRedirectURL  string      `json:"cancelRedirectUrl,omitempty"`
}

type initiateResponse struct {
	PaymentID string `json:"paymentId"`
	URL       string `json:"url"`
}

type statusRequest struct {
	ID         string `json:"id"`
	MerchantID string `json:"merchantId"`
}

type statusResponse struct {
	ID       string              `json:"id"`
	Status   string              `json:"status"`
	Amount   decimal.NullDecimal `json:"amount"`
	Currency string              `json:"currency"`
	Message  string              `json:"message"`
}

// Initialize starts a SantimPay payment. The amount is sent as a JSON number.
func (a *Adapter) Initialize(ctx context.Context, req adapter.InitRequest) (adapter.InitResult, error) {
	attempt := uuid.NewString()
	back := a.opts.ReturnURLFor(req.TransactionID)
	body := initiateRequest{
		ID:                 attempt,
		Amount:             json.Number(req.Amount.StringFixed(2)),
		Currency:           strings.ToUpper(req.Currency),
		Reason:             "Listing " + req.ListingID,
		MerchantID:         a.cfg.MerchantID,
		PhoneNumber:        req.BuyerPhone,
		NotifyURL:          a.opts.CallbackURL(payment.MethodSantimPay),
		SuccessRedirectURL: back,
		FailureRedirectURL: back,
		CancelRedirectURL:  back,
	}

	var resp initiateResponse
	raw, err := a.client.Do(ctx, "initialize", http.MethodPost, "/api/v1/gateway/initiate-payment", body, &resp)
	if err != nil {
		return adapter.InitResult{}, err
	}
	if resp.PaymentID == "" || resp.URL == "" {
		return adapter.InitResult{}, adapter.ProviderFailure(payment.MethodSantimPay, "initialize", "", "response is missing paymentId or url")
	}
	return adapter.InitResult{
		CheckoutURL:       resp.URL,
		ProviderReference: resp.PaymentID,
		AttemptReference:  attempt,
		Raw:               payment.RawValue(raw),
	}, nil
}

// Verify fetches the status of payment id reference.
func (a *Adapter) Verify(ctx context.Context, reference string) (adapter.VerifyResult, error) {
	var resp statusResponse
	raw, err := a.client.Do(ctx, "verify", http.MethodPost, "/api/v1/gateway/fetch-transaction-status",
		statusRequest{ID: reference, MerchantID: a.cfg.MerchantID}, &resp)
	if err != nil {
		return adapter.VerifyResult{}, err
	}
	if resp.Status == "" {
		return adapter.VerifyResult{}, adapter.ProviderFailure(payment.MethodSantimPay, "verify", "", "response has no status: "+resp.Message)
	}
	return adapter.VerifyResult{
		RemoteStatus: resp.Status,
		Amount:       resp.Amount,
		Currency:     resp.Currency,
		Raw:          payment.RawValue(raw),
	}, nil
}

type notification struct {
	TxnID        string              `json:"txnId"`
	ThirdPartyID string              `json:"thirdPartyId"`
	MerID        string              `json:"merId"`
	Status       string              `json:"status"`
	Amount       decimal.NullDecimal `json:"amount"`
	Currency     string              `json:"currency"`
}

// ParseWebhook extracts txnId and status.
func (a *Adapter) ParseWebhook(raw []byte) (adapter.WebhookEvent, error) {
	var n notification
	if err := adapter.DecodeWebhook(payment.MethodSantimPay, webhookContract, raw, &n); err != nil {
		return adapter.WebhookEvent{}, err
	}
	return adapter.WebhookEvent{
		ProviderReference: n.TxnID,
		RemoteStatus:      n.Status,
		Amount:            n.Amount,
		Currency:          n.Currency,
		Raw:               payment.RawValue(raw),
	}, nil
}

func (a *Adapter) AuthenticateWebhook(header http.Header, raw []byte) error {
	return adapter.CheckSignature(payment.MethodSantimPay, a.cfg.WebhookSecret, header, raw, "X-Santimpay-Signature")
}
