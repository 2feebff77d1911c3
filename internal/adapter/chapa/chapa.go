// Package chapa integrates the Chapa hosted checkout. Our per-attempt tx_ref
// is the provider reference.
package chapa

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/storefront-payments/internal/adapter"
	"github.com/yourorg/storefront-payments/internal/monitor"
	"github.com/yourorg/storefront-payments/internal/payment"
)

const DefaultBaseURL = "https://api.chapa.co"

// Config holds the Chapa credentials, read from CHAPA_* variables.
type Config struct {
	BaseURL       string `env:"BASE_URL" envDefault:"https://api.chapa.co"`
	PublicKey     string `env:"PUBLIC_KEY"`
	SecretKey     string `env:"SECRET_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
}

const webhookSchema = `{
	"type": "object",
	"required": ["tx_ref", "status"],
	"properties": {
		"tx_ref": {"type": "string", "minLength": 1},
		"status": {"type": "string"},
		"event": {"type": "string"},
		"reference": {"type": ["string", "null"]},
		"currency": {"type": ["string", "null"]},
		"amount": {"type": ["string", "number", "null"]}
	}
}`

var webhookContract = monitor.MustContractMonitor("chapa webhook", webhookSchema)

// Adapter implements adapter.Gateway and adapter.WebhookAuthenticator.
type Adapter struct {
	cfg    Config
	opts   adapter.Options
	client *adapter.Client
}

// New validates cfg and returns a ready adapter. Missing credentials are a
// ConfigurationError.
func New(cfg Config, opts adapter.Options) (*Adapter, error) {
	if err := adapter.MissingCredentials(payment.MethodChapa, map[string]string{
		"CHAPA_SECRET_KEY": cfg.SecretKey,
	}); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	a := &Adapter{cfg: cfg, opts: opts}
	a.client = adapter.NewClient(payment.MethodChapa, cfg.BaseURL, opts, func(h http.Header) {
		h.Set("Authorization", "Bearer "+cfg.SecretKey)
	})
	return a, nil
}

func (a *Adapter) Method() payment.Method { return payment.MethodChapa }

type customization struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type initializeRequest struct {
	Amount        string         `json:"amount"`
	Currency      string         `json:"currency"`
	Email         string         `json:"email,omitempty"`
	FirstName     string         `json:"first_name,omitempty"`
	LastName      string         `json:"last_name,omitempty"`
	PhoneNumber   string         `json:"phone_number,omitempty"`
	TxRef         string         `json:"tx_ref"`
	CallbackURL   string         `json:"callback_url"`
	ReturnURL     string         `json:"return_url,omitempty"`
	Customization customization  `json:"customization"`
	Meta          map[string]any `json:"meta,omitempty"`
}

type envelope[T any] struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Data    *T     `json:"data"`
}

type checkoutData struct {
	CheckoutURL string `json:"checkout_url"`
}

type verifyData struct {
	Status    string              `json:"status"`
	TxRef     string              `json:"tx_ref"`
	Reference string              `json:"reference"`
	Currency  string              `json:"currency"`
	Amount    decimal.NullDecimal `json:"amount"`
}

// Initialize opens a Chapa checkout for req.
func (a *Adapter) Initialize(ctx context.Context, req adapter.InitRequest) (adapter.InitResult, error) {
	ref := uuid.NewString()
	first, last := splitName(req.BuyerName)
	body := initializeRequest{
		Amount:      req.Amount.StringFixed(2),
		Currency:    strings.ToUpper(req.Currency),
		Email:       req.BuyerEmail,
		FirstName:   first,
		LastName:    last,
		PhoneNumber: req.BuyerPhone,
		TxRef:       ref,
		CallbackURL: a.opts.CallbackURL(payment.MethodChapa),
		ReturnURL:   a.opts.ReturnURLFor(req.TransactionID),
		Customization: customization{
			Title:       "Storefront",
			Description: "Listing " + req.ListingID,
		},
		Meta: map[string]any{"transaction_id": req.TransactionID, "listing_id": req.ListingID},
	}

	var resp envelope[checkoutData]
	raw, err := a.client.Do(ctx, "initialize", http.MethodPost, "/v1/transaction/initialize", body, &resp)
	if err != nil {
		return adapter.InitResult{}, err
	}
	if !isOK(resp.Status) {
		return adapter.InitResult{}, adapter.ProviderFailure(payment.MethodChapa, "initialize", resp.Status, resp.Message)
	}
	if resp.Data == nil || resp.Data.CheckoutURL == "" {
		return adapter.InitResult{}, adapter.ProviderFailure(payment.MethodChapa, "initialize", "", "response has no checkout_url")
	}
	return adapter.InitResult{
		CheckoutURL:       resp.Data.CheckoutURL,
		ProviderReference: ref,
		AttemptReference:  ref,
		Raw:               payment.RawValue(raw),
	}, nil
}

// Verify looks up tx_ref reference.
func (a *Adapter) Verify(ctx context.Context, reference string) (adapter.VerifyResult, error) {
	var resp envelope[verifyData]
	raw, err := a.client.Do(ctx, "verify", http.MethodGet, "/v1/transaction/verify/"+url.PathEscape(reference), nil, &resp)
	if err != nil {
		return adapter.VerifyResult{}, err
	}
	if !isOK(resp.Status) || resp.Data == nil {
		return adapter.VerifyResult{}, adapter.ProviderFailure(payment.MethodChapa, "verify", resp.Status, resp.Message)
	}
	return adapter.VerifyResult{
		RemoteStatus: resp.Data.Status,
		Amount:       resp.Data.Amount,
		Currency:     resp.Data.Currency,
		Raw:          payment.RawValue(raw),
	}, nil
}

type webhookPayload struct {
	Event     string              `json:"event"`
	TxRef     string              `json:"tx_ref"`
	Reference string              `json:"reference"`
	Status    string              `json:"status"`
	Currency  string              `json:"currency"`
	Amount    decimal.NullDecimal `json:"amount"`
}

// ParseWebhook extracts tx_ref and status from a Chapa notification.
func (a *Adapter) ParseWebhook(raw []byte) (adapter.WebhookEvent, error) {
	var p webhookPayload
	if err := adapter.DecodeWebhook(payment.MethodChapa, webhookContract, raw, &p); err != nil {
		return adapter.WebhookEvent{}, err
	}
	return adapter.WebhookEvent{
		ProviderReference: p.TxRef,
		RemoteStatus:      p.Status,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Raw:               payment.RawValue(raw),
	}, nil
}

// AuthenticateWebhook checks the HMAC signature when a webhook secret is set.
func (a *Adapter) AuthenticateWebhook(header http.Header, raw []byte) error {
	return adapter.CheckSignature(payment.MethodChapa, a.cfg.WebhookSecret, header, raw,
		"Chapa-Signature", "X-Chapa-Signature")
}

// isOK reports whether the envelope status marks an accepted API call. It
// says nothing about the payment itself.
func isOK(status string) bool {
	return strings.EqualFold(status, "success")
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
