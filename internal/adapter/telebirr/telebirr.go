// Package telebirr integrates the telebirr mobile-money checkout. Our
// per-attempt merch_order_id is the provider reference.
package telebirr

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/storefront-payments/internal/adapter"
	"github.com/yourorg/storefront-payments/internal/monitor"
	"github.com/yourorg/storefront-payments/internal/payment"
)

const (
	DefaultBaseURL     = "https://app.ethiotelecom.et/apiaccess/payment/gateway"
	DefaultCheckoutURL = "https://app.ethiotelecom.et/payment/web/paygate"

	apiVersion     = "1.0"
	timeoutExpress = "120m"
)

// Config holds the telebirr credentials, read from TELEBIRR_* variables.
type Config struct {
	BaseURL         string `env:"BASE_URL" envDefault:"https://app.ethiotelecom.et/apiaccess/payment/gateway"`
	CheckoutBaseURL string `env:"CHECKOUT_BASE_URL" envDefault:"https://app.ethiotelecom.et/payment/web/paygate"`
	AppID           string `env:"APP_ID"`
	AppSecret       string `env:"APP_SECRET"`
	MerchantAppID   string `env:"MERCHANT_APP_ID"`
	ShortCode       string `env:"SHORT_CODE"`
	WebhookSecret   string `env:"WEBHOOK_SECRET"`
}

const webhookSchema = `{
	"type": "object",
	"required": ["merch_order_id", "trade_status"],
	"properties": {
		"merch_order_id": {"type": "string", "minLength": 1},
		"trade_status": {"type": "string"},
		"payment_order_id": {"type": ["string", "null"]},
		"total_amount": {"type": ["string", "number", "null"]},
		"trans_currency": {"type": ["string", "null"]},
		"notify_time": {"type": ["string", "number", "null"]}
	}
}`

var webhookContract = monitor.MustContractMonitor("telebirr webhook", webhookSchema)

// Adapter implements adapter.Gateway and adapter.WebhookAuthenticator.
type Adapter struct {
	cfg    Config
	opts   adapter.Options
	client *adapter.Client
	now    func() time.Time
}

// New validates cfg and returns a ready adapter.
func New(cfg Config, opts adapter.Options) (*Adapter, error) {
	if err := adapter.MissingCredentials(payment.MethodTelebirr, map[string]string{
		"TELEBIRR_APP_ID":          cfg.AppID,
		"TELEBIRR_APP_SECRET":      cfg.AppSecret,
		"TELEBIRR_MERCHANT_APP_ID": cfg.MerchantAppID,
		"TELEBIRR_SHORT_CODE":      cfg.ShortCode,
	}); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.CheckoutBaseURL == "" {
		cfg.CheckoutBaseURL = DefaultCheckoutURL
	}
	a := &Adapter{cfg: cfg, opts: opts, now: time.Now}
	a.client = adapter.NewClient(payment.MethodTelebirr, cfg.BaseURL, opts, func(h http.Header) {
		h.Set("X-APP-Key", cfg.AppID)
		h.Set("Authorization", "Bearer "+cfg.AppSecret)
	})
	return a, nil
}

func (a *Adapter) Method() payment.Method { return payment.MethodTelebirr }

type request[T any] struct {
	NonceStr   string `json:"nonce_str"`
	Timestamp  string `json:"timestamp"`
	Method     string `json:"method"`
	Version    string `json:"version"`
	BizContent T      `json:"biz_content"`
}

type preOrder struct {
	NotifyURL      string `json:"notify_url"`
	RedirectURL    string `json:"redirect_url,omitempty"`
	AppID          string `json:"appid"`
	MerchCode      string `json:"merch_code"`
	MerchOrderID   string `json:"merch_order_id"`
	TradeType      string `json:"trade_type"`
	Title          string `json:"title"`
	TotalAmount    string `json:"total_amount"`
	TransCurrency  string `json:"trans_currency"`
	TimeoutExpress string `json:"timeout_express"`
	BusinessType   string `json:"business_type"`
	CallbackInfo   string `json:"callback_info,omitempty"`
}

type queryOrder struct {
	AppID        string `json:"appid"`
	MerchCode    string `json:"merch_code"`
	MerchOrderID string `json:"merch_order_id"`
}

type response[T any] struct {
	Result     string `json:"result"`
	Code       string `json:"code"`
	Msg        string `json:"msg"`
	BizContent *T     `json:"biz_content"`
}

type preOrderResult struct {
	MerchOrderID string `json:"merch_order_id"`
	PrepayID     string `json:"prepay_id"`
	CheckoutURL  string `json:"checkout_url"`
}

type orderStatus struct {
	MerchOrderID   string              `json:"merch_order_id"`
	OrderStatus    string              `json:"order_status"`
	PaymentOrderID string              `json:"payment_order_id"`
	TotalAmount    decimal.NullDecimal `json:"total_amount"`
	TransCurrency  string              `json:"trans_currency"`
}

func newRequest[T any](now time.Time, method string, biz T) request[T] {
	return request[T]{
		NonceStr:   strings.ReplaceAll(uuid.NewString(), "-", ""),
		Timestamp:  strconv.FormatInt(now.Unix(), 10),
		Method:     method,
		Version:    apiVersion,
		BizContent: biz,
	}
}

// Initialize creates a telebirr pre-order and returns its checkout URL.
func (a *Adapter) Initialize(ctx context.Context, req adapter.InitRequest) (adapter.InitResult, error) {
	ref := strings.ReplaceAll(uuid.NewString(), "-", "")
	body := newRequest(a.now(), "payment.preorder", preOrder{
		NotifyURL:      a.opts.CallbackURL(payment.MethodTelebirr),
		RedirectURL:    a.opts.ReturnURLFor(req.TransactionID),
		AppID:          a.cfg.MerchantAppID,
		MerchCode:      a.cfg.ShortCode,
		MerchOrderID:   ref,
		TradeType:      "Checkout",
		Title:          "Listing " + req.ListingID,
		TotalAmount:    req.Amount.StringFixed(2),
		TransCurrency:  strings.ToUpper(req.Currency),
		TimeoutExpress: timeoutExpress,
		BusinessType:   "BuyGoods",
		CallbackInfo:   req.TransactionID,
	})

	var resp response[preOrderResult]
	raw, err := a.client.Do(ctx, "initialize", http.MethodPost, "/payment/v1/merchant/preOrder", body, &resp)
	if err != nil {
		return adapter.InitResult{}, err
	}
	if !resp.ok() || resp.BizContent == nil {
		return adapter.InitResult{}, adapter.ProviderFailure(payment.MethodTelebirr, "initialize", resp.Code, resp.Msg)
	}
	checkout := resp.BizContent.CheckoutURL
	if checkout == "" && resp.BizContent.PrepayID != "" {
		checkout = a.checkoutURL(resp.BizContent.PrepayID, ref)
	}
	if checkout == "" {
		return adapter.InitResult{}, adapter.ProviderFailure(payment.MethodTelebirr, "initialize", resp.Code, "response has neither checkout_url nor prepay_id")
	}
	return adapter.InitResult{
		CheckoutURL:       checkout,
		ProviderReference: ref,
		AttemptReference:  ref,
		Raw:               payment.RawValue(raw),
	}, nil
}

func (a *Adapter) checkoutURL(prepayID, ref string) string {
	q := url.Values{}
	q.Set("appid", a.cfg.MerchantAppID)
	q.Set("merch_code", a.cfg.ShortCode)
	q.Set("prepay_id", prepayID)
	q.Set("merch_order_id", ref)
	q.Set("version", apiVersion)
	return a.cfg.CheckoutBaseURL + "?" + q.Encode()
}

// Verify queries the order identified by merch_order_id reference.
func (a *Adapter) Verify(ctx context.Context, reference string) (adapter.VerifyResult, error) {
	body := newRequest(a.now(), "payment.queryorder", queryOrder{
		AppID:        a.cfg.MerchantAppID,
		MerchCode:    a.cfg.ShortCode,
		MerchOrderID: reference,
	})

	var resp response[orderStatus]
	raw, err := a.client.Do(ctx, "verify", http.MethodPost, "/payment/v1/merchant/queryOrder", body, &resp)
	if err != nil {
		return adapter.VerifyResult{}, err
	}
	if !resp.ok() || resp.BizContent == nil {
		return adapter.VerifyResult{}, adapter.ProviderFailure(payment.MethodTelebirr, "verify", resp.Code, resp.Msg)
	}
	return adapter.VerifyResult{
		RemoteStatus: resp.BizContent.OrderStatus,
		Amount:       resp.BizContent.TotalAmount,
		Currency:     resp.BizContent.TransCurrency,
		Raw:          payment.RawValue(raw),
	}, nil
}

func (r response[T]) ok() bool {
	return r.Code == "0" || (r.Code == "" && strings.EqualFold(r.Result, "SUCCESS"))
}

type notification struct {
	MerchOrderID   string              `json:"merch_order_id"`
	PaymentOrderID string              `json:"payment_order_id"`
	TradeStatus    string              `json:"trade_status"`
	TotalAmount    decimal.NullDecimal `json:"total_amount"`
	TransCurrency  string              `json:"trans_currency"`
}

// ParseWebhook extracts merch_order_id and trade_status.
func (a *Adapter) ParseWebhook(raw []byte) (adapter.WebhookEvent, error) {
	var n notification
	if err := adapter.DecodeWebhook(payment.MethodTelebirr, webhookContract, raw, &n); err != nil {
		return adapter.WebhookEvent{}, err
	}
	return adapter.WebhookEvent{
		ProviderReference: n.MerchOrderID,
		RemoteStatus:      n.TradeStatus,
		Amount:            n.TotalAmount,
		Currency:          n.TransCurrency,
		Raw:               payment.RawValue(raw),
	}, nil
}

func (a *Adapter) AuthenticateWebhook(header http.Header, raw []byte) error {
	return adapter.CheckSignature(payment.MethodTelebirr, a.cfg.WebhookSecret, header, raw, "X-Telebirr-Signature")
}
