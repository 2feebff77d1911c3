// Package adapter defines the capability every payment provider integration
// implements and the plumbing they share: a JSON transport with a bounded
// per-call timeout and uniform error mapping, webhook signature checks, and
// a placeholder gateway for providers that are not configured.
//
// Adapters handle provider-specific serialization, authentication and
// field extraction only. They return the provider's raw status token;
// normalizing it onto the local lifecycle is the orchestrator's job.
package adapter

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/storefront-payments/internal/payment"
)

// DefaultTimeout bounds a single provider call when Options.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// InitRequest carries everything a provider needs to open a checkout.
type InitRequest struct {
	TransactionID string
	ListingID     string
	Amount        decimal.Decimal
	Currency      string
	BuyerEmail    string
	BuyerPhone    string
	BuyerName     string
}

// InitResult is the outcome of a successful initialization.
type InitResult struct {
	CheckoutURL       string
	ProviderReference string
	AttemptReference  string // fresh per attempt
	Raw               any    // decoded provider response
}

// VerifyResult is the provider's current view of a payment.
type VerifyResult struct {
	RemoteStatus string
	Amount       decimal.NullDecimal // Valid only when the provider reported it
	Currency     string
	Raw          any
}

// WebhookEvent is the reference and status extracted from a notification.
type WebhookEvent struct {
	ProviderReference string
	RemoteStatus      string
	Amount            decimal.NullDecimal
	Currency          string
	Raw               any
}

// Gateway is implemented by each provider adapter.
type Gateway interface {
	Method() payment.Method

	// Initialize opens a hosted checkout. It is never retried by callers.
	Initialize(ctx context.Context, req InitRequest) (InitResult, error)

	// Verify fetches the provider's current status for reference. It is
	// idempotent and never cached.
	Verify(ctx context.Context, reference string) (VerifyResult, error)

	// ParseWebhook extracts the provider reference and status from a raw
	// notification body. Any structural problem is a malformed payload.
	ParseWebhook(raw []byte) (WebhookEvent, error)
}

// WebhookAuthenticator is implemented by gateways that can check the
// origin of a webhook before it is parsed.
type WebhookAuthenticator interface {
	AuthenticateWebhook(header http.Header, raw []byte) error
}

// Options are the settings shared by every adapter.
type Options struct {
	// PublicBaseURL is where this service is reachable by providers. The
	// webhook callback URL is derived from it.
	PublicBaseURL string
	// ReturnURL is where the buyer's browser lands after checkout.
	ReturnURL  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// CallbackURL is the webhook endpoint registered with a provider at
// initialization.
func (o Options) CallbackURL(m payment.Method) string {
	return strings.TrimRight(o.PublicBaseURL, "/") + "/api/v1/webhooks/" + string(m)
}

// ReturnURLFor is the return URL for one transaction.
func (o Options) ReturnURLFor(transactionID string) string {
	if o.ReturnURL == "" {
		return ""
	}
	u, err := url.Parse(o.ReturnURL)
	if err != nil {
		return o.ReturnURL
	}
	q := u.Query()
	q.Set("transaction_id", transactionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient == nil {
		return http.DefaultClient
	}
	return o.HTTPClient
}

// MissingCredentials returns a ConfigurationError naming the unset keys, or
// nil when every value is present.
func MissingCredentials(m payment.Method, creds map[string]string) error {
	var missing []string
	for name, v := range creds {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return payment.NewError(payment.ErrConfiguration, m, "configure",
		"missing credentials: "+strings.Join(missing, ", "), nil)
}
