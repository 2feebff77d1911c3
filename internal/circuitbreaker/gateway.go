package circuitbreaker

import (
	"context"
	"errors"
	"net/http"

	"github.com/yourorg/storefront-payments/internal/adapter"
	"github.com/yourorg/storefront-payments/internal/metrics"
	"github.com/yourorg/storefront-payments/internal/payment"
)

// Gateway guards the outbound calls of an adapter.Gateway with a breaker.
// Only network errors count as failures: a 404 or a provider rejection
// proves the provider is reachable. Webhook parsing never touches the
// network and is passed straight through.
type Gateway struct {
	next adapter.Gateway
	cb   *CircuitBreaker
}

// Wrap returns g guarded by cb.
func Wrap(g adapter.Gateway, cb *CircuitBreaker) *Gateway {
	if g == nil || cb == nil {
		panic("circuitbreaker.Wrap: nil gateway or breaker")
	}
	metrics.SetCircuitState(string(g.Method()), int(StateClosed))
	return &Gateway{next: g, cb: cb}
}

// MetricsObserver is a Config.OnStateChange hook that publishes every
// transition to the payments_circuit_state gauge.
func MetricsObserver(provider string, _, to State) {
	metrics.SetCircuitState(provider, int(to))
}

func (g *Gateway) Method() payment.Method { return g.next.Method() }

// Unwrap returns the guarded gateway.
func (g *Gateway) Unwrap() adapter.Gateway { return g.next }

func (g *Gateway) Initialize(ctx context.Context, req adapter.InitRequest) (adapter.InitResult, error) {
	if err := g.admit("initialize"); err != nil {
		return adapter.InitResult{}, err
	}
	res, err := g.next.Initialize(ctx, req)
	g.record(err)
	return res, err
}

func (g *Gateway) Verify(ctx context.Context, reference string) (adapter.VerifyResult, error) {
	if err := g.admit("verify"); err != nil {
		return adapter.VerifyResult{}, err
	}
	res, err := g.next.Verify(ctx, reference)
	g.record(err)
	return res, err
}

func (g *Gateway) ParseWebhook(raw []byte) (adapter.WebhookEvent, error) {
	return g.next.ParseWebhook(raw)
}

// AuthenticateWebhook delegates when the guarded gateway authenticates
// webhooks and accepts everything otherwise.
func (g *Gateway) AuthenticateWebhook(header http.Header, raw []byte) error {
	if a, ok := g.next.(adapter.WebhookAuthenticator); ok {
		return a.AuthenticateWebhook(header, raw)
	}
	return nil
}

func (g *Gateway) admit(op string) error {
	name := string(g.next.Method())
	if g.cb.AllowRequest(name) {
		return nil
	}
	return payment.NewError(payment.ErrNetwork, g.next.Method(), op, "circuit open, provider temporarily unavailable", nil)
}

func (g *Gateway) record(err error) {
	name := string(g.next.Method())
	switch {
	case err == nil:
		g.cb.RecordSuccess(name)
	case errors.Is(err, payment.ErrNetwork):
		g.cb.RecordFailure(name)
	case errors.Is(err, payment.ErrConfiguration):
		// Not the provider's fault.
	default:
		g.cb.RecordSuccess(name)
	}
}
