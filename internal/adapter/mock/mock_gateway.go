// Package mock provides a scriptable adapter.Gateway for tests.
package mock

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/yourorg/storefront-payments/internal/adapter"
	"github.com/yourorg/storefront-payments/internal/payment"
)

// Gateway is a mock implementation of adapter.Gateway. Unset funcs fall back
// to a default successful behavior. Call counters are safe for concurrent use.
type Gateway struct {
	Name payment.Method

	InitializeFunc   func(ctx context.Context, req adapter.InitRequest) (adapter.InitResult, error)
	VerifyFunc       func(ctx context.Context, reference string) (adapter.VerifyResult, error)
	ParseWebhookFunc func(raw []byte) (adapter.WebhookEvent, error)
	AuthenticateFunc func(header http.Header, raw []byte) error

	initializeCalls atomic.Int64
	verifyCalls     atomic.Int64
	webhookCalls    atomic.Int64

	mu       sync.Mutex
	requests []adapter.InitRequest
}

// NewGateway creates a new mock Gateway for m.
func NewGateway(m payment.Method) *Gateway {
	return &Gateway{Name: m}
}

func (g *Gateway) Method() payment.Method { return g.Name }

// Initialize implements adapter.Gateway. By default it returns a fresh
// reference and a checkout URL derived from it.
func (g *Gateway) Initialize(ctx context.Context, req adapter.InitRequest) (adapter.InitResult, error) {
	g.initializeCalls.Add(1)
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.InitializeFunc != nil {
		return g.InitializeFunc(ctx, req)
	}
	ref := uuid.NewString()
	return adapter.InitResult{
		CheckoutURL:       "https://checkout.mock.test/pay/" + ref,
		ProviderReference: ref,
		AttemptReference:  ref,
		Raw:               map[string]any{"mock": true, "reference": ref},
	}, nil
}

// Verify implements adapter.Gateway. By default the payment is still pending.
func (g *Gateway) Verify(ctx context.Context, reference string) (adapter.VerifyResult, error) {
	g.verifyCalls.Add(1)
	if g.VerifyFunc != nil {
		return g.VerifyFunc(ctx, reference)
	}
	return adapter.VerifyResult{
		RemoteStatus: "pending",
		Raw:          map[string]any{"reference": reference, "status": "pending"},
	}, nil
}

// ParseWebhook implements adapter.Gateway.
func (g *Gateway) ParseWebhook(raw []byte) (adapter.WebhookEvent, error) {
	g.webhookCalls.Add(1)
	if g.ParseWebhookFunc != nil {
		return g.ParseWebhookFunc(raw)
	}
	return adapter.WebhookEvent{}, adapter.Malformed(g.Name, "mock has no webhook parser", nil)
}

// AuthenticateWebhook implements adapter.WebhookAuthenticator.
func (g *Gateway) AuthenticateWebhook(header http.Header, raw []byte) error {
	if g.AuthenticateFunc != nil {
		return g.AuthenticateFunc(header, raw)
	}
	return nil
}

func (g *Gateway) InitializeCalls() int { return int(g.initializeCalls.Load()) }
func (g *Gateway) VerifyCalls() int { return int(g.verifyCalls.Load()) }
func (g *Gateway) WebhookCalls() int { return int(g.webhookCalls.Load()) }

// Requests returns a copy of every InitRequest received.
func (g *Gateway) Requests() []adapter.InitRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]adapter.InitRequest(nil), g.requests...)
}
