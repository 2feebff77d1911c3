package adapter

import (
	"context"
	"errors"

	"github.com/yourorg/storefront-payments/internal/payment"
)

// Unconfigured stands in for a provider whose credentials are missing. Every
// call fails with the construction error and performs no I/O.
type Unconfigured struct {
	method payment.Method
	err    error
}

// NewUnconfigured returns a gateway for m that always fails with err. err
// is wrapped as a ConfigurationError if it is not one already.
func NewUnconfigured(m payment.Method, err error) *Unconfigured {
	if err == nil {
		err = payment.NewError(payment.ErrConfiguration, m, "configure", "provider is not configured", nil)
	} else if !errors.Is(err, payment.ErrConfiguration) {
		err = payment.NewError(payment.ErrConfiguration, m, "configure", "provider is not configured", err)
	}
	return &Unconfigured{method: m, err: err}
}

func (u *Unconfigured) Method() payment.Method { return u.method }

// Err is the configuration error every call returns.
func (u *Unconfigured) Err() error { return u.err }

func (u *Unconfigured) Initialize(context.Context, InitRequest) (InitResult, error) {
	return InitResult{}, u.err
}

func (u *Unconfigured) Verify(context.Context, string) (VerifyResult, error) {
	return VerifyResult{}, u.err
}

func (u *Unconfigured) ParseWebhook([]byte) (WebhookEvent, error) {
	return WebhookEvent{}, u.err
}
