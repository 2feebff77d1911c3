package payment

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error produced by the adapters, the store and the
// orchestrator matches exactly one of these with errors.Is.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrNetwork           = errors.New("network error")
	ErrProvider          = errors.New("provider error")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation error")
	ErrConflict          = errors.New("conflict")
)

// Invalid transitions the orchestrator reports.
var (
	ErrNotInitialized   = fmt.Errorf("%w: payment has not been initialized", ErrInvalidTransition)
	ErrAlreadyFinalized = fmt.Errorf("%w: transaction is already in a terminal state", ErrInvalidTransition)
)

var kinds = []error{
	ErrConfiguration,
	ErrNetwork,
	ErrProvider,
	ErrMalformedPayload,
	ErrNotFound,
	ErrInvalidTransition,
	ErrValidation,
	ErrConflict,
}

// KindOf returns the kind sentinel err matches, or nil for unclassified errors.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName is a short machine-readable name for the kind of err.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrConfiguration:
		return "configuration_error"
	case ErrNetwork:
		return "network_error"
	case ErrProvider:
		return "provider_error"
	case ErrMalformedPayload:
		return "malformed_payload"
	case ErrNotFound:
		return "not_found"
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrValidation:
		return "validation_error"
	case ErrConflict:
		return "conflict"
	default:
		return "internal_error"
	}
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrConflict)
}

// Error carries provider-side detail for adapter failures.
type Error struct {
	Kind       error  // one of the kind sentinels
	Provider   Method // provider that produced the error, if any
	Op         string // "initialize", "verify", "webhook"
	StatusCode int    // HTTP status returned by the provider, 0 if none
	Code       string // provider error code, if any
	Message    string
	Err        error // underlying cause
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(string(e.Provider))
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewError builds an *Error of the given kind.
func NewError(kind error, provider Method, op, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Message: message, Err: cause}
}
