// Package payment holds the domain types shared by the gateway adapters, the
// transaction store and the orchestrator: payment methods, the four-state
// transaction lifecycle, the payment details bag and the error kinds.
package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Method identifies one of the supported payment providers. The set is closed:
// adding a provider means adding a constant here and one arm in the
// orchestrator's dispatch switch.
type Method string

const (
	MethodChapa     Method = "chapa"
	MethodTelebirr  Method = "telebirr"
	MethodSantimPay Method = "santimpay"
)

// Methods lists every supported method in a stable order.
func Methods() []Method {
	return []Method{MethodChapa, MethodTelebirr, MethodSantimPay}
}

// ParseMethod converts user or URL input into a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodChapa, MethodTelebirr, MethodSantimPay:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unsupported payment method %q", ErrValidation, s)
	}
}

func (m Method) String() string { return string(m) }

// AmountScale is the number of decimal places an amount may carry. Every
// provider charges in minor units of two decimals.
const AmountScale = 2

// ValidAmountScale reports whether d fits in AmountScale decimals.
func ValidAmountScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(AmountScale))
}

// Status is the local transaction lifecycle state.
type Status string

const (
	StatusCreated          Status = "created"
	StatusPaymentInitiated Status = "payment_initiated"
	StatusPaymentCompleted Status = "payment_completed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusPaymentCompleted || s == StatusCancelled
}

// Rank orders states by how far along the lifecycle they are. Both terminal
// states share the highest rank.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusPaymentInitiated:
		return 1
	case StatusPaymentCompleted, StatusCancelled:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool { return s.Rank() >= 0 }

func (s Status) String() string { return string(s) }

// Transaction is the unit of reconciliation. Everything except Status,
// PaymentDetails, Version and UpdatedAt is immutable after creation.
type Transaction struct {
	ID             string          `json:"id"`
	ListingID      string          `json:"listing_id"`
	BuyerEmail     string          `json:"buyer_email"`
	BuyerPhone     string          `json:"buyer_phone"`
	BuyerName      string          `json:"buyer_name"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	PaymentDetails Details         `json:"payment_details"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Method returns the provider recorded for the active attempt, if any.
func (t Transaction) Method() (Method, bool) {
	name := t.PaymentDetails.String(DetailProvider)
	if name == "" {
		return "", false
	}
	m, err := ParseMethod(name)
	if err != nil {
		return "", false
	}
	return m, true
}

// ProviderReference returns the active provider reference, or "".
func (t Transaction) ProviderReference() string {
	return t.PaymentDetails.String(DetailProviderReference)
}
