// Package store is the persistence contract for payment transactions. Writes
// are compare-and-set on Transaction.Version; the store never decides
// lifecycle questions, it only applies what the orchestrator asks for.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/storefront-payments/internal/payment"
)

// Store is implemented by the memory and PostgreSQL backends.
type Store interface {
	// Create persists a new transaction in the created state.
	Create(ctx context.Context, tx payment.Transaction) (payment.Transaction, error)

	// Get loads a transaction by id. Unknown ids match payment.ErrNotFound.
	Get(ctx context.Context, id string) (payment.Transaction, error)

	// FindByProviderReference is an exact lookup on the active
	// (provider, reference) pair.
	FindByProviderReference(ctx context.Context, provider payment.Method, reference string) (payment.Transaction, error)

	// UpdateStatus sets status and merges patch into the details bag if the
	// stored version still equals expectedVersion. A stale version matches
	// payment.ErrConflict. When patch carries provider and
	// provider_reference the reference index is re-pointed.
	UpdateStatus(ctx context.Context, id string, expectedVersion int64, status payment.Status, patch payment.Details) (payment.Transaction, error)

	// List returns the transactions created in [from, to), oldest first. A
	// zero to leaves the window open-ended.
	List(ctx context.Context, from, to time.Time) ([]payment.Transaction, error)
}

// PrepareNew validates tx and fills the fields a backend assigns at
// creation.
func PrepareNew(tx payment.Transaction, now time.Time) (payment.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if !tx.Amount.IsPositive() {
		return payment.Transaction{}, fmt.Errorf("amount must be positive: %w", payment.ErrValidation)
	}
	if !payment.ValidAmountScale(tx.Amount) {
		return payment.Transaction{}, fmt.Errorf("amount %s has more than %d decimals: %w", tx.Amount, payment.AmountScale, payment.ErrValidation)
	}
	tx.Currency = strings.ToUpper(strings.TrimSpace(tx.Currency))
	if len(tx.Currency) != 3 {
		return payment.Transaction{}, fmt.Errorf("currency %q is not an ISO code: %w", tx.Currency, payment.ErrValidation)
	}
	if tx.Status == "" {
		tx.Status = payment.StatusCreated
	}
	if !tx.Status.Valid() {
		return payment.Transaction{}, fmt.Errorf("unknown status %q: %w", tx.Status, payment.ErrValidation)
	}
	if tx.PaymentDetails == nil {
		tx.PaymentDetails = payment.Details{}
	}
	tx.Version = 1
	tx.CreatedAt = now.UTC()
	tx.UpdatedAt = tx.CreatedAt
	return tx, nil
}

// IndexKey extracts the (provider, reference) pair a details bag points at.
func IndexKey(d payment.Details) (payment.Method, string, bool) {
	ref := d.String(payment.DetailProviderReference)
	if ref == "" {
		return "", "", false
	}
	m, err := payment.ParseMethod(d.String(payment.DetailProvider))
	if err != nil {
		return "", "", false
	}
	return m, ref, true
}

// NotFound is the error returned for an unknown transaction id.
func NotFound(id string) error {
	return fmt.Errorf("transaction %s: %w", id, payment.ErrNotFound)
}

// Conflict is the error returned for a stale expected version.
func Conflict(id string, expected int64) error {
	return fmt.Errorf("transaction %s changed since version %d: %w", id, expected, payment.ErrConflict)
}
