// Package memory is an in-process Store used by tests and local runs
// without a database.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/storefront-payments/internal/payment"
	"github.com/yourorg/storefront-payments/internal/store"
)

type refKey struct {
	provider  payment.Method
	reference string
}

// Store keeps transactions in maps guarded by a RWMutex. Values are cloned
// on the way in and out so callers never share the details bag.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]payment.Transaction
	byRef map[refKey]string
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID:  make(map[string]payment.Transaction),
		byRef: make(map[refKey]string),
		now:   time.Now,
	}
}

func (s *Store) Create(_ context.Context, tx payment.Transaction) (payment.Transaction, error) {
	tx, err := store.PrepareNew(tx, s.now())
	if err != nil {
		return payment.Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[tx.ID]; exists {
		return payment.Transaction{}, fmt.Errorf("transaction %s already exists: %w", tx.ID, payment.ErrConflict)
	}
	tx.PaymentDetails = tx.PaymentDetails.Clone()
	s.byID[tx.ID] = tx
	if m, ref, ok := store.IndexKey(tx.PaymentDetails); ok {
		s.byRef[refKey{m, ref}] = tx.ID
	}
	return clone(tx), nil
}

func (s *Store) Get(_ context.Context, id string) (payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byID[id]
	if !ok {
		return payment.Transaction{}, store.NotFound(id)
	}
	return clone(tx), nil
}

func (s *Store) FindByProviderReference(_ context.Context, provider payment.Method, reference string) (payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[refKey{provider, reference}]
	if !ok {
		return payment.Transaction{}, fmt.Errorf("%s reference %q: %w", provider, reference, payment.ErrNotFound)
	}
	return clone(s.byID[id]), nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, expectedVersion int64, status payment.Status, patch payment.Details) (payment.Transaction, error) {
	if !status.Valid() {
		return payment.Transaction{}, fmt.Errorf("unknown status %q: %w", status, payment.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok {
		return payment.Transaction{}, store.NotFound(id)
	}
	if tx.Version != expectedVersion {
		return payment.Transaction{}, store.Conflict(id, expectedVersion)
	}

	oldProvider, oldRef, hadRef := store.IndexKey(tx.PaymentDetails)
	merged := tx.PaymentDetails.Merge(patch)
	newProvider, newRef, hasRef := store.IndexKey(merged)
	if hasRef && (newProvider != oldProvider || newRef != oldRef) {
		if owner, taken := s.byRef[refKey{newProvider, newRef}]; taken && owner != id {
			return payment.Transaction{}, fmt.Errorf("%s reference %q belongs to transaction %s: %w", newProvider, newRef, owner, payment.ErrConflict)
		}
		if hadRef {
			delete(s.byRef, refKey{oldProvider, oldRef})
		}
		s.byRef[refKey{newProvider, newRef}] = id
	}

	tx.Status = status
	tx.PaymentDetails = merged
	tx.Version++
	tx.UpdatedAt = s.now().UTC()
	s.byID[id] = tx
	return clone(tx), nil
}

func (s *Store) List(_ context.Context, from, to time.Time) ([]payment.Transaction, error) {
	s.mu.RLock()
	out := make([]payment.Transaction, 0, len(s.byID))
	for _, tx := range s.byID {
		if tx.CreatedAt.Before(from) || (!to.IsZero() && !tx.CreatedAt.Before(to)) {
			continue
		}
		out = append(out, clone(tx))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b payment.Transaction) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func clone(tx payment.Transaction) payment.Transaction {
	tx.PaymentDetails = tx.PaymentDetails.Clone()
	return tx
}
