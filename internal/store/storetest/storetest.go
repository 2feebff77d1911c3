// Package storetest is a behavioral suite every store.Store implementation
// must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/storefront-payments/internal/payment"
	"github.com/yourorg/storefront-payments/internal/store"
)

// Run exercises s. Each subtest creates its own transactions, so s may be
// shared across subtests.
func Run(t *testing.T, s store.Store) {
	ctx := context.Background()

	newTx := func(t *testing.T) payment.Transaction {
		t.Helper()
		tx, err := s.Create(ctx, payment.Transaction{
			ListingID:  "listing-1",
			BuyerEmail: "buyer@example.com",
			Amount:     decimal.RequireFromString("500.00"),
			Currency:   "etb",
		})
		require.NoError(t, err)
		return tx
	}

	t.Run("Create and Get", func(t *testing.T) {
		tx := newTx(t)
		assert.NotEmpty(t, tx.ID)
		assert.Equal(t, payment.StatusCreated, tx.Status)
		assert.Equal(t, "ETB", tx.Currency)
		assert.Equal(t, int64(1), tx.Version)

		got, err := s.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, tx.ID, got.ID)
		assert.Equal(t, "listing-1", got.ListingID)
		assert.True(t, tx.Amount.Equal(got.Amount))
		assert.Equal(t, payment.StatusCreated, got.Status)
	})

	t.Run("Create rejects invalid input", func(t *testing.T) {
		_, err := s.Create(ctx, payment.Transaction{Amount: decimal.Zero, Currency: "ETB"})
		assert.ErrorIs(t, err, payment.ErrValidation)
		_, err = s.Create(ctx, payment.Transaction{Amount: decimal.NewFromInt(1), Currency: "birr"})
		assert.ErrorIs(t, err, payment.ErrValidation)
		_, err = s.Create(ctx, payment.Transaction{Amount: decimal.RequireFromString("10.005"), Currency: "ETB"})
		assert.ErrorIs(t, err, payment.ErrValidation)
	})

	t.Run("Get unknown", func(t *testing.T) {
		_, err := s.Get(ctx, "does-not-exist")
		assert.ErrorIs(t, err, payment.ErrNotFound)
	})

	t.Run("UpdateStatus merges details and bumps version", func(t *testing.T) {
		tx := newTx(t)
		updated, err := s.UpdateStatus(ctx, tx.ID, tx.Version, payment.StatusPaymentInitiated, payment.Details{
			payment.DetailProvider:          "chapa",
			payment.DetailProviderReference: "ref-" + tx.ID,
			payment.DetailCheckoutURL:       "https://checkout.chapa.co/x",
		})
		require.NoError(t, err)
		assert.Equal(t, payment.StatusPaymentInitiated, updated.Status)
		assert.Equal(t, tx.Version+1, updated.Version)

		updated, err = s.UpdateStatus(ctx, tx.ID, updated.Version, payment.StatusPaymentInitiated, payment.Details{
			payment.DetailVerificationResponse: map[string]any{"status": "pending"},
		})
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.chapa.co/x", updated.PaymentDetails.String(payment.DetailCheckoutURL), "existing keys survive a merge")
		assert.NotNil(t, updated.PaymentDetails[payment.DetailVerificationResponse])

		got, err := s.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, updated.Version, got.Version)
		assert.Equal(t, "ref-"+tx.ID, got.ProviderReference())
	})

	t.Run("UpdateStatus stale version conflicts", func(t *testing.T) {
		tx := newTx(t)
		_, err := s.UpdateStatus(ctx, tx.ID, tx.Version, payment.StatusPaymentInitiated, nil)
		require.NoError(t, err)

		_, err = s.UpdateStatus(ctx, tx.ID, tx.Version, payment.StatusCancelled, nil)
		assert.ErrorIs(t, err, payment.ErrConflict)

		got, err := s.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, payment.StatusPaymentInitiated, got.Status)
	})

	t.Run("UpdateStatus unknown id", func(t *testing.T) {
		_, err := s.UpdateStatus(ctx, "does-not-exist", 1, payment.StatusCancelled, nil)
		assert.ErrorIs(t, err, payment.ErrNotFound)
	})

	t.Run("Reference index follows the active attempt", func(t *testing.T) {
		tx := newTx(t)
		first, second := "first-"+tx.ID, "second-"+tx.ID

		v1, err := s.UpdateStatus(ctx, tx.ID, tx.Version, payment.StatusPaymentInitiated, payment.Details{
			payment.DetailProvider: "telebirr", payment.DetailProviderReference: first,
		})
		require.NoError(t, err)
		found, err := s.FindByProviderReference(ctx, payment.MethodTelebirr, first)
		require.NoError(t, err)
		assert.Equal(t, tx.ID, found.ID)

		_, err = s.FindByProviderReference(ctx, payment.MethodChapa, first)
		assert.ErrorIs(t, err, payment.ErrNotFound, "lookup is exact on provider")

		_, err = s.UpdateStatus(ctx, tx.ID, v1.Version, payment.StatusPaymentInitiated, payment.Details{
			payment.DetailProvider: "santimpay", payment.DetailProviderReference: second,
		})
		require.NoError(t, err)

		_, err = s.FindByProviderReference(ctx, payment.MethodTelebirr, first)
		assert.ErrorIs(t, err, payment.ErrNotFound, "superseded reference is no longer indexed")
		found, err = s.FindByProviderReference(ctx, payment.MethodSantimPay, second)
		require.NoError(t, err)
		assert.Equal(t, tx.ID, found.ID)
	})

	t.Run("Returned values do not alias storage", func(t *testing.T) {
		tx := newTx(t)
		got, err := s.Get(ctx, tx.ID)
		require.NoError(t, err)
		got.PaymentDetails["tampered"] = true

		again, err := s.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.NotContains(t, again.PaymentDetails, "tampered")
	})

	t.Run("List filters on creation time", func(t *testing.T) {
		a := newTx(t)
		b := newTx(t)
		ids := func(txs []payment.Transaction) []string {
			out := make([]string, 0, len(txs))
			for _, tx := range txs {
				out = append(out, tx.ID)
			}
			return out
		}

		all, err := s.List(ctx, a.CreatedAt, time.Time{})
		require.NoError(t, err)
		assert.Subset(t, ids(all), []string{a.ID, b.ID})
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt), "oldest first")
		}

		before, err := s.List(ctx, time.Time{}, a.CreatedAt)
		require.NoError(t, err)
		assert.NotContains(t, ids(before), a.ID, "upper bound is exclusive")

		later, err := s.List(ctx, b.CreatedAt.Add(time.Hour), time.Time{})
		require.NoError(t, err)
		assert.Empty(t, later)
	})

	t.Run("Concurrent writers: exactly one wins per version", func(t *testing.T) {
		tx := newTx(t)
		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateStatus(ctx, tx.ID, tx.Version, payment.StatusPaymentInitiated, nil)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, payment.ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
	})
}
