// Package reporting summarizes stored payment transactions for operators
// reconciling provider statements against local state.
package reporting

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/storefront-payments/internal/orchestrator"
	"github.com/yourorg/storefront-payments/internal/payment"
)

// DefaultStaleAfter is how long a payment may sit in payment_initiated
// before the report lists it for verification.
const DefaultStaleAfter = 30 * time.Minute

// RetrospectiveReport summarizes the transactions created in a window.
type RetrospectiveReport struct {
	From               time.Time                  `json:"from"`
	To                 time.Time                  `json:"to,omitzero"`
	TotalTransactions  int                        `json:"total_transactions"`
	ByStatus           map[payment.Status]int     `json:"by_status"`
	ByMethod           map[payment.Method]int     `json:"by_method"`
	CompletedAmount    map[string]decimal.Decimal `json:"completed_amount"` // by currency
	EventCounts        map[string]int             `json:"event_counts"`     // history entries by source
	Reinitialized      int                        `json:"reinitialized"`
	AmountMismatches   int                        `json:"amount_mismatches"`
	StaleInitiated     []string                   `json:"stale_initiated"`
	FirstCreatedAt     time.Time                  `json:"first_created_at,omitzero"`
	LastCreatedAt      time.Time                  `json:"last_created_at,omitzero"`
	ProcessingDuration time.Duration              `json:"processing_duration_ns"`
}

// RetrospectiveReporter generates reports from transactions.
type RetrospectiveReporter struct {
	staleAfter time.Duration
	now        func() time.Time
}

// NewRetrospectiveReporter creates a reporter. A non-positive staleAfter
// takes DefaultStaleAfter.
func NewRetrospectiveReporter(staleAfter time.Duration) *RetrospectiveReporter {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &RetrospectiveReporter{staleAfter: staleAfter, now: time.Now}
}

// GenerateRetrospective summarizes txs, which the caller has already limited
// to [from, to).
func (rr *RetrospectiveReporter) GenerateRetrospective(txs []payment.Transaction, from, to time.Time) *RetrospectiveReport {
	report := &RetrospectiveReport{
		From:            from,
		To:              to,
		ByStatus:        make(map[payment.Status]int),
		ByMethod:        make(map[payment.Method]int),
		CompletedAmount: make(map[string]decimal.Decimal),
		EventCounts:     make(map[string]int),
		StaleInitiated:  []string{},
	}
	staleBefore := rr.now().Add(-rr.staleAfter)

	for _, tx := range txs {
		report.TotalTransactions++
		report.ByStatus[tx.Status]++

		if report.FirstCreatedAt.IsZero() || tx.CreatedAt.Before(report.FirstCreatedAt) {
			report.FirstCreatedAt = tx.CreatedAt
		}
		if tx.CreatedAt.After(report.LastCreatedAt) {
			report.LastCreatedAt = tx.CreatedAt
		}

		if m, ok := tx.Method(); ok {
			report.ByMethod[m]++
		}

		switch tx.Status {
		case payment.StatusPaymentCompleted:
			report.CompletedAmount[tx.Currency] = report.CompletedAmount[tx.Currency].Add(tx.Amount)
		case payment.StatusPaymentInitiated:
			if tx.UpdatedAt.Before(staleBefore) {
				report.StaleInitiated = append(report.StaleInitiated, tx.ID)
			}
		}

		if _, ok := tx.PaymentDetails[payment.DetailAmountMismatch]; ok {
			report.AmountMismatches++
		}

		inits := 0
		for _, e := range tx.PaymentDetails.History() {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			event, _ := entry["event"].(string)
			if event == "" {
				continue
			}
			report.EventCounts[event]++
			if event == orchestrator.SourceInitialize {
				inits++
			}
		}
		if inits > 1 {
			report.Reinitialized++
		}
	}

	if report.TotalTransactions > 0 {
		report.ProcessingDuration = report.LastCreatedAt.Sub(report.FirstCreatedAt)
	}
	return report
}
