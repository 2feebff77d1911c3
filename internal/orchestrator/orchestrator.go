// Package orchestrator reconciles a locally tracked payment transaction with
// the provider that processes it. It is the only writer of a transaction's
// status: initialization, pull verification and push webhooks all funnel
// into the same transition logic, which writes with compare-and-set on the
// record version so concurrent callers cannot rewind each other.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/storefront-payments/internal/adapter"
	"github.com/yourorg/storefront-payments/internal/events"
	"github.com/yourorg/storefront-payments/internal/logging"
	"github.com/yourorg/storefront-payments/internal/metrics"
	"github.com/yourorg/storefront-payments/internal/payment"
	"github.com/yourorg/storefront-payments/internal/policy"
	"github.com/yourorg/storefront-payments/internal/store"
)

// Sources of a status change, used in history, events and metrics.
const (
	SourceInitialize = "initialize"
	SourceVerify     = "verify"
	SourceWebhook    = "webhook"
)

// maxWriteRounds bounds how often a write is re-decided after losing a
// compare-and-set race.
const maxWriteRounds = 5

var tracer = otel.Tracer("github.com/yourorg/storefront-payments/internal/orchestrator")

// Gateways holds one adapter per supported method.
type Gateways struct {
	Chapa     adapter.Gateway
	Telebirr  adapter.Gateway
	SantimPay adapter.Gateway
}

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	VerifyMaxAttempts    int           // default 3
	VerifyInitialBackoff time.Duration // default 200ms
	Policy               *policy.NormalizationPolicy
	Now                  func() time.Time
}

// Orchestrator is the facade behind the payment entry points.
type Orchestrator struct {
	store     store.Store
	gateways  Gateways
	policy    *policy.NormalizationPolicy
	publisher events.Publisher
	logger    *zap.Logger

	verifyAttempts int
	verifyBackoff  time.Duration
	now            func() time.Time
}

// New creates an Orchestrator. It panics on a nil dependency.
func New(st store.Store, gw Gateways, pub events.Publisher, logger *zap.Logger, cfg Config) *Orchestrator {
	if st == nil {
		panic("orchestrator.New: store cannot be nil")
	}
	if gw.Chapa == nil || gw.Telebirr == nil || gw.SantimPay == nil {
		panic("orchestrator.New: every payment method needs a gateway")
	}
	if pub == nil {
		panic("orchestrator.New: publisher cannot be nil")
	}
	if logger == nil {
		panic("orchestrator.New: logger cannot be nil")
	}
	o := &Orchestrator{
		store:          st,
		gateways:       gw,
		policy:         cfg.Policy,
		publisher:      pub,
		logger:         logger,
		verifyAttempts: cfg.VerifyMaxAttempts,
		verifyBackoff:  cfg.VerifyInitialBackoff,
		now:            cfg.Now,
	}
	if o.policy == nil {
		o.policy = policy.MustDefault()
	}
	if o.verifyAttempts < 1 {
		o.verifyAttempts = 3
	}
	if o.verifyBackoff <= 0 {
		o.verifyBackoff = 200 * time.Millisecond
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// gateway selects the adapter for m.
func (o *Orchestrator) gateway(m payment.Method) (adapter.Gateway, error) {
	switch m {
	case payment.MethodChapa:
		return o.gateways.Chapa, nil
	case payment.MethodTelebirr:
		return o.gateways.Telebirr, nil
	case payment.MethodSantimPay:
		return o.gateways.SantimPay, nil
	default:
		return nil, fmt.Errorf("%w: unsupported payment method %q", payment.ErrValidation, m)
	}
}

// InitializeRequest asks for a checkout on Method for an existing
// transaction. Amount and Currency must match the stored record; empty
// listing and buyer fields are taken from it.
type InitializeRequest struct {
	Method        payment.Method
	TransactionID string
	ListingID     string
	Amount        decimal.Decimal
	Currency      string
	BuyerEmail    string
	BuyerPhone    string
	BuyerName     string
}

func (r InitializeRequest) validate() error {
	var problems []string
	if _, err := payment.ParseMethod(string(r.Method)); err != nil {
		problems = append(problems, fmt.Sprintf("unsupported payment method %q", r.Method))
	}
	if strings.TrimSpace(r.TransactionID) == "" {
		problems = append(problems, "transaction id is required")
	}
	if !r.Amount.IsPositive() {
		problems = append(problems, "amount must be positive")
	}
	if !payment.ValidAmountScale(r.Amount) {
		problems = append(problems, fmt.Sprintf("amount may have at most %d decimals", payment.AmountScale))
	}
	if len(strings.TrimSpace(r.Currency)) != 3 {
		problems = append(problems, "currency must be a 3-letter code")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", payment.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// InitializeResult is what the buyer needs to continue at the provider.
type InitializeResult struct {
	TransactionID     string         `json:"transaction_id"`
	CheckoutURL       string         `json:"checkout_url"`
	ProviderReference string         `json:"provider_reference"`
	Status            payment.Status `json:"status"`
}

// InitializePayment opens a checkout with the provider and records the
// attempt. Re-initializing a pending transaction replaces the active
// reference; earlier attempts stay in the history. Adapter failures leave
// the transaction untouched and are never retried.
func (o *Orchestrator) InitializePayment(ctx context.Context, req InitializeRequest) (res InitializeResult, err error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.InitializePayment", trace.WithAttributes(
		attribute.String("payment.method", string(req.Method)),
		attribute.String("payment.transaction_id", req.TransactionID),
	))
	defer func() { endSpan(span, err) }()
	defer func() { metrics.ObserveInitialize(string(req.Method), outcome(err)) }()
	log := logging.L(ctx, o.logger).With(
		zap.String("transaction_id", req.TransactionID),
		zap.String("method", string(req.Method)),
	)

	if err := req.validate(); err != nil {
		return InitializeResult{}, err
	}
	tx, err := o.store.Get(ctx, req.TransactionID)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("initialize payment: %w", err)
	}
	if tx.Status.IsTerminal() {
		return InitializeResult{}, fmt.Errorf("initialize transaction %s (%s): %w", tx.ID, tx.Status, payment.ErrAlreadyFinalized)
	}
	if !req.Amount.Equal(tx.Amount) || !strings.EqualFold(strings.TrimSpace(req.Currency), tx.Currency) {
		return InitializeResult{}, fmt.Errorf("%w: amount %s %s does not match transaction %s %s",
			payment.ErrValidation, req.Amount.StringFixed(2), strings.ToUpper(req.Currency),
			tx.Amount.StringFixed(2), tx.Currency)
	}
	gw, err := o.gateway(req.Method)
	if err != nil {
		return InitializeResult{}, err
	}

	started, err := gw.Initialize(ctx, adapter.InitRequest{
		TransactionID: tx.ID,
		ListingID:     firstNonEmpty(req.ListingID, tx.ListingID),
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		BuyerEmail:    firstNonEmpty(req.BuyerEmail, tx.BuyerEmail),
		BuyerPhone:    firstNonEmpty(req.BuyerPhone, tx.BuyerPhone),
		BuyerName:     firstNonEmpty(req.BuyerName, tx.BuyerName),
	})
	if err != nil {
		log.Warn("provider initialization failed", zap.Error(err))
		return InitializeResult{}, fmt.Errorf("initialize %s payment for transaction %s: %w", req.Method, tx.ID, err)
	}

	before, after, err := o.write(ctx, tx, func(current payment.Transaction) (payment.Status, payment.Details, error) {
		if current.Status.IsTerminal() {
			return "", nil, fmt.Errorf("initialize transaction %s (%s): %w", current.ID, current.Status, payment.ErrAlreadyFinalized)
		}
		at := o.now()
		patch := payment.Details{
			payment.DetailProvider:          string(req.Method),
			payment.DetailProviderReference: started.ProviderReference,
			payment.DetailCheckoutURL:       started.CheckoutURL,
			payment.DetailAttemptReference:  started.AttemptReference,
			payment.DetailInitializedAt:     at.UTC().Format(time.RFC3339Nano),
		}
		patch[payment.DetailHistory] = current.PaymentDetails.AppendHistory(payment.HistoryEntry{
			Event:             SourceInitialize,
			Provider:          req.Method,
			ProviderReference: started.ProviderReference,
			CheckoutURL:       started.CheckoutURL,
			FromStatus:        current.Status,
			ToStatus:          payment.StatusPaymentInitiated,
			Applied:           true,
			Response:          started.Raw,
			At:                at,
		})
		return payment.StatusPaymentInitiated, patch, nil
	})
	if err != nil {
		log.Error("recording initialization failed",
			zap.String("provider_reference", started.ProviderReference), zap.Error(err))
		return InitializeResult{}, fmt.Errorf("record %s initialization for transaction %s: %w", req.Method, tx.ID, err)
	}
	o.statusChanged(ctx, before, after, SourceInitialize)

	log.Info("payment initialized",
		zap.String("provider_reference", started.ProviderReference),
		zap.String("status", string(after.Status)))
	return InitializeResult{
		TransactionID:     after.ID,
		CheckoutURL:       started.CheckoutURL,
		ProviderReference: started.ProviderReference,
		Status:            after.Status,
	}, nil
}

// VerifyResult reports the reconciled state after a verification.
type VerifyResult struct {
	Verified    bool                `json:"verified"`
	Status      payment.Status      `json:"status"`
	Amount      decimal.Decimal     `json:"amount"`
	Currency    string              `json:"currency"`
	Transaction payment.Transaction `json:"-"`
}

// VerifyPayment asks the provider of the active attempt for the payment's
// current state and applies it. Network failures are retried with
// exponential backoff; any failure leaves the transaction unchanged.
func (o *Orchestrator) VerifyPayment(ctx context.Context, transactionID string) (res VerifyResult, err error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.VerifyPayment", trace.WithAttributes(
		attribute.String("payment.transaction_id", transactionID),
	))
	defer func() { endSpan(span, err) }()

	var method payment.Method
	defer func() { metrics.ObserveVerify(string(method), outcome(err)) }()

	if strings.TrimSpace(transactionID) == "" {
		return VerifyResult{}, fmt.Errorf("%w: transaction id is required", payment.ErrValidation)
	}
	tx, err := o.store.Get(ctx, transactionID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verify payment: %w", err)
	}
	method, ok := tx.Method()
	reference := tx.ProviderReference()
	if !ok || reference == "" {
		return VerifyResult{}, fmt.Errorf("verify transaction %s: %w", tx.ID, payment.ErrNotInitialized)
	}
	span.SetAttributes(attribute.String("payment.method", string(method)))
	log := logging.L(ctx, o.logger).With(
		zap.String("transaction_id", tx.ID),
		zap.String("method", string(method)),
		zap.String("provider_reference", reference),
	)

	gw, err := o.gateway(method)
	if err != nil {
		return VerifyResult{}, err
	}
	remote, err := o.verifyWithRetry(ctx, gw, reference, log)
	if err != nil {
		log.Warn("provider verification failed", zap.Error(err))
		return VerifyResult{}, fmt.Errorf("verify %s payment for transaction %s: %w", method, tx.ID, err)
	}

	before, after, err := o.apply(ctx, tx, observation{
		source:       SourceVerify,
		method:       method,
		reference:    reference,
		remoteStatus: remote.RemoteStatus,
		amount:       remote.Amount,
		currency:     remote.Currency,
		raw:          remote.Raw,
	}, log)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("record verification for transaction %s: %w", tx.ID, err)
	}
	o.statusChanged(ctx, before, after, SourceVerify)

	return VerifyResult{
		Verified:    after.Status == payment.StatusPaymentCompleted,
		Status:      after.Status,
		Amount:      after.Amount,
		Currency:    after.Currency,
		Transaction: after,
	}, nil
}

func (o *Orchestrator) verifyWithRetry(ctx context.Context, gw adapter.Gateway, reference string, log *zap.Logger) (adapter.VerifyResult, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.verifyBackoff
	exp.MaxInterval = 10 * o.verifyBackoff
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(o.verifyAttempts-1)), ctx)

	var res adapter.VerifyResult
	op := func() error {
		var err error
		res, err = gw.Verify(ctx, reference)
		if err != nil && !errors.Is(err, payment.ErrNetwork) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Debug("retrying provider verification", zap.Duration("backoff", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return adapter.VerifyResult{}, err
	}
	return res, nil
}

// WebhookResult reports what a notification did.
type WebhookResult struct {
	TransactionID string         `json:"transaction_id"`
	Status        payment.Status `json:"status"`
	Applied       bool           `json:"applied"`
}

// HandleWebhook authenticates and parses a provider notification, finds the
// transaction by its active reference and applies the reported status. An
// unknown reference is a NotFound error and nothing is written.
func (o *Orchestrator) HandleWebhook(ctx context.Context, method payment.Method, raw []byte, header http.Header) (res WebhookResult, err error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.HandleWebhook", trace.WithAttributes(
		attribute.String("payment.method", string(method)),
	))
	defer func() { endSpan(span, err) }()
	defer func() { metrics.ObserveWebhook(string(method), outcome(err)) }()
	log := logging.L(ctx, o.logger).With(zap.String("method", string(method)))

	gw, err := o.gateway(method)
	if err != nil {
		return WebhookResult{}, err
	}
	if auth, ok := gw.(adapter.WebhookAuthenticator); ok {
		if err := auth.AuthenticateWebhook(header, raw); err != nil {
			log.Warn("webhook rejected", zap.Error(err))
			return WebhookResult{}, fmt.Errorf("authenticate %s webhook: %w", method, err)
		}
	}
	ev, err := gw.ParseWebhook(raw)
	if err != nil {
		log.Warn("webhook payload rejected", zap.Error(err))
		return WebhookResult{}, fmt.Errorf("parse %s webhook: %w", method, err)
	}
	log = log.With(zap.String("provider_reference", ev.ProviderReference))

	tx, err := o.store.FindByProviderReference(ctx, method, ev.ProviderReference)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			log.Warn("webhook for unknown provider reference")
		}
		return WebhookResult{}, fmt.Errorf("%s webhook: %w", method, err)
	}
	log = log.With(zap.String("transaction_id", tx.ID))
	span.SetAttributes(attribute.String("payment.transaction_id", tx.ID))

	before, after, err := o.apply(ctx, tx, observation{
		source:       SourceWebhook,
		method:       method,
		reference:    ev.ProviderReference,
		remoteStatus: ev.RemoteStatus,
		amount:       ev.Amount,
		currency:     ev.Currency,
		raw:          ev.Raw,
	}, log)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("record %s webhook for transaction %s: %w", method, tx.ID, err)
	}
	o.statusChanged(ctx, before, after, SourceWebhook)

	return WebhookResult{
		TransactionID: after.ID,
		Status:        after.Status,
		Applied:       before.Status != after.Status,
	}, nil
}

// StatusResult is the stored view of a transaction.
type StatusResult struct {
	Status      payment.Status      `json:"status"`
	Transaction payment.Transaction `json:"transaction"`
}

// GetPaymentStatus returns the stored transaction without contacting the
// provider.
func (o *Orchestrator) GetPaymentStatus(ctx context.Context, transactionID string) (StatusResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.GetPaymentStatus", trace.WithAttributes(
		attribute.String("payment.transaction_id", transactionID),
	))
	defer span.End()

	tx, err := o.store.Get(ctx, transactionID)
	if err != nil {
		span.RecordError(err)
		return StatusResult{}, fmt.Errorf("payment status: %w", err)
	}
	return StatusResult{Status: tx.Status, Transaction: tx}, nil
}

// observation is one provider report about a payment.
type observation struct {
	source       string
	method       payment.Method
	reference    string
	remoteStatus string
	amount       decimal.NullDecimal
	currency     string
	raw          any
}

// apply decides and writes the effect of obs on tx.
func (o *Orchestrator) apply(ctx context.Context, tx payment.Transaction, obs observation, log *zap.Logger) (before, after payment.Transaction, err error) {
	decision, err := o.policy.Normalize(obs.method, obs.remoteStatus)
	if err != nil {
		return payment.Transaction{}, payment.Transaction{}, err
	}
	return o.write(ctx, tx, func(current payment.Transaction) (payment.Status, payment.Details, error) {
		next, patch := o.decide(current, obs, decision.Status, log)
		return next, patch, nil
	})
}

// decide returns the status current should move to and the details patch
// recording obs. The most advanced state wins: a report never moves a
// transaction backwards or out of a terminal state, it is only recorded.
func (o *Orchestrator) decide(current payment.Transaction, obs observation, target payment.Status, log *zap.Logger) (payment.Status, payment.Details) {
	at := o.now()
	patch := payment.Details{
		payment.DetailRemoteStatus: obs.remoteStatus,
		payment.DetailProcessedAt:  at.UTC().Format(time.RFC3339Nano),
	}
	switch obs.source {
	case SourceWebhook:
		patch[payment.DetailWebhookResponse] = obs.raw
	default:
		patch[payment.DetailVerificationResponse] = obs.raw
	}

	if target == payment.StatusPaymentCompleted {
		if mismatch := amountMismatch(current, obs); mismatch != nil {
			log.Warn("provider reported a different amount, success not honored",
				zap.String("expected", current.Amount.String()+" "+current.Currency),
				zap.Any("reported", mismatch))
			patch[payment.DetailAmountMismatch] = mismatch
			target = payment.StatusPaymentInitiated
		}
	}

	next := current.Status
	switch {
	case obs.reference != current.ProviderReference():
		log.Info("report for a superseded attempt recorded without transition",
			zap.String("active_reference", current.ProviderReference()))
	case target == current.Status:
	case !current.Status.IsTerminal() && target.Rank() > current.Status.Rank():
		next = target
	default:
		log.Info("report would move status backwards, recorded without transition",
			zap.String("status", string(current.Status)),
			zap.String("reported", string(target)))
	}

	patch[payment.DetailHistory] = current.PaymentDetails.AppendHistory(payment.HistoryEntry{
		Event:             obs.source,
		Provider:          obs.method,
		ProviderReference: obs.reference,
		RemoteStatus:      obs.remoteStatus,
		FromStatus:        current.Status,
		ToStatus:          target,
		Applied:           next != current.Status,
		Response:          obs.raw,
		At:                at,
	})
	return next, patch
}

// amountMismatch describes how obs disagrees with the stored amount, or
// returns nil when it agrees or reports nothing.
func amountMismatch(tx payment.Transaction, obs observation) map[string]any {
	amountOff := obs.amount.Valid && !obs.amount.Decimal.Equal(tx.Amount)
	currencyOff := obs.currency != "" && !strings.EqualFold(obs.currency, tx.Currency)
	if !amountOff && !currencyOff {
		return nil
	}
	m := map[string]any{
		"expected_amount":   tx.Amount.String(),
		"expected_currency": tx.Currency,
		"source":            obs.source,
	}
	if obs.amount.Valid {
		m["reported_amount"] = obs.amount.Decimal.String()
	}
	if obs.currency != "" {
		m["reported_currency"] = strings.ToUpper(obs.currency)
	}
	return m
}

type mutation func(current payment.Transaction) (payment.Status, payment.Details, error)

// write applies mutate with compare-and-set, reloading and re-deciding when
// another writer got there first.
func (o *Orchestrator) write(ctx context.Context, tx payment.Transaction, mutate mutation) (before, after payment.Transaction, err error) {
	current := tx
	for round := 0; round < maxWriteRounds; round++ {
		status, patch, err := mutate(current)
		if err != nil {
			return current, payment.Transaction{}, err
		}
		updated, err := o.store.UpdateStatus(ctx, current.ID, current.Version, status, patch)
		if err == nil {
			return current, updated, nil
		}
		if !errors.Is(err, payment.ErrConflict) {
			return current, payment.Transaction{}, err
		}
		if current, err = o.store.Get(ctx, tx.ID); err != nil {
			return tx, payment.Transaction{}, err
		}
	}
	return current, payment.Transaction{}, fmt.Errorf("transaction %s still contended after %d rounds: %w",
		tx.ID, maxWriteRounds, payment.ErrConflict)
}

// statusChanged publishes and counts a transition. A publishing failure is
// logged; the transition is already durable.
func (o *Orchestrator) statusChanged(ctx context.Context, before, after payment.Transaction, source string) {
	if before.Status == after.Status {
		return
	}
	metrics.ObserveTransition(string(before.Status), string(after.Status), source)
	ev := events.NewStatusChanged(after, before.Status, source, o.now())
	if err := o.publisher.PublishStatusChanged(ctx, ev); err != nil {
		logging.L(ctx, o.logger).Error("publishing status change failed",
			zap.String("transaction_id", after.ID),
			zap.String("status", string(after.Status)),
			zap.Error(err))
	}
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	return payment.KindName(err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, payment.KindName(err))
	}
	span.End()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
