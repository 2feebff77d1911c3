package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/storefront-payments/internal/payment"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func sampleTransaction() payment.Transaction {
	return payment.Transaction{
		ID:        "tx-1",
		ListingID: "listing-1",
		Amount:    decimal.NewFromInt(500),
		Currency:  "ETB",
		Status:    payment.StatusPaymentCompleted,
		PaymentDetails: payment.Details{
			payment.DetailProvider:          "chapa",
			payment.DetailProviderReference: "ref-1",
		},
	}
}

func TestNewStatusChanged(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EAT", 3*3600))
	ev := NewStatusChanged(sampleTransaction(), payment.StatusPaymentInitiated, "webhook", at)

	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, EventTypeStatusChanged, ev.EventType)
	assert.Equal(t, time.UTC, ev.OccurredAt.Location())
	assert.Equal(t, "chapa", ev.Method)
	assert.Equal(t, "ref-1", ev.ProviderReference)
	assert.Equal(t, payment.StatusPaymentInitiated, ev.PreviousStatus)
	assert.Equal(t, payment.StatusPaymentCompleted, ev.Status)
	assert.Equal(t, "500.00", ev.Amount)
}

func TestKafkaPublisher_PublishStatusChanged(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "payments.status", zap.NewNop())
	ev := NewStatusChanged(sampleTransaction(), payment.StatusPaymentInitiated, "verify", time.Now())

	require.NoError(t, p.PublishStatusChanged(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "tx-1", string(msg.Key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "payment.status_changed", decoded["event_type"])
	assert.Equal(t, "payment_completed", decoded["status"])
	assert.Equal(t, "verify", decoded["source"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, "payments.status", zap.NewNop())
	err := p.PublishStatusChanged(context.Background(), NewStatusChanged(sampleTransaction(), payment.StatusCreated, "verify", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "topic", nil)
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, " ", nil)
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "payments.status", nil)
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.PublishStatusChanged(context.Background(), StatusChanged{}))
	assert.NoError(t, p.Close())
}
