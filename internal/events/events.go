// Package events publishes payment status changes for downstream consumers
// such as the notification feed.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/yourorg/storefront-payments/internal/payment"
)

// EventTypeStatusChanged is the type of every event emitted after a status
// transition.
const EventTypeStatusChanged = "payment.status_changed"

// StatusChanged is the payload of a payment.status_changed event.
type StatusChanged struct {
	EventID           string         `json:"event_id"`
	EventType         string         `json:"event_type"`
	OccurredAt        time.Time      `json:"occurred_at"`
	TransactionID     string         `json:"transaction_id"`
	ListingID         string         `json:"listing_id"`
	Method            string         `json:"method"`
	ProviderReference string         `json:"provider_reference"`
	PreviousStatus    payment.Status `json:"previous_status"`
	Status            payment.Status `json:"status"`
	Amount            string         `json:"amount"`
	Currency          string         `json:"currency"`
	Source            string         `json:"source"` // initialize, verify or webhook
}

// NewStatusChanged builds the event for tx having moved from previous.
func NewStatusChanged(tx payment.Transaction, previous payment.Status, source string, at time.Time) StatusChanged {
	method, _ := tx.Method()
	return StatusChanged{
		EventID:           uuid.NewString(),
		EventType:         EventTypeStatusChanged,
		OccurredAt:        at.UTC(),
		TransactionID:     tx.ID,
		ListingID:         tx.ListingID,
		Method:            string(method),
		ProviderReference: tx.ProviderReference(),
		PreviousStatus:    previous,
		Status:            tx.Status,
		Amount:            tx.Amount.StringFixed(2),
		Currency:          tx.Currency,
		Source:            source,
	}
}

// Publisher delivers status events. Failures are reported to the caller,
// which must not roll back the persisted transition because of them.
type Publisher interface {
	PublishStatusChanged(ctx context.Context, ev StatusChanged) error
	Close() error
}

// Noop discards every event. It is used when no broker is configured.
type Noop struct{}

func (Noop) PublishStatusChanged(context.Context, StatusChanged) error { return nil }
func (Noop) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by transaction id, so
// every event of one transaction lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher returns a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("events: topic must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return newKafkaPublisher(w, topic, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

// PublishStatusChanged writes ev to Kafka.
func (p *KafkaPublisher) PublishStatusChanged(ctx context.Context, ev StatusChanged) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", ev.EventType, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.TransactionID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.EventType)},
			{Key: "event_id", Value: []byte(ev.EventID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: write to %s: %w", p.topic, err)
	}
	p.logger.Debug("status event published",
		zap.String("topic", p.topic),
		zap.String("event_id", ev.EventID),
		zap.String("transaction_id", ev.TransactionID),
		zap.String("status", string(ev.Status)),
	)
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
