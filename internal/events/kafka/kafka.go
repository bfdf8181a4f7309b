// Package kafka publishes renewal escalation events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/coverwatch/internal/renewal"
)

// MessageWriter is the subset of *kafka.Writer used by Publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements renewal.Notifier by writing each event as JSON.
// Messages are keyed by policy ID so a policy's events stay ordered within
// a partition.
type Publisher struct {
	writer MessageWriter
}

// NewWriter returns a kafka.Writer for topic on brokers.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
}

// New creates a Publisher over w.
func New(w MessageWriter) *Publisher {
	return &Publisher{writer: w}
}

// Notify implements renewal.Notifier.
func (p *Publisher) Notify(ctx context.Context, ev *renewal.EscalationEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.PolicyID),
		Value: body,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "org_id", Value: []byte(ev.OrgID)},
			{Key: "stage", Value: []byte(ev.Stage.String())},
			{Key: "alert_type", Value: []byte(ev.AlertType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}
