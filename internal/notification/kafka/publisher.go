// Package kafka publishes domain events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Studio-Elephant-and-Rope/steward/internal/config"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// EventTypeHeader carries the domain event type on every message.
const EventTypeHeader = "event_type"

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes each domain event as one JSON message.
//
// Messages are keyed by incident id, falling back to the candidate id, so
// every event about one incident lands on the same partition in order.
type Publisher struct {
	writer MessageWriter
	logger *logging.Logger
	now    func() time.Time
}

// NewWriter builds a synchronous writer for the configured brokers and topic.
func NewWriter(cfg config.KafkaConfig) *kafka.Writer {
	batchTimeout := time.Duration(cfg.BatchTimeoutMs) * time.Millisecond
	if batchTimeout <= 0 {
		batchTimeout = 250 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewPublisher wraps writer.
//
// Possible errors:
//   - ErrInvalidInput: writer or logger is nil
func NewPublisher(writer MessageWriter, logger *logging.Logger) (*Publisher, error) {
	if writer == nil {
		return nil, fmt.Errorf("%w: kafka writer cannot be nil", ports.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ports.ErrInvalidInput)
	}
	return &Publisher{
		writer: writer,
		logger: logger.WithComponent("kafka_publisher"),
		now:    time.Now,
	}, nil
}

// Name identifies the publisher in logs and metrics.
func (p *Publisher) Name() string {
	return "kafka"
}

// Publish writes event to the topic.
func (p *Publisher) Publish(ctx context.Context, event domain.DomainEvent) error {
	msg, err := p.message(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event %s to kafka: %w", event.ID, err)
	}

	p.logger.Debug("Event written to kafka",
		"event_id", event.ID,
		"event_type", string(event.Type),
		"key", string(msg.Key))
	return nil
}

func (p *Publisher) message(event domain.DomainEvent) (kafka.Message, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	key := event.IncidentID
	if key == "" {
		key = event.CandidateID
	}

	return kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: EventTypeHeader, Value: []byte(event.Type)},
		},
		Time: p.now().UTC(),
	}, nil
}

// Close flushes pending writes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
