// Package publish fans persisted climate records out to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kjstillabower/rain-risk-service/internal/models"
)

// Publisher emits a persisted record. Publishing is best-effort: callers log and
// count failures but never undo the append.
type Publisher interface {
	Publish(ctx context.Context, rec models.ClimateRecord) error
	Close() error
}

// Noop is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, rec models.ClimateRecord) error { return nil }
func (Noop) Close() error                                                { return nil }

// Config selects the Kafka sink.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// New returns a KafkaPublisher, or Noop when brokers or topic are unset.
func New(cfg Config) Publisher {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return Noop{}
	}
	return NewKafkaPublisher(cfg)
}

const maxWriteAttempts = 2

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher produces one message per record, keyed by neighborhood so each
// neighborhood's records stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(cfg Config) *KafkaPublisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	// one record per write: a short batch window and few attempts keep a broker
	// outage from holding a refresh for kafka-go's default 1s batch and 10 retries
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		WriteTimeout: timeout,
		BatchSize:    1,
		BatchTimeout: 5 * time.Millisecond,
		MaxAttempts:  maxWriteAttempts,
	}
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, rec models.ClimateRecord) error {
	msg, err := serializeToMessage(rec)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s record: %w", rec.Neighborhood, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func serializeToMessage(rec models.ClimateRecord) (kafkago.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize climate record: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(rec.Neighborhood),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "risk", Value: []byte(rec.Risk.String())},
			{Key: "observed_at", Value: []byte(rec.ObservedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
