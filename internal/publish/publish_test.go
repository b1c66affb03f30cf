package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/rain-risk-service/internal/models"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
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

var sample = models.ClimateRecord{
	ID:           "b7c1",
	Neighborhood: "Campo Grande",
	ObservedAt:   time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC),
	RainMM:       16,
	Risk:         models.RiskHigh,
	Provider:     "open_meteo",
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.Publish(context.Background(), sample))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "Campo Grande", string(msg.Key))

	var got models.ClimateRecord
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, sample.ID, got.ID)
	assert.Equal(t, models.RiskHigh, got.Risk)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "high", headers["risk"])
	assert.Equal(t, "2025-01-10T14:00:00Z", headers["observed_at"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}}
	err := p.Publish(context.Background(), sample)
	assert.ErrorContains(t, err, "Campo Grande")
}

func TestKafkaPublisher_InvalidRecordNotSerialized(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	bad := sample
	bad.Risk = 0
	assert.Error(t, p.Publish(context.Background(), bad))
	assert.Empty(t, w.msgs)
}

func TestNew(t *testing.T) {
	assert.IsType(t, Noop{}, New(Config{}))
	assert.IsType(t, Noop{}, New(Config{Brokers: []string{"localhost:9092"}}))

	p := New(Config{Brokers: []string{"localhost:9092"}, Topic: "climate-records"})
	assert.IsType(t, &KafkaPublisher{}, p)
	assert.NoError(t, p.Close())
}

func TestNewKafkaPublisher_BoundsWriteLatency(t *testing.T) {
	p := NewKafkaPublisher(Config{Brokers: []string{"localhost:9092"}, Topic: "climate-records"})
	defer p.Close()

	w, ok := p.writer.(*kafkago.Writer)
	if !ok {
		t.Fatalf("writer = %T, want *kafka.Writer", p.writer)
	}
	if w.BatchTimeout > 10*time.Millisecond {
		t.Errorf("BatchTimeout = %v, want at most 10ms", w.BatchTimeout)
	}
	if w.MaxAttempts != maxWriteAttempts {
		t.Errorf("MaxAttempts = %d, want %d", w.MaxAttempts, maxWriteAttempts)
	}
	if w.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s default", w.WriteTimeout)
	}
}
