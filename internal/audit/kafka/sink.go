// Package kafka streams audit records to Kafka for downstream consumers
// (SIEM pipelines, long-term archives). Delivery is fire-and-forget: the
// business request never waits on the broker, and a produce failure is logged
// and dropped because the store remains the source of truth.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"acta/internal/audit"
)

// Default topics, overridable per sink.
const (
	DefaultRequestTopic = "acta.audit.requests"
	DefaultHandlerTopic = "acta.audit.handlers"
	DefaultChangeTopic  = "acta.audit.changes"
)

// producer is the slice of *kgo.Client the sink needs.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Sink publishes audit records to Kafka. Implements audit.Sink.
type Sink struct {
	client producer
	logger *slog.Logger

	requestTopic string
	handlerTopic string
	changeTopic  string
}

// Option configures the sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// WithTopics overrides the destination topics. Empty values keep defaults.
func WithTopics(requests, handlers, changes string) Option {
	return func(s *Sink) {
		if requests != "" {
			s.requestTopic = requests
		}
		if handlers != "" {
			s.handlerTopic = handlers
		}
		if changes != "" {
			s.changeTopic = changes
		}
	}
}

// New creates a sink producing to the given brokers.
func New(brokers []string, opts ...Option) (*Sink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, err
	}
	return newSink(client, opts...), nil
}

// newSink wires a sink onto an existing producer.
func newSink(client producer, opts ...Option) *Sink {
	s := &Sink{
		client:       client,
		logger:       slog.Default(),
		requestTopic: DefaultRequestTopic,
		handlerTopic: DefaultHandlerTopic,
		changeTopic:  DefaultChangeTopic,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close flushes pending records and releases the client.
func (s *Sink) Close() {
	if client, ok := s.client.(*kgo.Client); ok {
		client.Close()
	}
}

// publish encodes the record and produces it asynchronously. The key keeps
// records for one correlation id in one partition, preserving their order.
func (s *Sink) publish(topic, key string, record any) {
	payload, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("failed to encode audit record for kafka",
			"topic", topic, "error", err)
		return
	}
	s.client.Produce(context.Background(), &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	}, func(r *kgo.Record, err error) {
		if err != nil {
			s.logger.Error("failed to produce audit record",
				"topic", r.Topic, "error", err)
		}
	})
}

// RequestLogged implements audit.Sink.
func (s *Sink) RequestLogged(rec *audit.RequestRecord) {
	s.publish(s.requestTopic, rec.CorrelationID, rec)
}

// HandlerLogged implements audit.Sink.
func (s *Sink) HandlerLogged(rec *audit.HandlerRecord) {
	s.publish(s.handlerTopic, rec.CorrelationID, rec)
}

// EntityChanged implements audit.Sink.
func (s *Sink) EntityChanged(rec *audit.EntityChangeRecord) {
	s.publish(s.changeTopic, rec.CorrelationID, rec)
}
