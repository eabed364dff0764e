// Package kafka delivers replayed events to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/fiso-replay/internal/correlation"
	"github.com/lsm/fiso-replay/internal/kafka"
	"github.com/lsm/fiso-replay/internal/tracing"
)

// publisher abstracts the kafka publisher for testing.
type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// Config holds Kafka sink configuration.
type Config struct {
	Cluster *kafka.ClusterConfig // required
	Topic   string
	// KeyHeader names the event header whose value becomes the record key.
	// Records are unkeyed when it is empty or the header is missing.
	KeyHeader string
}

// Sink delivers events to a Kafka topic.
type Sink struct {
	publisher publisher
	topic     string
	keyHeader string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewSink creates a new Kafka sink.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	pub, err := kafka.NewPublisher(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return newSink(pub, cfg, logger), nil
}

func newSink(pub publisher, cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		publisher: pub,
		topic:     cfg.Topic,
		keyHeader: cfg.KeyHeader,
		logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer("kafka-sink"),
	}
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Deliver produces event to the configured topic and waits for the ack.
func (s *Sink) Deliver(ctx context.Context, event []byte, headers map[string]string) error {
	start := time.Now()
	corrID := correlation.ExtractOrGenerate(headers)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(s.topic),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	out := make(map[string]string, len(headers)+2)
	maps.Copy(out, headers)
	correlation.InjectTraceContext(ctx, out)

	var key []byte
	if s.keyHeader != "" {
		if v, ok := headers[s.keyHeader]; ok && v != "" {
			key = []byte(v)
		}
	}

	if err := s.publisher.Publish(ctx, s.topic, key, event, out); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("delivery failed",
			"correlation_id", corrID.Value,
			"target", s.topic,
			"error", err,
		)
		return err
	}

	tracing.SetSpanOK(span)
	s.logger.Debug("event delivered",
		"correlation_id", corrID.Value,
		"target", s.topic,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Close shuts down the Kafka publisher.
func (s *Sink) Close() error {
	return s.publisher.Close()
}
