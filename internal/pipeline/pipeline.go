// Package pipeline connects a replay source to a sink: each record is
// transformed, wrapped in a CloudEvent and delivered, with failures routed to
// the DLQ.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/fiso-replay/internal/dlq"
	"github.com/lsm/fiso-replay/internal/observability"
	"github.com/lsm/fiso-replay/internal/sink"
	"github.com/lsm/fiso-replay/internal/source"
	"github.com/lsm/fiso-replay/internal/tracing"
	"github.com/lsm/fiso-replay/internal/transform"
)

// CloudEvent extension attributes identifying the replayed record.
const (
	ExtStream    = "fisostream"
	ExtPartition = "fisopartition"
	ExtOffset    = "fisooffset"
)

// ContentType is the Content-Type header sent with every delivery.
const ContentType = "application/cloudevents+json"

// Failure codes recorded on dead-lettered records.
const (
	CodeTransformFailed = "TRANSFORM_FAILED"
	CodeWrapFailed      = "CLOUDEVENT_WRAP_FAILED"
	CodeSinkFailed      = "SINK_DELIVERY_FAILED"
)

// Config holds pipeline configuration.
type Config struct {
	ReplayName string
	EventType  string // CloudEvent type (default: "fiso.replay.record")
	Source     string // CloudEvent source (default: "fiso-replay/<ReplayName>")
	// PropagateErrors returns failures to the source, which stops the
	// replay at the failed record instead of dead-lettering it.
	PropagateErrors bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records per-record outcomes and stage durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer sets the tracer for transform and delivery spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// Pipeline orchestrates the source → transform → sink flow.
type Pipeline struct {
	config      Config
	source      source.Source
	transformer transform.Transformer
	sink        sink.Sink
	dlq         *dlq.Handler
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

// New creates a Pipeline. A nil transformer passes records through; a nil
// DLQ handler discards failed records.
func New(cfg Config, src source.Source, tr transform.Transformer, sk sink.Sink, dlqHandler *dlq.Handler, opts ...Option) *Pipeline {
	if cfg.EventType == "" {
		cfg.EventType = "fiso.replay.record"
	}
	if cfg.Source == "" {
		cfg.Source = "fiso-replay/" + cfg.ReplayName
	}
	if dlqHandler == nil {
		dlqHandler = dlq.NewHandler(nil)
	}
	p := &Pipeline{
		config:      cfg,
		source:      src,
		transformer: tr,
		sink:        sk,
		dlq:         dlqHandler,
		logger:      slog.Default(),
		tracer:      noop.NewTracerProvider().Tracer("pipeline"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run replays the source through the pipeline. It returns when the source
// does: nil once the file is fully replayed.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting pipeline", "replay", p.config.ReplayName)

	return p.source.Start(ctx, func(ctx context.Context, evt source.Event) error {
		err := p.processEvent(ctx, evt)
		if err == nil {
			p.count("delivered")
			return nil
		}
		if ctx.Err() != nil {
			// Not delivered; the source must not checkpoint past it.
			p.logger.Info("replay cancelled with record in flight",
				"replay", p.config.ReplayName,
				"offset", evt.Offset,
			)
			return err
		}
		if p.config.PropagateErrors {
			p.count("failed")
			p.logger.Error("record processing failed, stopping replay",
				"replay", p.config.ReplayName,
				"offset", evt.Offset,
				"error", err,
			)
			return err
		}
		p.count("dead_lettered")
		return nil
	})
}

// stageError carries the DLQ code of the stage that failed.
type stageError struct {
	code string
	err  error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func (p *Pipeline) processEvent(ctx context.Context, evt source.Event) error {
	err := p.deliver(ctx, evt)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	var se *stageError
	if !errors.As(err, &se) {
		return err
	}
	if p.metrics != nil {
		switch se.code {
		case CodeTransformFailed:
			p.metrics.TransformErrors.WithLabelValues(p.config.ReplayName).Inc()
		case CodeSinkFailed:
			p.metrics.SinkDeliveryErrors.WithLabelValues(p.config.ReplayName).Inc()
		}
	}
	if !p.config.PropagateErrors {
		p.sendToDLQ(ctx, evt, se.code, se.err.Error())
	}
	return err
}

func (p *Pipeline) deliver(ctx context.Context, evt source.Event) error {
	payload := evt.Value

	if p.transformer != nil {
		start := time.Now()
		tctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanTransform,
			trace.WithAttributes(tracing.CorrelationAttr(evt.CorrelationID)))
		out, err := p.transformer.Transform(tctx, payload, transform.Metadata{
			Stream:    evt.Topic,
			Partition: evt.Partition,
			Offset:    evt.Offset,
		})
		p.observe("transform", start)
		if err != nil {
			tracing.SetSpanError(span, err)
			span.End()
			return &stageError{code: CodeTransformFailed, err: fmt.Errorf("transform: %w", err)}
		}
		span.End()
		payload = out
	}

	wrapped, err := p.wrapCloudEvent(evt, payload)
	if err != nil {
		return &stageError{code: CodeWrapFailed, err: fmt.Errorf("wrap cloudevent: %w", err)}
	}

	headers := make(map[string]string, len(evt.Headers)+1)
	maps.Copy(headers, evt.Headers)
	headers["Content-Type"] = ContentType

	start := time.Now()
	dctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanDeliver,
		trace.WithAttributes(tracing.CorrelationAttr(evt.CorrelationID)))
	defer span.End()
	if err := p.sink.Deliver(dctx, wrapped, headers); err != nil {
		p.observe("deliver", start)
		tracing.SetSpanError(span, err)
		return &stageError{code: CodeSinkFailed, err: fmt.Errorf("deliver: %w", err)}
	}
	p.observe("deliver", start)
	tracing.SetSpanOK(span)
	return nil
}

// wrapCloudEvent builds the CloudEvent for a record. The id is the record's
// correlation id, so a record replayed twice yields the same event id.
func (p *Pipeline) wrapCloudEvent(evt source.Event, data []byte) ([]byte, error) {
	id := evt.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}

	ce := event.New()
	ce.SetID(id)
	ce.SetSource(p.config.Source)
	ce.SetType(p.config.EventType)
	ce.SetTime(p.now().UTC())
	if evt.Topic != "" {
		ce.SetExtension(ExtStream, evt.Topic)
	}
	ce.SetExtension(ExtPartition, strconv.FormatInt(int64(evt.Partition), 10))
	ce.SetExtension(ExtOffset, strconv.FormatInt(evt.Offset, 10))
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	if err := ce.SetData(event.ApplicationJSON, data); err != nil {
		return nil, err
	}
	if err := ce.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ce)
}

func (p *Pipeline) sendToDLQ(ctx context.Context, evt source.Event, code, message string) {
	p.logger.Warn("record processing failed, sending to DLQ",
		"replay", p.config.ReplayName,
		"stream", evt.Topic,
		"offset", evt.Offset,
		"code", code,
		"error", message,
	)
	info := dlq.FailureInfo{
		Stream:        evt.Topic,
		Partition:     evt.Partition,
		Offset:        evt.Offset,
		Path:          evt.Headers[source.HeaderPath],
		ErrorCode:     code,
		ErrorMessage:  message,
		ReplayName:    p.config.ReplayName,
		CorrelationID: evt.CorrelationID,
	}
	if err := p.dlq.Send(ctx, evt.Key, evt.Value, info); err != nil {
		p.logger.Error("failed to send to DLQ", "replay", p.config.ReplayName, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.DLQTotal.WithLabelValues(p.config.ReplayName).Inc()
	}
}

// Shutdown closes the source, sink and DLQ, returning all errors joined.
func (p *Pipeline) Shutdown(_ context.Context) error {
	p.logger.Info("shutting down pipeline", "replay", p.config.ReplayName)

	var errs []error
	if err := p.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}
	if err := p.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}
	if err := p.dlq.Close(); err != nil {
		errs = append(errs, fmt.Errorf("dlq close: %w", err))
	}
	if len(errs) > 0 {
		p.logger.Error("pipeline shutdown incomplete", "replay", p.config.ReplayName, "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

func (p *Pipeline) count(status string) {
	if p.metrics != nil {
		p.metrics.RecordsTotal.WithLabelValues(p.config.ReplayName, status).Inc()
	}
}

func (p *Pipeline) observe(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(p.config.ReplayName, stage).Observe(time.Since(start).Seconds())
	}
}
