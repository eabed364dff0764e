// Package file replays the records of a single file as pipeline events,
// checkpointing progress so a restarted replay resumes where it stopped.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/lsm/fiso-replay/internal/checkpoint"
	"github.com/lsm/fiso-replay/internal/correlation"
	"github.com/lsm/fiso-replay/internal/observability"
	"github.com/lsm/fiso-replay/internal/reader"
	"github.com/lsm/fiso-replay/internal/reader/jsonl"
	"github.com/lsm/fiso-replay/internal/reader/parquet"
	"github.com/lsm/fiso-replay/internal/source"
	"github.com/lsm/fiso-replay/internal/tracing"
)

// Supported file formats.
const (
	FormatParquet = "parquet"
	FormatJSONL   = "jsonl"
)

// commitTimeout bounds the final checkpoint write after ctx is cancelled.
const commitTimeout = 5 * time.Second

var openers = map[string]reader.OpenFunc{
	FormatParquet: parquet.Open,
	FormatJSONL:   jsonl.Open,
}

// Config holds file source configuration.
type Config struct {
	Name        string // replay name used as the metrics label (default: Stream)
	Path        string
	Format      string // parquet or jsonl; inferred from the extension when empty
	System      string
	Stream      string
	Partition   int32
	StartOffset string  // used when no checkpoint exists (default: "0")
	RateLimit   float64 // records per second, 0 for unlimited
	Burst       int     // default: 1
	CommitEvery int     // records between checkpoints (default: 1)
	Checkpoints checkpoint.Store
	Metrics     *observability.Metrics
	// Progress, when set, is called with the next offset after every record
	// and once more when the file is exhausted.
	Progress func(nextOffset string, complete bool)
}

// Source replays one file through a SingleFileReader.
type Source struct {
	cfg     Config
	ssp     reader.StreamPartition
	open    reader.OpenFunc
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewSource validates cfg and creates a file source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("stream is required")
	}
	if cfg.Format == "" {
		cfg.Format = inferFormat(cfg.Path)
	}
	open, ok := openers[cfg.Format]
	if !ok {
		return nil, fmt.Errorf("unsupported format %q for %s", cfg.Format, cfg.Path)
	}
	if cfg.StartOffset == "" {
		cfg.StartOffset = reader.StartOffset
	}
	if _, err := reader.ParseOffset(cfg.StartOffset); err != nil {
		return nil, fmt.Errorf("start offset: %w", err)
	}
	if cfg.CommitEvery < 0 {
		return nil, fmt.Errorf("commitEvery must not be negative")
	}
	if cfg.CommitEvery == 0 {
		cfg.CommitEvery = 1
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rateLimit must not be negative")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Stream
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Source{
		cfg:    cfg,
		ssp:    reader.StreamPartition{System: cfg.System, Stream: cfg.Stream, Partition: cfg.Partition},
		open:   open,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("file-source"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s, nil
}

func inferFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return FormatParquet
	case ".jsonl", ".ndjson":
		return FormatJSONL
	}
	return ""
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// CheckpointID returns the id under which progress is stored.
func (s *Source) CheckpointID() string {
	return checkpoint.ID(s.ssp, s.cfg.Path)
}

// Start replays the file from its checkpoint. It returns nil once every
// record has been delivered, the handler's error if delivery fails, or
// ctx.Err() after a cancellation. In every case the offset after the last
// delivered record is checkpointed before returning.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Event) error) (err error) {
	id := s.CheckpointID()
	start := s.cfg.StartOffset
	if s.cfg.Checkpoints != nil {
		stored, found, err := s.cfg.Checkpoints.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("load checkpoint %s: %w", id, err)
		}
		if found {
			start = stored
		}
	}

	r := reader.New(s.ssp, s.open, reader.WithLogger(s.logger))
	if err := r.Open(s.cfg.Path, start); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, r.Close())
	}()

	c := &committer{src: s, id: id, committed: start, delivered: r.NextOffset()}
	s.logger.Info("starting file replay",
		"replay", s.cfg.Name,
		"path", s.cfg.Path,
		"format", s.cfg.Format,
		"offset", c.delivered,
	)

	for {
		if err := s.wait(ctx); err != nil {
			return errors.Join(err, c.flush(ctx))
		}

		readStart := time.Now()
		ok, err := r.HasNext()
		if err != nil {
			return errors.Join(err, c.flush(ctx))
		}
		if !ok {
			break
		}
		env, err := r.ReadNext()
		if err != nil {
			return errors.Join(err, c.flush(ctx))
		}
		evt, err := s.event(env)
		if err != nil {
			return errors.Join(err, c.flush(ctx))
		}
		s.observe("read", readStart)

		if err := s.deliver(ctx, handler, env, evt); err != nil {
			return errors.Join(fmt.Errorf("deliver record at offset %s: %w", env.Offset, err), c.flush(ctx))
		}

		c.delivered = r.NextOffset()
		c.pending++
		s.progress(c.delivered, false)
		if c.pending >= s.cfg.CommitEvery {
			if err := c.flush(ctx); err != nil {
				return err
			}
		}
	}

	if err := c.flush(ctx); err != nil {
		return err
	}
	s.progress(c.delivered, true)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ReplayComplete.WithLabelValues(s.cfg.Name).Set(1)
	}
	s.logger.Info("file replay complete", "replay", s.cfg.Name, "path", s.cfg.Path, "offset", c.delivered)
	return nil
}

// Close closes the checkpoint store.
func (s *Source) Close() error {
	if s.cfg.Checkpoints == nil {
		return nil
	}
	return s.cfg.Checkpoints.Close()
}

// wait blocks for the rate limiter, if any, and reports cancellation.
func (s *Source) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func (s *Source) event(env reader.Envelope) (source.Event, error) {
	value, err := env.Record.MarshalJSON()
	if err != nil {
		return source.Event{}, fmt.Errorf("encode record at offset %s: %w", env.Offset, err)
	}
	n, err := reader.ParseOffset(env.Offset)
	if err != nil {
		return source.Event{}, err
	}

	corrID := correlation.ForRecord(env.StreamPartition, s.cfg.Path, env.Offset)
	headers := map[string]string{
		source.HeaderSystem:    env.StreamPartition.System,
		source.HeaderStream:    env.StreamPartition.Stream,
		source.HeaderPartition: strconv.FormatInt(int64(env.StreamPartition.Partition), 10),
		source.HeaderOffset:    env.Offset,
		source.HeaderPath:      s.cfg.Path,
	}
	correlation.AddToHeaders(headers, corrID)

	return source.Event{
		Key:           env.Key,
		Value:         value,
		Headers:       headers,
		Offset:        int64(n),
		Topic:         env.StreamPartition.Stream,
		Partition:     env.StreamPartition.Partition,
		CorrelationID: corrID.Value,
	}, nil
}

func (s *Source) deliver(ctx context.Context, handler func(context.Context, source.Event) error, env reader.Envelope, evt source.Event) error {
	spanCtx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanRecordRead,
		trace.WithAttributes(append(
			tracing.RecordAttrs(env.StreamPartition.System, env.StreamPartition.Stream, env.StreamPartition.Partition, env.Offset, s.cfg.Path),
			tracing.ReplayAttr(s.cfg.Name),
			tracing.CorrelationAttr(evt.CorrelationID),
		)...),
	)
	defer span.End()

	s.logger.Debug("record read",
		"replay", s.cfg.Name,
		"correlation_id", evt.CorrelationID,
		"stream", env.StreamPartition.Stream,
		"partition", env.StreamPartition.Partition,
		"offset", env.Offset,
	)

	if err := handler(spanCtx, evt); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("handler error", "replay", s.cfg.Name, "offset", env.Offset, "error", err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (s *Source) observe(stage string, start time.Time) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StageDuration.WithLabelValues(s.cfg.Name, stage).Observe(time.Since(start).Seconds())
	}
}

func (s *Source) progress(next string, complete bool) {
	if s.cfg.Metrics != nil {
		if n, err := reader.ParseOffset(next); err == nil {
			s.cfg.Metrics.NextOffset.WithLabelValues(s.cfg.Name).Set(float64(n))
		}
	}
	if s.cfg.Progress != nil {
		s.cfg.Progress(next, complete)
	}
}

// committer tracks the delivered offset and writes it to the checkpoint store.
type committer struct {
	src       *Source
	id        string
	committed string
	delivered string
	pending   int
}

// flush saves the delivered offset if it moved since the last save. It still
// writes after ctx is cancelled, bounded by commitTimeout.
func (c *committer) flush(ctx context.Context) error {
	store := c.src.cfg.Checkpoints
	if store == nil || c.delivered == c.committed {
		c.pending = 0
		return nil
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	m := c.src.cfg.Metrics
	if err := store.Save(saveCtx, c.id, c.delivered); err != nil {
		if m != nil {
			m.CheckpointsTotal.WithLabelValues(c.src.cfg.Name, "error").Inc()
		}
		return fmt.Errorf("save checkpoint %s: %w", c.id, err)
	}
	if m != nil {
		m.CheckpointsTotal.WithLabelValues(c.src.cfg.Name, "ok").Inc()
	}
	c.src.logger.Debug("checkpoint saved", "id", c.id, "offset", c.delivered)
	c.committed = c.delivered
	c.pending = 0
	return nil
}
