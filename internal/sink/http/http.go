// Package http delivers replayed events to an HTTP endpoint.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/fiso-replay/internal/correlation"
	"github.com/lsm/fiso-replay/internal/tracing"
)

// HeaderIdempotencyKey carries the record's correlation id so receivers can
// drop records delivered twice after a rewind or restart.
const HeaderIdempotencyKey = "Idempotency-Key"

// RetryConfig controls retry behavior for failed deliveries.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config holds the configuration for an HTTP sink.
type Config struct {
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration // per request (default: 30s)
	Retry   RetryConfig
}

// Sink delivers events to an HTTP endpoint.
type Sink struct {
	client *http.Client
	config Config
	logger *slog.Logger
	tracer trace.Tracer
}

// NewSink creates a new HTTP sink.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 200 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sink{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		config: cfg,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("http-sink"),
	}, nil
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Deliver sends the event payload to the configured HTTP endpoint, retrying
// transient failures with jittered exponential backoff.
func (s *Sink) Deliver(ctx context.Context, event []byte, headers map[string]string) error {
	start := time.Now()
	corrID := correlation.ExtractOrGenerate(headers)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanHTTPDeliver,
		trace.WithAttributes(
			tracing.HTTPTargetAttr(s.config.URL),
			tracing.HTTPMethodAttr(s.config.Method),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < s.config.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				tracing.SetSpanError(span, ctx.Err())
				return fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			case <-time.After(s.delay(attempt, lastErr)):
			}
		}

		err := s.doRequest(ctx, event, headers, corrID.Value)
		if err == nil {
			tracing.SetSpanOK(span)
			s.logger.Debug("event delivered",
				"correlation_id", corrID.Value,
				"target", s.config.URL,
				"attempt", attempt+1,
				"latency_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
		lastErr = err

		if isPermanent(err) {
			tracing.SetSpanError(span, err)
			s.logger.Error("delivery rejected",
				"correlation_id", corrID.Value,
				"target", s.config.URL,
				"error", err,
			)
			return err
		}
		s.logger.Warn("delivery attempt failed",
			"correlation_id", corrID.Value,
			"target", s.config.URL,
			"attempt", attempt+1,
			"error", err,
		)
	}

	tracing.SetSpanError(span, lastErr)
	return fmt.Errorf("delivery failed after %d attempts: %w", s.config.Retry.MaxAttempts, lastErr)
}

// Close releases resources held by the sink.
func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Sink) doRequest(ctx context.Context, event []byte, headers map[string]string, corrID string) error {
	req, err := http.NewRequestWithContext(ctx, s.config.Method, s.config.URL, bytes.NewReader(event))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	// Static headers first; per-event and trace headers override them.
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for k, v := range correlation.InjectTraceContext(ctx, nil) {
		req.Header.Set(k, v)
	}
	if req.Header.Get(HeaderIdempotencyKey) == "" {
		req.Header.Set(HeaderIdempotencyKey, corrID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
}

// delay picks the wait before the given attempt. A server-provided
// Retry-After wins but is still capped at MaxInterval.
func (s *Sink) delay(attempt int, lastErr error) time.Duration {
	var se *StatusError
	if errors.As(lastErr, &se) && se.RetryAfter > 0 {
		return min(se.RetryAfter, s.config.Retry.MaxInterval)
	}
	return s.backoff(attempt)
}

func (s *Sink) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := float64(s.config.Retry.InitialInterval) * math.Pow(2, float64(attempt-1))
	if base > float64(s.config.Retry.MaxInterval) {
		base = float64(s.config.Retry.MaxInterval)
	}
	// ±20% jitter
	jitter := base * 0.2 * (2*rand.Float64() - 1)
	return time.Duration(base + jitter)
}

// retryAfter parses the delay-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// StatusError represents an HTTP response with a non-2xx status code.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// isPermanent returns true for client errors (4xx) except 408 and 429.
func isPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.Code >= 400 && se.Code < 500
}
