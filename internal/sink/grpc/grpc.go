// Package grpc delivers replayed events over a raw-bytes gRPC unary call.
package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/lsm/fiso-replay/internal/correlation"
	"github.com/lsm/fiso-replay/internal/tracing"
)

// DefaultMethod is the full method invoked when Config.Method is empty.
const DefaultMethod = "/fiso.v1.EventService/Deliver"

// Config holds gRPC sink configuration.
type Config struct {
	Address string
	Method  string
	TLS     bool // system roots; plaintext when false
	Timeout time.Duration
}

// Sink delivers events via gRPC unary call. The event is the raw request
// body and headers travel as metadata; no protobuf schema is involved.
type Sink struct {
	conn    *grpc.ClientConn
	method  string
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewSink creates a new gRPC sink. Extra dial options are appended after
// the defaults.
func NewSink(cfg Config, logger *slog.Logger, extra ...grpc.DialOption) (*Sink, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("gRPC address is required")
	}
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	creds := insecure.NewCredentials()
	if cfg.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	return &Sink{
		conn:    conn,
		method:  cfg.Method,
		timeout: cfg.Timeout,
		logger:  logger,
		tracer:  noop.NewTracerProvider().Tracer("grpc-sink"),
	}, nil
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Deliver invokes the configured method with event as the request body.
func (s *Sink) Deliver(ctx context.Context, event []byte, headers map[string]string) error {
	start := time.Now()
	corrID := correlation.ExtractOrGenerate(headers)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanGRPCDeliver,
		trace.WithAttributes(
			tracing.GRPCMethodAttr(s.method),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	md := metadata.New(headers)
	for k, v := range correlation.InjectTraceContext(ctx, nil) {
		md.Set(k, v)
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	var resp []byte
	if err := s.conn.Invoke(ctx, s.method, event, &resp, grpc.ForceCodec(rawCodec{})); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("delivery failed",
			"correlation_id", corrID.Value,
			"target", s.conn.Target(),
			"error", err,
		)
		return fmt.Errorf("grpc deliver: %w", err)
	}

	tracing.SetSpanOK(span)
	s.logger.Debug("event delivered",
		"correlation_id", corrID.Value,
		"target", s.conn.Target(),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Close closes the gRPC connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}

// rawCodec passes message bytes through untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: expected []byte, got %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	bp, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: expected *[]byte, got %T", v)
	}
	*bp = data
	return nil
}

func (rawCodec) Name() string { return "raw" }
