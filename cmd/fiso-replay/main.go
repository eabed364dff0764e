package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fiso-replay/internal/checkpoint"
	"github.com/lsm/fiso-replay/internal/config"
	"github.com/lsm/fiso-replay/internal/dlq"
	"github.com/lsm/fiso-replay/internal/kafka"
	"github.com/lsm/fiso-replay/internal/observability"
	"github.com/lsm/fiso-replay/internal/pipeline"
	"github.com/lsm/fiso-replay/internal/sink"
	grpcsink "github.com/lsm/fiso-replay/internal/sink/grpc"
	httpsink "github.com/lsm/fiso-replay/internal/sink/http"
	kafkasink "github.com/lsm/fiso-replay/internal/sink/kafka"
	"github.com/lsm/fiso-replay/internal/sink/stdout"
	"github.com/lsm/fiso-replay/internal/source/file"
	"github.com/lsm/fiso-replay/internal/tracing"
	"github.com/lsm/fiso-replay/internal/transform"
	celxform "github.com/lsm/fiso-replay/internal/transform/cel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := observability.NewLogger("fiso-replay", observability.LevelFromEnv())
	slog.SetDefault(logger)

	configDir := os.Getenv("FISO_CONFIG_DIR")
	if configDir == "" {
		configDir = config.DefaultDir
	}
	metricsAddr := os.Getenv("FISO_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	replayName := os.Getenv("FISO_REPLAY")

	loader := config.NewLoader(configDir, logger)
	replays, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	def, err := config.Select(replays, replayName)
	if err != nil {
		return fmt.Errorf("%s: %w", configDir, err)
	}

	tracer, tracerShutdown, err := tracing.Initialize(tracing.GetConfig("fiso-replay"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Only the latest definition matters; older pending reloads are dropped.
	reloads := make(chan *config.ReplayDefinition, 1)
	loader.OnChange(func(replays map[string]*config.ReplayDefinition) {
		next, err := config.Select(replays, replayName)
		if err != nil {
			logger.Error("ignoring config change", "error", err)
			return
		}
		select {
		case <-reloads:
		default:
		}
		reloads <- next
	})
	go func() {
		if err := loader.Watch(ctx); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	a := &app{
		logger:  logger,
		metrics: observability.NewMetrics(reg),
		health:  health,
		tracer:  tracer,
	}
	replayErr := a.replay(ctx, def, reloads)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := tracerShutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return replayErr
}

// app builds and runs replay pipelines.
type app struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	health  *observability.HealthServer
	tracer  trace.Tracer
	stdout  io.Writer
}

// replay runs def until the file is fully replayed or ctx is cancelled.
// A definition received on reloads cancels the running replay, which
// checkpoints on its way out, and starts the new one.
func (a *app) replay(ctx context.Context, def *config.ReplayDefinition, reloads <-chan *config.ReplayDefinition) error {
	for {
		p, err := a.buildPipeline(ctx, def)
		if err != nil {
			return fmt.Errorf("build pipeline %s: %w", def.Name, err)
		}
		a.logger.Info("starting replay", "name", def.Name, "path", def.Source.Path)

		runCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- p.Run(runCtx) }()
		a.health.SetReady(true)

		next, err := a.await(ctx, def, done, reloads, stop)
		stop()
		a.health.SetReady(false)

		if shutdownErr := p.Shutdown(context.Background()); shutdownErr != nil {
			a.logger.Error("pipeline shutdown error", "name", def.Name, "error", shutdownErr)
		}

		if errors.Is(err, context.Canceled) {
			if next != nil {
				def = next
				continue
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("replay %s: %w", def.Name, err)
		}
		a.logger.Info("replay finished", "name", def.Name)
		return nil
	}
}

// await blocks until the running replay finishes, ctx is cancelled or a
// different definition arrives. Reloads of an identical definition are
// ignored. The returned definition is set only when the replay was stopped
// for a reload.
func (a *app) await(ctx context.Context, def *config.ReplayDefinition, done <-chan error,
	reloads <-chan *config.ReplayDefinition, stop context.CancelFunc) (*config.ReplayDefinition, error) {
	for {
		select {
		case err := <-done:
			return nil, err
		case candidate := <-reloads:
			if reflect.DeepEqual(candidate, def) {
				a.logger.Debug("replay definition unchanged, not restarting", "name", def.Name)
				continue
			}
			a.logger.Info("replay definition changed, restarting", "name", candidate.Name)
			stop()
			return candidate, <-done
		case <-ctx.Done():
			return nil, <-done
		}
	}
}

func (a *app) buildPipeline(ctx context.Context, def *config.ReplayDefinition) (*pipeline.Pipeline, error) {
	store, err := a.buildCheckpoints(ctx, def.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("checkpoints: %w", err)
	}

	src, err := file.NewSource(file.Config{
		Name:        def.Name,
		Path:        def.Source.Path,
		Format:      def.Source.Format,
		System:      def.Source.System,
		Stream:      def.Source.Stream,
		Partition:   def.Source.Partition,
		StartOffset: def.Source.StartOffset,
		RateLimit:   def.Source.RateLimit,
		Burst:       def.Source.Burst,
		CommitEvery: def.Source.CommitEvery,
		Checkpoints: store,
		Metrics:     a.metrics,
		Progress:    a.health.SetProgress,
	}, a.logger)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, fmt.Errorf("file source: %w", err)
	}
	src.SetTracer(a.tracer)

	// Keep the interface type so a missing transform stays a nil interface.
	var tr transform.Transformer
	if def.Transform != nil {
		var opts []celxform.Option
		if def.Transform.Timeout > 0 {
			opts = append(opts, celxform.WithTimeout(def.Transform.Timeout))
		}
		if def.Transform.MaxOutputBytes > 0 {
			opts = append(opts, celxform.WithMaxOutputBytes(def.Transform.MaxOutputBytes))
		}
		tr, err = celxform.NewTransformer(def.Transform.CEL, opts...)
		if err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("cel transformer: %w", err)
		}
	}

	sk, err := a.buildSink(def.Sink)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("sink: %w", err)
	}

	dlqHandler, err := buildDLQ(def)
	if err != nil {
		_ = src.Close()
		_ = sk.Close()
		return nil, fmt.Errorf("dlq: %w", err)
	}

	return pipeline.New(pipeline.Config{
		ReplayName:      def.Name,
		EventType:       def.CloudEvents.Type,
		Source:          def.CloudEvents.Source,
		PropagateErrors: def.ErrorHandling.PropagateErrors,
	}, src, tr, sk, dlqHandler,
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithTracer(a.tracer),
	), nil
}

func (a *app) buildCheckpoints(ctx context.Context, cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch cfg.Type {
	case config.CheckpointFile:
		store, err := checkpoint.NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.CheckpointKafka:
		store, err := checkpoint.NewKafkaStore(cfg.Cluster, cfg.Topic, a.logger)
		if err != nil {
			return nil, err
		}
		// -1 uses the broker's default replication factor.
		if err := store.EnsureTopic(ctx, 1, -1); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, nil
}

func (a *app) buildSink(cfg config.SinkConfig) (sink.Sink, error) {
	switch cfg.Type {
	case config.SinkHTTP:
		s, err := httpsink.NewSink(httpsink.Config{
			URL:     cfg.HTTP.URL,
			Method:  cfg.HTTP.Method,
			Headers: cfg.HTTP.Headers,
			Timeout: cfg.HTTP.Timeout,
			Retry: httpsink.RetryConfig{
				MaxAttempts:     cfg.HTTP.Retry.MaxAttempts,
				InitialInterval: cfg.HTTP.Retry.InitialInterval,
				MaxInterval:     cfg.HTTP.Retry.MaxInterval,
			},
		}, a.logger)
		if err != nil {
			return nil, err
		}
		s.SetTracer(a.tracer)
		return s, nil
	case config.SinkKafka:
		s, err := kafkasink.NewSink(kafkasink.Config{
			Cluster:   cfg.Kafka.Cluster,
			Topic:     cfg.Kafka.Topic,
			KeyHeader: cfg.Kafka.KeyHeader,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		s.SetTracer(a.tracer)
		return s, nil
	case config.SinkGRPC:
		s, err := grpcsink.NewSink(grpcsink.Config{
			Address: cfg.GRPC.Address,
			Method:  cfg.GRPC.Method,
			TLS:     cfg.GRPC.TLS,
			Timeout: cfg.GRPC.Timeout,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		s.SetTracer(a.tracer)
		return s, nil
	case config.SinkStdout:
		return stdout.NewSink(a.stdout), nil
	}
	return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
}

// buildDLQ publishes to Kafka when a dead letter topic is configured and
// discards failed records otherwise.
func buildDLQ(def *config.ReplayDefinition) (*dlq.Handler, error) {
	topic := def.ErrorHandling.DeadLetterTopic
	if topic == "" {
		return dlq.NewHandler(nil), nil
	}
	pub, err := kafka.NewPublisher(def.DLQCluster())
	if err != nil {
		return nil, err
	}
	return dlq.NewHandler(pub, dlq.WithTopicFunc(func(string) string { return topic })), nil
}
