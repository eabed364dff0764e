// Package config loads replay definitions from a directory of YAML files and
// watches it for changes.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/fiso-replay/internal/kafka"
	"github.com/lsm/fiso-replay/internal/reader"
)

// DefaultDir is used when FISO_CONFIG_DIR is unset.
const DefaultDir = "/etc/fiso/replays"

// ReplayDefinition describes one file replay.
type ReplayDefinition struct {
	Name          string              `yaml:"name"`
	Source        SourceConfig        `yaml:"source"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	Transform     *TransformConfig    `yaml:"transform,omitempty"`
	CloudEvents   CloudEventsConfig   `yaml:"cloudevents"`
	Sink          SinkConfig          `yaml:"sink"`
	ErrorHandling ErrorHandlingConfig `yaml:"errorHandling"`
}

// SourceConfig selects the file to replay and the identity its records carry.
type SourceConfig struct {
	Path        string  `yaml:"path"`
	Format      string  `yaml:"format,omitempty"`
	System      string  `yaml:"system,omitempty"`
	Stream      string  `yaml:"stream"`
	Partition   int32   `yaml:"partition,omitempty"`
	StartOffset string  `yaml:"startOffset,omitempty"`
	RateLimit   float64 `yaml:"rateLimit,omitempty"`
	Burst       int     `yaml:"burst,omitempty"`
	CommitEvery int     `yaml:"commitEvery,omitempty"`
}

// Checkpoint store types.
const (
	CheckpointNone  = "none"
	CheckpointFile  = "file"
	CheckpointKafka = "kafka"
)

// CheckpointConfig selects where replay progress is kept.
type CheckpointConfig struct {
	Type    string               `yaml:"type"`
	Path    string               `yaml:"path,omitempty"`
	Topic   string               `yaml:"topic,omitempty"`
	Cluster *kafka.ClusterConfig `yaml:"cluster,omitempty"`
}

// TransformConfig holds transform configuration.
type TransformConfig struct {
	CEL            string        `yaml:"cel"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	MaxOutputBytes int           `yaml:"maxOutputBytes,omitempty"`
}

// CloudEventsConfig overrides envelope attributes.
type CloudEventsConfig struct {
	Type   string `yaml:"type,omitempty"`
	Source string `yaml:"source,omitempty"`
}

// Sink types.
const (
	SinkHTTP   = "http"
	SinkKafka  = "kafka"
	SinkGRPC   = "grpc"
	SinkStdout = "stdout"
)

// SinkConfig holds the configuration of the one sink named by Type.
type SinkConfig struct {
	Type  string           `yaml:"type"`
	HTTP  *HTTPSinkConfig  `yaml:"http,omitempty"`
	Kafka *KafkaSinkConfig `yaml:"kafka,omitempty"`
	GRPC  *GRPCSinkConfig  `yaml:"grpc,omitempty"`
}

// HTTPSinkConfig configures the HTTP sink.
type HTTPSinkConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Retry   RetryConfig       `yaml:"retry,omitempty"`
}

// RetryConfig configures HTTP delivery retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts,omitempty"`
	InitialInterval time.Duration `yaml:"initialInterval,omitempty"`
	MaxInterval     time.Duration `yaml:"maxInterval,omitempty"`
}

// KafkaSinkConfig configures the Kafka sink.
type KafkaSinkConfig struct {
	Cluster   *kafka.ClusterConfig `yaml:"cluster"`
	Topic     string               `yaml:"topic"`
	KeyHeader string               `yaml:"keyHeader,omitempty"`
}

// GRPCSinkConfig configures the gRPC sink.
type GRPCSinkConfig struct {
	Address string        `yaml:"address"`
	Method  string        `yaml:"method,omitempty"`
	TLS     bool          `yaml:"tls,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ErrorHandlingConfig controls what happens to records that fail.
type ErrorHandlingConfig struct {
	// PropagateErrors stops the replay at a failed record instead of
	// dead-lettering it.
	PropagateErrors bool `yaml:"propagateErrors,omitempty"`
	// DeadLetterTopic enables the Kafka DLQ. Cluster defaults to the Kafka
	// sink's cluster.
	DeadLetterTopic string               `yaml:"deadLetterTopic,omitempty"`
	Cluster         *kafka.ClusterConfig `yaml:"cluster,omitempty"`
}

// DLQCluster returns the cluster dead-lettered records are published to.
func (d *ReplayDefinition) DLQCluster() *kafka.ClusterConfig {
	if d.ErrorHandling.Cluster != nil {
		return d.ErrorHandling.Cluster
	}
	if d.Sink.Kafka != nil {
		return d.Sink.Kafka.Cluster
	}
	return nil
}

// Validate reports every problem in the definition.
func (d *ReplayDefinition) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.Source.Path == "" {
		errs = append(errs, errors.New("source.path is required"))
	}
	if d.Source.Stream == "" {
		errs = append(errs, errors.New("source.stream is required"))
	}
	if d.Source.StartOffset != "" {
		if _, err := reader.ParseOffset(d.Source.StartOffset); err != nil {
			errs = append(errs, fmt.Errorf("source.startOffset: %w", err))
		}
	}

	switch d.Checkpoint.Type {
	case "", CheckpointNone:
	case CheckpointFile:
		if d.Checkpoint.Path == "" {
			errs = append(errs, errors.New("checkpoint.path is required for file checkpoints"))
		}
	case CheckpointKafka:
		if d.Checkpoint.Topic == "" {
			errs = append(errs, errors.New("checkpoint.topic is required for kafka checkpoints"))
		}
		if d.Checkpoint.Cluster == nil {
			errs = append(errs, errors.New("checkpoint.cluster is required for kafka checkpoints"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint type %q", d.Checkpoint.Type))
	}

	if d.Transform != nil && d.Transform.CEL == "" {
		errs = append(errs, errors.New("transform.cel is required when transform is set"))
	}

	switch d.Sink.Type {
	case SinkHTTP:
		if d.Sink.HTTP == nil || d.Sink.HTTP.URL == "" {
			errs = append(errs, errors.New("sink.http.url is required"))
		}
	case SinkKafka:
		if d.Sink.Kafka == nil || d.Sink.Kafka.Topic == "" || d.Sink.Kafka.Cluster == nil {
			errs = append(errs, errors.New("sink.kafka requires cluster and topic"))
		}
	case SinkGRPC:
		if d.Sink.GRPC == nil || d.Sink.GRPC.Address == "" {
			errs = append(errs, errors.New("sink.grpc.address is required"))
		}
	case SinkStdout:
	case "":
		errs = append(errs, errors.New("sink.type is required"))
	default:
		errs = append(errs, fmt.Errorf("unknown sink type %q", d.Sink.Type))
	}

	if d.ErrorHandling.DeadLetterTopic != "" && d.DLQCluster() == nil {
		errs = append(errs, errors.New("errorHandling.cluster is required for a DLQ without a kafka sink"))
	}
	return errors.Join(errs...)
}

// Loader loads and watches replay definition files.
type Loader struct {
	mu       sync.RWMutex
	replays  map[string]*ReplayDefinition
	dir      string
	logger   *slog.Logger
	onChange func(map[string]*ReplayDefinition)
}

// NewLoader creates a new configuration loader for the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		replays: make(map[string]*ReplayDefinition),
		dir:     dir,
		logger:  logger,
	}
}

// OnChange registers a callback that fires after a reload triggered by Watch.
func (l *Loader) OnChange(fn func(map[string]*ReplayDefinition)) {
	l.onChange = fn
}

// Load reads every .yaml and .yml file in the directory. Files that fail to
// parse or validate are logged and skipped.
func (l *Loader) Load() (map[string]*ReplayDefinition, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", l.dir, err)
	}

	replays := make(map[string]*ReplayDefinition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !isDefinitionFile(entry.Name()) {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		def, err := LoadFile(path)
		if err != nil {
			l.logger.Error("failed to load replay definition", "path", path, "error", err)
			continue
		}
		if _, dup := replays[def.Name]; dup {
			l.logger.Error("duplicate replay name, keeping the first", "name", def.Name, "path", path)
			continue
		}
		replays[def.Name] = def
	}

	l.mu.Lock()
	l.replays = replays
	l.mu.Unlock()

	return replays, nil
}

// Watch reloads the directory whenever a file in it changes, then calls the
// OnChange callback. It blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", l.dir, err)
	}
	l.logger.Info("watching config directory", "dir", l.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			l.reload(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// reload handles one watcher event. Only definition files are considered,
// and OnChange fires only when the loaded definitions differ from before.
func (l *Loader) reload(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	if !isDefinitionFile(event.Name) {
		return false
	}

	previous := l.Replays()
	replays, err := l.Load()
	if err != nil {
		l.logger.Error("failed to reload config", "error", err)
		return false
	}
	if reflect.DeepEqual(previous, replays) {
		l.logger.Debug("config unchanged", "file", event.Name, "op", event.Op.String())
		return false
	}

	l.logger.Info("config change detected", "file", event.Name, "op", event.Op.String())
	if l.onChange != nil {
		l.onChange(replays)
	}
	return true
}

func isDefinitionFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// Replays returns a copy of the currently loaded definitions.
func (l *Loader) Replays() map[string]*ReplayDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	replays := make(map[string]*ReplayDefinition, len(l.replays))
	for k, v := range l.replays {
		replays[k] = v
	}
	return replays
}

// LoadFile parses and validates one definition. ${VAR} references are
// expanded from the environment before parsing.
func LoadFile(path string) (*ReplayDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var def ReplayDefinition
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid replay definition %s: %w", path, err)
	}
	return &def, nil
}

// Select returns the definition named name, or the only definition when name
// is empty.
func Select(replays map[string]*ReplayDefinition, name string) (*ReplayDefinition, error) {
	if name != "" {
		def, ok := replays[name]
		if !ok {
			return nil, fmt.Errorf("replay %q not found", name)
		}
		return def, nil
	}
	switch len(replays) {
	case 0:
		return nil, errors.New("no replay definitions found")
	case 1:
		for _, def := range replays {
			return def, nil
		}
	}
	return nil, fmt.Errorf("%d replay definitions found; set FISO_REPLAY to pick one", len(replays))
}
