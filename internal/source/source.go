package source

import "context"

// Headers identifying where a replayed event came from.
const (
	HeaderSystem    = "fiso-source-system"
	HeaderStream    = "fiso-source-stream"
	HeaderPartition = "fiso-source-partition"
	HeaderOffset    = "fiso-source-offset"
	HeaderPath      = "fiso-source-path"
)

// Event represents a raw event read from a source.
type Event struct {
	Key           []byte
	Value         []byte
	Headers       map[string]string
	Offset        int64
	Topic         string
	Partition     int32
	CorrelationID string
}

// Source produces events for the pipeline.
type Source interface {
	// Start begins delivering events to handler. It blocks until the source
	// is drained, ctx is cancelled, or handler fails.
	Start(ctx context.Context, handler func(context.Context, Event) error) error

	// Close performs graceful shutdown.
	Close() error
}
