// Package dlq routes records that could not be delivered to a dead letter topic.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Failure headers attached to every dead-lettered record.
const (
	HeaderStream        = "fiso-original-stream"
	HeaderPartition     = "fiso-original-partition"
	HeaderOffset        = "fiso-original-offset"
	HeaderPath          = "fiso-original-path"
	HeaderErrorCode     = "fiso-error-code"
	HeaderErrorMessage  = "fiso-error-message"
	HeaderFailedAt      = "fiso-failed-at"
	HeaderReplayName    = "fiso-replay-name"
	HeaderCorrelationID = "fiso-correlation-id"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo describes where a failed record came from and why it failed.
type FailureInfo struct {
	Stream        string
	Partition     int32
	Offset        int64
	Path          string
	ErrorCode     string
	ErrorMessage  string
	ReplayName    string
	CorrelationID string
}

// Handler publishes failed records to a dead letter topic.
type Handler struct {
	publisher Publisher
	topicFn   func(replayName string) string
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default DLQ topic naming function.
func WithTopicFunc(fn func(replayName string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// WithClock overrides the clock used for the failed-at header.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a new DLQ handler. A nil publisher discards records.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	if pub == nil {
		pub = NoopPublisher{}
	}
	h := &Handler{
		publisher: pub,
		topicFn:   func(replayName string) string { return "fiso-dlq-" + replayName },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send publishes a failed record to the replay's DLQ topic.
func (h *Handler) Send(ctx context.Context, key, value []byte, info FailureInfo) error {
	topic := h.topicFn(info.ReplayName)

	headers := map[string]string{
		HeaderStream:        info.Stream,
		HeaderPartition:     strconv.FormatInt(int64(info.Partition), 10),
		HeaderOffset:        strconv.FormatInt(info.Offset, 10),
		HeaderPath:          info.Path,
		HeaderErrorCode:     info.ErrorCode,
		HeaderErrorMessage:  info.ErrorMessage,
		HeaderFailedAt:      h.now().UTC().Format(time.RFC3339),
		HeaderReplayName:    info.ReplayName,
		HeaderCorrelationID: info.CorrelationID,
	}

	if err := h.publisher.Publish(ctx, topic, key, value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// NoopPublisher is a Publisher that discards all messages. It is used when no
// DLQ cluster is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (NoopPublisher) Close() error { return nil }
