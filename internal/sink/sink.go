// Package sink defines where replayed records are delivered.
package sink

import "context"

// Sink delivers replayed events to a destination.
//
// A record counts as delivered, and its offset may be checkpointed, only
// once Deliver returns nil. After a crash the records past the last
// checkpoint are delivered again with the same correlation id header, so
// destinations can deduplicate on it.
type Sink interface {
	Deliver(ctx context.Context, event []byte, headers map[string]string) error
	Close() error
}
