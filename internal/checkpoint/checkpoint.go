// Package checkpoint persists replay offsets between runs.
package checkpoint

import (
	"context"

	"github.com/lsm/fiso-replay/internal/reader"
)

// Store persists the next offset to read for each checkpoint id.
type Store interface {
	// Load returns the stored offset for id. found is false when nothing has
	// been saved yet.
	Load(ctx context.Context, id string) (offset string, found bool, err error)

	// Save records offset as the next record to read for id.
	Save(ctx context.Context, id, offset string) error

	Close() error
}

// ID returns the checkpoint id for a file read on behalf of ssp.
func ID(ssp reader.StreamPartition, path string) string {
	return ssp.String() + "@" + path
}
