// Package transform defines how replayed records are reshaped before delivery.
package transform

import "context"

// Metadata identifies the record being transformed.
type Metadata struct {
	Stream    string
	Partition int32
	Offset    int64
}

// Transformer applies a transformation to an event payload.
type Transformer interface {
	// Transform takes a record's JSON payload and returns the transformed
	// payload. An error routes the record to the DLQ.
	Transform(ctx context.Context, input []byte, meta Metadata) ([]byte, error)
}
