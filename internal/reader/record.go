package reader

import (
	"encoding/json"
	"fmt"
)

// Record is one decoded unit from a file.
type Record interface {
	fmt.Stringer
	json.Marshaler
}

// RecordSource yields decoded records from a single file, front to back.
// Next returns io.EOF once the file is drained.
type RecordSource interface {
	Next() (Record, error)
	Close() error
}

// OpenFunc opens a RecordSource positioned at the first record of path.
type OpenFunc func(path string) (RecordSource, error)

// StreamPartition identifies the logical input a reader serves.
type StreamPartition struct {
	System    string
	Stream    string
	Partition int32
}

func (s StreamPartition) String() string {
	return fmt.Sprintf("%s.%s.%d", s.System, s.Stream, s.Partition)
}

// Envelope is a record handed to the caller, tagged with where it came from.
// Key is always nil: file records carry no key.
type Envelope struct {
	StreamPartition StreamPartition
	Offset          string
	Key             []byte
	Record          Record
}
