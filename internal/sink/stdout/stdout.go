// Package stdout writes events as JSON lines, for dry runs.
package stdout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// Sink writes each event followed by a newline.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink returns a sink writing to w, or to os.Stdout when w is nil.
func NewSink(w io.Writer) *Sink {
	if w == nil {
		w = os.Stdout
	}
	return &Sink{w: w}
}

// Deliver writes event on its own line. Headers are not written.
func (s *Sink) Deliver(_ context.Context, event []byte, _ map[string]string) error {
	line := bytes.TrimRight(event, "\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line[:len(line):len(line)], '\n')); err != nil {
		return fmt.Errorf("stdout write: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *Sink) Close() error { return nil }
