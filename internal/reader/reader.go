// Package reader implements a checkpointable, single-file record reader.
//
// A SingleFileReader exposes one record at a time from a RecordSource and
// numbers them 0, 1, 2, ... in file order. The number of the next record is
// its offset; callers persist it and later pass it back to Open or Seek to
// resume. The decoder behind a RecordSource is forward-only, so seeking
// backwards re-opens the file and replays up to the target.
//
// A SingleFileReader is not safe for concurrent use.
package reader

import (
	"errors"
	"io"
	"log/slog"
)

type lifecycle uint8

const (
	unopened lifecycle = iota
	opened
	closed
)

// lookahead is the state of the one-record buffer between HasNext and ReadNext.
type lookahead uint8

const (
	pending lookahead = iota
	buffered
	exhausted
)

// Option configures a SingleFileReader.
type Option func(*SingleFileReader)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *SingleFileReader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// SingleFileReader reads records from one file with resumable offsets.
type SingleFileReader struct {
	ssp    StreamPartition
	openFn OpenFunc
	logger *slog.Logger

	path      string
	src       RecordSource
	lifecycle lifecycle
	state     lookahead
	next      Record
	offset    uint64
}

// New creates a reader bound to ssp. Records are decoded by sources obtained
// from open.
func New(ssp StreamPartition, open OpenFunc, opts ...Option) *SingleFileReader {
	r := &SingleFileReader{
		ssp:    ssp,
		openFn: open,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StreamPartition returns the identity attached to delivered envelopes.
func (r *SingleFileReader) StreamPartition() StreamPartition {
	return r.ssp
}

// Path returns the path passed to Open.
func (r *SingleFileReader) Path() string {
	return r.path
}

// Open opens path and positions the reader at startOffset. Use StartOffset
// for a cold start. On failure the reader holds no source and stays unopened.
func (r *SingleFileReader) Open(path, startOffset string) error {
	switch r.lifecycle {
	case opened:
		return ErrAlreadyOpen
	case closed:
		return ErrClosed
	}

	r.logger.Info("opening file",
		"system", r.ssp.System,
		"stream", r.ssp.Stream,
		"partition", r.ssp.Partition,
		"path", path,
		"offset", startOffset,
	)

	r.path = path
	if err := r.acquire(); err != nil {
		return err
	}
	r.lifecycle = opened

	if err := r.Seek(startOffset); err != nil {
		r.abandon()
		return err
	}
	return nil
}

// Seek positions the reader so the next ReadNext delivers the record at
// target. Seeking past the end of the file leaves the reader exhausted at the
// last offset the file has.
func (r *SingleFileReader) Seek(target string) error {
	if err := r.usable(); err != nil {
		return err
	}
	n, err := ParseOffset(target)
	if err != nil {
		return err
	}

	if n < r.offset {
		if err := r.rewind(); err != nil {
			return err
		}
	}

	for r.offset < n {
		ok, err := r.HasNext()
		if err != nil {
			return err
		}
		if !ok {
			r.logger.Debug("seek past end of file",
				"stream", r.ssp.Stream,
				"path", r.path,
				"target", target,
				"offset", r.NextOffset(),
			)
			break
		}
		if _, err := r.ReadNext(); err != nil {
			return err
		}
	}
	return nil
}

// HasNext reports whether a record is available. It pulls at most one record
// from the source and buffers it; repeated calls do not advance the reader.
func (r *SingleFileReader) HasNext() (bool, error) {
	if err := r.usable(); err != nil {
		return false, err
	}

	switch r.state {
	case exhausted:
		return false, nil
	case buffered:
		return true, nil
	}

	rec, err := r.src.Next()
	if errors.Is(err, io.EOF) {
		r.state = exhausted
		return false, nil
	}
	if err != nil {
		return false, &Error{Kind: KindRead, Path: r.path, Offset: r.NextOffset(), Err: err}
	}
	r.next = rec
	r.state = buffered
	return true, nil
}

// ReadNext delivers the next record and advances the offset by one. It fails
// with a KindOverRead error wrapping ErrNoMoreRecords when nothing is left.
func (r *SingleFileReader) ReadNext() (Envelope, error) {
	ok, err := r.HasNext()
	if err != nil {
		return Envelope{}, err
	}
	if !ok {
		return Envelope{}, &Error{Kind: KindOverRead, Path: r.path, Offset: r.NextOffset(), Err: ErrNoMoreRecords}
	}

	env := Envelope{
		StreamPartition: r.ssp,
		Offset:          r.NextOffset(),
		Record:          r.next,
	}
	r.offset++
	r.next = nil
	r.state = pending
	return env, nil
}

// NextOffset returns the offset the next ReadNext will assign.
func (r *SingleFileReader) NextOffset() string {
	return FormatOffset(r.offset)
}

// Close releases the source. Closing a reader that was never opened, or
// closing twice, is a no-op.
func (r *SingleFileReader) Close() error {
	if r.lifecycle == closed {
		return nil
	}
	r.lifecycle = closed
	r.next = nil

	if r.src == nil {
		return nil
	}
	src := r.src
	r.src = nil

	r.logger.Info("closing file",
		"system", r.ssp.System,
		"stream", r.ssp.Stream,
		"partition", r.ssp.Partition,
		"path", r.path,
		"offset", r.NextOffset(),
	)
	if err := src.Close(); err != nil {
		return &Error{Kind: KindClose, Path: r.path, Err: err}
	}
	return nil
}

func (r *SingleFileReader) usable() error {
	switch r.lifecycle {
	case unopened:
		return ErrNotOpen
	case closed:
		return ErrClosed
	}
	return nil
}

// acquire opens a fresh source at r.path and resets the cursor.
func (r *SingleFileReader) acquire() error {
	src, err := r.openFn(r.path)
	if err != nil {
		return &Error{Kind: KindOpen, Path: r.path, Err: err}
	}
	r.src = src
	r.offset = 0
	r.next = nil
	r.state = pending
	return nil
}

// rewind discards the current source and starts a new scan of the same file.
// If either step fails the reader is left unopened.
func (r *SingleFileReader) rewind() error {
	r.logger.Info("rewinding file",
		"stream", r.ssp.Stream,
		"partition", r.ssp.Partition,
		"path", r.path,
		"offset", r.NextOffset(),
	)

	src := r.src
	r.src = nil
	r.lifecycle = unopened
	if err := src.Close(); err != nil {
		return &Error{Kind: KindClose, Path: r.path, Err: err}
	}
	if err := r.acquire(); err != nil {
		return err
	}
	r.lifecycle = opened
	return nil
}

// abandon drops the source after a failed Open. The original failure is what
// the caller sees, so a release error is only logged.
func (r *SingleFileReader) abandon() {
	r.lifecycle = unopened
	r.next = nil
	if r.src == nil {
		return
	}
	if err := r.src.Close(); err != nil {
		r.logger.Error("release after failed open", "path", r.path, "error", err)
	}
	r.src = nil
}
