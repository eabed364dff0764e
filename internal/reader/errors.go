package reader

import (
	"errors"
	"fmt"
)

var (
	ErrNoMoreRecords = errors.New("no more records")
	ErrInvalidOffset = errors.New("invalid offset")
	ErrNotOpen       = errors.New("reader not open")
	ErrAlreadyOpen   = errors.New("reader already open")
	ErrClosed        = errors.New("reader closed")
)

// Kind classifies a reader failure.
type Kind uint8

const (
	KindOpen Kind = iota + 1
	KindRead
	KindOverRead
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindRead:
		return "read"
	case KindOverRead:
		return "over-read"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// Error is returned by SingleFileReader for every failure that involves the
// underlying RecordSource, and for reads past the end of the file.
type Error struct {
	Kind   Kind
	Path   string
	Offset string
	Err    error
}

func (e *Error) Error() string {
	if e.Offset == "" {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s at offset %s: %v", e.Kind, e.Path, e.Offset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the Kind of err, or zero if err is not a *Error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// IsOverRead reports whether err came from ReadNext on a drained reader.
func IsOverRead(err error) bool {
	return KindOf(err) == KindOverRead
}
