// Package jsonl decodes newline-delimited JSON files for the replay reader.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/lsm/fiso-replay/internal/reader"
)

const maxLineBytes = 1 << 20 // 1MB

// Record is one JSON document from the file.
type Record json.RawMessage

func (r Record) String() string { return string(r) }

func (r Record) MarshalJSON() ([]byte, error) { return r, nil }

// Source reads one JSON document per line. Blank lines are skipped.
type Source struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

// Open is a reader.OpenFunc for local JSON Lines files.
func Open(path string) (reader.RecordSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return newSource(f), nil
}

func newSource(f *os.File) *Source {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Source{file: f, scanner: scanner}
}

// Next returns the next document. A malformed line is a read error.
func (s *Source) Next() (reader.Record, error) {
	for s.scanner.Scan() {
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, fmt.Errorf("line %d: invalid json", s.line)
		}
		rec := make(Record, len(line))
		copy(rec, line)
		return rec, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", s.line+1, err)
	}
	return nil, io.EOF
}

// Close closes the file.
func (s *Source) Close() error {
	return s.file.Close()
}
