// Package parquet decodes Parquet files one row at a time for the replay reader.
package parquet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/lsm/fiso-replay/internal/reader"
)

// Field is one named column value of a row. Repeated columns hold a []any.
type Field struct {
	Name  string
	Value any
}

// Record is a decoded Parquet row with its fields in schema order.
type Record []Field

// String renders one "name: value" line per non-null field.
func (r Record) String() string {
	var b strings.Builder
	for _, f := range r {
		if f.Value == nil {
			continue
		}
		fmt.Fprintf(&b, "%s: %v\n", f.Name, f.Value)
	}
	return b.String()
}

// MarshalJSON renders the row as a JSON object, keeping schema order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value of the named field.
func (r Record) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Source pulls rows from a Parquet file.
type Source struct {
	file    *os.File
	rows    *parquet.Reader
	columns []string
	buf     []parquet.Row
	err     error
	eof     bool
}

// Open is a reader.OpenFunc for local Parquet files.
func Open(path string) (reader.RecordSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("parquet footer %s: %w", path, err)
	}

	rows := parquet.NewReader(pf)
	paths := rows.Schema().Columns()
	columns := make([]string, len(paths))
	for i, p := range paths {
		columns[i] = strings.Join(p, ".")
	}

	return &Source{
		file:    f,
		rows:    rows,
		columns: columns,
		buf:     make([]parquet.Row, 1),
	}, nil
}

// Next returns the next row, or io.EOF once the file is drained.
func (s *Source) Next() (reader.Record, error) {
	if s.err != nil {
		err := s.err
		s.err = nil
		return nil, err
	}
	if s.eof {
		return nil, io.EOF
	}

	for {
		s.buf[0] = s.buf[0][:0]
		n, err := s.rows.ReadRows(s.buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.eof = true
			} else if n > 0 {
				// Deliver the row we have; report the failure on the next pull.
				s.err = err
			} else {
				return nil, err
			}
		}
		if n > 0 {
			return s.decode(s.buf[0]), nil
		}
		if s.eof {
			return nil, io.EOF
		}
	}
}

// Close releases the Parquet reader and the file handle.
func (s *Source) Close() error {
	return errors.Join(s.rows.Close(), s.file.Close())
}

func (s *Source) decode(row parquet.Row) Record {
	rec := make(Record, len(s.columns))
	for i, name := range s.columns {
		rec[i].Name = name
	}
	seen := make([]int, len(s.columns))
	for _, v := range row {
		col := v.Column()
		if col < 0 || col >= len(rec) {
			continue
		}
		if v.IsNull() {
			continue
		}
		val := nativeValue(v)
		switch seen[col] {
		case 0:
			rec[col].Value = val
		case 1:
			rec[col].Value = []any{rec[col].Value, val}
		default:
			rec[col].Value = append(rec[col].Value.([]any), val)
		}
		seen[col]++
	}
	return rec
}

// nativeValue copies a column value out of the reader's buffers.
func nativeValue(v parquet.Value) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return v.Int32()
	case parquet.Int64:
		return v.Int64()
	case parquet.Int96:
		return fmt.Sprint(v.Int96())
	case parquet.Float:
		return v.Float()
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return nil
	}
}
