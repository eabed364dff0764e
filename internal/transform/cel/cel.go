// Package cel transforms replayed records with CEL expressions.
package cel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/lsm/fiso-replay/internal/transform"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxOutputBytes = 1 << 20 // 1MB
)

// Option configures a Transformer.
type Option func(*Transformer)

// WithTimeout sets the maximum execution time for a single transform.
func WithTimeout(d time.Duration) Option {
	return func(t *Transformer) {
		t.timeout = d
	}
}

// WithMaxOutputBytes sets the maximum size of the transform output in bytes.
func WithMaxOutputBytes(n int) Option {
	return func(t *Transformer) {
		t.maxOutputBytes = n
	}
}

// Transformer applies a CEL expression to replayed records.
type Transformer struct {
	program        cel.Program
	timeout        time.Duration
	maxOutputBytes int
}

// NewTransformer compiles expression. The expression sees the decoded record
// as `record`, its offset as the int `offset`, and its stream name as the
// string `stream`. For example:
//
//	{"id": record.order_id, "seq": offset}
func NewTransformer(expression string, opts ...Option) (*Transformer, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.DynType),
		cel.Variable("offset", cel.IntType),
		cel.Variable("stream", cel.StringType),
		cel.Variable("partition", cel.IntType),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	t := &Transformer{
		program:        prg,
		timeout:        defaultTimeout,
		maxOutputBytes: defaultMaxOutputBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

var _ transform.Transformer = (*Transformer)(nil)

// Transform evaluates the expression against one record.
func (t *Transformer) Transform(ctx context.Context, input []byte, meta transform.Metadata) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var record any
	if err := json.Unmarshal(input, &record); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}

	activation := map[string]any{
		"record":    record,
		"offset":    meta.Offset,
		"stream":    meta.Stream,
		"partition": int64(meta.Partition),
	}

	type result struct {
		val any
		err error
	}
	ch := make(chan result, 1)

	go func() {
		out, _, err := t.program.Eval(activation)
		if err != nil {
			ch <- result{err: fmt.Errorf("cel eval: %w", err)}
			return
		}
		ch <- result{val: toNative(out)}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("transform timeout: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}

		output, err := json.Marshal(r.val)
		if err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}
		if len(output) > t.maxOutputBytes {
			return nil, fmt.Errorf("output size %d exceeds max %d bytes", len(output), t.maxOutputBytes)
		}
		return output, nil
	}
}

// toNative converts CEL values into types json.Marshal understands.
func toNative(val any) any {
	switch v := val.(type) {
	case traits.Mapper:
		it := v.Iterator()
		m := make(map[string]any)
		for it.HasNext() == types.True {
			key := it.Next()
			m[fmt.Sprint(key.Value())] = toNative(v.Get(key))
		}
		return m
	case traits.Lister:
		it := v.Iterator()
		list := []any{}
		for it.HasNext() == types.True {
			list = append(list, toNative(it.Next()))
		}
		return list
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.String:
		return string(v)
	case types.Bool:
		return bool(v)
	case types.Null:
		return nil
	case interface{ Value() any }:
		return v.Value()
	default:
		return val
	}
}
