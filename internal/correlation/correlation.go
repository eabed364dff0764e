// Package correlation assigns correlation IDs to replayed records and carries
// W3C trace context through event headers.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/lsm/fiso-replay/internal/reader"
)

const (
	HeaderCorrelationID  = "fiso-correlation-id"
	HeaderXCorrelationID = "x-correlation-id"
	HeaderTraceparent    = "traceparent"

	SourceRecord    = "record"
	SourceGenerated = "generated"
)

// replayNamespace seeds the name-based UUIDs of replayed records.
var replayNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://fiso.dev/replay"))

type ID struct {
	Value  string
	Source string
}

// ForRecord returns the correlation ID of the record at offset in path.
// Replaying the same record always yields the same ID, so downstream
// consumers can de-duplicate after a rewind or restart.
func ForRecord(ssp reader.StreamPartition, path, offset string) ID {
	name := ssp.String() + "@" + path + "#" + offset
	return ID{Value: uuid.NewSHA1(replayNamespace, []byte(name)).String(), Source: SourceRecord}
}

// ExtractOrGenerate extracts a correlation ID from headers or generates a new UUID.
// Priority: fiso-correlation-id > x-correlation-id > traceparent > new UUID
func ExtractOrGenerate(headers map[string]string) ID {
	if id := headers[HeaderCorrelationID]; id != "" {
		return ID{Value: id, Source: HeaderCorrelationID}
	}
	if id := headers[HeaderXCorrelationID]; id != "" {
		return ID{Value: id, Source: HeaderXCorrelationID}
	}
	if tp := headers[HeaderTraceparent]; tp != "" {
		if traceID := extractTraceID(tp); traceID != "" {
			return ID{Value: traceID, Source: HeaderTraceparent}
		}
	}
	return ID{Value: uuid.New().String(), Source: SourceGenerated}
}

// extractTraceID parses W3C traceparent format: version-traceid-parentid-flags
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

// AddToHeaders adds the correlation ID to headers (creates the map if nil).
func AddToHeaders(headers map[string]string, id ID) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[HeaderCorrelationID] = id.Value
	return headers
}

// ExtractTraceContext returns ctx enriched with any trace context in headers.
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// InjectTraceContext writes the trace context of ctx into headers (creates
// the map if nil) and returns it.
func InjectTraceContext(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 2)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}
