// Package tracing wires OpenTelemetry into the replay pipeline.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrReplayName    = "fiso.replay.name"
	AttrCorrelationID = "fiso.correlation_id"
	AttrSystem        = "fiso.source.system"
	AttrStream        = "fiso.source.stream"
	AttrPartition     = "fiso.source.partition"
	AttrOffset        = "fiso.source.offset"
	AttrFilePath      = "file.path"
	AttrKafkaTopic    = "messaging.kafka.topic"
	AttrHTTPTarget    = "http.target"
	AttrHTTPMethod    = "http.method"
	AttrGRPCMethod    = "rpc.grpc.method"
)

// Span names.
const (
	SpanRecordRead   = "fiso.record.read"
	SpanTransform    = "fiso.transform"
	SpanDeliver      = "fiso.deliver"
	SpanKafkaPublish = "kafka.publish"
	SpanHTTPDeliver  = "http.deliver"
	SpanGRPCDeliver  = "grpc.deliver"
)

// StartSpan starts a span, or returns the span already in ctx when tracer is nil.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func ReplayAttr(name string) attribute.KeyValue {
	return attribute.String(AttrReplayName, name)
}

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

// RecordAttrs describes where a replayed record came from.
func RecordAttrs(system, stream string, partition int32, offset, path string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSystem, system),
		attribute.String(AttrStream, stream),
		attribute.Int64(AttrPartition, int64(partition)),
		attribute.String(AttrOffset, offset),
		attribute.String(AttrFilePath, path),
	}
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

func HTTPMethodAttr(method string) attribute.KeyValue {
	return attribute.String(AttrHTTPMethod, method)
}

func GRPCMethodAttr(method string) attribute.KeyValue {
	return attribute.String(AttrGRPCMethod, method)
}
