package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/oddmeta/oddtts"

// Span attribute keys shared by synthesis and catalog spans.
const (
	AttrBackend = attribute.Key("tts.backend")
	AttrMode    = attribute.Key("tts.mode")
	AttrVoice   = attribute.Key("tts.voice")
	AttrBytes   = attribute.Key("tts.bytes")
	AttrVoices  = attribute.Key("tts.catalog.voices")
)

// Tracer returns the oddtts tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSynthesisSpan starts the "tts.synthesize" span for one dispatched
// call. voice may be empty when the request names none.
func StartSynthesisSpan(ctx context.Context, backend, mode, voice string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrBackend.String(backend), AttrMode.String(mode)}
	if voice != "" {
		attrs = append(attrs, AttrVoice.String(voice))
	}
	return StartSpan(ctx, "tts.synthesize", trace.WithAttributes(attrs...))
}

// StartPopulateSpan starts the "catalog.populate" span for a voice list
// fetch from backend.
func StartPopulateSpan(ctx context.Context, backend string) (context.Context, trace.Span) {
	return StartSpan(ctx, "catalog.populate", trace.WithAttributes(AttrBackend.String(backend)))
}

// EndSpan records err with status as the description when err is non-nil,
// then ends span.
func EndSpan(span trace.Span, status string, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// Logs and error payloads carry it as the request correlation ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
