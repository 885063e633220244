package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the bot tracer.
const tracerName = "github.com/rtemirbulat/voice-transcribing"

// Span attribute keys shared by the webhook and the conversation engine.
const (
	AttrSender    = "voicebot.sender"
	AttrKind      = "voicebot.kind"
	AttrMessageID = "voicebot.message_id"
	AttrBatchID   = "voicebot.batch_id"
)

type batchIDKey struct{}

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done. The batch ID carried by ctx, if
// any, is attached to the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := BatchID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(AttrBatchID, id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// StartEventSpan starts the span covering one inbound message.
func StartEventSpan(ctx context.Context, name, sender, kind, messageID string) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(
		attribute.String(AttrSender, sender),
		attribute.String(AttrKind, kind),
		attribute.String(AttrMessageID, messageID),
	))
}

// WithBatchID tags ctx with the ID of the webhook delivery being processed.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, id)
}

// BatchID returns the webhook delivery ID set by [WithBatchID], or "".
func BatchID(ctx context.Context) string {
	id, _ := ctx.Value(batchIDKey{}).(string)
	return id
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] enriched with the batch ID and
// the trace_id/span_id of the active span in ctx, when present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := BatchID(ctx); id != "" {
		l = l.With(slog.String("batch_id", id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
