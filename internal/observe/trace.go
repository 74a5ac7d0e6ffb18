package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a span on the aoip tracer of the global provider. The
// caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(meterName).Start(ctx, name, opts...)
}

// CorrelationID returns the trace id of the span in ctx, or "" without one.
// The control plane echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithTrace returns l with the trace_id and span_id of the span in ctx, or l
// unchanged when ctx carries no span.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// GateEvent marks a Run-Gate change on the span in ctx, so a trace of the
// request that flipped the gate shows the transition.
func GateEvent(ctx context.Context, enabled bool, source string) {
	trace.SpanFromContext(ctx).AddEvent("gate.changed", trace.WithAttributes(
		attribute.Bool("aoip.gate.enabled", enabled),
		attribute.String("aoip.gate.source", source),
	))
}
