package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/parley"

// Span attribute keys set by this package.
const (
	SessionIDKey = attribute.Key("parley.session.id")
	TransportKey = attribute.Key("parley.transport")
)

// StartSpan starts a span on the global tracer. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartSessionSpan starts the root span of one conversation. It lives from
// Start until teardown completes.
func StartSessionSpan(ctx context.Context, sessionID, transport string) (context.Context, trace.Span) {
	return StartSpan(ctx, "parley.session",
		trace.WithNewRoot(),
		trace.WithAttributes(SessionIDKey.String(sessionID), TransportKey.String(transport)),
	)
}

// TraceID returns the hex trace ID of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns [slog.Default], carrying trace_id and span_id when ctx
// holds a recording span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
