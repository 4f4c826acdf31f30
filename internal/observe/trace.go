package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/tunesync/tunesync"

// Tracer is the package tracer, looked up on the global provider each call
// so that [InitProvider] may run after package init.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// StartSpan starts a span named name. End it with [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}

// ids returns the hex trace and span IDs carried by ctx.
func ids(ctx context.Context) (traceID, spanID string, ok bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return "", "", false
	}
	return sc.TraceID().String(), sc.SpanID().String(), true
}

// CorrelationID is the trace ID of ctx, or "" outside a trace.
func CorrelationID(ctx context.Context) string {
	id, _, _ := ids(ctx)
	return id
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx is traced.
func Logger(ctx context.Context) *slog.Logger {
	traceID, spanID, ok := ids(ctx)
	if !ok {
		return slog.Default()
	}
	return slog.Default().With("trace_id", traceID, "span_id", spanID)
}
