package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID back to the caller.
const CorrelationHeader = "X-Correlation-ID"

// quietPaths are probed often and logged at debug level.
var quietPaths = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

// trackingWriter remembers the response status. Hijack is passed through so
// websocket upgrades keep working.
type trackingWriter struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (w *trackingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T cannot be hijacked", w.ResponseWriter)
	}
	conn, brw, err := hj.Hijack()
	if err == nil {
		w.upgraded = true
		w.status = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

func (w *trackingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *trackingWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Middleware traces every request, continuing an incoming W3C traceparent,
// answers with [CorrelationHeader], records the request duration under the
// matched ServeMux pattern and logs the outcome.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	var tc propagation.TraceContext
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			ctx := tc.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(semconv.HTTPRequestMethodKey.String(r.Method), semconv.URLPath(r.URL.Path)),
			)
			defer span.End()

			traceID := CorrelationID(ctx)
			if traceID != "" {
				w.Header().Set(CorrelationHeader, traceID)
			}
			tc.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			tw := &trackingWriter{ResponseWriter: w}
			r = r.WithContext(ctx)
			next.ServeHTTP(tw, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			elapsed := time.Since(began)
			span.SetName("HTTP " + route)
			span.SetAttributes(semconv.HTTPResponseStatusCode(tw.code()))
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
			))

			level := slog.LevelInfo
			if quietPaths[r.URL.Path] {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "http request",
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", tw.code()),
				slog.Bool("upgraded", tw.upgraded),
				slog.Duration("elapsed", elapsed),
				slog.String("trace_id", traceID),
			)
		})
	}
}
