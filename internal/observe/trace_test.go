package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useRecorder installs a synchronous in-memory tracer provider as the global
// one for the duration of the test.
func useRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("untraced context: %q, want empty", got)
	}

	useRecorder(t)
	seen := map[string]bool{}
	for range 50 {
		ctx, span := StartSpan(context.Background(), "load")
		id := CorrelationID(ctx)
		span.End()
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not a 32 digit hex trace ID", id)
		}
		if seen[id] {
			t.Fatalf("trace ID %s reused", id)
		}
		seen[id] = true
	}
}

func TestEndSpan(t *testing.T) {
	exp := useRecorder(t)

	_, failed := StartSpan(context.Background(), "backend.upload")
	EndSpan(failed, errors.New("status 500"))
	_, ok := StartSpan(context.Background(), "backend.ping")
	EndSpan(ok, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name != "backend.upload" || spans[0].Status.Code != codes.Error || spans[0].Status.Description != "status 500" {
		t.Errorf("failed span: name %q status %+v", spans[0].Name, spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("failed span carries no exception event")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("successful span marked failed")
	}
}

func TestLogger(t *testing.T) {
	useRecorder(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("untraced")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("untraced log has a trace_id: %s", buf)
	}

	buf.Reset()
	ctx, span := StartSpan(context.Background(), "analysis.load")
	defer span.End()
	Logger(ctx).Info("traced")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("traced log lacks IDs: %s", out)
	}
}
