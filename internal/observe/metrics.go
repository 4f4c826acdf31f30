// Package observe provides observability primitives for TuneSync:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider] so the dashboard can serve /metrics. Tests
// should use [NewMetrics] with their own [metric.MeterProvider] instead of
// [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all TuneSync metrics.
const meterName = "github.com/tunesync/tunesync"

// Metrics holds all metric instruments for the application.
type Metrics struct {
	// BackendRequests counts analysis backend calls by op and status.
	BackendRequests metric.Int64Counter

	// BackendDuration tracks backend call latency by op.
	BackendDuration metric.Float64Histogram

	// AdvisorRequests counts feedback requests by advisor and status.
	AdvisorRequests metric.Int64Counter

	// AdvisorDuration tracks feedback latency by advisor.
	AdvisorDuration metric.Float64Histogram

	// WaveformSamples records the sample count of each loaded waveform by
	// track ("reference" or "recording").
	WaveformSamples metric.Int64Histogram

	// PlaybackSubscribers is the number of live playback streams.
	PlaybackSubscribers metric.Int64UpDownCounter

	// HistoryWrites counts history records saved by status.
	HistoryWrites metric.Int64Counter

	// HTTPRequestDuration tracks dashboard request latency by method and route.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Backend calls include
// YouTube downloads, so the tail is long.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

var sampleBuckets = []float64{
	10, 100, 500, 1_000, 5_000, 10_000, 50_000,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BackendRequests, err = m.Int64Counter("tunesync.backend.requests",
		metric.WithDescription("Analysis backend requests by op and status."),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("tunesync.backend.duration",
		metric.WithDescription("Latency of analysis backend requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AdvisorRequests, err = m.Int64Counter("tunesync.advisor.requests",
		metric.WithDescription("Feedback requests by advisor and status."),
	); err != nil {
		return nil, err
	}
	if met.AdvisorDuration, err = m.Float64Histogram("tunesync.advisor.duration",
		metric.WithDescription("Latency of feedback generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WaveformSamples, err = m.Int64Histogram("tunesync.waveform.samples",
		metric.WithDescription("Number of samples in each loaded waveform."),
		metric.WithExplicitBucketBoundaries(sampleBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSubscribers, err = m.Int64UpDownCounter("tunesync.playback.subscribers",
		metric.WithDescription("Number of live playback position streams."),
	); err != nil {
		return nil, err
	}
	if met.HistoryWrites, err = m.Int64Counter("tunesync.history.writes",
		metric.WithDescription("History records saved by status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("tunesync.http.request.duration",
		metric.WithDescription("Dashboard request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Status maps an error to the "status" attribute value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordBackendRequest records one backend call.
func (m *Metrics) RecordBackendRequest(ctx context.Context, op string, err error, d time.Duration) {
	m.BackendRequests.Add(ctx, 1, metric.WithAttributes(Attr("op", op), Attr("status", Status(err))))
	m.BackendDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("op", op)))
}

// RecordAdvisorRequest records one feedback request.
func (m *Metrics) RecordAdvisorRequest(ctx context.Context, advisor string, err error, d time.Duration) {
	m.AdvisorRequests.Add(ctx, 1, metric.WithAttributes(Attr("advisor", advisor), Attr("status", Status(err))))
	m.AdvisorDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("advisor", advisor)))
}

// RecordWaveformLoaded records the size of a loaded waveform.
func (m *Metrics) RecordWaveformLoaded(ctx context.Context, track string, samples int) {
	m.WaveformSamples.Record(ctx, int64(samples), metric.WithAttributes(Attr("track", track)))
}

// RecordHistoryWrite records one history save attempt.
func (m *Metrics) RecordHistoryWrite(ctx context.Context, err error) {
	m.HistoryWrites.Add(ctx, 1, metric.WithAttributes(Attr("status", Status(err))))
}
