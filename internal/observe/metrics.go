// Package observe provides application-wide observability primitives for
// audiostream: OpenTelemetry metrics, distributed tracing, trace-aware
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/audiostream"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// DispatchDuration tracks the time from submission to final outcome of
	// a segment, retries included. Use with attribute:
	//   attribute.String("status", ...)
	DispatchDuration metric.Float64Histogram

	// ProviderDuration tracks a single provider call. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	ProviderDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentsFormed counts closed segments. Use with attribute:
	//   attribute.String("policy", ...)
	SegmentsFormed metric.Int64Counter

	// SegmentResults counts final segment outcomes. Use with attribute:
	//   attribute.String("status", ...)
	SegmentResults metric.Int64Counter

	// SegmentsDropped counts segments shed under load. Use with attribute:
	//   attribute.String("reason", ...)  // "backlog" or "saturated"
	SegmentsDropped metric.Int64Counter

	// Retries counts retry attempts after transient failures.
	Retries metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// FrameErrors counts rejected inbound frames. Use with attribute:
	//   attribute.String("reason", ...)
	FrameErrors metric.Int64Counter

	// SessionsRejected counts connections refused before the handshake. Use
	// with attribute:
	//   attribute.String("reason", ...)  // "capacity" or "shutdown"
	SessionsRejected metric.Int64Counter

	// Archived counts segment uploads to object storage. Use with attribute:
	//   attribute.String("status", ...)
	Archived metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InFlight tracks segments currently held by the dispatcher.
	InFlight metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// batch transcription of segments up to tens of seconds long.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DispatchDuration, err = m.Float64Histogram("audiostream.dispatch.duration",
		metric.WithDescription("Time from segment submission to final outcome, retries included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("audiostream.provider.duration",
		metric.WithDescription("Latency of a single provider call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentsFormed, err = m.Int64Counter("audiostream.segments.formed",
		metric.WithDescription("Total closed segments by segmentation policy."),
	); err != nil {
		return nil, err
	}
	if met.SegmentResults, err = m.Int64Counter("audiostream.segments.results",
		metric.WithDescription("Total segment outcomes by status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("audiostream.segments.dropped",
		metric.WithDescription("Total segments shed under load by reason."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("audiostream.dispatch.retries",
		metric.WithDescription("Total retry attempts after transient provider failures."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("audiostream.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.FrameErrors, err = m.Int64Counter("audiostream.frames.errors",
		metric.WithDescription("Total rejected inbound frames by reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("audiostream.sessions.rejected",
		metric.WithDescription("Total connections refused at the session ceiling."),
	); err != nil {
		return nil, err
	}
	if met.Archived, err = m.Int64Counter("audiostream.archive.uploads",
		metric.WithDescription("Total segment archive uploads by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("audiostream.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.InFlight, err = m.Int64UpDownCounter("audiostream.dispatch.in_flight",
		metric.WithDescription("Number of segments currently being processed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("audiostream.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one provider call with its latency.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string, seconds float64) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	m.ProviderDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordResult records a final segment outcome and its end-to-end latency.
func (m *Metrics) RecordResult(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.SegmentResults.Add(ctx, 1, attrs)
	m.DispatchDuration.Record(ctx, seconds, attrs)
}

// RecordDrop records a segment shed under load.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.SegmentsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSegment records a newly closed segment.
func (m *Metrics) RecordSegment(ctx context.Context, policy string) {
	m.SegmentsFormed.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
}

// RecordFrameError records a rejected inbound frame.
func (m *Metrics) RecordFrameError(ctx context.Context, reason string) {
	m.FrameErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordArchive records a segment archive attempt.
func (m *Metrics) RecordArchive(ctx context.Context, status string) {
	m.Archived.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRejected records a connection refused before the handshake.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.SessionsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
