// Package observe provides application-wide observability primitives for
// oddtts: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all oddtts metrics.
const meterName = "github.com/oddmeta/oddtts"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Synthesis ---

	// SynthesisDuration tracks backend synthesis latency. For streams it
	// covers the whole stream lifetime. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("mode", ...), attribute.String("status", ...)
	SynthesisDuration metric.Float64Histogram

	// SynthesisRequests counts synthesis calls by backend, mode and status.
	SynthesisRequests metric.Int64Counter

	// SynthesisBytes counts audio bytes produced by backend and mode.
	SynthesisBytes metric.Int64Counter

	// ActiveStreams tracks the number of open synthesis streams.
	ActiveStreams metric.Int64UpDownCounter

	// --- Catalog ---

	// CatalogVoices reports the size of the published voice catalog.
	CatalogVoices metric.Int64Gauge

	// CatalogPopulations counts catalog population attempts by backend and status.
	CatalogPopulations metric.Int64Counter

	// --- Resilience & housekeeping ---

	// BreakerTransitions counts circuit breaker state changes. Use with attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// FilesReaped counts expired audio files removed by the reaper.
	FilesReaped metric.Int64Counter

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// synthesis latencies, from cached cloud voices to slow local models.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SynthesisDuration, err = m.Float64Histogram("oddtts.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisRequests, err = m.Int64Counter("oddtts.synthesis.requests",
		metric.WithDescription("Total synthesis requests by backend, mode, and status."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisBytes, err = m.Int64Counter("oddtts.synthesis.bytes",
		metric.WithDescription("Total audio bytes produced by backend and mode."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("oddtts.active_streams",
		metric.WithDescription("Number of open synthesis streams."),
	); err != nil {
		return nil, err
	}

	if met.CatalogVoices, err = m.Int64Gauge("oddtts.catalog.voices",
		metric.WithDescription("Number of voices in the published catalog."),
	); err != nil {
		return nil, err
	}
	if met.CatalogPopulations, err = m.Int64Counter("oddtts.catalog.populations",
		metric.WithDescription("Total catalog population attempts by backend and status."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("oddtts.circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}
	if met.FilesReaped, err = m.Int64Counter("oddtts.files.reaped",
		metric.WithDescription("Expired audio files removed from the output directory."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("oddtts.http.rate_limited",
		metric.WithDescription("Requests rejected by the rate limiter by path."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("oddtts.http.request.duration",
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

// RecordSynthesis records one finished synthesis call: its latency, its
// outcome, and the number of audio bytes produced.
func (m *Metrics) RecordSynthesis(ctx context.Context, backend, mode, status string, d time.Duration, n int64) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	m.SynthesisDuration.Record(ctx, d.Seconds(), attrs)
	m.SynthesisRequests.Add(ctx, 1, attrs)
	if n > 0 {
		m.SynthesisBytes.Add(ctx, n, metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("mode", mode),
		))
	}
}

// RecordCatalogPopulation records a population attempt. voices is only
// reported when status is "ok".
func (m *Metrics) RecordCatalogPopulation(ctx context.Context, backend, status string, voices int) {
	m.CatalogPopulations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
	if status == "ok" {
		m.CatalogVoices.Record(ctx, int64(voices), metric.WithAttributes(attribute.String("backend", backend)))
	}
}

// RecordBreakerTransition records a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}
