// Package observe provides application-wide observability primitives for
// Auricle: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Auricle metrics.
const meterName = "github.com/MrWong99/auricle"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// DecodeDuration tracks batch speech-to-text decode latency.
	DecodeDuration metric.Float64Histogram

	// EnrichmentDuration tracks LLM enrichment call latency. Only completed
	// calls are recorded; shed calls never reach the provider.
	EnrichmentDuration metric.Float64Histogram

	// --- Counters ---

	// AudioBytes counts PCM bytes appended to session buffers after
	// resampling to the target rate.
	AudioBytes metric.Int64Counter

	// Decodes counts decode attempts. Use with attribute:
	//   attribute.String("status", "ok"|"empty"|"error")
	Decodes metric.Int64Counter

	// Enrichments counts enrichment outcomes. Use with attribute:
	//   attribute.String("status", "delivered"|"fallback"|"unparsed"|"shed"|"error")
	Enrichments metric.Int64Counter

	// DroppedMessages counts outbound frames discarded because a client's
	// send queue was full.
	DroppedMessages metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live WebSocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// the expected range from sub-second decodes to multi-second LLM calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DecodeDuration, err = m.Float64Histogram("auricle.decode.duration",
		metric.WithDescription("Latency of batch speech-to-text decodes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EnrichmentDuration, err = m.Float64Histogram("auricle.enrichment.duration",
		metric.WithDescription("Latency of LLM enrichment calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioBytes, err = m.Int64Counter("auricle.audio.bytes",
		metric.WithDescription("PCM bytes buffered after resampling to the target rate."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Decodes, err = m.Int64Counter("auricle.decodes",
		metric.WithDescription("Decode attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.Enrichments, err = m.Int64Counter("auricle.enrichments",
		metric.WithDescription("Enrichment outcomes by status."),
	); err != nil {
		return nil, err
	}
	if met.DroppedMessages, err = m.Int64Counter("auricle.messages.dropped",
		metric.WithDescription("Outbound frames dropped because the client send queue was full."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("auricle.active_sessions",
		metric.WithDescription("Number of live WebSocket sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("auricle.http.request.duration",
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

// RecordDecode records one decode attempt: the status counter plus the
// latency histogram. A nil receiver is a no-op so callers need not guard.
func (m *Metrics) RecordDecode(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Decodes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.DecodeDuration.Record(ctx, d.Seconds())
}

// RecordEnrichment increments the enrichment outcome counter. A nil receiver
// is a no-op.
func (m *Metrics) RecordEnrichment(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Enrichments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
