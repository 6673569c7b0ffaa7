// Package observe provides application-wide observability primitives for
// Parlance: OpenTelemetry metrics, distributed tracing, and the Prometheus
// exporter bridge that serves them on /metrics.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parlance metrics.
const meterName = "github.com/parlance-dev/parlance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranslateDuration tracks per-language machine translation latency.
	TranslateDuration metric.Float64Histogram

	// SynthesizeDuration tracks speech synthesis latency.
	SynthesizeDuration metric.Float64Histogram

	// ForwardDuration tracks partial-processor forwarding latency, measured
	// from result arrival to hand-off to the orchestrator.
	ForwardDuration metric.Float64Histogram

	// DeliveryDuration tracks end-to-end latency from result origin to
	// listener delivery.
	DeliveryDuration metric.Float64Histogram

	// --- Counters ---

	// PartialResultsDropped counts partials discarded before forwarding.
	// Use with attribute.String("reason", ...): "disabled", "rate_limited",
	// "duplicate".
	PartialResultsDropped metric.Int64Counter

	// DuplicatesDetected counts duplicate results caught by the dedup cache.
	DuplicatesDetected metric.Int64Counter

	// OrphanedResultsFlushed counts buffered results flushed because no final
	// arrived to claim them.
	OrphanedResultsFlushed metric.Int64Counter

	// FallbackTriggered counts transitions into finals-only mode after
	// sustained recognizer silence.
	FallbackTriggered metric.Int64Counter

	// BufferOverflow counts frames dropped from listener playback buffers.
	BufferOverflow metric.Int64Counter

	// TranslationCacheHits counts translation cache hits. Use with
	// attribute.String("target_language", ...).
	TranslationCacheHits metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts upstream provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live translation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveListeners tracks the number of connected listeners across all
	// sessions.
	ActiveListeners metric.Int64UpDownCounter

	// BufferedResults tracks the number of results currently held in
	// partial-result buffers.
	BufferedResults metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for real-time translation latencies.
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
	if met.TranslateDuration, err = m.Float64Histogram("parlance.translate.duration",
		metric.WithDescription("Latency of machine translation per target language."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesizeDuration, err = m.Float64Histogram("parlance.synthesize.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ForwardDuration, err = m.Float64Histogram("parlance.forward.duration",
		metric.WithDescription("Latency from result arrival to orchestrator hand-off."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DeliveryDuration, err = m.Float64Histogram("parlance.delivery.duration",
		metric.WithDescription("End-to-end latency from result origin to listener delivery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PartialResultsDropped, err = m.Int64Counter("parlance.partials.dropped",
		metric.WithDescription("Partial results discarded before forwarding, by reason."),
	); err != nil {
		return nil, err
	}
	if met.DuplicatesDetected, err = m.Int64Counter("parlance.duplicates.detected",
		metric.WithDescription("Duplicate results caught by the dedup cache."),
	); err != nil {
		return nil, err
	}
	if met.OrphanedResultsFlushed, err = m.Int64Counter("parlance.orphans.flushed",
		metric.WithDescription("Buffered results flushed without a matching final."),
	); err != nil {
		return nil, err
	}
	if met.FallbackTriggered, err = m.Int64Counter("parlance.fallback.triggered",
		metric.WithDescription("Transitions into finals-only mode after recognizer silence."),
	); err != nil {
		return nil, err
	}
	if met.BufferOverflow, err = m.Int64Counter("parlance.buffer.overflow",
		metric.WithDescription("Frames dropped from listener playback buffers."),
	); err != nil {
		return nil, err
	}
	if met.TranslationCacheHits, err = m.Int64Counter("parlance.translation_cache.hits",
		metric.WithDescription("Translation cache hits by target language."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("parlance.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parlance.active_sessions",
		metric.WithDescription("Number of live translation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("parlance.active_listeners",
		metric.WithDescription("Number of connected listeners across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.BufferedResults, err = m.Int64UpDownCounter("parlance.buffered_results",
		metric.WithDescription("Results currently held in partial-result buffers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parlance.http.request.duration",
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

// RecordPartialDropped records a dropped partial with its drop reason.
func (m *Metrics) RecordPartialDropped(ctx context.Context, reason string) {
	m.PartialResultsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheHit records a translation cache hit for a target language.
func (m *Metrics) RecordCacheHit(ctx context.Context, targetLanguage string) {
	m.TranslationCacheHits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("target_language", targetLanguage)),
	)
}
