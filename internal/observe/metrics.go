// Package observe provides the application's observability primitives:
// OpenTelemetry metric instruments bridged to a Prometheus /metrics
// endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/exalive/exalive"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// TTSTTFB tracks time-to-first-byte of a synthesis call, by provider
	// and tier.
	TTSTTFB metric.Float64Histogram

	// TTSDuration tracks full synthesis duration per segment.
	TTSDuration metric.Float64Histogram

	// TranslationDuration tracks translation request latency, by class.
	TranslationDuration metric.Float64Histogram

	// SegmentsCompleted counts segments by terminal status
	// (done, failed, cancelled, rejected).
	SegmentsCompleted metric.Int64Counter

	// TranslationCacheLookups counts cache lookups by result (hit, miss).
	TranslationCacheLookups metric.Int64Counter

	// FramesBroadcast counts audio frames fanned out to listeners.
	FramesBroadcast metric.Int64Counter

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveListeners tracks connected listeners across all sessions.
	ActiveListeners metric.Int64UpDownCounter

	// PoolSessions tracks open translation pool sessions.
	PoolSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized
// for an interactive audio pipeline.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TTSTTFB, err = m.Float64Histogram("exalive.tts.ttfb",
		metric.WithDescription("Time to first synthesised audio byte by provider and tier."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("exalive.tts.duration",
		metric.WithDescription("Full synthesis duration per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslationDuration, err = m.Float64Histogram("exalive.translation.duration",
		metric.WithDescription("Translation request latency by class."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.SegmentsCompleted, err = m.Int64Counter("exalive.segments.completed",
		metric.WithDescription("Segments by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.TranslationCacheLookups, err = m.Int64Counter("exalive.translation.cache.lookups",
		metric.WithDescription("Translation cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.FramesBroadcast, err = m.Int64Counter("exalive.frames.broadcast",
		metric.WithDescription("Audio frames fanned out to listeners."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("exalive.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("exalive.active_listeners",
		metric.WithDescription("Connected listeners across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.PoolSessions, err = m.Int64UpDownCounter("exalive.pool_sessions",
		metric.WithDescription("Open translation pool sessions."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordTTFB records a segment's time to first byte.
func (m *Metrics) RecordTTFB(ctx context.Context, provider, tier string, ttfb time.Duration) {
	m.TTSTTFB.Record(ctx, ttfb.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("tier", tier),
		),
	)
}

// RecordSegment records a segment reaching a terminal status.
func (m *Metrics) RecordSegment(ctx context.Context, status string) {
	m.SegmentsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCacheLookup records one translation cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TranslationCacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}
