// Package observe provides application-wide observability primitives for
// speakloop: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all speakloop metrics.
const meterName = "github.com/MrWong99/speakloop"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisFirstAudio tracks the time from submitting a segment to its
	// first decoded audio block.
	SynthesisFirstAudio metric.Float64Histogram

	// SynthesisDuration tracks the time from submitting a segment until its
	// stream ends.
	SynthesisDuration metric.Float64Histogram

	// TurnFirstAudio tracks the time from the first text of a turn to the
	// moment its first segment starts playing.
	TurnFirstAudio metric.Float64Histogram

	// --- Counters ---

	// Segments counts segments reaching a terminal state. Use with attribute:
	//   attribute.String("outcome", "completed"|"error"|"cancelled")
	Segments metric.Int64Counter

	// DecodeErrors counts dropped audio chunks. Use with attribute:
	//   attribute.String("encoding", ...)
	DecodeErrors metric.Int64Counter

	// ProviderErrors counts synthesis channel errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// DroppedSamples counts samples discarded because the ring buffer cap was
	// exceeded.
	DroppedSamples metric.Int64Counter

	// Underruns counts drains that ran out of buffered audio.
	Underruns metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks turns that have started and not yet completed or
	// been cleared.
	ActiveTurns metric.Int64UpDownCounter

	// InFlightSegments tracks segments currently being synthesised.
	InFlightSegments metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming-synthesis latencies.
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
	if met.SynthesisFirstAudio, err = m.Float64Histogram("speakloop.synthesis.first_audio",
		metric.WithDescription("Time from segment submission to its first decoded audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("speakloop.synthesis.duration",
		metric.WithDescription("Time from segment submission to the end of its audio stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnFirstAudio, err = m.Float64Histogram("speakloop.turn.first_audio",
		metric.WithDescription("Time from the first text of a turn to audible playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("speakloop.segments",
		metric.WithDescription("Segments reaching a terminal state by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("speakloop.decode.errors",
		metric.WithDescription("Audio chunks dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("speakloop.provider.errors",
		metric.WithDescription("Synthesis channel errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.DroppedSamples, err = m.Int64Counter("speakloop.ring.dropped_samples",
		metric.WithDescription("Samples discarded because the playback buffer was full."),
	); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("speakloop.ring.underruns",
		metric.WithDescription("Device callbacks that ran out of buffered audio."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("speakloop.active_turns",
		metric.WithDescription("Turns currently in progress."),
	); err != nil {
		return nil, err
	}
	if met.InFlightSegments, err = m.Int64UpDownCounter("speakloop.synthesis.in_flight",
		metric.WithDescription("Segments currently being synthesised."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("speakloop.http.request.duration",
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

// RecordSegment records a segment reaching a terminal state.
func (m *Metrics) RecordSegment(ctx context.Context, outcome string) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDecodeError records a dropped audio chunk.
func (m *Metrics) RecordDecodeError(ctx context.Context, encoding string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("encoding", encoding)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
