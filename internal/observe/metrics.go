// Package observe provides application-wide observability primitives for
// the hub: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all hub metrics.
const meterName = "github.com/MrWong99/asrhub"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptionDuration tracks capture-to-final-transcript latency.
	// Use with attribute.String("strategy", ...).
	TranscriptionDuration metric.Float64Histogram

	// StageDuration tracks per-stage audio processing latency. Use with
	// attribute.String("stage", ...) (denoise, enhance, vad, wake).
	StageDuration metric.Float64Histogram

	// --- Counters ---

	// Actions counts dispatched store actions by type.
	Actions metric.Int64Counter

	// AudioChunks counts ingested audio chunks.
	AudioChunks metric.Int64Counter

	// AudioBytes counts ingested audio payload bytes after conversion to
	// the hub format.
	AudioBytes metric.Int64Counter

	// Transcripts counts delivered transcripts. Use with
	//   attribute.Bool("final", ...)
	Transcripts metric.Int64Counter

	// SessionErrors counts session-level errors by code.
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveCaptures tracks the number of sessions currently recording or
	// streaming.
	ActiveCaptures metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.TranscriptionDuration, err = m.Float64Histogram("asrhub.transcription.duration",
		metric.WithDescription("Latency from capture start to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("asrhub.stage.duration",
		metric.WithDescription("Audio processing latency by pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Actions, err = m.Int64Counter("asrhub.actions",
		metric.WithDescription("Total dispatched actions by type."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("asrhub.audio.chunks",
		metric.WithDescription("Total ingested audio chunks."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("asrhub.audio.bytes",
		metric.WithDescription("Total ingested audio bytes in the hub format."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("asrhub.transcripts",
		metric.WithDescription("Total delivered transcripts by finality."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("asrhub.session.errors",
		metric.WithDescription("Total session errors by code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("asrhub.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("asrhub.active_captures",
		metric.WithDescription("Number of sessions currently recording or streaming."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("asrhub.http.request.duration",
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

// RecordTranscription records one capture-to-final latency observation.
func (m *Metrics) RecordTranscription(ctx context.Context, strategy string, seconds float64) {
	m.TranscriptionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("strategy", strategy)),
	)
}

// RecordStage records one pipeline stage latency observation.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordTranscript records one delivered transcript.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("final", final)),
	)
}

// RecordSessionError records one session error by code.
func (m *Metrics) RecordSessionError(ctx context.Context, code string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}
