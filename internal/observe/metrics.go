// Package observe provides application-wide observability primitives for
// the voice bot: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bot metrics.
const meterName = "github.com/rtemirbulat/voice-transcribing"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// EventDuration tracks the time spent handling one inbound event,
	// including media download, transcription and replies.
	EventDuration metric.Float64Histogram

	// TranscriptionDuration tracks recognition latency per provider.
	TranscriptionDuration metric.Float64Histogram

	// NormalizeDuration tracks ffmpeg re-encoding latency.
	NormalizeDuration metric.Float64Histogram

	// --- Counters ---

	// Events counts handled inbound events. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	Events metric.Int64Counter

	// EventFailures counts events whose processing failed internally. The
	// transport still acknowledges them, so this counter is the only signal.
	//   attribute.String("stage", ...)
	EventFailures metric.Int64Counter

	// MediaSaved counts stored attachments. Use with attributes:
	//   attribute.String("kind", ...), attribute.Bool("normalized", ...)
	MediaSaved metric.Int64Counter

	// Notifications counts outbound replies by status.
	Notifications metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sender sessions held in memory.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The upper
// end covers the 60s transcription timeout.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EventDuration, err = m.Float64Histogram("voicebot.event.duration",
		metric.WithDescription("Latency of handling one inbound event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("voicebot.transcription.duration",
		metric.WithDescription("Latency of speech recognition requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NormalizeDuration, err = m.Float64Histogram("voicebot.media.normalize.duration",
		metric.WithDescription("Latency of audio normalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Events, err = m.Int64Counter("voicebot.events",
		metric.WithDescription("Total inbound events by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.EventFailures, err = m.Int64Counter("voicebot.events.failed",
		metric.WithDescription("Total inbound events that failed internally, by stage."),
	); err != nil {
		return nil, err
	}
	if met.MediaSaved, err = m.Int64Counter("voicebot.media.saved",
		metric.WithDescription("Total stored attachments by kind and normalization."),
	); err != nil {
		return nil, err
	}
	if met.Notifications, err = m.Int64Counter("voicebot.notifications",
		metric.WithDescription("Total outbound replies by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voicebot.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voicebot.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebot.active_sessions",
		metric.WithDescription("Number of sender sessions held in memory."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebot.http.request.duration",
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

// RecordEvent records one handled inbound event.
func (m *Metrics) RecordEvent(ctx context.Context, kind, outcome string) {
	m.Events.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordEventFailure records an internal failure at the given stage.
func (m *Metrics) RecordEventFailure(ctx context.Context, stage string) {
	m.EventFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordMediaSaved records a stored attachment.
func (m *Metrics) RecordMediaSaved(ctx context.Context, kind string, normalized bool) {
	m.MediaSaved.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("normalized", normalized),
		),
	)
}

// RecordNotification records an outbound reply attempt.
func (m *Metrics) RecordNotification(ctx context.Context, status string) {
	m.Notifications.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
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
