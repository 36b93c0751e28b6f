// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// to Prometheus via [InitProvider]; [Telemetry.Handler] serves the scrape
// endpoint. A package-level default [Metrics] instance ([DefaultMetrics])
// backs components that were not given one explicitly; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Admission ---

	// SessionsAdmitted counts successful admissions.
	SessionsAdmitted metric.Int64Counter

	// SessionsRejected counts connection attempts refused at capacity.
	SessionsRejected metric.Int64Counter

	// ConnectsThrottled counts connection attempts refused by the per-client
	// rate limiter.
	ConnectsThrottled metric.Int64Counter

	// ActiveSessions tracks the number of occupied admission slots.
	ActiveSessions metric.Int64UpDownCounter

	// --- Session lifecycle ---

	// SessionDuration records how long a session lived. Use with
	// attribute.String("reason", ...).
	SessionDuration metric.Float64Histogram

	// ModeSwitches counts mode change requests. Use with
	// attribute.String("status", ...).
	ModeSwitches metric.Int64Counter

	// PipelineStarts counts pipeline builds. Use with
	// attribute.String("status", ...) and attribute.String("mode", ...).
	PipelineStarts metric.Int64Counter

	// TeardownTimeouts counts pipelines that did not stop within the
	// teardown window.
	TeardownTimeouts metric.Int64Counter

	// FramesRouted counts router decisions. Use with attributes kind,
	// direction and action.
	FramesRouted metric.Int64Counter

	// --- Providers ---

	// STTDuration tracks time from end of speech to final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks time to first token of a completion.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks time from first sentence to first audio chunk.
	TTSDuration metric.Float64Histogram

	// ProviderErrors counts provider failures. Use with attributes provider
	// and kind.
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes method and route.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers session lifetimes from seconds to hours.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Admission.
	if met.SessionsAdmitted, err = m.Int64Counter("parley.sessions.admitted",
		metric.WithDescription("Total sessions admitted."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("parley.sessions.rejected",
		metric.WithDescription("Total connection attempts rejected at capacity."),
	); err != nil {
		return nil, err
	}
	if met.ConnectsThrottled, err = m.Int64Counter("parley.connects.throttled",
		metric.WithDescription("Total connection attempts refused by the rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.sessions.active",
		metric.WithDescription("Number of occupied admission slots."),
	); err != nil {
		return nil, err
	}

	// Session lifecycle.
	if met.SessionDuration, err = m.Float64Histogram("parley.session.duration",
		metric.WithDescription("Lifetime of destroyed sessions by teardown reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModeSwitches, err = m.Int64Counter("parley.mode.switches",
		metric.WithDescription("Total mode change requests by status."),
	); err != nil {
		return nil, err
	}
	if met.PipelineStarts, err = m.Int64Counter("parley.pipeline.starts",
		metric.WithDescription("Total pipeline builds by status and mode."),
	); err != nil {
		return nil, err
	}
	if met.TeardownTimeouts, err = m.Int64Counter("parley.pipeline.teardown_timeouts",
		metric.WithDescription("Pipelines that did not stop within the teardown window."),
	); err != nil {
		return nil, err
	}
	if met.FramesRouted, err = m.Int64Counter("parley.frames.routed",
		metric.WithDescription("Router decisions by frame kind, direction and action."),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.STTDuration, err = m.Float64Histogram("parley.stt.duration",
		metric.WithDescription("Latency of speech-to-text finals."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("parley.llm.duration",
		metric.WithDescription("LLM time to first token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("parley.tts.duration",
		metric.WithDescription("Text-to-speech time to first audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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
// fails (should not happen with the global provider).
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

// RecordFrame records one router decision.
func (m *Metrics) RecordFrame(ctx context.Context, kind, direction, action string) {
	m.FramesRouted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("direction", direction),
			attribute.String("action", action),
		),
	)
}

// RecordModeSwitch records the outcome of a mode change request.
func (m *Metrics) RecordModeSwitch(ctx context.Context, status string) {
	m.ModeSwitches.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPipelineStart records the outcome of a pipeline build.
func (m *Metrics) RecordPipelineStart(ctx context.Context, status, mode string) {
	m.PipelineStarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("mode", mode),
		),
	)
}

// RecordSessionEnd records the lifetime of a destroyed session.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string, lifetime time.Duration) {
	m.SessionDuration.Record(ctx, lifetime.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderError records a provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
