// Package observe provides application-wide observability primitives for
// Converso: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Converso metrics.
const meterName = "github.com/davrien/converso"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks the full scored-turn latency: transcript finalize
	// through next-question playback start.
	TurnDuration metric.Float64Histogram

	// CoachDuration tracks feedback-service call latency. Use with attribute:
	//   attribute.String("operation", "greet"|"continue"|"score")
	CoachDuration metric.Float64Histogram

	// SynthesisDuration tracks utterance synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsCompleted counts graded turns. Use with attributes:
	//   attribute.String("topic", ...), attribute.String("input", "voice"|"text")
	TurnsCompleted metric.Int64Counter

	// CaptureRestarts counts automatic capture engine restarts.
	CaptureRestarts metric.Int64Counter

	// ServiceFallbacks counts feedback-service calls that degraded to their
	// fallback value. Use with attribute:
	//   attribute.String("operation", ...)
	ServiceFallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live practice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// CapturingSessions tracks how many sessions are currently recording.
	CapturingSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational-turn latencies.
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
	if met.TurnDuration, err = m.Float64Histogram("converso.turn.duration",
		metric.WithDescription("Latency of one scored conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CoachDuration, err = m.Float64Histogram("converso.coach.duration",
		metric.WithDescription("Latency of feedback-service calls by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("converso.synthesis.duration",
		metric.WithDescription("Latency of utterance synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsCompleted, err = m.Int64Counter("converso.turns.completed",
		metric.WithDescription("Total graded turns by topic and input kind."),
	); err != nil {
		return nil, err
	}
	if met.CaptureRestarts, err = m.Int64Counter("converso.capture.restarts",
		metric.WithDescription("Total automatic capture engine restarts."),
	); err != nil {
		return nil, err
	}
	if met.ServiceFallbacks, err = m.Int64Counter("converso.service.fallbacks",
		metric.WithDescription("Total feedback-service calls degraded to fallback values."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("converso.active_sessions",
		metric.WithDescription("Number of live practice sessions."),
	); err != nil {
		return nil, err
	}
	if met.CapturingSessions, err = m.Int64UpDownCounter("converso.capturing_sessions",
		metric.WithDescription("Number of sessions currently recording the learner."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("converso.http.request.duration",
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

// RecordTurnCompleted records one graded turn with the standard attribute
// set.
func (m *Metrics) RecordTurnCompleted(ctx context.Context, topic, input string) {
	m.TurnsCompleted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("input", input),
		),
	)
}

// RecordCaptureRestart records one automatic capture engine restart.
func (m *Metrics) RecordCaptureRestart(ctx context.Context) {
	m.CaptureRestarts.Add(ctx, 1)
}

// RecordServiceFallback records one feedback-service call that degraded to
// its fallback value.
func (m *Metrics) RecordServiceFallback(ctx context.Context, operation string) {
	m.ServiceFallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("operation", operation)),
	)
}

// RecordCoachDuration records the latency of one feedback-service call.
func (m *Metrics) RecordCoachDuration(ctx context.Context, operation string, seconds float64) {
	m.CoachDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("operation", operation)),
	)
}
