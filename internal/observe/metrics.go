// Package observe provides application-wide observability primitives for
// sttrelay: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all sttrelay metrics.
const meterName = "github.com/MrWong99/sttrelay"

// Direction values for audio metrics.
const (
	DirectionInbound  = "inbound"
	DirectionUpstream = "upstream"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Sessions counts finished relay sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	Sessions metric.Int64Counter

	// SessionDuration tracks the lifetime of relay sessions.
	SessionDuration metric.Float64Histogram

	// --- Audio ---

	// AudioChunks counts audio chunks. Use with attribute:
	//   attribute.String("direction", DirectionInbound|DirectionUpstream)
	AudioChunks metric.Int64Counter

	// AudioBytes counts audio payload bytes with the same attributes as
	// AudioChunks. Upstream bytes are counted after transport encoding.
	AudioBytes metric.Int64Counter

	// FramingErrors counts rejected client frames. Use with attribute:
	//   attribute.String("policy", ...)
	FramingErrors metric.Int64Counter

	// --- Transcripts ---

	// Transcripts counts transcript messages delivered to clients. Use with
	// attribute:
	//   attribute.String("kind", "partial"|"final")
	Transcripts metric.Int64Counter

	// --- Upstream ---

	// HandshakeDuration tracks dial + session configuration latency. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	HandshakeDuration metric.Float64Histogram

	// UpstreamErrors counts upstream failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	UpstreamErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method, path
	// and status. WebSocket upgrades are not recorded.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// upstream handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for session
// lifetimes.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("sttrelay.sessions.active",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("sttrelay.sessions",
		metric.WithDescription("Total finished relay sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("sttrelay.session.duration",
		metric.WithDescription("Lifetime of relay sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Audio.
	if met.AudioChunks, err = m.Int64Counter("sttrelay.audio.chunks",
		metric.WithDescription("Total audio chunks by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("sttrelay.audio.bytes",
		metric.WithDescription("Total audio payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramingErrors, err = m.Int64Counter("sttrelay.framing.errors",
		metric.WithDescription("Total rejected client frames by framing policy."),
	); err != nil {
		return nil, err
	}

	// Transcripts.
	if met.Transcripts, err = m.Int64Counter("sttrelay.transcripts",
		metric.WithDescription("Total transcript messages delivered to clients by kind."),
	); err != nil {
		return nil, err
	}

	// Upstream.
	if met.HandshakeDuration, err = m.Float64Histogram("sttrelay.upstream.handshake.duration",
		metric.WithDescription("Latency of upstream dial and session configuration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("sttrelay.upstream.errors",
		metric.WithDescription("Total upstream errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("sttrelay.circuit_breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sttrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status."),
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

// RecordSession records a finished session with its outcome and lifetime.
func (m *Metrics) RecordSession(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Sessions.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, seconds, attrs)
}

// RecordChunk records one audio chunk of n bytes in the given direction.
func (m *Metrics) RecordChunk(ctx context.Context, direction string, n int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.AudioChunks.Add(ctx, 1, attrs)
	m.AudioBytes.Add(ctx, int64(n), attrs)
}

// RecordFramingError records a rejected client frame.
func (m *Metrics) RecordFramingError(ctx context.Context, policy string) {
	m.FramingErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("policy", policy)),
	)
}

// RecordTranscript records one transcript message delivered to a client.
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordHandshake records the latency and result of an upstream handshake.
func (m *Metrics) RecordHandshake(ctx context.Context, provider, status string, seconds float64) {
	m.HandshakeDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError is a convenience method that records an upstream error
// counter increment.
func (m *Metrics) RecordUpstreamError(ctx context.Context, provider, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
