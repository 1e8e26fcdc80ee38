// Package observe provides application-wide observability primitives for
// goftegu: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all goftegu metrics.
const meterName = "github.com/goftegu/goftegu"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation. A nil *Metrics
// is valid for the Record* helpers and records nothing.
type Metrics struct {
	// --- Voice pipeline ---

	// ActiveVoiceSessions tracks the number of voice sessions in the Active
	// state.
	ActiveVoiceSessions metric.Int64UpDownCounter

	// VoiceSessionStarts counts start attempts. Use with attribute:
	//   attribute.String("outcome", "ok"|"permission"|"device"|"transport"|"cancelled")
	VoiceSessionStarts metric.Int64Counter

	// VoiceFramesSent counts captured frames forwarded upstream.
	VoiceFramesSent metric.Int64Counter

	// VoiceChunksScheduled counts inbound audio chunks handed to playback.
	VoiceChunksScheduled metric.Int64Counter

	// VoiceChunksDropped counts inbound audio chunks that were not played.
	// Use with attribute:
	//   attribute.String("reason", "format"|"stopped")
	VoiceChunksDropped metric.Int64Counter

	// VoiceStartDuration tracks the time from start request to Active.
	VoiceStartDuration metric.Float64Histogram

	// --- Text chat ---

	// ChatDuration tracks the duration of one streamed chat reply. Use with
	// attribute:
	//   attribute.String("status", "ok"|"error"|"stopped")
	ChatDuration metric.Float64Histogram

	// ChatRequests counts chat requests by status.
	ChatRequests metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup and streamed replies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Voice.
	if met.ActiveVoiceSessions, err = m.Int64UpDownCounter("goftegu.voice.sessions.active",
		metric.WithDescription("Number of voice sessions in the Active state."),
	); err != nil {
		return nil, err
	}
	if met.VoiceSessionStarts, err = m.Int64Counter("goftegu.voice.session.starts",
		metric.WithDescription("Voice session start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.VoiceFramesSent, err = m.Int64Counter("goftegu.voice.frames.sent",
		metric.WithDescription("Captured audio frames sent to the voice API."),
	); err != nil {
		return nil, err
	}
	if met.VoiceChunksScheduled, err = m.Int64Counter("goftegu.voice.chunks.scheduled",
		metric.WithDescription("Inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.VoiceChunksDropped, err = m.Int64Counter("goftegu.voice.chunks.dropped",
		metric.WithDescription("Inbound audio chunks dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.VoiceStartDuration, err = m.Float64Histogram("goftegu.voice.start.duration",
		metric.WithDescription("Time from voice start request to an active session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Chat.
	if met.ChatDuration, err = m.Float64Histogram("goftegu.chat.duration",
		metric.WithDescription("Duration of a streamed chat reply by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatRequests, err = m.Int64Counter("goftegu.chat.requests",
		metric.WithDescription("Chat requests by status."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("goftegu.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordVoiceStart records one start attempt and, for successful starts, its
// latency.
func (m *Metrics) RecordVoiceStart(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.VoiceSessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "ok" {
		m.VoiceStartDuration.Record(ctx, d.Seconds())
	}
}

// VoiceSessionActive adjusts the active-session gauge by delta.
func (m *Metrics) VoiceSessionActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveVoiceSessions.Add(ctx, delta)
}

// RecordFrameSent counts one upstream frame.
func (m *Metrics) RecordFrameSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.VoiceFramesSent.Add(ctx, 1)
}

// RecordChunkScheduled counts one scheduled playback chunk.
func (m *Metrics) RecordChunkScheduled(ctx context.Context) {
	if m == nil {
		return
	}
	m.VoiceChunksScheduled.Add(ctx, 1)
}

// RecordChunkDropped counts one dropped playback chunk.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.VoiceChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordChat records one finished chat request.
func (m *Metrics) RecordChat(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ChatRequests.Add(ctx, 1, attrs)
	m.ChatDuration.Record(ctx, d.Seconds(), attrs)
}
