// Package observe provides the observability primitives for Jarvis:
// OpenTelemetry metrics and traces, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter installed by [InitProvider]. Tests should build
// their own [Metrics] with [NewMetrics] and a manual reader instead of using
// [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/jarvis"

// Metrics holds every metric instrument the application records.
type Metrics struct {
	// ActiveSessions tracks live calls, both duplex and fallback.
	ActiveSessions metric.Int64UpDownCounter

	// SessionStarts counts call starts. Attributes: mode, outcome.
	SessionStarts metric.Int64Counter

	// ConnectAttempts counts Voice Agent dial attempts. Attribute: outcome.
	ConnectAttempts metric.Int64Counter

	// AudioFlushes counts accumulator flushes to the browser. Attribute:
	// reason (threshold or done).
	AudioFlushes metric.Int64Counter

	// SendErrors counts failed writes to the agent socket. Attribute: kind.
	SendErrors metric.Int64Counter

	// ToolCalls counts tool dispatches. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// ToolDuration tracks tool latency. Attribute: tool.
	ToolDuration metric.Float64Histogram

	// ProviderRequests counts STT, LLM, TTS, and calendar requests.
	// Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderDuration tracks provider latency. Attributes: provider, kind.
	ProviderDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP handler latency. Attributes: method,
	// path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("jarvis.sessions.active",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.SessionStarts, err = m.Int64Counter("jarvis.session.starts",
		metric.WithDescription("Call starts by mode and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ConnectAttempts, err = m.Int64Counter("jarvis.duplex.connect.attempts",
		metric.WithDescription("Voice Agent connection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.AudioFlushes, err = m.Int64Counter("jarvis.duplex.audio.flushes",
		metric.WithDescription("Agent audio flushes by reason."),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("jarvis.duplex.send.errors",
		metric.WithDescription("Failed writes to the agent socket by kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("jarvis.tool.calls",
		metric.WithDescription("Tool dispatches by tool and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("jarvis.tool.duration",
		metric.WithDescription("Latency of tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("jarvis.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("jarvis.provider.duration",
		metric.WithDescription("Latency of provider API requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("jarvis.http.request.duration",
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

// DefaultMetrics returns the process-wide [Metrics] built on the global
// meter provider. It panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one provider call and its latency.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string, d time.Duration) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status),
	))
	m.ProviderDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind),
	))
}

// RecordToolCall records one tool dispatch and its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(Attr("tool", tool), Attr("status", status)))
	m.ToolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("tool", tool)))
}

// RecordSessionStart records a call start in mode with outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, mode, outcome string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(Attr("mode", mode), Attr("outcome", outcome)))
}

// RecordConnectAttempt records one dial attempt.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, outcome string) {
	m.ConnectAttempts.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordFlush records an accumulator flush.
func (m *Metrics) RecordFlush(ctx context.Context, reason string) {
	m.AudioFlushes.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordSendError records a failed socket write of kind.
func (m *Metrics) RecordSendError(ctx context.Context, kind string) {
	m.SendErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}
