// Package observe provides observability primitives for voxbridge:
// OpenTelemetry metrics with a Prometheus exporter bridge so the standard
// /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the bridge. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// AudioChunksForwarded counts speaker audio chunks forwarded to the
	// backend. Use with attribute: attribute.String("conversation", ...)
	AudioChunksForwarded metric.Int64Counter

	// AudioBytesForwarded counts PCM bytes forwarded to the backend.
	AudioBytesForwarded metric.Int64Counter

	// PlaybackBytes counts synthesized PCM bytes played back into the call.
	PlaybackBytes metric.Int64Counter

	// ForwardErrors counts failed bridge tasks. Use with attribute:
	//   attribute.String("task", ...)
	ForwardErrors metric.Int64Counter

	// ReconnectAttempts counts backend reconnection attempts.
	ReconnectAttempts metric.Int64Counter

	// --- Histograms ---

	// ResponseLatency tracks time from committing a user turn to the
	// backend completing its response.
	ResponseLatency metric.Float64Histogram

	// --- Gauges ---

	// ActiveConversations tracks the number of bridged voice channels.
	ActiveConversations metric.Int64UpDownCounter

	// ActiveSpeakers tracks participants currently known across all
	// conversations.
	ActiveSpeakers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-backend response latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AudioChunksForwarded, err = m.Int64Counter("voxbridge.audio.chunks_forwarded",
		metric.WithDescription("Total speaker audio chunks forwarded to the backend."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesForwarded, err = m.Int64Counter("voxbridge.audio.bytes_forwarded",
		metric.WithDescription("Total PCM bytes forwarded to the backend."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBytes, err = m.Int64Counter("voxbridge.playback.bytes",
		metric.WithDescription("Total synthesized PCM bytes played back into the call."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ForwardErrors, err = m.Int64Counter("voxbridge.bridge.task_errors",
		metric.WithDescription("Total failed bridge tasks by task kind."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voxbridge.backend.reconnect_attempts",
		metric.WithDescription("Total backend reconnection attempts."),
	); err != nil {
		return nil, err
	}

	if met.ResponseLatency, err = m.Float64Histogram("voxbridge.backend.response_latency",
		metric.WithDescription("Time from committing a user turn to response completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveConversations, err = m.Int64UpDownCounter("voxbridge.active_conversations",
		metric.WithDescription("Number of currently bridged voice channels."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("voxbridge.active_speakers",
		metric.WithDescription("Number of known participants across all conversations."),
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

// RecordTaskError records a failed bridge task by kind.
func (m *Metrics) RecordTaskError(ctx context.Context, task string) {
	m.ForwardErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("task", task)),
	)
}

// RecordForwardedChunk records one forwarded chunk and its size for a
// conversation.
func (m *Metrics) RecordForwardedChunk(ctx context.Context, conversationID string, bytes int) {
	attrs := metric.WithAttributes(attribute.String("conversation", conversationID))
	m.AudioChunksForwarded.Add(ctx, 1, attrs)
	m.AudioBytesForwarded.Add(ctx, int64(bytes), attrs)
}
