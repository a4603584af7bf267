package observe_test

import (
	"context"
	"testing"

	"github.com/MrWong99/voxbridge/internal/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collectMetric returns the metricdata for the named instrument, or nil.
func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesAllInstruments(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m.AudioChunksForwarded == nil || m.AudioBytesForwarded == nil ||
		m.PlaybackBytes == nil || m.ForwardErrors == nil ||
		m.ReconnectAttempts == nil || m.ResponseLatency == nil ||
		m.ActiveConversations == nil || m.ActiveSpeakers == nil {
		t.Fatal("expected every instrument to be initialised")
	}
}

func TestRecordForwardedChunk(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordForwardedChunk(ctx, "guild:chan", 960)
	m.RecordForwardedChunk(ctx, "guild:chan", 480)

	chunks := collectMetric(t, reader, "voxbridge.audio.chunks_forwarded")
	if chunks == nil {
		t.Fatal("chunk counter not collected")
	}
	sum, ok := chunks.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 {
		t.Fatalf("unexpected chunk counter data: %+v", chunks.Data)
	}
	if sum.DataPoints[0].Value != 2 {
		t.Errorf("chunks = %d, want 2", sum.DataPoints[0].Value)
	}

	bytesMetric := collectMetric(t, reader, "voxbridge.audio.bytes_forwarded")
	if bytesMetric == nil {
		t.Fatal("bytes counter not collected")
	}
	byteSum := bytesMetric.Data.(metricdata.Sum[int64])
	if byteSum.DataPoints[0].Value != 1440 {
		t.Errorf("bytes = %d, want 1440", byteSum.DataPoints[0].Value)
	}
}

func TestRecordTaskError(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordTaskError(context.Background(), "forward")

	errs := collectMetric(t, reader, "voxbridge.bridge.task_errors")
	if errs == nil {
		t.Fatal("error counter not collected")
	}
	sum := errs.Data.(metricdata.Sum[int64])
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("errors = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	if observe.DefaultMetrics() != observe.DefaultMetrics() {
		t.Error("DefaultMetrics must return the same instance")
	}
}
