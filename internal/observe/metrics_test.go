package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr returns the int64 sum data point whose attribute key equals
// value, or 0.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name string, key attribute.Key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(key); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func TestRecordTurn_BySource(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "speech", 800*time.Millisecond)
	m.RecordTurn(ctx, "speech", 1200*time.Millisecond)
	m.RecordTurn(ctx, "text", 300*time.Millisecond)

	met := findMetric(collect(t, reader), "voicedesk.agent.turn.duration")
	if met == nil {
		t.Fatal("turn duration not recorded")
	}
	if met.Unit != "s" {
		t.Errorf("unit: got %q, want s", met.Unit)
	}
	counts := map[string]uint64{}
	sums := map[string]float64{}
	for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
		src, _ := dp.Attributes.Value("source")
		counts[src.AsString()] = dp.Count
		sums[src.AsString()] = dp.Sum
	}
	if counts["speech"] != 2 || counts["text"] != 1 {
		t.Errorf("counts: got %v, want speech=2 text=1", counts)
	}
	if got := sums["speech"]; got < 1.99 || got > 2.01 {
		t.Errorf("speech sum: got %v, want 2s", got)
	}
}

func TestClipDuration_Buckets(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.ClipDuration.Record(context.Background(), 3)

	met := findMetric(collect(t, reader), "voicedesk.playback.clip.duration")
	if met == nil {
		t.Fatal("clip duration not recorded")
	}
	dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
	if len(dp.Bounds) != len(clipBuckets) {
		t.Fatalf("bounds: got %v, want %v", dp.Bounds, clipBuckets)
	}
	// 3s lands in the (2, 4] bucket.
	if dp.BucketCounts[3] != 1 {
		t.Errorf("bucket counts: got %v", dp.BucketCounts)
	}
}

func TestRecordFrameDropped(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameDropped(ctx, DropNotConnected)
	m.RecordFrameDropped(ctx, DropNotConnected)
	m.RecordFrameDropped(ctx, DropMailboxFull)

	rm := collect(t, reader)
	tests := []struct {
		reason string
		want   int64
	}{
		{DropNotConnected, 2},
		{DropMailboxFull, 1},
		{DropNotStreaming, 0},
	}
	for _, tt := range tests {
		if got := sumByAttr(t, rm, "voicedesk.frames.dropped", "reason", tt.reason); got != tt.want {
			t.Errorf("%s drops: got %d, want %d", tt.reason, got, tt.want)
		}
	}
}

func TestProviderAndTicketCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "responder", "llm", "ok")
	m.RecordProviderRequest(ctx, "responder", "llm", "ok")
	m.RecordProviderRequest(ctx, "responder", "llm", "error")
	m.RecordProviderError(ctx, "tts", "tts")
	m.RecordTicketCreated(ctx, "escalation")
	m.RecordTicketCreated(ctx, "api")
	m.RecordTicketCreated(ctx, "api")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "voicedesk.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests: got %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "voicedesk.provider.errors", "kind", "tts"); got != 1 {
		t.Errorf("tts errors: got %d, want 1", got)
	}
	if got := sumByAttr(t, rm, "voicedesk.tickets.created", "source", "api"); got != 2 {
		t.Errorf("api tickets: got %d, want 2", got)
	}
}

func TestActiveConnections(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveConnections.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, -1)

	met := findMetric(collect(t, reader), "voicedesk.ws.active_connections")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if sum.IsMonotonic {
		t.Error("active connections must be an up-down counter")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("open connections: got %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
