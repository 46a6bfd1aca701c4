package observe

import (
	"context"
	"testing"

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

// sumFor returns the value of the int64 sum data point carrying key=value,
// or -1 when no such point exists.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
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
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestRecordCaptureFrame(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCaptureFrame(ctx, FrameSent)
	m.RecordCaptureFrame(ctx, FrameSent)
	m.RecordCaptureFrame(ctx, FrameDropped)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "parley.capture.frames", "outcome", FrameSent); got != 2 {
		t.Errorf("sent = %d, want 2", got)
	}
	if got := sumFor(t, rm, "parley.capture.frames", "outcome", FrameDropped); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if got := sumFor(t, rm, "parley.capture.frames", "outcome", FrameFailed); got != -1 {
		t.Errorf("failed = %d, want no data point", got)
	}
}

func TestRecordTurnAndTransition(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "user")
	m.RecordTurn(ctx, "model")
	m.RecordTurn(ctx, "model")
	m.RecordTransition(ctx, "idle", "connecting")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "parley.transcript.entries", "source", "model"); got != 2 {
		t.Errorf("model turns = %d, want 2", got)
	}
	if got := sumFor(t, rm, "parley.session.transitions", "to", "connecting"); got != 1 {
		t.Errorf("transitions to connecting = %d, want 1", got)
	}
}

func TestPlaybackCounters(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.PlaybackUnits.Add(ctx, 3)
	m.Interruptions.Add(ctx, 1)
	m.DecodeErrors.Add(ctx, 2)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ActiveSessions.Add(ctx, 1)

	rm := collect(t, reader)
	tests := []struct {
		name string
		want int64
	}{
		{"parley.playback.units", 3},
		{"parley.playback.interruptions", 1},
		{"parley.playback.decode_errors", 2},
		{"parley.active_sessions", 1},
	}
	for _, tc := range tests {
		if got := sumFor(t, rm, tc.name, "", ""); got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestRecordConnect(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)

	m.RecordConnect(context.Background(), "gemini-live", "ok", 0.2)
	m.RecordConnect(context.Background(), "gemini-live", "ok", 0.4)

	met := findMetric(collect(t, reader), "parley.transport.connect.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
		t.Errorf("data points = %+v, want one point with count 2", hist.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
