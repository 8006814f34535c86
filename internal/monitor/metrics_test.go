package monitor

import (
	"testing"
	"time"
)

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(10)
	for _, v := range []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10} {
		h.Record(v)
	}

	stats := h.Stats()
	if stats.Count != 10 {
		t.Fatalf("count = %d, want 10", stats.Count)
	}
	if stats.Min != 1 || stats.Max != 10 {
		t.Fatalf("min/max = %v/%v", stats.Min, stats.Max)
	}
	if stats.Avg != 5.5 {
		t.Fatalf("avg = %v, want 5.5", stats.Avg)
	}

	// Window slides: the oldest sample drops out.
	h.Record(20)
	stats = h.Stats()
	if stats.Count != 10 {
		t.Fatalf("count after slide = %d, want 10", stats.Count)
	}
	if stats.Min != 2 {
		t.Fatalf("min after slide = %v, want 2", stats.Min)
	}
	if stats.Max != 20 {
		t.Fatalf("max after slide = %v, want 20", stats.Max)
	}
}

func TestLatencyHistogramCachedStats(t *testing.T) {
	h := NewLatencyHistogram(100)
	h.RecordDuration(5 * time.Millisecond)

	first := h.Stats()
	second := h.Stats()
	if first != second {
		t.Fatal("stats must be stable without new samples")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.IncrementSignalsReceived()
	m.IncrementSignalsReceived()
	m.IncrementOrdersSubmitted()
	m.IncrementOrdersFailed()
	m.SetPositionSize("BTC-USDT", "0.002")

	snap := m.GetSnapshot()
	if snap.SignalsReceived != 2 {
		t.Fatalf("signals received = %d, want 2", snap.SignalsReceived)
	}
	if snap.OrdersSubmitted != 1 || snap.OrdersFailed != 1 {
		t.Fatalf("orders submitted/failed = %d/%d", snap.OrdersSubmitted, snap.OrdersFailed)
	}
	if snap.PositionSizes["BTC-USDT"] != "0.002" {
		t.Fatalf("position gauge = %q", snap.PositionSizes["BTC-USDT"])
	}
}
