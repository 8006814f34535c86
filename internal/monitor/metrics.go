package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks pipeline throughput and latency.
type Metrics struct {
	mu sync.RWMutex

	// Latency histograms
	SubmitLatency    *LatencyHistogram
	ReconcileLatency *LatencyHistogram
	ParseLatency     *LatencyHistogram

	// Counters
	signalsReceived  uint64
	signalsDuplicate uint64
	signalsRejected  uint64
	ordersSubmitted  uint64
	ordersFailed     uint64
	ordersFilled     uint64
	reconcileCycles  uint64
	errorsCount      uint64

	// Gauges updated by the reconciliation loop.
	positionSizes map[string]string

	startedAt time.Time
}

// LatencyHistogram tracks latency samples with a sliding window and lazy
// stats computation.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewMetrics creates a metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		SubmitLatency:    NewLatencyHistogram(1000),
		ReconcileLatency: NewLatencyHistogram(1000),
		ParseLatency:     NewLatencyHistogram(1000),
		positionSizes:    make(map[string]string),
		startedAt:        time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when samples
// have changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *Metrics) IncrementSignalsReceived()  { atomic.AddUint64(&m.signalsReceived, 1) }
func (m *Metrics) IncrementSignalsDuplicate() { atomic.AddUint64(&m.signalsDuplicate, 1) }
func (m *Metrics) IncrementSignalsRejected()  { atomic.AddUint64(&m.signalsRejected, 1) }
func (m *Metrics) IncrementOrdersSubmitted()  { atomic.AddUint64(&m.ordersSubmitted, 1) }
func (m *Metrics) IncrementOrdersFailed()     { atomic.AddUint64(&m.ordersFailed, 1) }
func (m *Metrics) IncrementOrdersFilled()     { atomic.AddUint64(&m.ordersFilled, 1) }
func (m *Metrics) IncrementReconcileCycles()  { atomic.AddUint64(&m.reconcileCycles, 1) }
func (m *Metrics) IncrementErrors()           { atomic.AddUint64(&m.errorsCount, 1) }

// SetPositionSize records the current net size per symbol for the snapshot.
func (m *Metrics) SetPositionSize(symbol, size string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizes[symbol] = size
}

// Snapshot is a point-in-time metrics view.
type Snapshot struct {
	SubmitLatency    LatencyStats      `json:"submit_latency"`
	ReconcileLatency LatencyStats      `json:"reconcile_latency"`
	ParseLatency     LatencyStats      `json:"parse_latency"`
	SignalsReceived  uint64            `json:"signals_received"`
	SignalsDuplicate uint64            `json:"signals_duplicate"`
	SignalsRejected  uint64            `json:"signals_rejected"`
	OrdersSubmitted  uint64            `json:"orders_submitted"`
	OrdersFailed     uint64            `json:"orders_failed"`
	OrdersFilled     uint64            `json:"orders_filled"`
	ReconcileCycles  uint64            `json:"reconcile_cycles"`
	ErrorsCount      uint64            `json:"errors_count"`
	PositionSizes    map[string]string `json:"position_sizes"`
	GoroutineCount   int               `json:"goroutine_count"`
	HeapAlloc        uint64            `json:"heap_alloc_bytes"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
	Timestamp        time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	positions := make(map[string]string, len(m.positionSizes))
	for k, v := range m.positionSizes {
		positions[k] = v
	}
	m.mu.RUnlock()

	return Snapshot{
		SubmitLatency:    m.SubmitLatency.Stats(),
		ReconcileLatency: m.ReconcileLatency.Stats(),
		ParseLatency:     m.ParseLatency.Stats(),
		SignalsReceived:  atomic.LoadUint64(&m.signalsReceived),
		SignalsDuplicate: atomic.LoadUint64(&m.signalsDuplicate),
		SignalsRejected:  atomic.LoadUint64(&m.signalsRejected),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		OrdersFailed:     atomic.LoadUint64(&m.ordersFailed),
		OrdersFilled:     atomic.LoadUint64(&m.ordersFilled),
		ReconcileCycles:  atomic.LoadUint64(&m.reconcileCycles),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		PositionSizes:    positions,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		UptimeSeconds:    time.Since(m.startedAt).Seconds(),
		Timestamp:        time.Now(),
	}
}
