package services

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencySampleWindow bounds the in-process percentile tracker. Old
// samples are overwritten ring-buffer style.
const latencySampleWindow = 512

// Percentiles is a point-in-time latency summary for one operation.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// latencyTracker keeps a sliding window of samples so the health
// endpoint can report percentiles without scraping Prometheus.
type latencyTracker struct {
	mu      sync.Mutex
	samples map[string][]float64
	next    map[string]int
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{
		samples: make(map[string][]float64),
		next:    make(map[string]int),
	}
}

func (t *latencyTracker) observe(op string, seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	window := t.samples[op]
	if len(window) < latencySampleWindow {
		t.samples[op] = append(window, seconds)
		return
	}
	t.samples[op][t.next[op]] = seconds
	t.next[op] = (t.next[op] + 1) % latencySampleWindow
}

func (t *latencyTracker) percentiles(op string) (Percentiles, bool) {
	t.mu.Lock()
	window := t.samples[op]
	sorted := make([]float64, len(window))
	copy(sorted, window)
	t.mu.Unlock()

	if len(sorted) == 0 {
		return Percentiles{}, false
	}
	sort.Float64s(sorted)
	at := func(p float64) float64 {
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return Percentiles{P50: at(0.50), P95: at(0.95), P99: at(0.99)}, true
}

func (t *latencyTracker) operations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]string, 0, len(t.samples))
	for op := range t.samples {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec

	// Message pipeline metrics
	JobsEnqueued   prometheus.Counter
	JobsCompleted  prometheus.Counter
	JobsFailed     *prometheus.CounterVec
	JobRetries     prometheus.Counter
	JobLatency     prometheus.Histogram
	DegradedSends  prometheus.Counter
	StreamedChunks prometheus.Counter

	// Session cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses prometheus.Counter

	// Operation latency by type (send, cache read, generation)
	OperationLatency *prometheus.SummaryVec

	tracker     *latencyTracker
	connManager *ConnectionManager
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(connManager *ConnectionManager) *Metrics {
	metrics := &Metrics{
		connManager: connManager,
		tracker:     newLatencyTracker(),

		// WebSocket active connections (gauge - can go up and down)
		WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tutorlive_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),

		// WebSocket messages by type (counter - only goes up)
		WebSocketMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorlive_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		JobsEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tutorlive_pipeline_jobs_enqueued_total",
			Help: "Total number of message jobs enqueued",
		}),

		JobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tutorlive_pipeline_jobs_completed_total",
			Help: "Total number of message jobs completed successfully",
		}),

		JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorlive_pipeline_jobs_failed_total",
			Help: "Total number of message jobs that exhausted retries",
		}, []string{"reason"}),

		JobRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tutorlive_pipeline_job_retries_total",
			Help: "Total number of job attempt retries",
		}),

		// Job latency histogram (up to 2 minutes for slow generation)
		JobLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tutorlive_pipeline_job_duration_seconds",
			Help:    "Message job latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		DegradedSends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tutorlive_pipeline_degraded_sends_total",
			Help: "Total number of messages processed synchronously with the queue down",
		}),

		StreamedChunks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tutorlive_pipeline_streamed_chunks_total",
			Help: "Total number of assistant chunks streamed to clients",
		}),

		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorlive_session_cache_hits_total",
			Help: "Total number of session cache hits by tier",
		}, []string{"tier"}), // tier: "local" or "redis"

		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tutorlive_session_cache_misses_total",
			Help: "Total number of session cache misses served from the store",
		}),

		OperationLatency: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "tutorlive_operation_duration_seconds",
			Help:       "Operation latency in seconds by operation type",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		}, []string{"operation"}),
	}

	// Register a collector that updates WebSocket connections from ConnectionManager
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "tutorlive_websocket_connections_current",
			Help: "Current number of active WebSocket connections (from connection manager)",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	m.WebSocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}

// RecordOperationLatency records one completed operation's latency.
func (m *Metrics) RecordOperationLatency(operation string, seconds float64) {
	m.OperationLatency.WithLabelValues(operation).Observe(seconds)
	m.tracker.observe(operation, seconds)
}

// OperationPercentiles reports the current latency summary for every
// operation with at least one recorded sample.
func (m *Metrics) OperationPercentiles() map[string]Percentiles {
	out := make(map[string]Percentiles)
	for _, op := range m.tracker.operations() {
		if p, ok := m.tracker.percentiles(op); ok {
			out[op] = p
		}
	}
	return out
}

// RecordCacheHit records a session cache hit for the given tier.
func (m *Metrics) RecordCacheHit(tier string) {
	m.CacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a full cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.CacheMisses.Inc()
}
