package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the platform.
type Metrics struct {
	// Session server metrics
	ClientsActive       prometheus.Gauge
	ClientsTotal        prometheus.Counter
	FramesTotal         *prometheus.CounterVec
	FramesRejected      *prometheus.CounterVec
	BytesTotal          *prometheus.CounterVec
	HeartbeatTimeouts   prometheus.Counter

	// Dispatch metrics
	PoolWorkers       *prometheus.GaugeVec
	PoolQueueDepth    *prometheus.GaugeVec
	HandlerPanics     *prometheus.CounterVec
	RetriesTotal      *prometheus.CounterVec
	EnvelopesParked   *prometheus.CounterVec
	EnvelopesResumed  *prometheus.CounterVec

	// Transfer metrics
	TransfersActive     prometheus.Gauge
	TransfersTotal      *prometheus.CounterVec
	TransferDuration    prometheus.Histogram
	ChunksReceivedTotal prometheus.Counter
	ChunksSentTotal     prometheus.Counter
	ChunksDropped       *prometheus.CounterVec
	ChunksDeduplicated  prometheus.Counter

	// Proxy metrics
	ForwardConnsActive  *prometheus.GaugeVec
	ForwardConnsTotal   *prometheus.CounterVec
	ForwardBytesTotal   *prometheus.CounterVec
	ForwardErrors       *prometheus.CounterVec
	BackendResponseTime *prometheus.HistogramVec
	AcceptsThrottled    *prometheus.CounterVec

	// Active transfers counter (atomic for thread-safety)
	activeTransfers int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ClientsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "portlink_clients_active",
				Help: "Currently connected session clients",
			},
		),

		ClientsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "portlink_clients_total",
				Help: "Total accepted session clients",
			},
		),

		FramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_frames_total",
				Help: "Frames processed by direction",
			},
			[]string{"direction", "info_type"},
		),

		FramesRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_frames_rejected_total",
				Help: "Frames dropped or fatal by reason",
			},
			[]string{"reason"},
		),

		BytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_bytes_total",
				Help: "Payload bytes moved by direction",
			},
			[]string{"direction"},
		),

		HeartbeatTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "portlink_heartbeat_timeouts_total",
				Help: "Sessions reaped by the heartbeat sweep",
			},
		),

		PoolWorkers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portlink_pool_workers",
				Help: "Active workers per pool and tier",
			},
			[]string{"pool", "tier"},
		),

		PoolQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portlink_pool_queue_depth",
				Help: "Queued envelopes per pool and tier",
			},
			[]string{"pool", "tier"},
		),

		HandlerPanics: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_handler_panics_total",
				Help: "Recovered handler panics",
			},
			[]string{"pool"},
		),

		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_retries_total",
				Help: "Envelope retry attempts per tier",
			},
			[]string{"tier"},
		),

		EnvelopesParked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_envelopes_parked_total",
				Help: "Retry-exhausted envelopes moved to the resume queue",
			},
			[]string{"tier"},
		),

		EnvelopesResumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_envelopes_resumed_total",
				Help: "Parked envelopes redelivered after reconnect",
			},
			[]string{"tier"},
		),

		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "portlink_transfers_active",
				Help: "Currently active file transfers",
			},
		),

		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_transfers_total",
				Help: "File transfers by outcome",
			},
			[]string{"status"},
		),

		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "portlink_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "portlink_chunks_received_total",
				Help: "File chunks accepted",
			},
		),

		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "portlink_chunks_sent_total",
				Help: "File chunks sent",
			},
		),

		ChunksDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_chunks_dropped_total",
				Help: "File chunks discarded by reason",
			},
			[]string{"reason"},
		),

		ChunksDeduplicated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "portlink_chunks_deduplicated_total",
				Help: "Retransmitted chunks short-circuited by the dedup index",
			},
		),

		ForwardConnsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portlink_forward_connections_active",
				Help: "Active forwarded connections per endpoint",
			},
			[]string{"endpoint", "protocol"},
		),

		ForwardConnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_forward_connections_total",
				Help: "Forwarded connections per endpoint and target",
			},
			[]string{"endpoint", "target"},
		),

		ForwardBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_forward_bytes_total",
				Help: "Bytes spliced per endpoint and direction",
			},
			[]string{"endpoint", "direction"},
		),

		ForwardErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_forward_errors_total",
				Help: "Forwarding failures by reason",
			},
			[]string{"endpoint", "reason"},
		),

		BackendResponseTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portlink_backend_response_seconds",
				Help:    "HTTP backend response time per target",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"target"},
		),

		AcceptsThrottled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portlink_accepts_throttled_total",
				Help: "Accepts rejected by the endpoint rate limiter",
			},
			[]string{"endpoint"},
		),
	}

	return m
}

// RecordClientConnect updates session counters on accept.
func (m *Metrics) RecordClientConnect() {
	m.ClientsTotal.Inc()
	m.ClientsActive.Inc()
}

// RecordClientDisconnect updates session counters on close.
func (m *Metrics) RecordClientDisconnect() {
	m.ClientsActive.Dec()
}

// RecordFrame counts one processed frame.
func (m *Metrics) RecordFrame(direction, infoType string, bytes int) {
	m.FramesTotal.WithLabelValues(direction, infoType).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordFrameRejected counts a dropped frame.
func (m *Metrics) RecordFrameRejected(reason string) {
	m.FramesRejected.WithLabelValues(reason).Inc()
}

// SetPoolGauges publishes a tier's worker count and queue depth.
func (m *Metrics) SetPoolGauges(pool, tier string, workers, depth int) {
	m.PoolWorkers.WithLabelValues(pool, tier).Set(float64(workers))
	m.PoolQueueDepth.WithLabelValues(pool, tier).Set(float64(depth))
}

// RecordTransferStart increments active transfer counters.
func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

// RecordTransferComplete records transfer completion metrics.
func (m *Metrics) RecordTransferComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	status := "success"
	if !success {
		status = "failure"
	}

	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
