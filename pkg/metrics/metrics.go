package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "formicaio_nodes_total",
			Help: "Total number of supervised nodes by status",
		},
		[]string{"status"},
	)

	NodesLocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "formicaio_nodes_locked",
			Help: "Number of nodes currently status-locked by an in-flight action or batch",
		},
	)

	BatchesScheduled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "formicaio_batches_scheduled",
			Help: "Number of batches currently scheduled or in progress",
		},
	)

	BatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formicaio_batch_failures_total",
			Help: "Total number of per-node failures encountered while running batches",
		},
		[]string{"batch_type"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formicaio_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formicaio_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// MCP metrics
	McpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formicaio_mcp_requests_total",
			Help: "Total number of MCP JSON-RPC requests by method and status",
		},
		[]string{"tool", "status"},
	)

	McpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formicaio_mcp_request_duration_seconds",
			Help:    "MCP JSON-RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Node action metrics
	NodeCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formicaio_node_create_duration_seconds",
			Help:    "Time taken to create a node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodeStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formicaio_node_start_duration_seconds",
			Help:    "Time taken to start a node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodeStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formicaio_node_stop_duration_seconds",
			Help:    "Time taken to stop a node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodeUpgradeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formicaio_node_upgrade_duration_seconds",
			Help:    "Time taken to upgrade a node in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 480}, // up to the 8min upgrade timeout
		},
	)

	NodeRecycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formicaio_node_recycle_duration_seconds",
			Help:    "Time taken to recycle a node's peer id in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodeDeleteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formicaio_node_delete_duration_seconds",
			Help:    "Time taken to delete a node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Background-loop metrics
	PollCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formicaio_poll_cycle_duration_seconds",
			Help:    "Time taken for one BackgroundLoop ticker cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cycle"},
	)

	PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formicaio_poll_cycles_total",
			Help: "Total number of completed BackgroundLoop ticker cycles",
		},
		[]string{"cycle"},
	)

	// Store metrics
	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formicaio_store_op_duration_seconds",
			Help:    "Store operation duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodesLocked)
	prometheus.MustRegister(BatchesScheduled)
	prometheus.MustRegister(BatchFailuresTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(McpRequestsTotal)
	prometheus.MustRegister(McpRequestDuration)

	prometheus.MustRegister(NodeCreateDuration)
	prometheus.MustRegister(NodeStartDuration)
	prometheus.MustRegister(NodeStopDuration)
	prometheus.MustRegister(NodeUpgradeDuration)
	prometheus.MustRegister(NodeRecycleDuration)
	prometheus.MustRegister(NodeDeleteDuration)

	prometheus.MustRegister(PollCycleDuration)
	prometheus.MustRegister(PollCyclesTotal)
	prometheus.MustRegister(StoreOpDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
