package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DSCP pool metrics
	DSCPPoolCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tsimd_dscp_pool_capacity",
			Help: "Configured size of the DSCP code point pool",
		},
	)

	DSCPPoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tsimd_dscp_pool_in_use",
			Help: "Number of DSCP code points currently allocated",
		},
	)

	DSCPAllocationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsimd_dscp_allocations_total",
			Help: "Total number of DSCP allocations granted",
		},
	)

	DSCPReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsimd_dscp_reclaimed_total",
			Help: "Total number of DSCP allocations reclaimed from dead owners",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsimd_queue_depth",
			Help: "Number of runs by queue state",
		},
		[]string{"state"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsimd_runs_total",
			Help: "Total number of runs by terminal state",
		},
		[]string{"state"},
	)

	// Scheduler / executor metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tsimd_scheduling_latency_seconds",
			Help:    "Time a run waited in queue before being dequeued",
			Buckets: prometheus.DefBuckets,
		},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsimd_phase_duration_seconds",
			Help:    "Duration of each executor phase in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	PhaseFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsimd_phase_failures_total",
			Help: "Total number of phase failures by phase",
		},
		[]string{"phase"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tsimd_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsimd_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciledResourcesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsimd_reconciled_resources_total",
			Help: "Total number of abandoned resources reclaimed by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsimd_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsimd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSE metrics
	SSESubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tsimd_sse_subscribers",
			Help: "Number of currently connected progress-stream subscribers",
		},
	)

	// Materializer metrics
	MaterializeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsimd_materialize_duration_seconds",
			Help:    "Time taken to materialize one namespace",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"namespace"},
	)

	MaterializeCommandFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsimd_materialize_command_failures_total",
			Help: "Total number of materializer commands that failed (non-fatal, warning only)",
		},
		[]string{"namespace"},
	)
)

func init() {
	prometheus.MustRegister(
		DSCPPoolCapacity,
		DSCPPoolInUse,
		DSCPAllocationsTotal,
		DSCPReclaimedTotal,
		QueueDepth,
		RunsTotal,
		SchedulingLatency,
		PhaseDuration,
		PhaseFailuresTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconciledResourcesTotal,
		APIRequestsTotal,
		APIRequestDuration,
		SSESubscribers,
		MaterializeDuration,
		MaterializeCommandFailures,
	)
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
