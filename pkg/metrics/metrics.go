package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// State metrics
	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_volumes_total",
			Help: "Total number of volumes by phase",
		},
		[]string{"phase"},
	)

	ClaimsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_claims_total",
			Help: "Total number of claims by phase",
		},
		[]string{"phase"},
	)

	SnapshotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_snapshots_total",
			Help: "Total number of snapshots by state",
		},
		[]string{"state"},
	)

	AttachmentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_attachments_total",
			Help: "Total number of attachments by actual state",
		},
		[]string{"state"},
	)

	// Reconciler metrics
	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_reconcile_runs_total",
			Help: "Total number of reconcile dispatches by entity kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_reconcile_duration_seconds",
			Help:    "Reconcile dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ReconcileQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_reconcile_queue_depth",
			Help: "Number of entities waiting in the reconcile queue",
		},
	)

	// Backend metrics
	BackendOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_backend_operations_total",
			Help: "Total number of backend adapter calls by backend, operation and status",
		},
		[]string{"backend", "op", "status"},
	)

	BackendOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_backend_operation_duration_seconds",
			Help:    "Backend adapter call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_api_requests_total",
			Help: "Total number of API requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(VolumesTotal)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(AttachmentsTotal)
	prometheus.MustRegister(ReconcileRuns)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileQueueDepth)
	prometheus.MustRegister(BackendOperations)
	prometheus.MustRegister(BackendOperationDuration)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// RecordBackendOp records one backend adapter call.
func RecordBackendOp(backend, op string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	BackendOperations.WithLabelValues(backend, op, status).Inc()
	BackendOperationDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordReconcile records one reconcile dispatch.
func RecordReconcile(kind, outcome string, duration time.Duration) {
	ReconcileRuns.WithLabelValues(kind, outcome).Inc()
	ReconcileDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
