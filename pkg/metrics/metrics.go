package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container inventory metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scmrm_containers_total",
			Help: "Total number of containers by lifecycle state",
		},
		[]string{"state"},
	)

	ContainersUnderReplicated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scmrm_containers_under_replicated",
			Help: "Number of containers with fewer healthy replicas than required",
		},
	)

	ContainersOverReplicated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scmrm_containers_over_replicated",
			Help: "Number of containers with more replicas than required",
		},
	)

	ContainersMisReplicated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scmrm_containers_mis_replicated",
			Help: "Number of containers whose placement policy is not satisfied",
		},
	)

	// Inflight action metrics
	InflightReplication = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scmrm_inflight_replication_actions",
			Help: "Number of replication actions currently tracked as inflight",
		},
	)

	InflightDeletion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scmrm_inflight_deletion_actions",
			Help: "Number of deletion actions currently tracked as inflight",
		},
	)

	ReplicationCmdsTimeout = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scmrm_replication_cmds_timeout_total",
			Help: "Total replication commands that timed out before the replica appeared",
		},
	)

	ReplicationCmdsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scmrm_replication_cmds_completed_total",
			Help: "Total replication commands observed complete",
		},
	)

	ReplicationBytesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scmrm_replication_bytes_completed_total",
			Help: "Total bytes replicated by completed replication commands",
		},
	)

	DeletionCmdsTimeout = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scmrm_deletion_cmds_timeout_total",
			Help: "Total deletion commands that timed out before the replica disappeared",
		},
	)

	DeletionCmdsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scmrm_deletion_cmds_completed_total",
			Help: "Total deletion commands observed complete",
		},
	)

	// Command dispatch metrics
	CommandsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scmrm_commands_dispatched_total",
			Help: "Total datanode commands dispatched by type",
		},
		[]string{"type"},
	)

	// Move metrics
	MovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scmrm_moves_total",
			Help: "Total container moves by terminal result",
		},
		[]string{"result"},
	)

	MovesInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scmrm_moves_inflight",
			Help: "Number of moves currently tracked by the move scheduler",
		},
	)

	MoveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scmrm_move_duration_seconds",
			Help:    "Time from move start to terminal resolution, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Raft metrics (move scheduler HA)
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scmrm_raft_is_leader",
			Help: "Whether this node's move scheduler Raft group believes it is leader",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scmrm_raft_apply_duration_seconds",
			Help:    "Time taken to apply a move-scheduler Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scmrm_raft_commit_duration_seconds",
			Help:    "Time taken to commit a move-scheduler Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciliation loop metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scmrm_reconciliation_duration_seconds",
			Help:    "Time taken for a full container reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scmrm_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scmrm_reconciliation_errors_total",
			Help: "Total reconciliation cycles that returned an error",
		},
	)
)

func init() {
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(ContainersUnderReplicated)
	prometheus.MustRegister(ContainersOverReplicated)
	prometheus.MustRegister(ContainersMisReplicated)

	prometheus.MustRegister(InflightReplication)
	prometheus.MustRegister(InflightDeletion)
	prometheus.MustRegister(ReplicationCmdsTimeout)
	prometheus.MustRegister(ReplicationCmdsCompleted)
	prometheus.MustRegister(ReplicationBytesCompleted)
	prometheus.MustRegister(DeletionCmdsTimeout)
	prometheus.MustRegister(DeletionCmdsCompleted)

	prometheus.MustRegister(CommandsDispatchedTotal)

	prometheus.MustRegister(MovesTotal)
	prometheus.MustRegister(MovesInflight)
	prometheus.MustRegister(MoveDuration)

	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftCommitDuration)

	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationErrorsTotal)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
