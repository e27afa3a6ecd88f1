package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_hosts_total",
			Help: "Total number of hosts by status",
		},
		[]string{"status"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_vms_total",
			Help: "Total number of VMs by state",
		},
		[]string{"state"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_raft_commit_duration_seconds",
			Help:    "Time taken to commit a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WorkItem queue metrics
	WorkItemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_work_items_total",
			Help: "Total number of WorkItems by workType and step",
		},
		[]string{"work_type", "step"},
	)

	WorkItemsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_work_items_scheduled_total",
			Help: "Total number of WorkItems scheduled by workType and reason",
		},
		[]string{"work_type", "reason"},
	)

	WorkItemsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_work_items_claimed_total",
			Help: "Total number of WorkItems claimed by a worker",
		},
	)

	WorkItemsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_work_items_completed_total",
			Help: "Total number of WorkItems that reached a terminal step",
		},
		[]string{"work_type", "step"},
	)

	WorkItemRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_work_item_retries_total",
			Help: "Total number of times a WorkItem was rescheduled after a failed attempt",
		},
		[]string{"work_type"},
	)

	// Investigation/fencing/recovery metrics
	InvestigationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_investigation_duration_seconds",
			Help:    "Time taken for an Investigator to reach a liveness verdict",
			Buckets: prometheus.DefBuckets,
		},
	)

	FencingAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_fencing_attempts_total",
			Help: "Total number of fencing attempts by outcome",
		},
		[]string{"outcome"},
	)

	RecoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_recovery_duration_seconds",
			Help:    "End-to-end duration of a recovery WorkItem by workType",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"work_type"},
	)

	// Cleanup task metrics
	CleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_cleanup_duration_seconds",
			Help:    "Time taken for a cleanup cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CleanupCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_cleanup_cycles_total",
			Help: "Total number of cleanup cycles completed",
		},
	)

	CleanupPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_cleanup_purged_total",
			Help: "Total number of terminal WorkItems purged by the cleanup task",
		},
	)

	// Alerting metrics
	AlertsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_alerts_sent_total",
			Help: "Total number of host-down alerts sent, by reason",
		},
		[]string{"reason"},
	)

	AlertsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_alerts_suppressed_total",
			Help: "Total number of host-down alerts suppressed by the throttle window",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(WorkItemsTotal)
	prometheus.MustRegister(WorkItemsScheduled)
	prometheus.MustRegister(WorkItemsClaimed)
	prometheus.MustRegister(WorkItemsCompleted)
	prometheus.MustRegister(WorkItemRetries)
	prometheus.MustRegister(InvestigationDuration)
	prometheus.MustRegister(FencingAttempts)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(CleanupDuration)
	prometheus.MustRegister(CleanupCyclesTotal)
	prometheus.MustRegister(CleanupPurgedTotal)
	prometheus.MustRegister(AlertsSentTotal)
	prometheus.MustRegister(AlertsSuppressedTotal)
}

// Handler returns the Prometheus HTTP handler.
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
