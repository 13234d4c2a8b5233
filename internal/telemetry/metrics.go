package telemetry

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics definitions for the task graph and orchestrator.
var (
	// Task graph
	TasksCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_tasks_created_total",
		Help: "Total tasks created.",
	}, []string{"project"})
	TasksCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_tasks_completed_total",
		Help: "Total tasks that reached completed.",
	}, []string{"project"})
	TasksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_tasks_failed_total",
		Help: "Total tasks that reached failed (retries exhausted).",
	}, []string{"project"})
	TasksCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_tasks_cancelled_total",
		Help: "Total tasks cancelled.",
	}, []string{"project"})
	TasksRetriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_tasks_retried_total",
		Help: "Total retry attempts issued.",
	}, []string{"project"})
	GraphCycleRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_graph_cycle_rejections_total",
		Help: "Dependency insertions rejected for closing a cycle.",
	}, []string{"project"})
	GraphVersionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_graph_version_conflicts_total",
		Help: "Optimistic-lock guard failures (stale expected version).",
	}, []string{"project"})
	TasksActiveGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orc_tasks_active",
		Help: "Current count of non-terminal tasks.",
	}, []string{"project"})

	// Orchestrator
	AssignmentCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_assignment_cycles_total",
		Help: "Number of assignment-cycle runs (ticker + event-driven).",
	}, []string{"project"})
	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_assignments_total",
		Help: "Total successful task-to-agent assignments.",
	}, []string{"project"})
	AssignmentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_assignment_failures_total",
		Help: "Assignment attempts that failed the capability/guard check.",
	}, []string{"project"})
	RecoveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_recovery_attempts_total",
		Help: "Recovery attempts made after a task failure.",
	}, []string{"project"})
	RecoveryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_recovery_exhausted_total",
		Help: "Recovery attempts abandoned because the retry with the previous owner was refused.",
	}, []string{"project"})
	CapabilityScoreHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orc_capability_score",
		Help:    "Distribution of scoreAgent() results computed during matching.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"project"})
	EventLogSizeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orc_event_log_size",
		Help: "Current number of entries in the bounded orchestrator event log.",
	}, []string{"project"})
	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_store_operations_total",
		Help: "Total store read/write operations.",
	}, []string{"project"})
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orc_errors_total",
		Help: "Total internal errors by type.",
	}, []string{"project", "type"})
)

var (
	metricsOnce    sync.Once
	metricsMu      sync.Mutex
	metricsRunning bool
)

// StartMetricsServer starts an HTTP server exposing Prometheus metrics.
// It tries up to 10 ports: basePort first, then each following port in
// turn while the previous one is busy.
func StartMetricsServer(basePort int) error {
	metricsMu.Lock()
	if metricsRunning {
		metricsMu.Unlock()
		return nil
	}
	metricsRunning = true
	metricsMu.Unlock()

	metricsOnce.Do(func() {
		http.Handle("/metrics", promhttp.Handler())
	})

	var listener net.Listener
	var err error

	for i := 0; i < 10; i++ {
		port := basePort + i
		addr := ":" + strconv.Itoa(port)
		listener, err = net.Listen("tcp", addr)
		if err == nil {
			fmt.Fprintf(os.Stderr, "Starting metrics server on %s\n", addr)
			return http.Serve(listener, nil)
		}
	}

	metricsMu.Lock()
	metricsRunning = false
	metricsMu.Unlock()
	return fmt.Errorf("failed to find available port starting from %d: %w", basePort, err)
}

// Tracking helpers

func TrackTaskCreated(project string)   { TasksCreatedTotal.WithLabelValues(project).Inc() }
func TrackTaskCompleted(project string) { TasksCompletedTotal.WithLabelValues(project).Inc() }
func TrackTaskFailed(project string)    { TasksFailedTotal.WithLabelValues(project).Inc() }
func TrackTaskCancelled(project string) { TasksCancelledTotal.WithLabelValues(project).Inc() }
func TrackTaskRetried(project string)   { TasksRetriedTotal.WithLabelValues(project).Inc() }

func TrackCycleRejection(project string) { GraphCycleRejectionsTotal.WithLabelValues(project).Inc() }
func TrackVersionConflict(project string) {
	GraphVersionConflictsTotal.WithLabelValues(project).Inc()
}
func SetTasksActive(project string, count int) {
	TasksActiveGauge.WithLabelValues(project).Set(float64(count))
}

func TrackAssignmentCycle(project string) { AssignmentCyclesTotal.WithLabelValues(project).Inc() }
func TrackAssignment(project string)      { AssignmentsTotal.WithLabelValues(project).Inc() }
func TrackAssignmentFailure(project string) {
	AssignmentFailuresTotal.WithLabelValues(project).Inc()
}
func TrackRecoveryAttempt(project string) { RecoveryAttemptsTotal.WithLabelValues(project).Inc() }
func TrackRecoveryExhausted(project string) {
	RecoveryExhaustedTotal.WithLabelValues(project).Inc()
}
func ObserveCapabilityScore(project string, score float64) {
	CapabilityScoreHistogram.WithLabelValues(project).Observe(score)
}
func SetEventLogSize(project string, size int) {
	EventLogSizeGauge.WithLabelValues(project).Set(float64(size))
}
func TrackStoreOp(project string)               { StoreOperationsTotal.WithLabelValues(project).Inc() }
func TrackError(project string, errType string) { ErrorsTotal.WithLabelValues(project, errType).Inc() }
