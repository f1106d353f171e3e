package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for task attempts.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

// IngestMetrics holds the metrics recorded while executing runs.
// A nil *IngestMetrics records nothing.
type IngestMetrics struct {
	attempts      CounterVec
	notifications CounterVec
	runs          CounterVec
	activeRuns    GaugeVec
	runDuration   HistogramVec
}

// NewIngestMetrics registers the run and task metrics with reg.
func NewIngestMetrics(reg Registry) (*IngestMetrics, error) {
	m := &IngestMetrics{}
	var err error

	if m.attempts, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: "task_attempts_total",
		Help: "Task attempts by outcome.",
	}, []string{"dag_id", "task_id", "outcome"}); err != nil {
		return nil, fmt.Errorf("creating attempts counter: %w", err)
	}

	if m.notifications, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: "task_notifications_total",
		Help: "Failure notifications sent, by delivery status.",
	}, []string{"dag_id", "task_id", "status"}); err != nil {
		return nil, fmt.Errorf("creating notifications counter: %w", err)
	}

	if m.runs, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: "runs_total",
		Help: "Finished runs by final state.",
	}, []string{"dag_id", "state"}); err != nil {
		return nil, fmt.Errorf("creating runs counter: %w", err)
	}

	if m.activeRuns, err = reg.NewGaugeVec(prometheus.GaugeOpts{
		Name: "active_runs",
		Help: "Runs currently executing.",
	}, []string{"dag_id"}); err != nil {
		return nil, fmt.Errorf("creating active runs gauge: %w", err)
	}

	if m.runDuration, err = reg.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "run_duration_seconds",
		Help:    "Wall clock duration of finished runs.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"dag_id"}); err != nil {
		return nil, fmt.Errorf("creating run duration histogram: %w", err)
	}

	return m, nil
}

// TaskAttempt counts one finished attempt.
func (m *IngestMetrics) TaskAttempt(dagID, taskID, outcome string) {
	if m == nil {
		return
	}
	m.attempts.With(prometheus.Labels{"dag_id": dagID, "task_id": taskID, "outcome": outcome}).Inc()
}

// Notification counts one failure notification.
func (m *IngestMetrics) Notification(dagID, taskID string, err error) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "error"
	}
	m.notifications.With(prometheus.Labels{"dag_id": dagID, "task_id": taskID, "status": status}).Inc()
}

// RunStarted marks a run as executing.
func (m *IngestMetrics) RunStarted(dagID string) {
	if m == nil {
		return
	}
	m.activeRuns.With(prometheus.Labels{"dag_id": dagID}).Add(1)
}

// RunFinished records the final state and duration of a run.
func (m *IngestMetrics) RunFinished(dagID, state string, took time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.With(prometheus.Labels{"dag_id": dagID}).Add(-1)
	m.runs.With(prometheus.Labels{"dag_id": dagID, "state": state}).Inc()
	m.runDuration.With(prometheus.Labels{"dag_id": dagID}).Observe(took.Seconds())
}
