// Package metrics records append-only analytics events and derives
// aggregate statistics. Derived data only: the workflow state document
// stays authoritative.
package metrics

import (
	"sync"
	"time"

	"github.com/testflowhq/testflow/pkg/models"
	"github.com/testflowhq/testflow/pkg/persistence"
)

// Recorder accumulates metric events per workflow plus per-type aggregate
// counters, persisted through the debounced saver.
type Recorder struct {
	mu    sync.Mutex
	doc   *persistence.MetricsDocument
	dirty func()
}

func NewRecorder(doc *persistence.MetricsDocument) *Recorder {
	if doc == nil {
		doc = persistence.NewMetricsDocument()
	}

	return &Recorder{doc: doc}
}

// SetDirtyNotifier wires the saver's MarkDirty. Set once at startup.
func (r *Recorder) SetDirtyNotifier(notify func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dirty = notify
}

// Record appends a metric event for a workflow and bumps the aggregate
// counter for its type.
func (r *Recorder) Record(workflowID, metricType string, data map[string]any) {
	r.mu.Lock()

	wm := r.doc.Workflows[workflowID]
	wm.Metrics = append(wm.Metrics, models.MetricEvent{
		Type:      metricType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	r.doc.Workflows[workflowID] = wm

	agg := r.doc.Aggregate[metricType]
	agg.Count++
	r.doc.Aggregate[metricType] = agg

	dirty := r.dirty
	r.mu.Unlock()

	if dirty != nil {
		dirty()
	}
}

// Statistics are the aggregate counts exposed for observability tooling.
type Statistics struct {
	TotalWorkflows int     `json:"total_workflows"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	SuccessRate    float64 `json:"success_rate"`
}

// Statistics computes workflow-level aggregates. Success rate is completed
// over terminal outcomes; zero when nothing terminated yet.
func (r *Recorder) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Statistics{
		TotalWorkflows: r.doc.Aggregate[models.MetricWorkflowInitialized].Count,
		Completed:      r.doc.Aggregate[models.MetricWorkflowCompleted].Count,
		Failed:         r.doc.Aggregate[models.MetricWorkflowFailed].Count,
	}

	if terminal := stats.Completed + stats.Failed; terminal > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(terminal)
	}

	return stats
}

// AnalyticsSummary extends Statistics with retry behavior and the full
// per-type aggregate table.
type AnalyticsSummary struct {
	Statistics

	RetryAttempts  int            `json:"retry_attempts"`
	RetrySuccesses int            `json:"retry_successes"`
	Aggregate      map[string]int `json:"aggregate"`
}

func (r *Recorder) AnalyticsSummary() AnalyticsSummary {
	summary := AnalyticsSummary{Statistics: r.Statistics()}

	r.mu.Lock()
	defer r.mu.Unlock()

	summary.RetryAttempts = r.doc.Aggregate[models.MetricRetryAttempt].Count
	summary.RetrySuccesses = r.doc.Aggregate[models.MetricRetrySuccess].Count
	summary.Aggregate = make(map[string]int, len(r.doc.Aggregate))

	for metricType, agg := range r.doc.Aggregate {
		summary.Aggregate[metricType] = agg.Count
	}

	return summary
}

// WorkflowMetrics returns the recorded events for one workflow.
func (r *Recorder) WorkflowMetrics(workflowID string) []models.MetricEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	wm := r.doc.Workflows[workflowID]
	out := make([]models.MetricEvent, len(wm.Metrics))
	copy(out, wm.Metrics)

	return out
}

// SnapshotMetrics implements persistence.MetricsSource.
func (r *Recorder) SnapshotMetrics() *persistence.MetricsDocument {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := persistence.NewMetricsDocument()
	doc.LastUpdated = r.doc.LastUpdated

	for id, wm := range r.doc.Workflows {
		cp := persistence.WorkflowMetrics{Metrics: make([]models.MetricEvent, len(wm.Metrics))}
		copy(cp.Metrics, wm.Metrics)
		doc.Workflows[id] = cp
	}

	for metricType, agg := range r.doc.Aggregate {
		doc.Aggregate[metricType] = agg
	}

	return doc
}
