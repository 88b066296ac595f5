package models

import "time"

// MetricEvent is one append-only analytics record. Derived data only; the
// workflow history remains the authoritative audit trail.
type MetricEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Metric types recorded by the orchestration core.
const (
	MetricWorkflowInitialized = "workflow_initialized"
	MetricWorkflowCompleted   = "workflow_completed"
	MetricWorkflowFailed      = "workflow_failed"
	MetricStageCompleted      = "stage_completed"
	MetricRetryAttempt        = "retry_attempt"
	MetricRetrySuccess        = "retry_success"
)
