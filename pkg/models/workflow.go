// Package models defines the core domain models for stage-based workflow
// orchestration.
package models

import (
	"fmt"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusActive     WorkflowStatus = "active"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusFailed     WorkflowStatus = "failed"
	WorkflowStatusRolledBack WorkflowStatus = "rolled_back"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
)

// Pseudo-stages stamped on CurrentStage by failure handling. They are not
// template stages and never appear in StageSpec lists.
const (
	StageFailed     = "FAILED"
	StageRolledBack = "ROLLED_BACK"
)

// Workflow is the aggregate root: one per unit of work, mutated exclusively
// through the workflow.Manager.
type Workflow struct {
	ID                string            `json:"id"`
	BusinessKey       string            `json:"business_key"       validate:"required"`
	TemplateName      string            `json:"template_name"      validate:"required"`
	Template          *WorkflowTemplate `json:"template"`
	Status            WorkflowStatus    `json:"status"`
	CurrentStage      string            `json:"current_stage"`
	CurrentStageIndex int               `json:"current_stage_index"`
	Generation        int               `json:"generation"`
	Artifacts         map[string]string `json:"artifacts"`
	History           []HistoryEntry    `json:"history"`
	Errors            []ErrorEntry      `json:"errors"`
	Options           map[string]any    `json:"options,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// NewWorkflowID derives a workflow id from the business key and creation
// time, so ids sort chronologically per key.
func NewWorkflowID(businessKey string, at time.Time) string {
	return fmt.Sprintf("%s-%d", businessKey, at.UnixMilli())
}

// IsTerminal reports whether the workflow reached a sticky terminal state.
func (w *Workflow) IsTerminal() bool {
	switch w.Status {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusRolledBack, WorkflowStatusCancelled:
		return true
	case WorkflowStatusActive:
		return false
	}

	return false
}

// HasCompletedStage reports whether stageName appears as a completed stage in
// the audit history. Stages spliced out by trimming are found through the
// marker entry's stage set.
func (w *Workflow) HasCompletedStage(stageName string) bool {
	for _, h := range w.History {
		if !h.Trimmed {
			if h.Stage == stageName {
				return true
			}

			continue
		}

		switch stages := h.Data["stages"].(type) {
		case map[string]bool:
			if stages[stageName] {
				return true
			}
		case map[string]any:
			// Shape after a JSON round-trip through the state store.
			if v, ok := stages[stageName].(bool); ok && v {
				return true
			}
		}
	}

	return false
}

// Clone returns a deep copy detached from the manager-owned aggregate, so
// callers can read or marshal it without holding the manager's lock.
func (w *Workflow) Clone() *Workflow {
	clone := *w

	if w.Template != nil {
		clone.Template = w.Template.Clone()
	}

	if w.Artifacts != nil {
		clone.Artifacts = make(map[string]string, len(w.Artifacts))
		for k, v := range w.Artifacts {
			clone.Artifacts[k] = v
		}
	}

	if w.Options != nil {
		clone.Options = make(map[string]any, len(w.Options))
		for k, v := range w.Options {
			clone.Options[k] = v
		}
	}

	if w.History != nil {
		clone.History = make([]HistoryEntry, len(w.History))
		copy(clone.History, w.History)

		for i, h := range w.History {
			if h.Data == nil {
				continue
			}

			data := make(map[string]any, len(h.Data))
			for k, v := range h.Data {
				data[k] = v
			}

			clone.History[i].Data = data
		}
	}

	if w.Errors != nil {
		clone.Errors = make([]ErrorEntry, len(w.Errors))
		copy(clone.Errors, w.Errors)
	}

	if w.CompletedAt != nil {
		at := *w.CompletedAt
		clone.CompletedAt = &at
	}

	return &clone
}

// Duration is the wall-clock time from start to completion, or to now for
// workflows still running.
func (w *Workflow) Duration() time.Duration {
	if w.CompletedAt != nil {
		return w.CompletedAt.Sub(w.StartedAt)
	}

	return time.Since(w.StartedAt)
}

// ArchivedWorkflow is the summary record kept after a terminal workflow ages
// out of the active state document.
type ArchivedWorkflow struct {
	ID          string         `json:"id"`
	BusinessKey string         `json:"business_key"`
	Status      WorkflowStatus `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ArchivedAt  time.Time      `json:"archived_at"`
}

// Summarize strips a workflow down to its archive record.
func (w *Workflow) Summarize(at time.Time) ArchivedWorkflow {
	return ArchivedWorkflow{
		ID:          w.ID,
		BusinessKey: w.BusinessKey,
		Status:      w.Status,
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
		ArchivedAt:  at,
	}
}
