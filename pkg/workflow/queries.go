package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/testflowhq/testflow/pkg/errkit"
	"github.com/testflowhq/testflow/pkg/models"
)

// Get returns a deep copy of the workflow for an id, detached from the
// manager-owned aggregate. Callers can marshal or inspect it freely; mutating
// it never touches live state.
func (m *Manager) Get(workflowID string) (*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	workflow, ok := m.state.Workflows[workflowID]
	if !ok {
		return nil, errkit.New(errkit.KeyWorkflowNotFound, workflowID)
	}

	return workflow.Clone(), nil
}

// List returns copies of all known workflows ordered by start time, newest
// first.
func (m *Manager) List() []*models.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Workflow, 0, len(m.state.Workflows))
	for _, workflow := range m.state.Workflows {
		out = append(out, workflow.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	return out
}

// Active returns copies of the workflows still running.
func (m *Manager) Active() []*models.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.activeLocked()

	out := make([]*models.Workflow, 0, len(live))
	for _, workflow := range live {
		out = append(out, workflow.Clone())
	}

	return out
}

func (m *Manager) activeLocked() []*models.Workflow {
	var out []*models.Workflow

	for _, workflow := range m.state.Workflows {
		if workflow.Status == models.WorkflowStatusActive {
			out = append(out, workflow)
		}
	}

	return out
}

// ActiveForBusinessKey returns a copy of the single active workflow for a
// business key, or nil.
func (m *Manager) ActiveForBusinessKey(businessKey string) *models.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()

	workflow := m.activeForKeyLocked(businessKey)
	if workflow == nil {
		return nil
	}

	return workflow.Clone()
}

func (m *Manager) activeForKeyLocked(businessKey string) *models.Workflow {
	for _, workflow := range m.state.Workflows {
		if workflow.BusinessKey == businessKey && workflow.Status == models.WorkflowStatusActive {
			return workflow
		}
	}

	return nil
}

// HasCompletedStage reports whether the workflow's history records the
// stage as completed.
func (m *Manager) HasCompletedStage(workflowID, stageName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	workflow, ok := m.state.Workflows[workflowID]
	if !ok {
		return false, errkit.New(errkit.KeyWorkflowNotFound, workflowID)
	}

	return workflow.HasCompletedStage(stageName), nil
}

// Generation returns the workflow's current generation counter. The runner
// snapshots it before a stage action and discards results when it moved.
func (m *Manager) Generation(workflowID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	workflow, ok := m.state.Workflows[workflowID]
	if !ok {
		return 0, errkit.New(errkit.KeyWorkflowNotFound, workflowID)
	}

	return workflow.Generation, nil
}

// CleanStaleWorkflows force-fails every workflow that has been active past
// the ceiling, regardless of per-stage timeouts. Returns how many failed.
func (m *Manager) CleanStaleWorkflows(ctx context.Context, ceiling time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cleanStaleLocked(ctx, ceiling, "")
}

func (m *Manager) cleanStaleLocked(ctx context.Context, ceiling time.Duration, businessKey string) int {
	cleaned := 0

	for _, workflow := range m.activeLocked() {
		if businessKey != "" && workflow.BusinessKey != businessKey {
			continue
		}

		if time.Since(workflow.UpdatedAt) > ceiling {
			if _, err := m.failLocked(ctx, workflow.ID, "workflow timeout exceeded"); err == nil {
				cleaned++
			}
		}
	}

	return cleaned
}

// Archive moves terminal workflows whose completion is older than retention
// into the bounded archive list, stripped to summary records.
func (m *Manager) Archive(retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	archived := 0

	for id, workflow := range m.state.Workflows {
		if !workflow.IsTerminal() || workflow.CompletedAt == nil {
			continue
		}

		if now.Sub(*workflow.CompletedAt) <= retention {
			continue
		}

		m.state.Archive(workflow.Summarize(now))
		delete(m.state.Workflows, id)
		archived++
	}

	if archived > 0 {
		m.dirty()
	}

	return archived
}

// Archived returns the archive summaries, oldest first.
func (m *Manager) Archived() []models.ArchivedWorkflow {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.ArchivedWorkflow, len(m.state.Archived))
	copy(out, m.state.Archived)

	return out
}
