// Package workflow implements the template-driven workflow state machine:
// initialization, stage transitions, artifact and error recording, failure
// handling with rollback, and archival.
package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/testflowhq/testflow/pkg/errkit"
	"github.com/testflowhq/testflow/pkg/eventbus"
	"github.com/testflowhq/testflow/pkg/events"
	"github.com/testflowhq/testflow/pkg/metrics"
	"github.com/testflowhq/testflow/pkg/models"
	"github.com/testflowhq/testflow/pkg/persistence"
	"github.com/testflowhq/testflow/pkg/registry"
)

// Business keys follow the tracked-ticket convention: project prefix, dash,
// number (e.g. AOTF-1234).
var businessKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]+-\d+$`)

// StaleCeiling is the flat last-resort bound: anything active past it is
// force-failed, independent of per-stage timeouts.
const StaleCeiling = 24 * time.Hour

const eventSource = "state_machine"

// Manager owns the in-memory state tree and is the only component that
// mutates workflows. All operations are serialized behind one mutex; the
// operations themselves never block on I/O — durability is the saver's job.
type Manager struct {
	mu            sync.Mutex
	state         *persistence.State
	registry      *registry.Registry
	bus           *eventbus.Bus
	recorder      *metrics.Recorder
	logger        *slog.Logger
	workspaceRoot string
	dirty         func()
}

type Config struct {
	// WorkspaceRoot must exist before workflows can be initialized; rollback
	// cleanup patterns are applied beneath it.
	WorkspaceRoot string
}

func NewManager(state *persistence.State, reg *registry.Registry, bus *eventbus.Bus, recorder *metrics.Recorder, logger *slog.Logger, cfg Config) *Manager {
	if state == nil {
		state = persistence.NewState()
	}

	return &Manager{
		state:         state,
		registry:      reg,
		bus:           bus,
		recorder:      recorder,
		logger:        logger.With("module", "workflow_manager"),
		workspaceRoot: cfg.WorkspaceRoot,
		dirty:         func() {},
	}
}

// SetDirtyNotifier wires the saver's MarkDirty. Set once at startup.
func (m *Manager) SetDirtyNotifier(notify func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dirty = notify
}

// Initialize validates all preconditions for a new workflow and, when every
// check passes, creates it at stage zero. Failing checks are collected and
// returned together with remediation hints — never just the first violation.
func (m *Manager) Initialize(ctx context.Context, businessKey, templateName string, options map[string]any) (*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Last-resort sweep for this key, so a crashed run older than the
	// ceiling never wedges its business key.
	m.cleanStaleLocked(ctx, StaleCeiling, businessKey)

	var failures []*errkit.Error

	if !businessKeyPattern.MatchString(businessKey) {
		failures = append(failures, errkit.New(errkit.KeyInvalidTicketFormat, businessKey))
	}

	template, templateOK := m.registry.Template(templateName)
	if !templateOK {
		failures = append(failures, errkit.New(errkit.KeyInvalidTemplate, templateName))
	} else if len(template.Stages) == 0 {
		failures = append(failures, errkit.New(errkit.KeyInvalidTemplate, templateName+" has no stages"))
	}

	if active := m.activeForKeyLocked(businessKey); active != nil {
		failures = append(failures,
			errkit.New(errkit.KeyActiveWorkflowExists, businessKey).With("active_workflow_id", active.ID))
	}

	if m.workspaceRoot != "" {
		if info, err := os.Stat(m.workspaceRoot); err != nil || !info.IsDir() {
			failures = append(failures, errkit.New(errkit.KeyMissingDirectory, m.workspaceRoot))
		}
	}

	if len(failures) > 0 {
		return nil, collectFailures(failures)
	}

	now := time.Now().UTC()

	// IDs are millisecond-stamped; a re-run for the same key within the same
	// tick must still get a distinct id.
	at := now
	id := models.NewWorkflowID(businessKey, at)

	for {
		if _, exists := m.state.Workflows[id]; !exists {
			break
		}

		at = at.Add(time.Millisecond)
		id = models.NewWorkflowID(businessKey, at)
	}

	workflow := &models.Workflow{
		ID:                id,
		BusinessKey:       businessKey,
		TemplateName:      templateName,
		Template:          template.Clone(),
		Status:            models.WorkflowStatusActive,
		CurrentStage:      template.Stages[0].Stage,
		CurrentStageIndex: 0,
		Artifacts:         make(map[string]string),
		Options:           cloneOptions(options),
		StartedAt:         now,
		UpdatedAt:         now,
	}

	workflow.AppendHistory(models.HistoryEntry{
		Stage:     models.StageInitialized,
		Timestamp: now,
		Agent:     template.Stages[0].Agent,
		Message:   "workflow initialized",
		Data:      map[string]any{"stage": workflow.CurrentStage},
	})

	m.state.Workflows[workflow.ID] = workflow
	m.dirty()
	m.recorder.Record(workflow.ID, models.MetricWorkflowInitialized, map[string]any{
		"business_key": businessKey,
		"template":     templateName,
	})

	m.publish(ctx, events.WorkflowInitialized, workflow, nil)
	m.publish(ctx, events.WorkflowStarted, workflow, nil)
	m.publish(ctx, events.StageStarted, workflow, map[string]any{
		"stage": workflow.CurrentStage,
		"agent": template.Stages[0].Agent,
	})

	m.logger.Info("workflow initialized",
		"workflow_id", workflow.ID,
		"business_key", businessKey,
		"template", templateName,
	)

	return workflow.Clone(), nil
}

// Transition advances a workflow to its next stage. The current stage's
// validation rule runs against transitionData first; on rejection nothing is
// mutated. Prerequisites of the next stage are checked against history.
// Reaching the template's terminal stage completes the workflow.
func (m *Manager) Transition(ctx context.Context, workflowID string, transitionData map[string]any) (*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	workflow, ok := m.state.Workflows[workflowID]
	if !ok {
		return nil, errkit.New(errkit.KeyWorkflowNotFound, workflowID)
	}

	if workflow.Status != models.WorkflowStatusActive {
		return nil, errkit.New(errkit.KeyWorkflowInactive, workflowID).With("status", string(workflow.Status))
	}

	stages := workflow.Template.Stages
	current := stages[workflow.CurrentStageIndex]

	if current.ValidationRule != "" {
		rule, ruleOK := m.registry.Rule(current.ValidationRule)
		if !ruleOK {
			return nil, errkit.New(errkit.KeyValidationFailed,
				"validation rule '"+current.ValidationRule+"' is not registered")
		}

		if err := rule(workflow, transitionData); err != nil {
			if errkit.CodeOf(err)/1000*1000 == errkit.ClassArtifact {
				m.publish(ctx, events.ArtifactInvalid, workflow, map[string]any{
					"stage": current.Stage,
					"error": err.Error(),
				})
			}

			return nil, err
		}

		if ref, _ := transitionData[registry.ArtifactRefKey].(string); ref != "" {
			m.publish(ctx, events.ArtifactValidated, workflow, map[string]any{
				"stage":                 current.Stage,
				registry.ArtifactRefKey: ref,
			})
		}
	}

	nextIndex := workflow.CurrentStageIndex + 1
	next := stages[nextIndex]

	for _, prereq := range next.Prerequisites {
		if prereq == current.Stage {
			// Satisfied by the transition being applied now.
			continue
		}

		if !workflow.HasCompletedStage(prereq) {
			return nil, errkit.New(errkit.KeyPrerequisiteNotMet, prereq).
				With("stage", next.Stage).
				With("workflow_id", workflowID)
		}
	}

	// Validation and prerequisites passed; apply the whole transition.
	now := time.Now().UTC()
	finished := current.Stage

	workflow.AppendHistory(models.HistoryEntry{
		Stage:     finished,
		Timestamp: now,
		Agent:     current.Agent,
		Message:   "stage completed",
		Data:      transitionData,
	})
	workflow.UpdatedAt = now
	workflow.CurrentStageIndex = nextIndex
	workflow.CurrentStage = next.Stage

	m.publish(ctx, events.StageCompleted, workflow, map[string]any{
		"stage": finished,
		"agent": current.Agent,
	})
	m.recorder.Record(workflow.ID, models.MetricStageCompleted, map[string]any{"stage": finished})

	if nextIndex == len(stages)-1 {
		// The terminal marker stage: reaching it completes the workflow.
		workflow.Status = models.WorkflowStatusCompleted
		workflow.CurrentStageIndex = len(stages)
		workflow.CompletedAt = &now

		m.dirty()
		m.recorder.Record(workflow.ID, models.MetricWorkflowCompleted, map[string]any{
			"duration_ms": workflow.Duration().Milliseconds(),
		})
		m.publish(ctx, events.WorkflowCompleted, workflow, map[string]any{
			"duration_ms": workflow.Duration().Milliseconds(),
			"artifacts":   cloneArtifacts(workflow.Artifacts),
		})

		m.logger.Info("workflow completed", "workflow_id", workflow.ID, "business_key", workflow.BusinessKey)

		return workflow.Clone(), nil
	}

	m.dirty()
	m.publish(ctx, events.StageStarted, workflow, map[string]any{
		"stage": next.Stage,
		"agent": next.Agent,
	})

	return workflow.Clone(), nil
}

// RecordArtifact upserts an artifact reference. Re-recording an identical
// (kind, ref) pair is a no-op, so retried stage actions stay idempotent.
func (m *Manager) RecordArtifact(ctx context.Context, workflowID, kind, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	workflow, ok := m.state.Workflows[workflowID]
	if !ok {
		return errkit.New(errkit.KeyWorkflowNotFound, workflowID)
	}

	if workflow.Artifacts[kind] == ref {
		return nil
	}

	workflow.Artifacts[kind] = ref
	workflow.UpdatedAt = time.Now().UTC()
	m.dirty()

	m.publish(ctx, events.ArtifactCreated, workflow, map[string]any{
		"kind": kind,
		"ref":  ref,
	})

	return nil
}

// RecordError appends to the workflow's error log. It never rejects based on
// workflow status: a workflow must not be blocked from recording its own
// failure.
func (m *Manager) RecordError(ctx context.Context, workflowID, message, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.recordErrorLocked(workflowID, message, details)
}

func (m *Manager) recordErrorLocked(workflowID, message, details string) error {
	workflow, ok := m.state.Workflows[workflowID]
	if !ok {
		return errkit.New(errkit.KeyWorkflowNotFound, workflowID)
	}

	workflow.Errors = append(workflow.Errors, models.ErrorEntry{
		Timestamp: time.Now().UTC(),
		Stage:     workflow.CurrentStage,
		Message:   message,
		Details:   details,
	})
	workflow.UpdatedAt = time.Now().UTC()
	m.dirty()

	return nil
}

// Fail forces a workflow into the failed state, records the reason, executes
// the template's rollback strategy and emits the failure event carrying the
// accumulated error history. Failing a terminal workflow is a no-op.
func (m *Manager) Fail(ctx context.Context, workflowID, reason string) (*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	workflow, err := m.failLocked(ctx, workflowID, reason)
	if err != nil {
		return nil, err
	}

	return workflow.Clone(), nil
}

func (m *Manager) failLocked(ctx context.Context, workflowID, reason string) (*models.Workflow, error) {
	workflow, ok := m.state.Workflows[workflowID]
	if !ok {
		return nil, errkit.New(errkit.KeyWorkflowNotFound, workflowID)
	}

	if workflow.IsTerminal() {
		return workflow, nil
	}

	now := time.Now().UTC()
	failedStage := workflow.CurrentStage

	workflow.Status = models.WorkflowStatusFailed
	workflow.CurrentStage = models.StageFailed
	workflow.Generation++
	workflow.CompletedAt = &now
	workflow.UpdatedAt = now

	_ = m.recordErrorLocked(workflowID, reason, "stage: "+failedStage)

	m.recorder.Record(workflowID, models.MetricWorkflowFailed, map[string]any{
		"stage":  failedStage,
		"reason": reason,
	})

	m.publish(ctx, events.StageFailed, workflow, map[string]any{
		"stage":  failedStage,
		"reason": reason,
	})
	m.publish(ctx, events.WorkflowFailed, workflow, map[string]any{
		"reason":      reason,
		"stage":       failedStage,
		"errors":      append([]models.ErrorEntry(nil), workflow.Errors...),
		"duration_ms": workflow.Duration().Milliseconds(),
	})

	m.rollbackLocked(ctx, workflow)
	m.dirty()

	m.logger.Warn("workflow failed",
		"workflow_id", workflowID,
		"stage", failedStage,
		"reason", reason,
	)

	return workflow, nil
}

// Cancel marks an active workflow cancelled. Terminal states are sticky; no
// rollback runs and artifacts are left as they are.
func (m *Manager) Cancel(ctx context.Context, workflowID, reason string) (*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	workflow, ok := m.state.Workflows[workflowID]
	if !ok {
		return nil, errkit.New(errkit.KeyWorkflowNotFound, workflowID)
	}

	if workflow.Status != models.WorkflowStatusActive {
		return nil, errkit.New(errkit.KeyWorkflowInactive, workflowID).With("status", string(workflow.Status))
	}

	now := time.Now().UTC()
	workflow.Status = models.WorkflowStatusCancelled
	workflow.Generation++
	workflow.CompletedAt = &now
	workflow.UpdatedAt = now
	m.dirty()

	m.publish(ctx, events.WorkflowCancelled, workflow, map[string]any{"reason": reason})

	return workflow.Clone(), nil
}

// publish delivers the event synchronously while m.mu is held, so event order
// always matches mutation order. Subscribers therefore must not call back
// into the manager; see Bus.Subscribe.
func (m *Manager) publish(ctx context.Context, eventType events.EventType, workflow *models.Workflow, extra map[string]any) {
	payload := map[string]any{
		"source":             eventSource,
		events.WorkflowIDKey: workflow.ID,
		"business_key":       workflow.BusinessKey,
	}
	for k, v := range extra {
		payload[k] = v
	}

	m.bus.Publish(ctx, eventType, payload)
}

func collectFailures(failures []*errkit.Error) error {
	primary := failures[0]

	checks := make([]map[string]any, 0, len(failures))
	for _, f := range failures {
		checks = append(checks, map[string]any{
			"key":        f.Key,
			"details":    f.Details,
			"suggestion": f.Suggestion(),
		})
	}

	return primary.With("failed_checks", checks)
}

func cloneOptions(options map[string]any) map[string]any {
	if options == nil {
		return nil
	}

	clone := make(map[string]any, len(options))
	for k, v := range options {
		clone[k] = v
	}

	return clone
}

func cloneArtifacts(artifacts map[string]string) map[string]string {
	clone := make(map[string]string, len(artifacts))
	for k, v := range artifacts {
		clone[k] = v
	}

	return clone
}

// SnapshotState implements persistence.StateSource with a deep copy taken
// under the manager's lock, so flushes never race in-flight mutations.
func (m *Manager) SnapshotState() *persistence.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	body, err := json.Marshal(m.state)
	if err != nil {
		m.logger.Error("state snapshot failed", "error", err)

		return persistence.NewState()
	}

	snapshot := persistence.NewState()
	if err := json.Unmarshal(body, snapshot); err != nil {
		m.logger.Error("state snapshot failed", "error", err)

		return persistence.NewState()
	}

	return snapshot
}
