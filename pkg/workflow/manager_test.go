package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testflowhq/testflow/pkg/errkit"
	"github.com/testflowhq/testflow/pkg/eventbus"
	"github.com/testflowhq/testflow/pkg/events"
	"github.com/testflowhq/testflow/pkg/metrics"
	"github.com/testflowhq/testflow/pkg/models"
	"github.com/testflowhq/testflow/pkg/registry"
)

type managerFixture struct {
	manager   *Manager
	bus       *eventbus.Bus
	recorder  *metrics.Recorder
	workspace string
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	reg := registry.NewRegistry(slog.Default())
	require.NoError(t, registry.RegisterDefaults(reg))

	bus := eventbus.NewBus(slog.Default())
	t.Cleanup(bus.Close)

	recorder := metrics.NewRecorder(nil)
	workspace := t.TempDir()

	manager := NewManager(nil, reg, bus, recorder, slog.Default(), Config{WorkspaceRoot: workspace})

	return &managerFixture{
		manager:   manager,
		bus:       bus,
		recorder:  recorder,
		workspace: workspace,
	}
}

// collect records every published event of the given types, in order.
func (f *managerFixture) collect(types ...events.EventType) *[]events.Event {
	var seen []events.Event

	for _, eventType := range types {
		f.bus.Subscribe(eventType, "test-collector-"+string(eventType), func(_ context.Context, e events.Event) error {
			seen = append(seen, e)

			return nil
		})
	}

	return &seen
}

// stored returns the manager-owned aggregate for direct fixture mutations
// (aging timestamps past a ceiling and the like). Operations and queries hand
// out detached copies, so tests reach into the state document.
func (f *managerFixture) stored(t *testing.T, workflowID string) *models.Workflow {
	t.Helper()

	f.manager.mu.Lock()
	defer f.manager.mu.Unlock()

	wf, ok := f.manager.state.Workflows[workflowID]
	require.True(t, ok)

	return wf
}

func (f *managerFixture) writeArtifact(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(f.workspace, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestManager_InitializeCreatesWorkflowAtStageZero(t *testing.T) {
	f := newManagerFixture(t)
	seen := f.collect(events.WorkflowInitialized, events.WorkflowStarted, events.StageStarted)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", map[string]any{"priority": "high"})
	require.NoError(t, err)

	assert.Equal(t, "AOTF-1234", wf.BusinessKey)
	assert.Equal(t, models.WorkflowStatusActive, wf.Status)
	assert.Equal(t, "ticket fetched", wf.CurrentStage)
	assert.Equal(t, 0, wf.CurrentStageIndex)
	assert.Len(t, wf.History, 1)
	assert.Equal(t, "high", wf.Options["priority"])

	require.Len(t, *seen, 3)
	assert.Equal(t, events.WorkflowInitialized, (*seen)[0].Type)
	assert.Equal(t, events.WorkflowStarted, (*seen)[1].Type)
	assert.Equal(t, events.StageStarted, (*seen)[2].Type)
}

func TestManager_InitializeCollectsAllFailures(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())
	require.NoError(t, registry.RegisterDefaults(reg))

	bus := eventbus.NewBus(slog.Default())
	defer bus.Close()

	manager := NewManager(nil, reg, bus, metrics.NewRecorder(nil), slog.Default(), Config{
		WorkspaceRoot: "/definitely/not/a/real/path",
	})

	// Bad key, unknown template and missing workspace must all be reported
	// together, not one at a time.
	_, err := manager.Initialize(t.Context(), "not-a-ticket", "no-such-template", nil)
	require.Error(t, err)

	var e *errkit.Error
	require.ErrorAs(t, err, &e)

	checks, ok := e.Context["failed_checks"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, checks, 3)

	keys := make([]string, 0, len(checks))
	for _, check := range checks {
		keys = append(keys, check["key"].(string))
		assert.NotEmpty(t, check["suggestion"])
	}

	assert.Contains(t, keys, errkit.KeyInvalidTicketFormat)
	assert.Contains(t, keys, errkit.KeyInvalidTemplate)
	assert.Contains(t, keys, errkit.KeyMissingDirectory)
}

func TestManager_InitializeRejectsSecondActiveForSameKey(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	_, err = f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.Error(t, err)
	assert.True(t, errkit.HasKey(err, errkit.KeyActiveWorkflowExists))

	// A different key is unaffected.
	_, err = f.manager.Initialize(t.Context(), "AOTF-5678", "jira-to-testcases", nil)
	require.NoError(t, err)
}

func TestManager_FullRunToCompletion(t *testing.T) {
	f := newManagerFixture(t)
	completed := f.collect(events.StageCompleted)
	done := f.collect(events.WorkflowCompleted)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	// ticket fetched -> testcases generated (no validation rule on stage 0).
	_, err = f.manager.Transition(t.Context(), wf.ID, map[string]any{"success": true})
	require.NoError(t, err)

	// testcases generated -> script executed: the excel artifact must exist.
	excel := f.writeArtifact(t, "AOTF-1234-testcases.xlsx", "testcase rows")
	_, err = f.manager.Transition(t.Context(), wf.ID, map[string]any{
		"success":      true,
		"artifact_ref": excel,
	})
	require.NoError(t, err)

	// script executed -> testcases delivered: terminal marker, completes.
	final, err := f.manager.Transition(t.Context(), wf.ID, map[string]any{"success": true})
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusCompleted, final.Status)
	assert.Equal(t, len(final.Template.Stages), final.CurrentStageIndex)
	assert.NotNil(t, final.CompletedAt)
	assert.Len(t, final.History, 4)

	require.Len(t, *completed, 3)
	assert.Equal(t, "ticket fetched", (*completed)[0].Payload["stage"])
	assert.Equal(t, "testcases generated", (*completed)[1].Payload["stage"])
	assert.Equal(t, "script executed", (*completed)[2].Payload["stage"])
	require.Len(t, *done, 1)

	stats := f.recorder.Statistics()
	assert.Equal(t, 1, stats.Completed)
	assert.InDelta(t, 1.0, stats.SuccessRate, 0.001)
}

func TestManager_TransitionUnknownWorkflowEmitsNoEvent(t *testing.T) {
	f := newManagerFixture(t)
	seen := f.collect(events.StageCompleted, events.StageStarted, events.WorkflowFailed)

	_, err := f.manager.Transition(t.Context(), "missing-id", map[string]any{"success": true})
	require.Error(t, err)
	assert.True(t, errkit.HasKey(err, errkit.KeyWorkflowNotFound))
	assert.Empty(t, *seen)
}

func TestManager_TransitionRejectionMutatesNothing(t *testing.T) {
	f := newManagerFixture(t)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	_, err = f.manager.Transition(t.Context(), wf.ID, map[string]any{"success": true})
	require.NoError(t, err)

	invalid := f.collect(events.ArtifactInvalid)

	// The excel rule rejects a payload without an artifact; the workflow must
	// stay exactly where it was.
	_, err = f.manager.Transition(t.Context(), wf.ID, map[string]any{"success": true})
	require.Error(t, err)
	assert.True(t, errkit.HasKey(err, errkit.KeyArtifactMissing))

	after, err := f.manager.Get(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "testcases generated", after.CurrentStage)
	assert.Equal(t, 1, after.CurrentStageIndex)
	assert.Len(t, after.History, 2)
	assert.Equal(t, models.WorkflowStatusActive, after.Status)

	require.Len(t, *invalid, 1)
	assert.Equal(t, "testcases generated", (*invalid)[0].Payload["stage"])
}

func TestManager_TransitionRejectsWrongArtifactType(t *testing.T) {
	f := newManagerFixture(t)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	_, err = f.manager.Transition(t.Context(), wf.ID, map[string]any{"success": true})
	require.NoError(t, err)

	// Wrong extension for the excel stage.
	wrongFile := f.writeArtifact(t, "AOTF-1234-testcases.txt", "not excel")
	_, err = f.manager.Transition(t.Context(), wf.ID, map[string]any{
		"success":      true,
		"artifact_ref": wrongFile,
	})
	require.Error(t, err)
	assert.True(t, errkit.HasKey(err, errkit.KeyArtifactWrongType))
}

func TestManager_TransitionInactiveWorkflow(t *testing.T) {
	f := newManagerFixture(t)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	_, err = f.manager.Fail(t.Context(), wf.ID, "operator abort")
	require.NoError(t, err)

	_, err = f.manager.Transition(t.Context(), wf.ID, map[string]any{"success": true})
	require.Error(t, err)
	assert.True(t, errkit.HasKey(err, errkit.KeyWorkflowInactive))
}

func TestManager_FailRunsRollbackStrategy(t *testing.T) {
	f := newManagerFixture(t)
	seen := f.collect(events.StageFailed, events.WorkflowFailed, events.WorkflowRolledBack)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.RecordArtifact(t.Context(), wf.ID, "excel", "/tmp/testcases.xlsx"))
	require.NoError(t, f.manager.RecordArtifact(t.Context(), wf.ID, "scratch", "/tmp/scratch.bin"))

	// Cleanup patterns apply beneath the workspace root.
	tmpFile := f.writeArtifact(t, "AOTF-1234.tmp", "partial output")

	generationBefore, err := f.manager.Generation(wf.ID)
	require.NoError(t, err)

	failed, err := f.manager.Fail(t.Context(), wf.ID, "agent unreachable")
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusFailed, failed.Status)
	assert.Equal(t, models.StageRolledBack, failed.CurrentStage)
	assert.Equal(t, generationBefore+1, failed.Generation)

	// The jira-to-testcases strategy keeps excel and testResult only.
	assert.Contains(t, failed.Artifacts, "excel")
	assert.NotContains(t, failed.Artifacts, "scratch")

	// KeepErrorLogs is set, so the failure reason survives rollback.
	require.NotEmpty(t, failed.Errors)
	assert.Equal(t, "agent unreachable", failed.Errors[len(failed.Errors)-1].Message)

	assert.NoFileExists(t, tmpFile)

	// Stage-level failure first, naming the stage that was current when the
	// workflow went down, then the workflow-level event, then the rollback.
	require.Len(t, *seen, 3)
	assert.Equal(t, events.StageFailed, (*seen)[0].Type)
	assert.Equal(t, "ticket fetched", (*seen)[0].Payload["stage"])
	assert.Equal(t, "agent unreachable", (*seen)[0].Payload["reason"])
	assert.Equal(t, events.WorkflowFailed, (*seen)[1].Type)
	assert.Equal(t, "agent unreachable", (*seen)[1].Payload["reason"])
	assert.Equal(t, events.WorkflowRolledBack, (*seen)[2].Type)
}

func TestManager_FailTerminalWorkflowIsNoOp(t *testing.T) {
	f := newManagerFixture(t)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	_, err = f.manager.Fail(t.Context(), wf.ID, "first failure")
	require.NoError(t, err)

	before, err := f.manager.Get(wf.ID)
	require.NoError(t, err)

	again, err := f.manager.Fail(t.Context(), wf.ID, "second failure")
	require.NoError(t, err)
	assert.Equal(t, before.Generation, again.Generation)
	assert.Equal(t, before.UpdatedAt, again.UpdatedAt)
}

func TestManager_InitializeAllowedAfterTerminal(t *testing.T) {
	f := newManagerFixture(t)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	_, err = f.manager.Fail(t.Context(), wf.ID, "gave up")
	require.NoError(t, err)

	// The failed run no longer blocks its business key.
	second, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)
	assert.NotEqual(t, wf.ID, second.ID)
}

func TestManager_RecordArtifactIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	created := f.collect(events.ArtifactCreated)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.RecordArtifact(t.Context(), wf.ID, "excel", "/tmp/a.xlsx"))
	require.NoError(t, f.manager.RecordArtifact(t.Context(), wf.ID, "excel", "/tmp/a.xlsx"))
	require.Len(t, *created, 1)

	// A changed ref is a real update and publishes again.
	require.NoError(t, f.manager.RecordArtifact(t.Context(), wf.ID, "excel", "/tmp/b.xlsx"))
	require.Len(t, *created, 2)

	got, err := f.manager.Get(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/b.xlsx", got.Artifacts["excel"])
}

func TestManager_RecordErrorWorksOnFailedWorkflow(t *testing.T) {
	f := newManagerFixture(t)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	_, err = f.manager.Fail(t.Context(), wf.ID, "initial failure")
	require.NoError(t, err)

	require.NoError(t, f.manager.RecordError(t.Context(), wf.ID, "post-mortem detail", "collected after failure"))

	got, err := f.manager.Get(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "post-mortem detail", got.Errors[len(got.Errors)-1].Message)
}

func TestManager_CancelMarksTerminalWithoutRollback(t *testing.T) {
	f := newManagerFixture(t)
	rolledBack := f.collect(events.WorkflowRolledBack)
	cancelled := f.collect(events.WorkflowCancelled)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.RecordArtifact(t.Context(), wf.ID, "scratch", "/tmp/scratch.bin"))

	got, err := f.manager.Cancel(t.Context(), wf.ID, "superseded")
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusCancelled, got.Status)
	assert.Contains(t, got.Artifacts, "scratch")
	assert.Empty(t, *rolledBack)
	require.Len(t, *cancelled, 1)
}

func TestManager_GetReturnsDetachedCopy(t *testing.T) {
	f := newManagerFixture(t)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.RecordArtifact(t.Context(), wf.ID, "excel", "/tmp/a.xlsx"))
	require.NoError(t, f.manager.RecordArtifact(t.Context(), wf.ID, "scratch", "/tmp/scratch.bin"))

	snap, err := f.manager.Get(wf.ID)
	require.NoError(t, err)

	// Encoding the snapshot while Fail rolls the live workflow back (deleting
	// from its artifact map) must be safe: the snapshot is detached.
	done := make(chan error, 1)

	go func() {
		var last error

		for i := 0; i < 200; i++ {
			_, last = json.Marshal(snap)
		}

		done <- last
	}()

	_, err = f.manager.Fail(t.Context(), wf.ID, "agent unreachable")
	require.NoError(t, err)
	require.NoError(t, <-done)

	// The snapshot kept its pre-failure view.
	assert.Equal(t, models.WorkflowStatusActive, snap.Status)
	assert.Contains(t, snap.Artifacts, "scratch")

	// Mutating the snapshot never leaks into live state.
	snap.Artifacts["excel"] = "tampered"
	snap.History[0].Message = "tampered"

	live, err := f.manager.Get(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.xlsx", live.Artifacts["excel"])
	assert.Equal(t, "workflow initialized", live.History[0].Message)
}

func TestManager_ListAndActiveReturnCopies(t *testing.T) {
	f := newManagerFixture(t)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	f.manager.List()[0].CurrentStage = "tampered"
	f.manager.Active()[0].Template.Stages[0].Stage = "tampered"
	f.manager.ActiveForBusinessKey("AOTF-1234").Status = models.WorkflowStatusCancelled

	live, err := f.manager.Get(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "ticket fetched", live.CurrentStage)
	assert.Equal(t, "ticket fetched", live.Template.Stages[0].Stage)
	assert.Equal(t, models.WorkflowStatusActive, live.Status)
	assert.Equal(t, wf.ID, live.ID)
}

func TestManager_SnapshotStateIsDeepCopy(t *testing.T) {
	f := newManagerFixture(t)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "jira-to-testcases", nil)
	require.NoError(t, err)

	snapshot := f.manager.SnapshotState()
	require.Contains(t, snapshot.Workflows, wf.ID)

	// Mutating the snapshot must not leak into live state.
	snapshot.Workflows[wf.ID].CurrentStage = "tampered"

	live, err := f.manager.Get(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "ticket fetched", live.CurrentStage)
}
