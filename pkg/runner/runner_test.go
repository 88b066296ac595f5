package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testflowhq/testflow/pkg/errkit"
	"github.com/testflowhq/testflow/pkg/eventbus"
	"github.com/testflowhq/testflow/pkg/events"
	"github.com/testflowhq/testflow/pkg/metrics"
	"github.com/testflowhq/testflow/pkg/models"
	"github.com/testflowhq/testflow/pkg/protocol"
	"github.com/testflowhq/testflow/pkg/registry"
	"github.com/testflowhq/testflow/pkg/retry"
	"github.com/testflowhq/testflow/pkg/workflow"
)

// scriptedAction delegates to a test-provided function, keyed off the
// workflow's current stage by the tests that need per-stage behavior.
type scriptedAction struct {
	fn func(ctx context.Context, wf *models.Workflow, artifacts map[string]string) (*protocol.StageResult, error)
}

func (a *scriptedAction) Execute(ctx context.Context, wf *models.Workflow, artifacts map[string]string, _ *slog.Logger) (*protocol.StageResult, error) {
	return a.fn(ctx, wf, artifacts)
}

type scriptedFactory struct {
	id     string
	action protocol.StageAction
}

func (f *scriptedFactory) ID() string { return f.id }

func (f *scriptedFactory) Create(_ map[string]any) (protocol.StageAction, error) {
	return f.action, nil
}

type runnerFixture struct {
	manager  *workflow.Manager
	registry *registry.Registry
	bus      *eventbus.Bus
	recorder *metrics.Recorder
	runner   *Runner
}

func newRunnerFixture(t *testing.T, action protocol.StageAction) *runnerFixture {
	t.Helper()

	reg := registry.NewRegistry(slog.Default())
	reg.RegisterAction(&scriptedFactory{id: "fetch", action: action})
	reg.RegisterAction(&scriptedFactory{id: "generate", action: action})

	require.NoError(t, reg.RegisterTemplate(&models.WorkflowTemplate{
		Name: "agent-pipeline",
		Stages: []models.StageSpec{
			{Stage: "ticket fetched", Agent: "fetcher", Action: "fetch"},
			{Stage: "testcases generated", Agent: "generator", Action: "generate", Prerequisites: []string{"ticket fetched"}},
			{Stage: "report delivered", Agent: "reporter", Prerequisites: []string{"testcases generated"}},
		},
	}))

	bus := eventbus.NewBus(slog.Default())
	t.Cleanup(bus.Close)

	recorder := metrics.NewRecorder(nil)
	manager := workflow.NewManager(nil, reg, bus, recorder, slog.Default(), workflow.Config{
		WorkspaceRoot: t.TempDir(),
	})

	r := NewRunner(manager, reg, bus, recorder, slog.Default())
	// Keep test retries fast.
	r.SetPolicy(retry.Policy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}, 3)

	return &runnerFixture{
		manager:  manager,
		registry: reg,
		bus:      bus,
		recorder: recorder,
		runner:   r,
	}
}

func (f *runnerFixture) collect(types ...events.EventType) *[]events.Event {
	var got []events.Event

	for _, eventType := range types {
		f.bus.Subscribe(eventType, "test-collector-"+string(eventType), func(_ context.Context, e events.Event) error {
			got = append(got, e)

			return nil
		})
	}

	return &got
}

func TestRunner_DrivesWorkflowToCompletion(t *testing.T) {
	action := &scriptedAction{fn: func(_ context.Context, wf *models.Workflow, _ map[string]string) (*protocol.StageResult, error) {
		return &protocol.StageResult{
			Success: true,
			Message: "done: " + wf.CurrentStage,
		}, nil
	}}

	f := newRunnerFixture(t, action)
	started := f.collect(events.AgentStarted)
	completed := f.collect(events.AgentCompleted)
	handoffs := f.collect(events.AgentHandoff)
	finished := f.collect(events.WorkflowCompleted)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "agent-pipeline", nil)
	require.NoError(t, err)

	require.NoError(t, f.runner.Run(t.Context(), wf.ID))

	got, err := f.manager.Get(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, len(got.Template.Stages), got.CurrentStageIndex)

	assert.Len(t, *started, 2)
	assert.Len(t, *completed, 2)
	assert.Len(t, *finished, 1)

	// Every stage boundary here changes agents, so each completed stage
	// announces a handoff to the next one.
	require.Len(t, *handoffs, 2)
	assert.Equal(t, "fetcher", (*handoffs)[0].Payload["from_agent"])
	assert.Equal(t, "generator", (*handoffs)[0].Payload["to_agent"])
	assert.Equal(t, "generator", (*handoffs)[1].Payload["from_agent"])
	assert.Equal(t, "reporter", (*handoffs)[1].Payload["to_agent"])
}

func TestRunner_ArtifactsFlowBetweenStages(t *testing.T) {
	var seenByGenerator map[string]string

	action := &scriptedAction{fn: func(_ context.Context, wf *models.Workflow, artifacts map[string]string) (*protocol.StageResult, error) {
		switch wf.CurrentStage {
		case "ticket fetched":
			return &protocol.StageResult{
				Success:      true,
				ArtifactKind: "ticket",
				ArtifactRef:  "/workspaces/AOTF-1234-ticket.json",
			}, nil
		default:
			seenByGenerator = artifacts

			return &protocol.StageResult{Success: true}, nil
		}
	}}

	f := newRunnerFixture(t, action)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "agent-pipeline", nil)
	require.NoError(t, err)
	require.NoError(t, f.runner.Run(t.Context(), wf.ID))

	assert.Equal(t, "/workspaces/AOTF-1234-ticket.json", seenByGenerator["ticket"])

	got, err := f.manager.Get(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "/workspaces/AOTF-1234-ticket.json", got.Artifacts["ticket"])
}

func TestRunner_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	action := &scriptedAction{fn: func(_ context.Context, wf *models.Workflow, _ map[string]string) (*protocol.StageResult, error) {
		if wf.CurrentStage == "ticket fetched" {
			calls++
			if calls < 3 {
				return nil, errors.New("tracker hiccup")
			}
		}

		return &protocol.StageResult{Success: true}, nil
	}}

	f := newRunnerFixture(t, action)
	retrying := f.collect(events.StageRetrying)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "agent-pipeline", nil)
	require.NoError(t, err)
	require.NoError(t, f.runner.Run(t.Context(), wf.ID))

	assert.Equal(t, 3, calls)
	assert.Len(t, *retrying, 2)

	got, err := f.manager.Get(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, 1, f.recorder.AnalyticsSummary().RetrySuccesses)
}

func TestRunner_ExhaustedRetriesFailWorkflow(t *testing.T) {
	action := &scriptedAction{fn: func(_ context.Context, _ *models.Workflow, _ map[string]string) (*protocol.StageResult, error) {
		return nil, errors.New("tracker is down")
	}}

	f := newRunnerFixture(t, action)
	agentErrors := f.collect(events.AgentError)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "agent-pipeline", nil)
	require.NoError(t, err)

	err = f.runner.Run(t.Context(), wf.ID)
	require.Error(t, err)
	assert.True(t, errkit.HasKey(err, errkit.KeyRetryExhausted))

	got, getErr := f.manager.Get(wf.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.WorkflowStatusFailed, got.Status)
	assert.Equal(t, models.StageRolledBack, got.CurrentStage)
	assert.NotEmpty(t, got.Errors)
	assert.Len(t, *agentErrors, 1)
}

func TestRunner_UnsuccessfulResultIsAgentError(t *testing.T) {
	action := &scriptedAction{fn: func(_ context.Context, _ *models.Workflow, _ map[string]string) (*protocol.StageResult, error) {
		return &protocol.StageResult{Success: false, Message: "generation produced nothing usable"}, nil
	}}

	f := newRunnerFixture(t, action)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "agent-pipeline", nil)
	require.NoError(t, err)

	err = f.runner.Run(t.Context(), wf.ID)
	require.Error(t, err)

	got, getErr := f.manager.Get(wf.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.WorkflowStatusFailed, got.Status)
	assert.Contains(t, got.Errors[0].Details, "generation produced nothing usable")
}

func TestRunner_LateResultAfterCancelIsSkipped(t *testing.T) {
	f := newRunnerFixture(t, nil)

	// The action cancels its own workflow mid-flight, standing in for an
	// operator killing it while a stage runs. The successful result arrives
	// with a stale generation and must be discarded.
	var cancelledID string

	action := &scriptedAction{fn: func(ctx context.Context, wf *models.Workflow, _ map[string]string) (*protocol.StageResult, error) {
		if cancelledID == "" {
			cancelledID = wf.ID
			_, err := f.manager.Cancel(ctx, wf.ID, "operator abort")
			require.NoError(t, err)
		}

		return &protocol.StageResult{Success: true}, nil
	}}

	f.registry.RegisterAction(&scriptedFactory{id: "fetch", action: action})
	f.registry.RegisterAction(&scriptedFactory{id: "generate", action: action})

	skipped := f.collect(events.StageSkipped)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "agent-pipeline", nil)
	require.NoError(t, err)

	require.NoError(t, f.runner.Run(t.Context(), wf.ID))

	got, getErr := f.manager.Get(wf.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.WorkflowStatusCancelled, got.Status)
	// The cancelled workflow never advanced past stage zero.
	assert.Equal(t, 0, got.CurrentStageIndex)

	require.Len(t, *skipped, 1)
	assert.Equal(t, wf.ID, (*skipped)[0].WorkflowID())
	assert.Equal(t, "ticket fetched", (*skipped)[0].Payload["stage"])
}

func TestRunner_ConcurrentRunIsRejected(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	var once sync.Once

	// The first stage blocks until released, holding the workflow's run slot
	// open so a second Run call can be observed bouncing off it.
	action := &scriptedAction{fn: func(_ context.Context, _ *models.Workflow, _ map[string]string) (*protocol.StageResult, error) {
		once.Do(func() { close(entered) })
		<-release

		return &protocol.StageResult{Success: true}, nil
	}}

	f := newRunnerFixture(t, action)

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "agent-pipeline", nil)
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- f.runner.Run(context.Background(), wf.ID) }()

	<-entered
	assert.True(t, f.runner.Running(wf.ID))
	require.ErrorIs(t, f.runner.Run(t.Context(), wf.ID), ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, f.runner.Running(wf.ID))

	got, getErr := f.manager.Get(wf.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.WorkflowStatusCompleted, got.Status)
}

func TestRunner_UnknownWorkflow(t *testing.T) {
	f := newRunnerFixture(t, &scriptedAction{fn: func(_ context.Context, _ *models.Workflow, _ map[string]string) (*protocol.StageResult, error) {
		return &protocol.StageResult{Success: true}, nil
	}})

	err := f.runner.Run(t.Context(), "missing")
	require.Error(t, err)
	assert.True(t, errkit.HasKey(err, errkit.KeyWorkflowNotFound))
}

func TestRunner_TerminalWorkflowIsANoOp(t *testing.T) {
	f := newRunnerFixture(t, &scriptedAction{fn: func(_ context.Context, _ *models.Workflow, _ map[string]string) (*protocol.StageResult, error) {
		return &protocol.StageResult{Success: true}, nil
	}})

	wf, err := f.manager.Initialize(t.Context(), "AOTF-1234", "agent-pipeline", nil)
	require.NoError(t, err)

	_, err = f.manager.Cancel(t.Context(), wf.ID, "not needed")
	require.NoError(t, err)

	require.NoError(t, f.runner.Run(t.Context(), wf.ID))

	got, getErr := f.manager.Get(wf.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.WorkflowStatusCancelled, got.Status)
}
