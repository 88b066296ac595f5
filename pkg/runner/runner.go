// Package runner drives a workflow through its stage actions: it resolves
// each action from the registry, executes it under the retry policy, records
// artifacts and errors, and requests transitions. The state machine itself
// never retries — classification and retry live here, at the caller.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/testflowhq/testflow/pkg/errkit"
	"github.com/testflowhq/testflow/pkg/eventbus"
	"github.com/testflowhq/testflow/pkg/events"
	"github.com/testflowhq/testflow/pkg/metrics"
	"github.com/testflowhq/testflow/pkg/models"
	"github.com/testflowhq/testflow/pkg/otelhelper"
	"github.com/testflowhq/testflow/pkg/protocol"
	"github.com/testflowhq/testflow/pkg/registry"
	"github.com/testflowhq/testflow/pkg/retry"
	"github.com/testflowhq/testflow/pkg/workflow"
)

const DefaultMaxAttempts = 3

// ErrAlreadyRunning is returned by Run when another Run call is still driving
// the same workflow.
var ErrAlreadyRunning = errors.New("workflow is already being driven by a runner")

type Runner struct {
	manager     *workflow.Manager
	registry    *registry.Registry
	bus         *eventbus.Bus
	recorder    *metrics.Recorder
	policy      retry.Policy
	maxAttempts int
	tracer      trace.Tracer
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

func NewRunner(manager *workflow.Manager, reg *registry.Registry, bus *eventbus.Bus, recorder *metrics.Recorder, logger *slog.Logger) *Runner {
	return &Runner{
		manager:     manager,
		registry:    reg,
		bus:         bus,
		recorder:    recorder,
		policy:      retry.DefaultPolicy(),
		maxAttempts: DefaultMaxAttempts,
		tracer:      otel.Tracer("testflow-runner"),
		logger:      logger.With("module", "runner"),
		inflight:    make(map[string]bool),
	}
}

// SetPolicy overrides the retry policy and attempt bound.
func (r *Runner) SetPolicy(policy retry.Policy, maxAttempts int) {
	r.policy = policy
	r.maxAttempts = maxAttempts
}

// Run drives the workflow until it completes or fails. Errors from stage
// actions are retried per policy; exhausted or non-recoverable failures are
// recorded on the workflow and force it into the failed state. At most one
// Run per workflow id may be in flight; concurrent calls get
// ErrAlreadyRunning.
func (r *Runner) Run(ctx context.Context, workflowID string) error {
	if !r.claim(workflowID) {
		return ErrAlreadyRunning
	}
	defer r.release(workflowID)

	for {
		wf, err := r.manager.Get(workflowID)
		if err != nil {
			return err
		}

		if wf.Status != models.WorkflowStatusActive {
			return nil
		}

		stage := wf.Template.Stages[wf.CurrentStageIndex]
		if stage.Action == "" {
			// Only the terminal marker lacks an action, and it is never
			// current on an active workflow.
			return errkit.New(errkit.KeyStageActionFailed,
				fmt.Sprintf("stage '%s' has no action", stage.Stage))
		}

		generation := wf.Generation

		result, execErr := r.executeStage(ctx, wf, stage)

		if moved, genErr := r.generationMoved(workflowID, generation); genErr != nil {
			return genErr
		} else if moved {
			// The workflow was force-failed (or cancelled) underneath the
			// running action; its late result is discarded.
			r.bus.Publish(ctx, events.StageSkipped, map[string]any{
				"source":             "runner",
				events.WorkflowIDKey: workflowID,
				"stage":              stage.Stage,
				"reason":             "late result after generation change",
			})

			return nil
		}

		if execErr != nil {
			_ = r.manager.RecordError(ctx, workflowID, "stage action failed", execErr.Error())

			if _, failErr := r.manager.Fail(ctx, workflowID, execErr.Error()); failErr != nil {
				return failErr
			}

			return execErr
		}

		if result.ArtifactKind != "" && result.ArtifactRef != "" {
			if err := r.manager.RecordArtifact(ctx, workflowID, result.ArtifactKind, result.ArtifactRef); err != nil {
				return err
			}
		}

		payload := transitionPayload(result)

		if _, err := r.manager.Transition(ctx, workflowID, payload); err != nil {
			_ = r.manager.RecordError(ctx, workflowID, "transition rejected", err.Error())

			if _, failErr := r.manager.Fail(ctx, workflowID, err.Error()); failErr != nil {
				return failErr
			}

			return err
		}
	}
}

func (r *Runner) claim(workflowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inflight[workflowID] {
		return false
	}

	r.inflight[workflowID] = true

	return true
}

func (r *Runner) release(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inflight, workflowID)
}

// Running reports whether a Run call is currently driving the workflow.
func (r *Runner) Running(workflowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.inflight[workflowID]
}

func (r *Runner) generationMoved(workflowID string, seen int) (bool, error) {
	current, err := r.manager.Generation(workflowID)
	if err != nil {
		return false, err
	}

	return current != seen, nil
}

func (r *Runner) executeStage(ctx context.Context, wf *models.Workflow, stage models.StageSpec) (*protocol.StageResult, error) {
	action, err := r.registry.CreateAction(stage.Action, wf.Options)
	if err != nil {
		return nil, errkit.Wrap(errkit.KeyStageActionFailed, stage.Action, err)
	}

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "stage."+stage.Action,
		attribute.String(otelhelper.WorkflowIDKey, wf.ID),
		attribute.String(otelhelper.BusinessKeyKey, wf.BusinessKey),
		attribute.String(otelhelper.StageNameKey, stage.Stage),
		attribute.String(otelhelper.AgentNameKey, stage.Agent),
		attribute.String(otelhelper.ActionIDKey, stage.Action),
	)
	defer span.End()

	r.bus.Publish(ctx, events.AgentStarted, map[string]any{
		"source":             "runner",
		events.WorkflowIDKey: wf.ID,
		"agent":              stage.Agent,
		"stage":              stage.Stage,
	})

	var (
		result  *protocol.StageResult
		attempt atomic.Int64
	)

	artifacts := snapshotArtifacts(wf)
	logger := r.logger.With("workflow_id", wf.ID, "stage", stage.Stage, "agent", stage.Agent)

	err = retry.ExecuteWithRetry(ctx, r.policy, r.recorder, wf.ID, r.maxAttempts, func(ctx context.Context) error {
		if n := attempt.Add(1); n > 1 {
			r.bus.Publish(ctx, events.StageRetrying, map[string]any{
				"source":             "runner",
				events.WorkflowIDKey: wf.ID,
				"stage":              stage.Stage,
				"attempt":            n,
			})
		}

		res, execErr := action.Execute(ctx, wf, artifacts, logger)
		if execErr != nil {
			return errkit.Wrap(errkit.KeyStageActionFailed, stage.Action, execErr)
		}

		if !res.Success {
			return errkit.New(errkit.KeyAgentError, res.Message).
				With("agent", stage.Agent).
				With("stage", stage.Stage)
		}

		result = res

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err,
			attribute.String(otelhelper.StageNameKey, stage.Stage),
			attribute.Int64(otelhelper.AttemptKey, attempt.Load()),
		)
		r.bus.Publish(ctx, events.AgentError, map[string]any{
			"source":             "runner",
			events.WorkflowIDKey: wf.ID,
			"agent":              stage.Agent,
			"stage":              stage.Stage,
			"error":              err.Error(),
		})

		return nil, err
	}

	r.bus.Publish(ctx, events.AgentCompleted, map[string]any{
		"source":             "runner",
		events.WorkflowIDKey: wf.ID,
		"agent":              stage.Agent,
		"stage":              stage.Stage,
	})

	if next, ok := nextStage(wf, stage); ok && next.Agent != stage.Agent {
		r.bus.Publish(ctx, events.AgentHandoff, map[string]any{
			"source":             "runner",
			events.WorkflowIDKey: wf.ID,
			"from_agent":         stage.Agent,
			"to_agent":           next.Agent,
		})
	}

	return result, nil
}

func nextStage(wf *models.Workflow, current models.StageSpec) (models.StageSpec, bool) {
	idx := wf.Template.StageIndex(current.Stage)
	if idx < 0 || idx+1 >= len(wf.Template.Stages) {
		return models.StageSpec{}, false
	}

	return wf.Template.Stages[idx+1], true
}

func snapshotArtifacts(wf *models.Workflow) map[string]string {
	out := make(map[string]string, len(wf.Artifacts))
	for k, v := range wf.Artifacts {
		out[k] = v
	}

	return out
}

func transitionPayload(result *protocol.StageResult) map[string]any {
	payload := map[string]any{"success": result.Success}

	if result.ArtifactRef != "" {
		payload[registry.ArtifactRefKey] = result.ArtifactRef
	}

	if result.Message != "" {
		payload["message"] = result.Message
	}

	for k, v := range result.Data {
		payload[k] = v
	}

	return payload
}
