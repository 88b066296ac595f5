package web

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/testflowhq/testflow/pkg/errkit"
	"github.com/testflowhq/testflow/pkg/eventbus"
	"github.com/testflowhq/testflow/pkg/events"
	"github.com/testflowhq/testflow/pkg/health"
	"github.com/testflowhq/testflow/pkg/log"
	"github.com/testflowhq/testflow/pkg/metrics"
	"github.com/testflowhq/testflow/pkg/models"
	"github.com/testflowhq/testflow/pkg/persistence"
	"github.com/testflowhq/testflow/pkg/runner"
	"github.com/testflowhq/testflow/pkg/workflow"
)

const defaultHistoryLimit = 50

type APIHandlers struct {
	logger    *slog.Logger
	manager   *workflow.Manager
	runner    *runner.Runner
	monitor   *health.Monitor
	recorder  *metrics.Recorder
	saver     *persistence.Saver
	bus       *eventbus.Bus
	ring      *log.RingHandler
	validator *validator.Validate
}

func NewAPIHandlers(
	logger *slog.Logger,
	manager *workflow.Manager,
	run *runner.Runner,
	monitor *health.Monitor,
	recorder *metrics.Recorder,
	saver *persistence.Saver,
	bus *eventbus.Bus,
	ring *log.RingHandler,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		logger:    logger,
		manager:   manager,
		runner:    run,
		monitor:   monitor,
		recorder:  recorder,
		saver:     saver,
		bus:       bus,
		ring:      ring,
		validator: validate,
	}
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"workflows": h.manager.List(),
		"active":    len(h.manager.Active()),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	wf, err := h.manager.Get(id)
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(wf)
}

func (h *APIHandlers) InitializeWorkflow(c fiber.Ctx) error {
	var req InitializeWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	wf, err := h.manager.Initialize(c.Context(), req.BusinessKey, req.Template, req.Options)
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(wf)
}

// RunWorkflow hands an active workflow to the runner, which drives its stage
// actions to completion in the background. The request returns 202
// immediately; progress is observable through the workflow resource and the
// event history.
func (h *APIHandlers) RunWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	wf, err := h.manager.Get(id)
	if err != nil {
		return handleManagerError(c, err)
	}

	if wf.Status != models.WorkflowStatusActive {
		return handleManagerError(c,
			errkit.New(errkit.KeyWorkflowInactive, id).With("status", string(wf.Status)))
	}

	if h.runner.Running(id) {
		return conflict(c, "workflow_already_running", runner.ErrAlreadyRunning.Error())
	}

	go func() {
		if err := h.runner.Run(context.Background(), id); err != nil && !errors.Is(err, runner.ErrAlreadyRunning) {
			h.logger.Error("workflow run failed", "workflow_id", id, "error", err)
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"workflow_id": id,
		"status":      "running",
	})
}

func (h *APIHandlers) TransitionWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req TransitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	wf, err := h.manager.Transition(c.Context(), id, req.Payload)
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(wf)
}

func (h *APIHandlers) FailWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req FailRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	wf, err := h.manager.Fail(c.Context(), id, req.Reason)
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(wf)
}

func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req CancelRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	wf, err := h.manager.Cancel(c.Context(), id, req.Reason)
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(wf)
}

func (h *APIHandlers) GetWorkflowHealth(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	report, err := h.monitor.Check(id)
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(report)
}

func (h *APIHandlers) GetStatistics(c fiber.Ctx) error {
	return c.JSON(h.recorder.Statistics())
}

func (h *APIHandlers) GetAnalytics(c fiber.Ctx) error {
	return c.JSON(h.recorder.AnalyticsSummary())
}

func (h *APIHandlers) GetWorkflowMetrics(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	return c.JSON(fiber.Map{
		"workflow_id": id,
		"events":      h.recorder.WorkflowMetrics(id),
	})
}

func (h *APIHandlers) GetEvents(c fiber.Ctx) error {
	eventType := events.EventType(c.Query("type", string(events.Wildcard)))

	limit := fiber.Query(c, "limit", defaultHistoryLimit)
	if limit <= 0 {
		return badRequest(c, "limit must be positive")
	}

	return c.JSON(fiber.Map{
		"events": h.bus.History(eventType, limit),
	})
}

func (h *APIHandlers) GetLogs(c fiber.Ctx) error {
	limit := fiber.Query(c, "limit", defaultHistoryLimit)
	if limit <= 0 {
		return badRequest(c, "limit must be positive")
	}

	return c.JSON(fiber.Map{
		"records": h.ring.Recent(limit),
	})
}

func (h *APIHandlers) GetArchived(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"archived": h.manager.Archived(),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "healthy",
		"active":     len(h.manager.Active()),
		"dirty":      h.saver.Dirty(),
		"save_count": h.saver.SaveCount(),
	})
}
