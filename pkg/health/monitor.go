// Package health scans active workflows for stage-level staleness and
// force-fails workflows stuck past their deadline.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/testflowhq/testflow/pkg/eventbus"
	"github.com/testflowhq/testflow/pkg/events"
	"github.com/testflowhq/testflow/pkg/models"
	"github.com/testflowhq/testflow/pkg/workflow"
)

// Recommendation is the monitor's verdict for one workflow.
type Recommendation string

const (
	RecommendContinue   Recommendation = "CONTINUE"
	RecommendRetryStage Recommendation = "RETRY_STAGE"
	RecommendRollback   Recommendation = "ROLLBACK"
)

// Report is the health/status query surface for one workflow.
type Report struct {
	WorkflowID     string         `json:"workflow_id"`
	Stage          string         `json:"stage"`
	AgeMinutes     float64        `json:"age_minutes"`
	TimeoutMinutes float64        `json:"timeout_minutes"`
	IsStale        bool           `json:"is_stale"`
	IsCritical     bool           `json:"is_critical"`
	Recommendation Recommendation `json:"recommendation"`
}

// DefaultStageTimeouts is the per-stage staleness table. Stages not listed
// fall back to DefaultTimeout.
func DefaultStageTimeouts() map[string]time.Duration {
	return map[string]time.Duration{
		"ticket fetched":      5 * time.Minute,
		"testcases generated": 15 * time.Minute,
		"script generated":    20 * time.Minute,
		"script executed":     30 * time.Minute,
		"failures recovered":  15 * time.Minute,
	}
}

const DefaultTimeout = 10 * time.Minute

// Monitor periodically inspects active workflows. Stale workflows trigger a
// notification only; critical ones (past twice their stage timeout) are
// force-failed through the same transition API every other caller uses.
type Monitor struct {
	manager  *workflow.Manager
	bus      *eventbus.Bus
	logger   *slog.Logger
	timeouts map[string]time.Duration
	fallback time.Duration
	cron     *cron.Cron
}

func NewMonitor(manager *workflow.Manager, bus *eventbus.Bus, logger *slog.Logger) *Monitor {
	return &Monitor{
		manager:  manager,
		bus:      bus,
		logger:   logger.With("module", "health_monitor"),
		timeouts: DefaultStageTimeouts(),
		fallback: DefaultTimeout,
	}
}

// SetStageTimeout overrides the timeout for one stage.
func (m *Monitor) SetStageTimeout(stage string, timeout time.Duration) {
	m.timeouts[stage] = timeout
}

func (m *Monitor) timeoutFor(stage string) time.Duration {
	if t, ok := m.timeouts[stage]; ok {
		return t
	}

	return m.fallback
}

// Check computes the health report for one workflow.
func (m *Monitor) Check(workflowID string) (Report, error) {
	wf, err := m.manager.Get(workflowID)
	if err != nil {
		return Report{}, err
	}

	return m.report(wf), nil
}

func (m *Monitor) report(wf *models.Workflow) Report {
	age := time.Since(wf.UpdatedAt)
	timeout := m.timeoutFor(wf.CurrentStage)

	r := Report{
		WorkflowID:     wf.ID,
		Stage:          wf.CurrentStage,
		AgeMinutes:     age.Minutes(),
		TimeoutMinutes: timeout.Minutes(),
		IsStale:        age > timeout,
		IsCritical:     age > 2*timeout,
		Recommendation: RecommendContinue,
	}

	switch {
	case r.IsCritical:
		r.Recommendation = RecommendRollback
	case r.IsStale:
		r.Recommendation = RecommendRetryStage
	}

	return r
}

// Sweep inspects every active workflow once, force-failing critical ones.
// Returns the reports it acted on.
func (m *Monitor) Sweep(ctx context.Context) []Report {
	var acted []Report

	for _, wf := range m.manager.Active() {
		r := m.report(wf)

		switch r.Recommendation {
		case RecommendRollback:
			m.logger.Warn("workflow stuck past critical deadline, failing",
				"workflow_id", wf.ID,
				"stage", r.Stage,
				"age_minutes", r.AgeMinutes,
			)

			if _, err := m.manager.Fail(ctx, wf.ID, "stage timeout exceeded"); err != nil {
				m.logger.Error("failed to fail stuck workflow", "workflow_id", wf.ID, "error", err)
			}

			acted = append(acted, r)
		case RecommendRetryStage:
			m.bus.Publish(ctx, events.StageRetrying, map[string]any{
				"source":             "health_monitor",
				events.WorkflowIDKey: wf.ID,
				"stage":              r.Stage,
				"age_minutes":        r.AgeMinutes,
				"recommendation":     string(r.Recommendation),
			})

			acted = append(acted, r)
		case RecommendContinue:
		}
	}

	// Last-resort ceiling, independent of the per-stage table.
	if cleaned := m.manager.CleanStaleWorkflows(ctx, workflow.StaleCeiling); cleaned > 0 {
		m.logger.Warn("cleaned stale workflows past ceiling", "count", cleaned)
	}

	return acted
}

// Start schedules the sweep on the given cron spec (e.g. "@every 1m").
func (m *Monitor) Start(spec string) error {
	m.cron = cron.New()

	_, err := m.cron.AddFunc(spec, func() {
		m.Sweep(context.Background())
	})
	if err != nil {
		return err
	}

	m.cron.Start()
	m.logger.Info("health sweep scheduled", "spec", spec)

	return nil
}

// Stop halts the scheduled sweep, waiting for a running sweep to finish.
func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}
