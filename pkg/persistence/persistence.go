// Package persistence provides the durable storage layer for workflow state:
// the state and metrics documents, the store abstraction over them, and the
// debounced saver that coalesces frequent mutations into few writes.
package persistence

import (
	"context"
	"time"

	"github.com/testflowhq/testflow/pkg/models"
)

// StateVersion is the current layout version of the state document.
const StateVersion = 1

// Archive bound: oldest summaries are dropped once exceeded.
const maxArchivedWorkflows = 500

// State is the single persisted document holding every known workflow plus
// the bounded archive of summarized terminal workflows.
type State struct {
	Version     int                         `json:"version"`
	LastUpdated time.Time                   `json:"last_updated"`
	Workflows   map[string]*models.Workflow `json:"workflows"`
	Archived    []models.ArchivedWorkflow   `json:"archived"`
}

func NewState() *State {
	return &State{
		Version:   StateVersion,
		Workflows: make(map[string]*models.Workflow),
		Archived:  make([]models.ArchivedWorkflow, 0),
	}
}

// Archive appends a summary, dropping the oldest past the bound.
func (s *State) Archive(summary models.ArchivedWorkflow) {
	s.Archived = append(s.Archived, summary)
	if len(s.Archived) > maxArchivedWorkflows {
		s.Archived = s.Archived[len(s.Archived)-maxArchivedWorkflows:]
	}
}

// WorkflowMetrics is the per-workflow slice of metric events.
type WorkflowMetrics struct {
	Metrics []models.MetricEvent `json:"metrics"`
}

// AggregateMetric is a per-type counter.
type AggregateMetric struct {
	Count int `json:"count"`
}

// MetricsDocument is the separately persisted analytics document.
type MetricsDocument struct {
	Version     int                        `json:"version"`
	LastUpdated time.Time                  `json:"last_updated"`
	Workflows   map[string]WorkflowMetrics `json:"workflows"`
	Aggregate   map[string]AggregateMetric `json:"aggregate"`
}

func NewMetricsDocument() *MetricsDocument {
	return &MetricsDocument{
		Version:   StateVersion,
		Workflows: make(map[string]WorkflowMetrics),
		Aggregate: make(map[string]AggregateMetric),
	}
}

// Store persists the state and metrics documents. No component outside this
// package and its implementations touches the underlying storage directly.
type Store interface {
	LoadState(ctx context.Context) (*State, error)
	SaveState(ctx context.Context, state *State) error

	LoadMetrics(ctx context.Context) (*MetricsDocument, error)
	SaveMetrics(ctx context.Context, doc *MetricsDocument) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
