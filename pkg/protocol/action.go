// Package protocol defines the contracts between the orchestration core and
// its external collaborators: stage actions and validation rules.
package protocol

import (
	"context"
	"log/slog"

	"github.com/testflowhq/testflow/pkg/models"
)

// StageResult is the opaque outcome a stage action hands back. The state
// machine never inspects artifact semantics beyond what a named validation
// rule checks.
type StageResult struct {
	Success      bool           `json:"success"`
	ArtifactKind string         `json:"artifact_kind,omitempty"`
	ArtifactRef  string         `json:"artifact_ref,omitempty"`
	Message      string         `json:"message,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// StageAction is one asynchronous unit of external work (fetching a ticket,
// generating a document, driving a browser, running an agent session).
// Actions are assumed idempotent: the engine guarantees at-least-once
// execution, not exactly-once.
type StageAction interface {
	Execute(ctx context.Context, workflow *models.Workflow, artifacts map[string]string, logger *slog.Logger) (*StageResult, error)
}

// ActionFactory builds a stage action from template configuration.
type ActionFactory interface {
	ID() string
	Create(config map[string]any) (StageAction, error)
}
