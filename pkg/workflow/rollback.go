package workflow

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/testflowhq/testflow/pkg/events"
	"github.com/testflowhq/testflow/pkg/models"
)

// rollbackLocked applies the template's rollback strategy to a failed
// workflow: artifacts listed in ArtifactsToKeep survive, everything else is
// dropped from the artifact map, cleanup patterns are removed from the
// workspace, and the error log is cleared unless KeepErrorLogs is set.
// The workflow's currentStage is stamped ROLLED_BACK; status stays failed.
func (m *Manager) rollbackLocked(ctx context.Context, workflow *models.Workflow) {
	strategy := workflow.Template.Rollback

	keep := make(map[string]bool, len(strategy.ArtifactsToKeep))
	for _, kind := range strategy.ArtifactsToKeep {
		keep[kind] = true
	}

	removed := make([]string, 0)

	for kind := range workflow.Artifacts {
		if !keep[kind] {
			delete(workflow.Artifacts, kind)
			removed = append(removed, kind)
		}
	}

	if m.workspaceRoot != "" {
		for _, pattern := range strategy.CleanupPatterns {
			matches, err := filepath.Glob(filepath.Join(m.workspaceRoot, pattern))
			if err != nil {
				m.logger.Warn("bad cleanup pattern", "pattern", pattern, "error", err)

				continue
			}

			for _, match := range matches {
				if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
					m.logger.Warn("cleanup failed", "path", match, "error", err)
				}
			}
		}
	}

	if !strategy.KeepErrorLogs {
		workflow.Errors = nil
	}

	workflow.CurrentStage = models.StageRolledBack
	workflow.UpdatedAt = time.Now().UTC()

	m.publish(ctx, events.WorkflowRolledBack, workflow, map[string]any{
		"kept_artifacts":    cloneArtifacts(workflow.Artifacts),
		"removed_artifacts": removed,
	})
}
