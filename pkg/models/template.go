package models

// StageSpec declares one ordered step of a workflow template. The validation
// rule and prerequisites are resolved by name at transition time, so a
// template declares its own contracts without the state machine knowing
// stage semantics.
// The final stage of a template is a terminal marker and declares no
// action; every other stage must name one.
type StageSpec struct {
	Stage          string   `json:"stage"  validate:"required"`
	Agent          string   `json:"agent"  validate:"required"`
	Action         string   `json:"action,omitempty"`
	ValidationRule string   `json:"validation_rule,omitempty"`
	Prerequisites  []string `json:"prerequisites,omitempty"`
}

// RollbackStrategy declares what a failed workflow preserves and cleans up.
type RollbackStrategy struct {
	ArtifactsToKeep []string `json:"artifacts_to_keep,omitempty"`
	KeepErrorLogs   bool     `json:"keep_error_logs"`
	CleanupPatterns []string `json:"cleanup_patterns,omitempty"`
}

// WorkflowTemplate is an immutable, registry-held stage list. Workflows hold
// a denormalized copy so later template edits never affect in-flight work.
type WorkflowTemplate struct {
	Name     string           `json:"name"   validate:"required"`
	Stages   []StageSpec      `json:"stages" validate:"required,min=1,dive"`
	Rollback RollbackStrategy `json:"rollback"`
}

// StageIndex returns the position of stageName, or -1 when absent.
func (t *WorkflowTemplate) StageIndex(stageName string) int {
	for i, s := range t.Stages {
		if s.Stage == stageName {
			return i
		}
	}

	return -1
}

// Clone deep-copies the template for denormalization into a workflow.
func (t *WorkflowTemplate) Clone() *WorkflowTemplate {
	clone := &WorkflowTemplate{
		Name:   t.Name,
		Stages: make([]StageSpec, len(t.Stages)),
		Rollback: RollbackStrategy{
			ArtifactsToKeep: append([]string(nil), t.Rollback.ArtifactsToKeep...),
			KeepErrorLogs:   t.Rollback.KeepErrorLogs,
			CleanupPatterns: append([]string(nil), t.Rollback.CleanupPatterns...),
		},
	}

	for i, s := range t.Stages {
		clone.Stages[i] = StageSpec{
			Stage:          s.Stage,
			Agent:          s.Agent,
			Action:         s.Action,
			ValidationRule: s.ValidationRule,
			Prerequisites:  append([]string(nil), s.Prerequisites...),
		}
	}

	return clone
}
