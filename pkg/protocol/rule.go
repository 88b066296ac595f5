package protocol

import "github.com/testflowhq/testflow/pkg/models"

// ValidationRule is a named predicate resolved from a template's stage spec.
// A nil return accepts the transition; a non-nil return rejects it and the
// workflow does not advance.
type ValidationRule func(workflow *models.Workflow, transitionData map[string]any) error
