// Package web provides HTTP request and response types for the workflow API.
package web

// InitializeWorkflowRequest represents the request body for starting a new
// workflow for a business key.
type InitializeWorkflowRequest struct {
	BusinessKey string         `json:"business_key" validate:"required"`
	Template    string         `json:"template"     validate:"required"`
	Options     map[string]any `json:"options,omitempty"`
}

// TransitionRequest represents the request body for advancing a workflow by
// one stage. The payload is handed to the current stage's validation rule
// unchanged.
type TransitionRequest struct {
	Payload map[string]any `json:"payload"`
}

// FailRequest represents the request body for force-failing a workflow.
type FailRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// CancelRequest represents the request body for cancelling a workflow.
type CancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}
