// Package events defines the event type surface and envelope published on
// the in-process bus and mirrored to external bridges.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Bridge topic for events mirrored to watermill transports.
const Topic = "testflow.events"

const (
	EventTypeMetadataKey = "event_type"
	WorkflowIDKey        = "workflow_id"
)

// Wildcard matches every event type in plugin hook registrations.
const Wildcard EventType = "*"

const (
	// Workflow lifecycle.
	WorkflowInitialized EventType = "workflow:initialized"
	WorkflowStarted     EventType = "workflow:started"
	WorkflowCompleted   EventType = "workflow:completed"
	WorkflowFailed      EventType = "workflow:failed"
	WorkflowCancelled   EventType = "workflow:cancelled"
	WorkflowRolledBack  EventType = "workflow:rolledBack"

	// Stage lifecycle.
	StageStarted   EventType = "stage:started"
	StageCompleted EventType = "stage:completed"
	StageFailed    EventType = "stage:failed"
	StageSkipped   EventType = "stage:skipped"
	StageRetrying  EventType = "stage:retrying"

	// Artifacts.
	ArtifactCreated   EventType = "artifact:created"
	ArtifactValidated EventType = "artifact:validated"
	ArtifactInvalid   EventType = "artifact:invalid"

	// Agents.
	AgentStarted   EventType = "agent:started"
	AgentCompleted EventType = "agent:completed"
	AgentError     EventType = "agent:error"
	AgentHandoff   EventType = "agent:handoff"

	// Persistence.
	StateSaved  EventType = "state:saved"
	StateLoaded EventType = "state:loaded"
)

// Event is the bus envelope. Payload carries a "source" entry identifying
// the emitting component.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event envelope with a fresh id and timestamp.
func New(eventType EventType, payload map[string]any) Event {
	if payload == nil {
		payload = make(map[string]any)
	}

	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WorkflowID extracts the workflow id from the payload, if present.
func (e Event) WorkflowID() string {
	id, _ := e.Payload[WorkflowIDKey].(string)

	return id
}
