package events

import (
	"time"

	"github.com/jlneal/choragen/internal/types"
)

// EventType identifies the kind of runtime event.
type EventType string

const (
	// Session lifecycle
	EventSessionStarted   EventType = "session.started"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
	EventSessionPaused    EventType = "session.paused"
	EventBudgetWarning    EventType = "session.budget_warning"

	// Human checkpoint
	EventApprovalRequested EventType = "checkpoint.approval_requested"
	EventApprovalResolved  EventType = "checkpoint.approval_resolved"

	// Workflow lifecycle
	EventWorkflowCreated   EventType = "workflow.created"
	EventWorkflowAdvanced  EventType = "workflow.advanced"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
	EventWorkflowDiscarded EventType = "workflow.discarded"
	EventGateSatisfied     EventType = "workflow.gate_satisfied"

	// Named events emitted by workflow hooks carry their declared name
	// in the payload under "name".
	EventHookEmitted EventType = "hook.emitted"
)

// Event is one runtime occurrence distributed to subscribers.
type Event struct {
	Type       EventType      `json:"type"`
	SessionID  types.ID       `json:"session_id,omitempty"`
	WorkflowID types.ID       `json:"workflow_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Filter selects which events a subscriber receives. Zero-value fields
// match everything.
type Filter struct {
	Types      []EventType
	SessionID  types.ID
	WorkflowID types.ID
}

// Matches reports whether an event passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.SessionID.IsZero() && f.SessionID != e.SessionID {
		return false
	}
	if !f.WorkflowID.IsZero() && f.WorkflowID != e.WorkflowID {
		return false
	}
	return true
}
