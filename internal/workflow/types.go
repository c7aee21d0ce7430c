package workflow

import (
	"time"

	"github.com/jlneal/choragen/internal/types"
)

// Workflow error codes
const (
	ErrWorkflowNotFound  types.ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrTemplateNotFound  types.ErrorCode = "WORKFLOW_TEMPLATE_NOT_FOUND"
	ErrTemplateInvalid   types.ErrorCode = "WORKFLOW_TEMPLATE_INVALID"
	ErrGateUnsatisfied   types.ErrorCode = "WORKFLOW_GATE_UNSATISFIED"
	ErrInvalidTransition types.ErrorCode = "WORKFLOW_INVALID_TRANSITION"
	ErrReasonRequired    types.ErrorCode = "WORKFLOW_DISCARD_REASON_REQUIRED"
	ErrStageIndex        types.ErrorCode = "WORKFLOW_STAGE_INDEX"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowDiscarded WorkflowStatus = "discarded"
)

// String returns the string representation of the status.
func (s WorkflowStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a valid value.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowActive, WorkflowPaused, WorkflowCompleted, WorkflowCancelled, WorkflowDiscarded:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the workflow has reached a final state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowCancelled, WorkflowDiscarded:
		return true
	default:
		return false
	}
}

// StageStatus represents the lifecycle state of one stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageActive    StageStatus = "active"
	StageCompleted StageStatus = "completed"
	StageSkipped   StageStatus = "skipped"
)

// String returns the string representation of the status.
func (s StageStatus) String() string {
	return string(s)
}

// StageType tags what kind of work a stage performs.
type StageType string

const (
	StageTypeAgent         StageType = "agent"
	StageTypeHumanApproval StageType = "human_approval"
	StageTypeVerification  StageType = "verification"
	StageTypeReflection    StageType = "reflection"
	StageTypePostCommit    StageType = "post_commit"
)

// GateType is the kind of condition that must hold before the workflow
// advances past a stage.
type GateType string

const (
	GateAuto             GateType = "auto"
	GateHumanApproval    GateType = "human_approval"
	GateChainComplete    GateType = "chain_complete"
	GateVerificationPass GateType = "verification_pass"
	GatePostCommit       GateType = "post_commit"
)

// IsValid checks if the gate type is a recognized value.
func (g GateType) IsValid() bool {
	switch g {
	case GateAuto, GateHumanApproval, GateChainComplete, GateVerificationPass, GatePostCommit:
		return true
	default:
		return false
	}
}

// StageGate is the condition holding a workflow at its stage. A gate
// transitions unsatisfied to satisfied exactly once per stage activation;
// re-activating the stage (rework) resets it.
type StageGate struct {
	Type        GateType   `json:"type"`
	Satisfied   bool       `json:"satisfied"`
	SatisfiedBy string     `json:"satisfied_by,omitempty"`
	SatisfiedAt *time.Time `json:"satisfied_at,omitempty"`

	// Options names branching resolutions the gate supports, e.g.
	// "advance" vs "discard".
	Options []string `json:"options,omitempty"`
}

// Satisfy marks the gate satisfied. Idempotent: satisfying an
// already-satisfied gate leaves it unchanged.
func (g *StageGate) Satisfy(by string) {
	if g.Satisfied {
		return
	}
	now := time.Now()
	g.Satisfied = true
	g.SatisfiedBy = by
	g.SatisfiedAt = &now
}

// Reset returns the gate to unsatisfied for a fresh stage activation.
func (g *StageGate) Reset() {
	g.Satisfied = false
	g.SatisfiedBy = ""
	g.SatisfiedAt = nil
}

// WorkflowStage is one phase of a workflow.
type WorkflowStage struct {
	Name   string      `json:"name"`
	Type   StageType   `json:"type"`
	Role   string      `json:"role,omitempty"`
	Status StageStatus `json:"status"`

	// InitPrompt is the stage's initialization prompt, rendered against
	// workflow variables at activation time.
	InitPrompt string `json:"init_prompt,omitempty"`

	Gate StageGate `json:"gate"`

	OnEnter []HookAction `json:"on_enter,omitempty"`
	OnExit  []HookAction `json:"on_exit,omitempty"`
}

// MessageEntry is one entry in a workflow's append-only message log.
type MessageEntry struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Workflow is one execution of a template against a request. Owned
// exclusively by the Manager and persisted after every mutation.
type Workflow struct {
	ID        types.ID `json:"id"`
	Template  string   `json:"template"`
	RequestID string   `json:"request_id"`
	ChainID   types.ID `json:"chain_id,omitempty"`

	Stages       []WorkflowStage `json:"stages"`
	CurrentStage int             `json:"current_stage"`

	Status        WorkflowStatus `json:"status"`
	DiscardReason string         `json:"discard_reason,omitempty"`

	Messages  []MessageEntry    `json:"messages,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActiveStage returns the currently active stage, or nil when the
// workflow is terminal or between stages.
func (w *Workflow) ActiveStage() *WorkflowStage {
	if w.CurrentStage < 0 || w.CurrentStage >= len(w.Stages) {
		return nil
	}
	stage := &w.Stages[w.CurrentStage]
	if stage.Status != StageActive {
		return nil
	}
	return stage
}

// PostMessage appends to the workflow's message log.
func (w *Workflow) PostMessage(from, text string) {
	w.Messages = append(w.Messages, MessageEntry{
		From: from,
		Text: text,
		At:   time.Now(),
	})
}

// Persister saves and loads workflows. The store package provides the
// file-backed implementation.
type Persister interface {
	SaveWorkflow(w *Workflow) error
	LoadWorkflow(id types.ID) (*Workflow, error)
	ListWorkflows() ([]*Workflow, error)
}
