package session

import (
	"time"

	"github.com/jlneal/choragen/internal/governance"
	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/types"
)

// Session error codes
const (
	ErrSessionNotFound     types.ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionNotResumable types.ErrorCode = "SESSION_NOT_RESUMABLE"
	ErrSessionInvalidInput types.ErrorCode = "SESSION_INVALID_INPUT"
	ErrBudgetExceeded      types.ErrorCode = "SESSION_BUDGET_EXCEEDED"
	ErrTurnLimit           types.ErrorCode = "SESSION_TURN_LIMIT"
	ErrProviderExhausted   types.ErrorCode = "SESSION_PROVIDER_EXHAUSTED"
	ErrProviderFault       types.ErrorCode = "SESSION_PROVIDER_FAULT"
)

// SessionStatus represents the lifecycle state of an agent session.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// String returns the string representation of the status.
func (s SessionStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a valid value.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the session has finished. A failed session
// is terminal in the state machine but may still be resumable, see
// AgentSession.CanResume.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SessionError is the terminal error of a failed session, persisted with
// the session so resumability survives restarts.
type SessionError struct {
	Code        types.ErrorCode `json:"code"`
	Message     string          `json:"message"`
	Recoverable bool            `json:"recoverable"`
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// ToolCallRecord is one attempted tool invocation inside a session.
// Immutable once written; the session's record list is append-only.
type ToolCallRecord struct {
	ID          string             `json:"id"`
	TurnIndex   int                `json:"turn_index"`
	ToolName    string             `json:"tool_name"`
	Arguments   string             `json:"arguments,omitempty"`
	Verdict     governance.Verdict `json:"verdict"`
	Executed    bool               `json:"executed"`
	Result      string             `json:"result,omitempty"`
	IsError     bool               `json:"is_error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// AgentSession is one run of the tool-calling loop. Mutated turn-by-turn
// and persisted after every turn so a paused or failed session can resume
// from the last turn boundary.
type AgentSession struct {
	ID       types.ID      `json:"id"`
	Role     string        `json:"role"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Status   SessionStatus `json:"status"`

	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []llm.Message    `json:"messages"`
	ToolCalls    []ToolCallRecord `json:"tool_calls,omitempty"`

	Usage        llm.UsageRecord `json:"usage"`
	Budget       llm.Budget      `json:"budget,omitempty"`
	BudgetWarned bool            `json:"budget_warned,omitempty"`

	ChainID types.ID `json:"chain_id,omitempty"`
	TaskID  types.ID `json:"task_id,omitempty"`

	StageType       string `json:"stage_type,omitempty"`
	RequireApproval bool   `json:"require_approval,omitempty"`

	TurnIndex int           `json:"turn_index"`
	Error     *SessionError `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanResume reports whether the session may continue from its last turn
// boundary. Completed sessions never resume; failed sessions resume only
// if their terminal error was recoverable.
func (s *AgentSession) CanResume() (bool, string) {
	switch s.Status {
	case StatusCompleted:
		return false, "session is completed"
	case StatusFailed:
		if s.Error != nil && s.Error.Recoverable {
			return true, ""
		}
		return false, "session failed with an unrecoverable error"
	case StatusPaused, StatusRunning:
		return true, ""
	default:
		return false, "unknown session status: " + string(s.Status)
	}
}

// FinalText returns the content of the last assistant message, the
// session's answer when it completed normally.
func (s *AgentSession) FinalText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleAssistant && s.Messages[i].Content != "" {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Persister saves and loads sessions. The store package provides the
// file-backed implementation.
type Persister interface {
	SaveSession(s *AgentSession) error
	LoadSession(id types.ID) (*AgentSession, error)
}

// ToolExecutor executes an authorized tool call and returns its output.
// Tool implementations live outside the runtime core.
type ToolExecutor interface {
	Execute(call llm.ToolCall) (string, error)
}

// ExecutorFunc adapts a function to the ToolExecutor interface.
type ExecutorFunc func(call llm.ToolCall) (string, error)

// Execute implements ToolExecutor.
func (f ExecutorFunc) Execute(call llm.ToolCall) (string, error) {
	return f(call)
}

// Config parameterizes one Run invocation.
type Config struct {
	// Role names the governance role driving tool visibility and rules.
	Role string

	// Provider and Model select the LLM backend.
	Provider string
	Model    string

	// Prompt is the initial user message, already rendered against any
	// workflow variables by the caller.
	Prompt string

	// StageType scopes tool visibility when the session runs inside a
	// workflow stage. Empty for standalone sessions.
	StageType string

	// ChainID links the session to a chain for lock-scope checks.
	ChainID types.ID

	// TaskID optionally links the session to a task.
	TaskID types.ID

	// Budget caps token and cost spend. Zero values mean unlimited.
	Budget llm.Budget

	// RequireApproval enables the human checkpoint for sensitive tools.
	RequireApproval bool
}

// Validate checks the config for required fields.
func (c Config) Validate() error {
	if c.Role == "" {
		return types.NewError(ErrSessionInvalidInput, "role is required")
	}
	if c.Provider == "" {
		return types.NewError(ErrSessionInvalidInput, "provider is required")
	}
	if c.Prompt == "" {
		return types.NewError(ErrSessionInvalidInput, "prompt is required")
	}
	return nil
}
