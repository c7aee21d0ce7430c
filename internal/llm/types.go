package llm

import (
	"encoding/json"
	"fmt"
)

// RoleKind represents the role of a message in a conversation.
type RoleKind string

const (
	RoleSystem    RoleKind = "system"
	RoleUser      RoleKind = "user"
	RoleAssistant RoleKind = "assistant"
	RoleTool      RoleKind = "tool"
)

// String returns the string representation of the RoleKind.
func (r RoleKind) String() string {
	return string(r)
}

// IsValid checks if the role is a valid value.
func (r RoleKind) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Message represents a single message in a conversation with a model.
type Message struct {
	Role       RoleKind   `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolResultMessage creates a new tool result message tied to a tool call.
func NewToolResultMessage(toolCallID string, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// Validate checks if the message is valid.
func (m Message) Validate() error {
	if !m.Role.IsValid() {
		return fmt.Errorf("invalid role: %s", m.Role)
	}

	switch m.Role {
	case RoleSystem, RoleUser:
		if m.Content == "" {
			return fmt.Errorf("%s message must have content", m.Role)
		}
		if len(m.ToolCalls) > 0 {
			return fmt.Errorf("%s message cannot have tool calls", m.Role)
		}

	case RoleAssistant:
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return fmt.Errorf("assistant message must have content or tool calls")
		}

	case RoleTool:
		if m.Content == "" {
			return fmt.Errorf("tool message must have content")
		}
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message must have tool_call_id")
		}
	}

	return nil
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model         string    `json:"model"`
	Messages      []Message `json:"messages"`
	SystemPrompt  string    `json:"system_prompt,omitempty"`
	Temperature   float64   `json:"temperature,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

// Validate checks if the completion request is valid.
func (r CompletionRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}

	if len(r.Messages) == 0 {
		return fmt.Errorf("at least one message is required")
	}

	for i, msg := range r.Messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}

	if r.Temperature < 0 || r.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", r.Temperature)
	}

	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative, got %d", r.MaxTokens)
	}

	return nil
}

// FinishReason indicates why model generation stopped.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonError     FinishReason = "error"
)

// String returns the string representation of FinishReason.
func (f FinishReason) String() string {
	return string(f)
}

// IsValid checks if the finish reason is valid.
func (f FinishReason) IsValid() bool {
	switch f {
	case FinishReasonStop, FinishReasonLength, FinishReasonToolCalls, FinishReasonError:
		return true
	default:
		return false
	}
}

// CompletionResponse represents the response from a completion request.
type CompletionResponse struct {
	// ID is a unique identifier for this completion
	ID string `json:"id"`

	// Model is the model that generated this response
	Model string `json:"model"`

	// Message is the assistant's response message
	Message Message `json:"message"`

	// FinishReason indicates why generation stopped
	FinishReason FinishReason `json:"finish_reason"`

	// Usage contains token usage statistics for this completion
	Usage TokenUsage `json:"usage"`
}

// HasToolCalls reports whether the response requests any tool invocations.
func (r *CompletionResponse) HasToolCalls() bool {
	return len(r.Message.ToolCalls) > 0
}

// TokenUsage represents the number of tokens used in a request.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the combined input and output token count.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// ToolDef defines a tool the model may call during completion.
type ToolDef struct {
	// Name is the unique identifier for this tool
	Name string `json:"name"`

	// Description explains what the tool does and when to use it
	Description string `json:"description"`

	// Parameters is the JSON schema for the tool's input parameters
	Parameters json.RawMessage `json:"parameters"`
}

// Validate checks if the tool definition is valid.
func (t ToolDef) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Description == "" {
		return fmt.Errorf("tool description is required")
	}
	return nil
}

// ToolCall represents a tool call made by the model during completion.
type ToolCall struct {
	// ID is a unique identifier for this tool call
	ID string `json:"id"`

	// Name is the name of the tool to call
	Name string `json:"name"`

	// Arguments contains the JSON-encoded arguments for the tool
	Arguments string `json:"arguments"`
}

// ParseArguments deserializes the tool call arguments into the provided value.
func (t ToolCall) ParseArguments(v any) error {
	if t.Arguments == "" {
		return fmt.Errorf("tool call arguments are empty")
	}
	if err := json.Unmarshal([]byte(t.Arguments), v); err != nil {
		return fmt.Errorf("failed to parse tool call arguments: %w", err)
	}
	return nil
}

// Validate checks if the tool call is valid.
func (t ToolCall) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tool call ID is required")
	}
	if t.Name == "" {
		return fmt.Errorf("tool call name is required")
	}
	if t.Arguments != "" {
		var tmp any
		if err := json.Unmarshal([]byte(t.Arguments), &tmp); err != nil {
			return fmt.Errorf("tool call arguments must be valid JSON: %w", err)
		}
	}
	return nil
}

// ToolResult represents the result of executing a tool call. It is
// returned to the model so it can incorporate the result into its plan.
type ToolResult struct {
	// ToolCallID is the ID of the tool call this result corresponds to
	ToolCallID string `json:"tool_call_id"`

	// Content is the result content to return to the model
	Content string `json:"content"`

	// IsError indicates whether the tool execution resulted in an error
	IsError bool `json:"is_error,omitempty"`
}

// NewToolResult creates a successful tool result.
func NewToolResult(toolCallID string, content string) ToolResult {
	return ToolResult{ToolCallID: toolCallID, Content: content}
}

// NewToolError creates an error tool result.
func NewToolError(toolCallID string, errorMessage string) ToolResult {
	return ToolResult{ToolCallID: toolCallID, Content: errorMessage, IsError: true}
}
