package llm

import (
	"context"

	"github.com/jlneal/choragen/internal/types"
)

// Provider defines the interface that all model providers must implement.
// It gives the session loop a uniform calling convention over different
// vendor APIs (Anthropic-style, OpenAI-style, Gemini-style, local models).
type Provider interface {
	// Name returns the provider name (e.g., "anthropic", "openai", "local")
	Name() string

	// Complete sends a completion request and returns the full response.
	// This is a blocking call that waits for the entire response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CompleteWithTools sends a completion request with tool definitions.
	// The model may choose to call one or more tools in its response.
	CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDef) (*CompletionResponse, error)

	// Health checks the health status of the provider and its connectivity
	Health(ctx context.Context) types.HealthStatus
}
