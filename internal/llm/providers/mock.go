package providers

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/types"
)

// MockProvider is a scripted provider for tests. Each call to Complete or
// CompleteWithTools returns the next scripted response in order; after the
// script is exhausted it returns a plain stop response.
type MockProvider struct {
	mu        sync.Mutex
	script    []MockTurn
	index     int
	CallCount int

	// Err, when set, is returned by every call instead of a response.
	Err error
}

// MockTurn describes one scripted provider turn.
type MockTurn struct {
	Content   string
	ToolCalls []llm.ToolCall
	Usage     llm.TokenUsage
	Err       error
}

// NewMockProvider creates a provider that replays the given turns.
func NewMockProvider(script ...MockTurn) *MockProvider {
	return &MockProvider{script: script}
}

// Name returns the provider name.
func (m *MockProvider) Name() string {
	return string(llm.ProviderMock)
}

// Complete returns the next scripted response.
func (m *MockProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return m.CompleteWithTools(ctx, req, nil)
}

// CompleteWithTools returns the next scripted response.
func (m *MockProvider) CompleteWithTools(ctx context.Context, req llm.CompletionRequest, tools []llm.ToolDef) (*llm.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++

	if m.Err != nil {
		return nil, m.Err
	}

	if m.index >= len(m.script) {
		return &llm.CompletionResponse{
			ID:           uuid.New().String(),
			Model:        req.Model,
			Message:      llm.NewAssistantMessage("done"),
			FinishReason: llm.FinishReasonStop,
		}, nil
	}

	turn := m.script[m.index]
	m.index++

	if turn.Err != nil {
		return nil, turn.Err
	}

	finish := llm.FinishReasonStop
	if len(turn.ToolCalls) > 0 {
		finish = llm.FinishReasonToolCalls
	}

	return &llm.CompletionResponse{
		ID:    uuid.New().String(),
		Model: req.Model,
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			Content:   turn.Content,
			ToolCalls: turn.ToolCalls,
		},
		FinishReason: finish,
		Usage:        turn.Usage,
	}, nil
}

// Health always reports healthy.
func (m *MockProvider) Health(ctx context.Context) types.HealthStatus {
	return types.Healthy("mock provider")
}
