package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/types"
)

// LocalProvider implements llm.Provider against an Ollama-compatible
// local model server. No API key is required.
type LocalProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewLocalProvider creates a provider for a local model server.
func NewLocalProvider(cfg llm.ProviderConfig) (*LocalProvider, error) {
	return &LocalProvider{
		baseURL:    cfg.GetBaseURL(),
		httpClient: &http.Client{Timeout: 300 * time.Second},
	}, nil
}

// Name returns the provider name.
func (p *LocalProvider) Name() string {
	return string(llm.ProviderLocal)
}

// Ollama API wire types

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Complete sends a completion request without tools.
func (p *LocalProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.CompleteWithTools(ctx, req, nil)
}

// CompleteWithTools sends a completion request with tool definitions.
// Ollama reuses the OpenAI tool definition format.
func (p *LocalProvider) CompleteWithTools(ctx context.Context, req llm.CompletionRequest, tools []llm.ToolDef) (*llm.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, llm.NewInvalidRequestError(err.Error())
	}

	messages := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		messages = append(messages, ollamaMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	wireTools := make([]openaiTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		wireTools = append(wireTools, openaiTool{
			Type: "function",
			Function: openaiFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}

	wireReq := ollamaRequest{
		Model:    req.Model,
		Messages: messages,
		Tools:    wireTools,
		Stream:   false,
	}
	if req.Temperature > 0 {
		wireReq.Options = map[string]any{"temperature": req.Temperature}
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, llm.NewInvalidRequestError(fmt.Sprintf("failed to marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewInvalidRequestError(fmt.Sprintf("failed to build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.NewNetworkError("local model request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewNetworkError("failed to read local model response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("local", resp.StatusCode, string(respBody))
	}

	return p.parseResponse(respBody)
}

// parseResponse converts the Ollama wire response into the canonical shape.
func (p *LocalProvider) parseResponse(respBody []byte) (*llm.CompletionResponse, error) {
	var wireResp ollamaResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, types.WrapError(llm.ErrResponseParseFailed, "failed to decode local model response", err)
	}

	message := llm.Message{
		Role:    llm.RoleAssistant,
		Content: wireResp.Message.Content,
	}
	for _, tc := range wireResp.Message.ToolCalls {
		args, _ := json.Marshal(tc.Function.Arguments)
		message.ToolCalls = append(message.ToolCalls, llm.ToolCall{
			ID:        uuid.New().String(),
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}

	finish := llm.FinishReasonStop
	if wireResp.DoneReason == "length" {
		finish = llm.FinishReasonLength
	}
	if len(message.ToolCalls) > 0 {
		finish = llm.FinishReasonToolCalls
	}

	return &llm.CompletionResponse{
		ID:           uuid.New().String(),
		Model:        wireResp.Model,
		Message:      message,
		FinishReason: finish,
		Usage: llm.TokenUsage{
			InputTokens:  wireResp.PromptEvalCount,
			OutputTokens: wireResp.EvalCount,
		},
	}, nil
}

// Health checks that the local server answers.
func (p *LocalProvider) Health(ctx context.Context) types.HealthStatus {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return types.Unhealthy("failed to build health request")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return types.Unhealthy(fmt.Sprintf("local model server unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Unhealthy(fmt.Sprintf("local model server returned status %d", resp.StatusCode))
	}
	return types.Healthy("local model server reachable")
}
