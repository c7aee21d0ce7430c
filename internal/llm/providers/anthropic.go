// Package providers contains the vendor adapters implementing the
// llm.Provider interface. Each adapter translates the canonical request
// and response shapes to one vendor wire format; the session loop never
// sees vendor-specific types.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/types"
)

const anthropicAPIVersion = "2023-06-01"

// AnthropicProvider implements llm.Provider against the Anthropic
// messages API.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicProvider creates a provider for the Anthropic messages API.
func NewAnthropicProvider(cfg llm.ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, llm.NewAuthError("anthropic", nil)
	}
	return &AnthropicProvider{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.GetBaseURL(),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return string(llm.ProviderAnthropic)
}

// Anthropic API wire types

type anthropicMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicContentPart `json:"content"`
}

type anthropicContentPart struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
}

type anthropicResponse struct {
	ID         string                 `json:"id"`
	Role       string                 `json:"role"`
	Content    []anthropicContentPart `json:"content"`
	Model      string                 `json:"model"`
	StopReason string                 `json:"stop_reason"`
	Usage      anthropicUsage         `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a completion request without tools.
func (p *AnthropicProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.CompleteWithTools(ctx, req, nil)
}

// CompleteWithTools sends a completion request with tool definitions.
func (p *AnthropicProvider) CompleteWithTools(ctx context.Context, req llm.CompletionRequest, tools []llm.ToolDef) (*llm.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, llm.NewInvalidRequestError(err.Error())
	}

	wireReq, err := p.buildRequest(req, tools)
	if err != nil {
		return nil, err
	}

	respBody, err := p.doRequest(ctx, wireReq)
	if err != nil {
		return nil, err
	}

	return p.parseResponse(respBody)
}

// buildRequest converts the canonical request into the Anthropic wire format.
func (p *AnthropicProvider) buildRequest(req llm.CompletionRequest, tools []llm.ToolDef) (*anthropicRequest, error) {
	system := req.SystemPrompt
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			// Anthropic uses a separate system field.
			system = msg.Content
		case llm.RoleUser:
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentPart{{Type: "text", Text: msg.Content}},
			})
		case llm.RoleAssistant:
			parts := make([]anthropicContentPart, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				parts = append(parts, anthropicContentPart{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, anthropicContentPart{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: json.RawMessage(tc.Arguments),
				})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: parts})
		case llm.RoleTool:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentPart{
					{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content},
				},
			})
		}
	}

	wireTools := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		wireTools = append(wireTools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	wireReq := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Tools:     wireTools,
		StopSeqs:  req.StopSequences,
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		wireReq.Temperature = &temp
	}

	return wireReq, nil
}

// doRequest performs the HTTP round-trip and maps failure status codes to
// the coded error taxonomy.
func (p *AnthropicProvider) doRequest(ctx context.Context, wireReq *anthropicRequest) ([]byte, error) {
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, llm.NewInvalidRequestError(fmt.Sprintf("failed to marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewInvalidRequestError(fmt.Sprintf("failed to build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.NewNetworkError("anthropic request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewNetworkError("failed to read anthropic response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("anthropic", resp.StatusCode, apiErrorMessage(respBody))
	}

	return respBody, nil
}

// parseResponse converts the Anthropic wire response into the canonical shape.
func (p *AnthropicProvider) parseResponse(respBody []byte) (*llm.CompletionResponse, error) {
	var wireResp anthropicResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, types.WrapError(llm.ErrResponseParseFailed, "failed to decode anthropic response", err)
	}

	message := llm.Message{Role: llm.RoleAssistant}
	for _, part := range wireResp.Content {
		switch part.Type {
		case "text":
			message.Content += part.Text
		case "tool_use":
			message.ToolCalls = append(message.ToolCalls, llm.ToolCall{
				ID:        part.ID,
				Name:      part.Name,
				Arguments: string(part.Input),
			})
		}
	}

	return &llm.CompletionResponse{
		ID:           wireResp.ID,
		Model:        wireResp.Model,
		Message:      message,
		FinishReason: anthropicFinishReason(wireResp.StopReason),
		Usage: llm.TokenUsage{
			InputTokens:  wireResp.Usage.InputTokens,
			OutputTokens: wireResp.Usage.OutputTokens,
		},
	}, nil
}

// anthropicFinishReason maps Anthropic stop reasons to canonical ones.
func anthropicFinishReason(stopReason string) llm.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return llm.FinishReasonStop
	case "max_tokens":
		return llm.FinishReasonLength
	case "tool_use":
		return llm.FinishReasonToolCalls
	default:
		return llm.FinishReasonStop
	}
}

// apiErrorMessage extracts the error message from an Anthropic error body.
func apiErrorMessage(body []byte) string {
	var errResp anthropicErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(body)
}

// Health checks provider connectivity. Credential presence is verified
// without spending tokens.
func (p *AnthropicProvider) Health(ctx context.Context) types.HealthStatus {
	if p.apiKey == "" {
		return types.Unhealthy("anthropic API key not configured")
	}
	return types.Healthy("anthropic provider configured")
}
