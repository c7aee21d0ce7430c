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

// OpenAIProvider implements llm.Provider against the OpenAI chat
// completions API. It also serves OpenAI-compatible endpoints via BaseURL.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider creates a provider for the OpenAI chat completions API.
func NewOpenAIProvider(cfg llm.ProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, llm.NewAuthError("openai", nil)
	}
	return &OpenAIProvider{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.GetBaseURL(),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return string(llm.ProviderOpenAI)
}

// OpenAI API wire types

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string            `json:"type"`
	Function openaiFunctionDef `json:"function"`
}

type openaiFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends a completion request without tools.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.CompleteWithTools(ctx, req, nil)
}

// CompleteWithTools sends a completion request with tool definitions.
func (p *OpenAIProvider) CompleteWithTools(ctx context.Context, req llm.CompletionRequest, tools []llm.ToolDef) (*llm.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, llm.NewInvalidRequestError(err.Error())
	}

	messages := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		messages = append(messages, toOpenAIMessage(msg))
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

	wireReq := openaiRequest{
		Model:     req.Model,
		Messages:  messages,
		Tools:     wireTools,
		MaxTokens: req.MaxTokens,
		Stop:      req.StopSequences,
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		wireReq.Temperature = &temp
	}

	respBody, err := p.doRequest(ctx, wireReq)
	if err != nil {
		return nil, err
	}

	return parseOpenAIResponse(respBody)
}

// toOpenAIMessage converts a canonical message to the OpenAI wire format.
func toOpenAIMessage(msg llm.Message) openaiMessage {
	out := openaiMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openaiToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: openaiFunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return out
}

// doRequest performs the HTTP round-trip.
func (p *OpenAIProvider) doRequest(ctx context.Context, wireReq openaiRequest) ([]byte, error) {
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, llm.NewInvalidRequestError(fmt.Sprintf("failed to marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewInvalidRequestError(fmt.Sprintf("failed to build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.NewNetworkError("openai request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewNetworkError("failed to read openai response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp openaiErrorResponse
		message := string(respBody)
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
		}
		return nil, statusError("openai", resp.StatusCode, message)
	}

	return respBody, nil
}

// parseOpenAIResponse converts the wire response into the canonical shape.
func parseOpenAIResponse(respBody []byte) (*llm.CompletionResponse, error) {
	var wireResp openaiResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, types.WrapError(llm.ErrResponseParseFailed, "failed to decode openai response", err)
	}

	if len(wireResp.Choices) == 0 {
		return nil, types.NewError(llm.ErrResponseParseFailed, "openai response contained no choices")
	}

	choice := wireResp.Choices[0]
	message := llm.Message{
		Role:    llm.RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		message.ToolCalls = append(message.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return &llm.CompletionResponse{
		ID:           wireResp.ID,
		Model:        wireResp.Model,
		Message:      message,
		FinishReason: openaiFinishReason(choice.FinishReason),
		Usage: llm.TokenUsage{
			InputTokens:  wireResp.Usage.PromptTokens,
			OutputTokens: wireResp.Usage.CompletionTokens,
		},
	}, nil
}

// openaiFinishReason maps OpenAI finish reasons to canonical ones.
func openaiFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonLength
	case "tool_calls", "function_call":
		return llm.FinishReasonToolCalls
	default:
		return llm.FinishReasonStop
	}
}

// Health checks provider connectivity.
func (p *OpenAIProvider) Health(ctx context.Context) types.HealthStatus {
	if p.apiKey == "" {
		return types.Unhealthy("openai API key not configured")
	}
	return types.Healthy("openai provider configured")
}
