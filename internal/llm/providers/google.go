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

// GoogleProvider implements llm.Provider against the Gemini
// generateContent API.
type GoogleProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGoogleProvider creates a provider for the Gemini API.
func NewGoogleProvider(cfg llm.ProviderConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, llm.NewAuthError("google", nil)
	}
	return &GoogleProvider{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.GetBaseURL(),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Name returns the provider name.
func (p *GoogleProvider) Name() string {
	return string(llm.ProviderGoogle)
}

// Gemini API wire types

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	Tools             []geminiTool     `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Complete sends a completion request without tools.
func (p *GoogleProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.CompleteWithTools(ctx, req, nil)
}

// CompleteWithTools sends a completion request with tool definitions.
func (p *GoogleProvider) CompleteWithTools(ctx context.Context, req llm.CompletionRequest, tools []llm.ToolDef) (*llm.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, llm.NewInvalidRequestError(err.Error())
	}

	wireReq := geminiRequest{}
	if req.SystemPrompt != "" {
		wireReq.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		}
	}

	for _, msg := range req.Messages {
		content, ok := toGeminiContent(msg)
		if ok {
			wireReq.Contents = append(wireReq.Contents, content)
		}
	}

	if len(tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		wireReq.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	genConfig := &geminiGenConfig{
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.StopSequences,
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		genConfig.Temperature = &temp
	}
	wireReq.GenerationConfig = genConfig

	respBody, err := p.doRequest(ctx, req.Model, wireReq)
	if err != nil {
		return nil, err
	}

	return p.parseResponse(respBody, req.Model)
}

// toGeminiContent converts a canonical message to the Gemini wire format.
// System messages are handled via systemInstruction and skipped here.
func toGeminiContent(msg llm.Message) (geminiContent, bool) {
	switch msg.Role {
	case llm.RoleUser:
		return geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}}, true
	case llm.RoleAssistant:
		parts := make([]geminiPart, 0, 1+len(msg.ToolCalls))
		if msg.Content != "" {
			parts = append(parts, geminiPart{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(tc.Arguments), &args)
			parts = append(parts, geminiPart{
				FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args},
			})
		}
		return geminiContent{Role: "model", Parts: parts}, true
	case llm.RoleTool:
		return geminiContent{
			Role: "user",
			Parts: []geminiPart{{
				FunctionResponse: &geminiFunctionResponse{
					Name:     msg.ToolCallID,
					Response: map[string]any{"content": msg.Content},
				},
			}},
		}, true
	default:
		return geminiContent{}, false
	}
}

// doRequest performs the HTTP round-trip.
func (p *GoogleProvider) doRequest(ctx context.Context, model string, wireReq geminiRequest) ([]byte, error) {
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, llm.NewInvalidRequestError(fmt.Sprintf("failed to marshal request: %v", err))
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewInvalidRequestError(fmt.Sprintf("failed to build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.NewNetworkError("google request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewNetworkError("failed to read google response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("google", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// parseResponse converts the Gemini wire response into the canonical shape.
func (p *GoogleProvider) parseResponse(respBody []byte, model string) (*llm.CompletionResponse, error) {
	var wireResp geminiResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, types.WrapError(llm.ErrResponseParseFailed, "failed to decode google response", err)
	}

	if len(wireResp.Candidates) == 0 {
		return nil, types.NewError(llm.ErrResponseParseFailed, "google response contained no candidates")
	}

	candidate := wireResp.Candidates[0]
	message := llm.Message{Role: llm.RoleAssistant}
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			message.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			// Gemini does not assign call IDs; synthesize one so tool
			// results can be correlated.
			message.ToolCalls = append(message.ToolCalls, llm.ToolCall{
				ID:        uuid.New().String(),
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}

	finish := llm.FinishReasonStop
	switch candidate.FinishReason {
	case "MAX_TOKENS":
		finish = llm.FinishReasonLength
	}
	if len(message.ToolCalls) > 0 {
		finish = llm.FinishReasonToolCalls
	}

	return &llm.CompletionResponse{
		ID:           uuid.New().String(),
		Model:        model,
		Message:      message,
		FinishReason: finish,
		Usage: llm.TokenUsage{
			InputTokens:  wireResp.UsageMetadata.PromptTokenCount,
			OutputTokens: wireResp.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

// Health checks provider connectivity.
func (p *GoogleProvider) Health(ctx context.Context) types.HealthStatus {
	if p.apiKey == "" {
		return types.Unhealthy("google API key not configured")
	}
	return types.Healthy("google provider configured")
}
