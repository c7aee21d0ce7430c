package llm

import (
	"fmt"
	"strings"

	"github.com/jlneal/choragen/internal/types"
)

// ProviderType represents the type of model provider.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderGoogle    ProviderType = "google"
	ProviderLocal     ProviderType = "local"
	ProviderMock      ProviderType = "mock"
)

// IsValid checks if the provider type is a known value.
func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderLocal, ProviderMock:
		return true
	default:
		return false
	}
}

// ProviderConfig contains configuration for a specific provider: the
// vendor adapter to use, credentials, endpoint, and default model.
type ProviderConfig struct {
	Type         ProviderType `mapstructure:"type" yaml:"type"`
	APIKey       string       `mapstructure:"api_key" yaml:"api_key"`
	BaseURL      string       `mapstructure:"base_url" yaml:"base_url"`
	DefaultModel string       `mapstructure:"default_model" yaml:"default_model"`
}

// Validate performs validation on the ProviderConfig. Local and mock
// providers do not require an API key.
func (p *ProviderConfig) Validate() error {
	if !p.Type.IsValid() {
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			fmt.Sprintf("invalid provider type '%s', must be one of: anthropic, openai, google, local, mock", p.Type))
	}

	if p.APIKey == "" && p.Type != ProviderLocal && p.Type != ProviderMock {
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			fmt.Sprintf("provider '%s' requires an api_key", p.Type))
	}

	if p.DefaultModel == "" {
		return types.NewError(types.CONFIG_VALIDATION_FAILED, "default_model cannot be empty")
	}

	return nil
}

// GetBaseURL returns the base URL for a provider, with defaults for known
// providers.
func (p *ProviderConfig) GetBaseURL() string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}

	switch p.Type {
	case ProviderAnthropic:
		return "https://api.anthropic.com"
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderGoogle:
		return "https://generativelanguage.googleapis.com/v1beta"
	case ProviderLocal:
		return "http://localhost:11434"
	default:
		return ""
	}
}

// NormalizeProviderName normalizes provider names for consistent lookup.
func NormalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
