package providers

import (
	"fmt"

	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/types"
)

// NewProvider creates a provider from configuration. The adapter is
// selected by the configured type, not by conditional branching in the
// session loop.
func NewProvider(cfg llm.ProviderConfig) (llm.Provider, error) {
	switch cfg.Type {
	case llm.ProviderAnthropic:
		return NewAnthropicProvider(cfg)

	case llm.ProviderOpenAI:
		return NewOpenAIProvider(cfg)

	case llm.ProviderGoogle:
		return NewGoogleProvider(cfg)

	case llm.ProviderLocal:
		return NewLocalProvider(cfg)

	case llm.ProviderMock:
		return NewMockProvider(), nil

	default:
		return nil, types.NewError(llm.ErrProviderInvalidInput,
			fmt.Sprintf("unknown provider type: %s", cfg.Type))
	}
}
