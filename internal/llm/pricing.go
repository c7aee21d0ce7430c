package llm

import (
	"fmt"
	"sync"

	"github.com/jlneal/choragen/internal/types"
)

// ModelPricing contains pricing information for a specific model.
// Prices are specified per 1 million tokens.
type ModelPricing struct {
	InputPer1M  float64 `mapstructure:"input_per_1m" yaml:"input_per_1m"`
	OutputPer1M float64 `mapstructure:"output_per_1m" yaml:"output_per_1m"`
}

// PricingConfig manages pricing information for all providers and models.
// It maintains a hierarchical map structure: provider -> model -> pricing.
type PricingConfig struct {
	mu      sync.RWMutex
	Pricing map[string]map[string]ModelPricing `mapstructure:"pricing" yaml:"pricing"`
}

// NewPricingConfig creates an empty PricingConfig.
func NewPricingConfig() *PricingConfig {
	return &PricingConfig{
		Pricing: make(map[string]map[string]ModelPricing),
	}
}

// DefaultPricing returns a PricingConfig populated with known model prices
// for the major providers.
func DefaultPricing() *PricingConfig {
	config := NewPricingConfig()

	config.Pricing["anthropic"] = map[string]ModelPricing{
		"claude-3-opus":     {InputPer1M: 15.00, OutputPer1M: 75.00},
		"claude-3-5-sonnet": {InputPer1M: 3.00, OutputPer1M: 15.00},
		"claude-3-haiku":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	}

	config.Pricing["openai"] = map[string]ModelPricing{
		"gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.00},
		"gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
		"gpt-4-turbo":   {InputPer1M: 10.00, OutputPer1M: 30.00},
		"gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},
	}

	config.Pricing["google"] = map[string]ModelPricing{
		"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.00},
		"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
	}

	// Local models have no per-token cost.
	config.Pricing["local"] = map[string]ModelPricing{}

	return config
}

// SetPricing sets the pricing for a provider/model pair.
func (c *PricingConfig) SetPricing(provider, model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Pricing[provider] == nil {
		c.Pricing[provider] = make(map[string]ModelPricing)
	}
	c.Pricing[provider][model] = pricing
}

// CalculateCost computes the USD cost of the given usage for a provider
// and model. Unknown models under a known provider fall back to a prefix
// match (e.g. "claude-3-5-sonnet-20241022" matches "claude-3-5-sonnet").
// Returns ErrUsageNotFound when no pricing applies.
func (c *PricingConfig) CalculateCost(provider, model string, usage TokenUsage) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	models, ok := c.Pricing[provider]
	if !ok {
		return 0, types.NewError(ErrUsageNotFound,
			fmt.Sprintf("no pricing for provider %q", provider))
	}

	pricing, ok := models[model]
	if !ok {
		pricing, ok = prefixMatch(models, model)
	}
	if !ok {
		// Local/self-hosted providers legitimately have no pricing table.
		if len(models) == 0 {
			return 0, nil
		}
		return 0, types.NewError(ErrUsageNotFound,
			fmt.Sprintf("no pricing for model %q on provider %q", model, provider))
	}

	inputCost := float64(usage.InputTokens) / 1_000_000 * pricing.InputPer1M
	outputCost := float64(usage.OutputTokens) / 1_000_000 * pricing.OutputPer1M
	return inputCost + outputCost, nil
}

// prefixMatch finds the longest pricing key that is a prefix of the model
// name. Vendors append date suffixes to model identifiers.
func prefixMatch(models map[string]ModelPricing, model string) (ModelPricing, bool) {
	var best string
	var found ModelPricing
	for key, pricing := range models {
		if len(key) <= len(model) && model[:len(key)] == key && len(key) > len(best) {
			best = key
			found = pricing
		}
	}
	return found, best != ""
}
