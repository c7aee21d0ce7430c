package llm

import (
	"fmt"
	"sync"

	"github.com/jlneal/choragen/internal/types"
)

// Budget defines spending limits for a session. Zero values mean unlimited.
type Budget struct {
	// MaxCost is the maximum spend in USD (0 = unlimited)
	MaxCost float64 `json:"max_cost,omitempty"`

	// MaxTokens is the maximum combined input+output tokens (0 = unlimited)
	MaxTokens int `json:"max_tokens,omitempty"`
}

// IsUnlimited reports whether no limits are configured.
func (b Budget) IsUnlimited() bool {
	return b.MaxCost <= 0 && b.MaxTokens <= 0
}

// BudgetState describes where accumulated usage stands relative to a budget.
type BudgetState int

const (
	// BudgetOK means usage is below the warning threshold.
	BudgetOK BudgetState = iota

	// BudgetWarning means usage has crossed 80% of a configured limit.
	BudgetWarning

	// BudgetExceeded means usage has crossed 100% of a configured limit.
	BudgetExceeded
)

// warnFraction is the budget fraction at which a warning is emitted.
const warnFraction = 0.8

// UsageRecord tracks accumulated token usage and cost for one scope.
type UsageRecord struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
	CallCount    int     `json:"call_count"`
}

// TotalTokens returns the combined input and output token count.
func (r UsageRecord) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// UsageTracker accumulates token usage and cost per scope key (typically a
// session ID) and evaluates budgets. All operations are thread-safe.
type UsageTracker struct {
	mu      sync.RWMutex
	usage   map[string]*UsageRecord
	pricing *PricingConfig
}

// NewUsageTracker creates a UsageTracker with the given pricing
// configuration. If pricing is nil, DefaultPricing() is used.
func NewUsageTracker(pricing *PricingConfig) *UsageTracker {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &UsageTracker{
		usage:   make(map[string]*UsageRecord),
		pricing: pricing,
	}
}

// Record accumulates usage for a scope key and returns the updated record.
// Usage with no known pricing is recorded at zero cost.
func (t *UsageTracker) Record(key string, provider, model string, usage TokenUsage) UsageRecord {
	cost, err := t.pricing.CalculateCost(provider, model, usage)
	if err != nil {
		cost = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	record, exists := t.usage[key]
	if !exists {
		record = &UsageRecord{}
		t.usage[key] = record
	}

	record.InputTokens += usage.InputTokens
	record.OutputTokens += usage.OutputTokens
	record.TotalCost += cost
	record.CallCount++

	return *record
}

// Restore seeds the tracker with a previously persisted record, used when
// resuming a session so ceilings account for pre-restart usage.
func (t *UsageTracker) Restore(key string, record UsageRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	copied := record
	t.usage[key] = &copied
}

// Usage returns the accumulated record for a scope key. Returns
// ErrUsageNotFound when nothing has been recorded.
func (t *UsageTracker) Usage(key string) (UsageRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	record, exists := t.usage[key]
	if !exists {
		return UsageRecord{}, types.NewError(ErrUsageNotFound,
			fmt.Sprintf("no usage recorded for %q", key))
	}
	return *record, nil
}

// Evaluate classifies accumulated usage for a scope key against a budget.
// The returned detail names the limit that triggered a non-OK state.
func (t *UsageTracker) Evaluate(key string, budget Budget) (BudgetState, string) {
	if budget.IsUnlimited() {
		return BudgetOK, ""
	}

	t.mu.RLock()
	record, exists := t.usage[key]
	if !exists {
		t.mu.RUnlock()
		return BudgetOK, ""
	}
	current := *record
	t.mu.RUnlock()

	if budget.MaxCost > 0 {
		if current.TotalCost >= budget.MaxCost {
			return BudgetExceeded, fmt.Sprintf("cost %.4f exceeds limit %.4f", current.TotalCost, budget.MaxCost)
		}
		if current.TotalCost >= budget.MaxCost*warnFraction {
			return BudgetWarning, fmt.Sprintf("cost %.4f has reached %.0f%% of limit %.4f",
				current.TotalCost, current.TotalCost/budget.MaxCost*100, budget.MaxCost)
		}
	}

	if budget.MaxTokens > 0 {
		total := current.TotalTokens()
		if total >= budget.MaxTokens {
			return BudgetExceeded, fmt.Sprintf("tokens %d exceed limit %d", total, budget.MaxTokens)
		}
		if float64(total) >= float64(budget.MaxTokens)*warnFraction {
			return BudgetWarning, fmt.Sprintf("tokens %d have reached %.0f%% of limit %d",
				total, float64(total)/float64(budget.MaxTokens)*100, budget.MaxTokens)
		}
	}

	return BudgetOK, ""
}

// Reset clears usage data for a scope key.
func (t *UsageTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.usage, key)
}
