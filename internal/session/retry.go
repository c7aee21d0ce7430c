package session

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how transient provider errors are retried.
// Non-transient errors are never retried regardless of policy.
type RetryPolicy struct {
	// MaxRetries is the number of retry attempts after the first call.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// Multiplier is the factor by which the delay grows per attempt.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Jitter is the fraction of the delay randomized to avoid thundering
	// herds, in [0, 1].
	Jitter float64 `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns the standard exponential backoff policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// CalculateDelay computes the backoff delay before retry attempt n
// (0-based): initial delay doubled per attempt, capped, jittered.
func (rp RetryPolicy) CalculateDelay(attempt int) time.Duration {
	multiplier := rp.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := time.Duration(float64(rp.InitialDelay) * math.Pow(multiplier, float64(attempt)))
	if rp.MaxDelay > 0 && delay > rp.MaxDelay {
		delay = rp.MaxDelay
	}

	if rp.Jitter > 0 {
		spread := float64(delay) * rp.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
