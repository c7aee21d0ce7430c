package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jlneal/choragen/internal/types"
)

// LLM error codes follow the Choragen coded-error pattern.
const (
	// Provider errors
	ErrProviderNotFound      types.ErrorCode = "LLM_PROVIDER_NOT_FOUND"
	ErrProviderInitFailed    types.ErrorCode = "LLM_PROVIDER_INIT_FAILED"
	ErrProviderUnavailable   types.ErrorCode = "LLM_PROVIDER_UNAVAILABLE"
	ErrProviderUnauthorized  types.ErrorCode = "LLM_PROVIDER_UNAUTHORIZED"
	ErrProviderRateLimited   types.ErrorCode = "LLM_PROVIDER_RATE_LIMITED"
	ErrProviderAlreadyExists types.ErrorCode = "LLM_PROVIDER_ALREADY_EXISTS"
	ErrProviderInvalidInput  types.ErrorCode = "LLM_PROVIDER_INVALID_INPUT"

	// Request errors
	ErrInvalidRequest types.ErrorCode = "LLM_INVALID_REQUEST"

	// Completion errors
	ErrCompletionFailed    types.ErrorCode = "LLM_COMPLETION_FAILED"
	ErrResponseParseFailed types.ErrorCode = "LLM_RESPONSE_PARSE_FAILED"

	// Network errors
	ErrNetworkFailed  types.ErrorCode = "LLM_NETWORK_FAILED"
	ErrNetworkTimeout types.ErrorCode = "LLM_NETWORK_TIMEOUT"

	// Budget errors
	ErrBudgetExceeded types.ErrorCode = "LLM_BUDGET_EXCEEDED"
	ErrUsageNotFound  types.ErrorCode = "LLM_USAGE_NOT_FOUND"
)

// IsRetryable determines if an error is transient and may succeed on retry.
// Rate limiting, 5xx responses, and transport resets are retryable; auth
// failures and malformed requests are not.
func IsRetryable(err error) bool {
	var cerr *types.ChoragenError
	if !errors.As(err, &cerr) {
		return false
	}

	if cerr.Retryable {
		return true
	}

	switch cerr.Code {
	case ErrNetworkFailed, ErrNetworkTimeout, ErrProviderRateLimited, ErrProviderUnavailable:
		return true
	default:
		return false
	}
}

// NewProviderNotFoundError creates an error for when a provider is not found.
func NewProviderNotFoundError(providerName string) *types.ChoragenError {
	return types.NewError(ErrProviderNotFound, "provider not found: "+providerName)
}

// NewProviderUnavailableError creates a retryable error for a temporarily
// unavailable provider (5xx responses, overloads).
func NewProviderUnavailableError(providerName string, cause error) *types.ChoragenError {
	return &types.ChoragenError{
		Code:      ErrProviderUnavailable,
		Message:   "provider temporarily unavailable: " + providerName,
		Retryable: true,
		Cause:     cause,
	}
}

// NewRateLimitError creates a retryable error for rate limiting.
func NewRateLimitError(providerName string) *types.ChoragenError {
	return &types.ChoragenError{
		Code:      ErrProviderRateLimited,
		Message:   "rate limit exceeded for provider: " + providerName,
		Retryable: true,
	}
}

// NewAuthError creates a non-retryable authentication error.
func NewAuthError(providerName string, cause error) *types.ChoragenError {
	return &types.ChoragenError{
		Code:    ErrProviderUnauthorized,
		Message: fmt.Sprintf("provider '%s' authentication failed", providerName),
		Cause:   cause,
	}
}

// NewInvalidRequestError creates a non-retryable error for invalid requests.
func NewInvalidRequestError(message string) *types.ChoragenError {
	return types.NewError(ErrInvalidRequest, message)
}

// NewNetworkError creates a retryable error for network failures.
func NewNetworkError(message string, cause error) *types.ChoragenError {
	return &types.ChoragenError{
		Code:      ErrNetworkFailed,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewCompletionError creates an error for completion failures.
func NewCompletionError(message string, cause error) *types.ChoragenError {
	return types.WrapError(ErrCompletionFailed, message, cause)
}

// TranslateError maps a generic provider error into a coded error based on
// the error message content. Already-coded errors pass through unchanged.
func TranslateError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var cerr *types.ChoragenError
	if errors.As(err, &cerr) {
		return err
	}

	lowerMsg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(lowerMsg, "unauthorized") || strings.Contains(lowerMsg, "authentication") || strings.Contains(lowerMsg, "api key"):
		return NewAuthError(provider, err)
	case strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests"):
		return NewRateLimitError(provider)
	case strings.Contains(lowerMsg, "timeout") || strings.Contains(lowerMsg, "deadline"):
		return types.NewRetryableError(ErrNetworkTimeout, err.Error())
	case strings.Contains(lowerMsg, "network") || strings.Contains(lowerMsg, "connection"):
		return NewNetworkError(err.Error(), err)
	default:
		return NewProviderUnavailableError(provider, err)
	}
}
