package providers

import (
	"fmt"
	"net/http"

	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/types"
)

// statusError maps an HTTP failure status to the coded error taxonomy.
// 429 and 5xx responses are transient and retryable; 401/403 and other
// 4xx responses are terminal.
func statusError(provider string, statusCode int, message string) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return llm.NewRateLimitError(provider)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return llm.NewAuthError(provider, fmt.Errorf("%s", message))
	case statusCode >= 500:
		return llm.NewProviderUnavailableError(provider, fmt.Errorf("status %d: %s", statusCode, message))
	default:
		return types.WrapError(llm.ErrInvalidRequest,
			fmt.Sprintf("%s rejected request with status %d", provider, statusCode),
			fmt.Errorf("%s", message))
	}
}
