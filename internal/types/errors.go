package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for Choragen runtime errors.
type ErrorCode string

// Configuration error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_PARSE_FAILED      ErrorCode = "CONFIG_PARSE_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
	CONFIG_NO_CREDENTIALS    ErrorCode = "CONFIG_NO_CREDENTIALS"
)

// Store error codes
const (
	STORE_READ_FAILED   ErrorCode = "STORE_READ_FAILED"
	STORE_WRITE_FAILED  ErrorCode = "STORE_WRITE_FAILED"
	STORE_NOT_FOUND     ErrorCode = "STORE_NOT_FOUND"
	STORE_DECODE_FAILED ErrorCode = "STORE_DECODE_FAILED"
)

// ChoragenError represents a structured error with error code, message, and
// optional cause. It supports error wrapping and retryability hints for
// error handling logic across the runtime.
type ChoragenError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *ChoragenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *ChoragenError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
// Returns true if target is a ChoragenError with the same Code.
func (e *ChoragenError) Is(target error) bool {
	var cerr *ChoragenError
	if errors.As(target, &cerr) {
		return e.Code == cerr.Code
	}
	return false
}

// NewError creates a new non-retryable ChoragenError with the given code and message.
func NewError(code ErrorCode, message string) *ChoragenError {
	return &ChoragenError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     nil,
	}
}

// NewRetryableError creates a new retryable ChoragenError with the given code and message.
// Use this for transient errors that may succeed on retry (e.g., network timeouts).
func NewRetryableError(code ErrorCode, message string) *ChoragenError {
	return &ChoragenError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     nil,
	}
}

// WrapError creates a new non-retryable ChoragenError that wraps an existing error.
// The wrapped error is accessible via Unwrap() for error chain inspection.
func WrapError(code ErrorCode, message string, cause error) *ChoragenError {
	return &ChoragenError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// CodeOf extracts the error code from an error chain.
// Returns an empty code if the chain contains no ChoragenError.
func CodeOf(err error) ErrorCode {
	var cerr *ChoragenError
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return ""
}
