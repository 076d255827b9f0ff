package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string for categorizing dispatch errors.
type ErrorCode string

// Complete error code constants for the dispatch engine.
// All components MUST use these constants instead of hardcoded strings.
const (
	// Configuration errors. Fatal for the affected tick only, never for
	// the process.
	ErrCodeConfigUnknownTenant ErrorCode = "configuration_unknown_tenant"
	ErrCodeConfigInvalid       ErrorCode = "configuration_invalid"

	// Guard errors. The guard store being unreachable degrades to
	// block-enqueue rather than risking a double fire.
	ErrCodeGuardUnavailable ErrorCode = "guard_unavailable"

	// Transport errors. Retryable by the dispatcher up to the attempt
	// ceiling.
	ErrCodeTransportUnavailable ErrorCode = "transport_unavailable"

	// Malformed message errors. Never retried; routed straight to the
	// dead-letter queue.
	ErrCodeMessageMalformed ErrorCode = "message_malformed"

	// Dead-letter write errors. Escalated as critical alerts; never
	// swallowed.
	ErrCodeDeadLetterWrite ErrorCode = "deadletter_write_failed"

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// AppError is the standard application error type used throughout the
// dispatcher. All component errors are expressed as AppError to enable
// consistent classification, retry decisions, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the dispatcher may retry the operation that
// produced this error. Only transport-level failures are retryable; all
// other codes are terminal for the attempt sequence.
func (e *AppError) Retryable() bool {
	return e.Code == ErrCodeTransportUnavailable
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details
// attached for observability.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from an error chain. Returns
// ErrCodeInternalUnexpected for errors that are not AppErrors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsRetryable reports whether the error chain contains a retryable
// AppError. Non-AppError values are treated as non-retryable so that
// unknown failures never loop.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return false
}
