// Package errors provides custom error types for the promptvault service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeVerificationFailed = "VERIFICATION_FAILED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeStoreUnavailable   = "STORE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// VerificationFailed creates an error for a write that succeeded at the I/O
// layer but is not reflected by a subsequent read. It is retryable: a
// re-attempt re-reads current state, so a write that in fact landed verifies
// trivially on the next pass.
func VerificationFailed(operation string, recordID string) *AppError {
	return &AppError{
		Code:       ErrCodeVerificationFailed,
		Message:    fmt.Sprintf("%s verification failed for record '%s'", operation, recordID),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// RetryExhausted creates the aggregated error surfaced to the caller when an
// operation has failed all of its attempts.
func RetryExhausted(operation string, attempts int, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRetryExhausted,
		Message:    fmt.Sprintf("operation %s failed after %d retries: %v", operation, attempts, err),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// StoreUnavailable creates an error for a backing store that cannot be reached.
func StoreUnavailable(backend string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStoreUnavailable,
		Message:    fmt.Sprintf("backing store '%s' is unavailable", backend),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsVerificationFailed checks if the error is a verification failure.
func IsVerificationFailed(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeVerificationFailed
	}
	return false
}

// IsRetryExhausted checks if the error is an exhausted-retries failure.
func IsRetryExhausted(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeRetryExhausted
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
