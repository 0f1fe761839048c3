// Package errors provides error codes shared by the homestock server and
// client, and their mapping to HTTP status codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a machine-readable error code carried in API responses.
type ErrorCode string

const (
	// General errors
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrInvalid      ErrorCode = "INVALID_INPUT"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrDuplicate    ErrorCode = "DUPLICATE"
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Plan policy errors
	ErrPlanLimitReached ErrorCode = "PLAN_LIMIT_REACHED"

	// Sync errors
	ErrCursorExpired ErrorCode = "CURSOR_EXPIRED"
	ErrSyncFailed    ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout   ErrorCode = "SYNC_TIMEOUT"
	ErrQueueFull     ErrorCode = "QUEUE_FULL"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if err, or any error it wraps, is an AppError with code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// HTTPStatus maps an error code to the HTTP status the server responds with.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalid, ErrValidation:
		return http.StatusBadRequest
	case ErrDuplicate:
		return http.StatusConflict
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrPlanLimitReached:
		return http.StatusForbidden
	case ErrCursorExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
