package utils

import (
	"errors"
	"net/http"
)

// Domain-level errors raised by the concurrency core. Callers tell them apart
// with errors.Is and decide how to present them.
var (
	// The record changed (or vanished) since the caller last observed it.
	ErrConcurrentModification = errors.New("concurrent_modification")

	// The record to lock does not exist.
	ErrNotFound = errors.New("not_found")

	// An advisory lock could not be obtained within its timeout.
	ErrLockTimeout = errors.New("lock_timeout")

	// Every attempt failed with a contention error.
	ErrTransactionExhausted = errors.New("transaction_exhausted")
)

const (
	ErrCodeRowVersionConflict = "row_version_conflict"
	ErrCodeNotFound           = "not_found"
	ErrCodeSystemBusy         = "system_busy"
	ErrCodeInternal           = "internal_server_error"
)

// AppError is the structured shape handed to the HTTP layer.
type AppError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// AsAppError maps a core error onto the status code and public message a
// controller should respond with.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, ErrConcurrentModification):
		return &AppError{
			StatusCode: http.StatusConflict,
			Code:       ErrCodeRowVersionConflict,
			Message:    "This record was changed by someone else. Reload and try again.",
			Err:        err,
		}
	case errors.Is(err, ErrNotFound):
		return &AppError{
			StatusCode: http.StatusNotFound,
			Code:       ErrCodeNotFound,
			Message:    "The record no longer exists.",
			Err:        err,
		}
	case errors.Is(err, ErrLockTimeout), errors.Is(err, ErrTransactionExhausted):
		return &AppError{
			StatusCode: http.StatusServiceUnavailable,
			Code:       ErrCodeSystemBusy,
			Message:    "The system is busy. Please try again shortly.",
			Err:        err,
		}
	default:
		return &AppError{
			StatusCode: http.StatusInternalServerError,
			Code:       ErrCodeInternal,
			Message:    "An unexpected error occurred",
			Err:        err,
		}
	}
}
