package utils

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsAppError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"conflict", fmt.Errorf("%w: tasks 1 at version 3", ErrConcurrentModification), http.StatusConflict, ErrCodeRowVersionConflict},
		{"not found", fmt.Errorf("%w: row 1", ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"lock timeout", fmt.Errorf("%w: \"import\" not acquired", ErrLockTimeout), http.StatusServiceUnavailable, ErrCodeSystemBusy},
		{"exhausted", fmt.Errorf("%w after 3 attempts: deadlock", ErrTransactionExhausted), http.StatusServiceUnavailable, ErrCodeSystemBusy},
		{"other", errors.New("disk full"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			appErr := AsAppError(tc.err)
			require.Equal(t, tc.status, appErr.StatusCode)
			require.Equal(t, tc.code, appErr.Code)
			require.NotEmpty(t, appErr.Message)
			require.ErrorIs(t, appErr, tc.err)
		})
	}
}

func TestAsAppError_PassesThroughExisting(t *testing.T) {
	orig := &AppError{StatusCode: http.StatusTeapot, Code: "teapot", Message: "short and stout"}
	require.Same(t, orig, AsAppError(fmt.Errorf("wrapped: %w", orig)))
	require.Equal(t, "short and stout", orig.Error())
}
