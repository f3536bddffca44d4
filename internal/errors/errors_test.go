// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrValidation,
		ErrDatabase, ErrMigration, ErrConstraint,
		ErrSyncNetwork, ErrSyncPermanent, ErrSyncConflict, ErrSyncAuthFailed,
		ErrSyncOffline, ErrSyncInProgress, ErrSyncTimeout, ErrSyncRemote,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "insert failed", Err: errors.New("disk full")},
			want:     "[DATABASE_ERROR] insert failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

// TestIs_walksWrappedChain verifies codes are found through fmt wrapping and nested AppErrors.
func TestIs_walksWrappedChain(t *testing.T) {
	inner := New(ErrSyncNetwork, "connection refused")
	outer := Wrap(ErrSyncPermanent, "retry budget exhausted", inner)
	wrapped := fmt.Errorf("action 7: %w", outer)

	assert.True(t, Is(wrapped, ErrSyncPermanent))
	assert.True(t, Is(wrapped, ErrSyncNetwork))
	assert.False(t, Is(wrapped, ErrMigration))
	assert.False(t, Is(nil, ErrInternal))
	assert.False(t, Is(errors.New("plain"), ErrInternal))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrSyncOffline, CodeOf(fmt.Errorf("x: %w", New(ErrSyncOffline, "offline"))))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(ErrSyncNetwork, "reset")))
	assert.True(t, IsTransient(New(ErrSyncTimeout, "deadline")))
	assert.False(t, IsTransient(New(ErrSyncAuthFailed, "401")))
}

func TestNewf(t *testing.T) {
	err := Newf(ErrInvalid, "unknown entity kind %q", "widgets")
	assert.Equal(t, `[INVALID_INPUT] unknown entity kind "widgets"`, err.Error())
}
