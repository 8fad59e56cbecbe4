package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "retryable backend", err: RetryableBackend("create", errors.New("overloaded")), want: true},
		{name: "permanent backend", err: PermanentBackend("create", errors.New("quota exhausted")), want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: true},
		{name: "wrapped deadline", err: fmt.Errorf("attach: %w", context.DeadlineExceeded), want: true},
		{name: "wrapped retryable", err: fmt.Errorf("provision: %w", RetryableBackend("create", errors.New("timeout"))), want: true},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "validation", err: Validationf("bad class %q", "x"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsValidation(t *testing.T) {
	err := Validationf("capacity %d below class minimum", 5)
	assert.True(t, IsValidation(err))
	assert.True(t, IsValidation(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsValidation(errors.New("other")))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(fmt.Errorf("update volume: %w", ErrVersionConflict)))
	assert.False(t, IsConflict(ErrConflict))
}

func TestIsWait(t *testing.T) {
	assert.True(t, IsWait(fmt.Errorf("clone: %w", ErrSnapshotNotReady)))
	assert.True(t, IsWait(ErrVolumeInUse))
	assert.False(t, IsWait(ErrNotFound))
}

func TestBackendErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := PermanentBackend("createVolume", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "permanent")
}
