package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollRetryOptions_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		if attempts < 4 {
			return errors.New("not yet")
		}
		return nil
	}, PollRetryOptions(context.Background(), time.Millisecond)...)

	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
}

func TestPollRetryOptions_StopsAtDeadline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Retry(ctx, func() error {
		return errors.New("held")
	}, PollRetryOptions(ctx, 5*time.Millisecond)...)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPollRetryOptions_Unrecoverable(t *testing.T) {
	t.Parallel()

	fatal := errors.New("fatal")
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		return retry.Unrecoverable(fatal)
	}, PollRetryOptions(context.Background(), time.Millisecond)...)

	require.Error(t, err)
	assert.True(t, errors.Is(err, fatal))
	assert.Equal(t, 1, attempts)
}

func TestRetryWithResult(t *testing.T) {
	t.Parallel()

	attempts := 0
	got, err := RetryWithResult(context.Background(), func() (int, error) {
		attempts++
		if attempts == 1 {
			return 0, errors.New("database is locked")
		}
		return 42, nil
	}, DatabaseRetryOptions(context.Background())...)

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, attempts)
}

func TestIsTransientFileError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", &os.PathError{Op: "remove", Path: "/x", Err: syscall.EBUSY}, true},
		{"not empty", fmt.Errorf("wrapped: %w", syscall.ENOTEMPTY), true},
		{"permission", &os.PathError{Op: "remove", Path: "/x", Err: syscall.EACCES}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransientFileError(tt.err))
		})
	}
}

func TestIsDatabaseLocked(t *testing.T) {
	t.Parallel()

	assert.False(t, IsDatabaseLocked(nil))
	assert.True(t, IsDatabaseLocked(errors.New("sqlite: database is locked (5)")))
	assert.False(t, IsDatabaseLocked(errors.New("disk full")))
}
