package sshpool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(errors.New("ssh: connect to host x port 22: Connection refused")))
	require.True(t, IsTransient(errors.New("kex_exchange_identification: read: connection reset by peer")))
	require.True(t, IsTransient(&BackoffError{Target: Target{Host: "x"}}))
	require.False(t, IsTransient(errors.New("permission denied (publickey)")))
	require.False(t, IsTransient(nil))
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetry_StopsImmediatelyOnNonTransientError(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("permission denied (publickey)")
	})

	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestWithRetry_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := WithRetry(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("connection timed out")
	})

	require.Error(t, err)
	require.Equal(t, 1, attempts)
}
