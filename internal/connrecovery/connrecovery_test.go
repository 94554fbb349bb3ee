package connrecovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsConnectionError(t *testing.T) {
	require.True(t, IsConnectionError(errors.New("dial tcp: connection refused")))
	require.True(t, IsConnectionError(errors.New("read: ECONNRESET")))
	require.False(t, IsConnectionError(errors.New("400 bad request")))
}

func TestDoReturnsImmediatelyOnNonConnectionError(t *testing.T) {
	sentinel := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), Options{}, func(error) bool { return false }, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	opts := Options{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), opts, func(error) bool { return true }, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoAbortsOnCancellation(t *testing.T) {
	opts := Options{InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, opts, func(error) bool { return true }, func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	require.ErrorIs(t, err, ErrAborted)
}
