package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsRetryableStatus(t *testing.T) {
	for _, s := range []int{429, 502, 503, 529} {
		require.True(t, IsRetryableStatus(s), "status %d", s)
	}
	for _, s := range []int{200, 400, 401, 404, 500} {
		require.False(t, IsRetryableStatus(s), "status %d", s)
	}
}

func TestDelayHonorsRetryAfter(t *testing.T) {
	cfg := DefaultConfig()
	ra := 7 * time.Second
	d := Delay(cfg, 0, &ra)
	require.Equal(t, 7*time.Second, d)
}

func TestDelayCapsAtMax(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	d := Delay(cfg, 10, nil) // would be huge uncapped
	require.LessOrEqual(t, d, 3*time.Second)
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), nil, nil, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad request")
	err := Do(context.Background(), DefaultConfig(),
		func(err error) (bool, *time.Duration) { return false, nil },
		nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return sentinel
		})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg,
		func(err error) (bool, *time.Duration) { return true, nil },
		nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("transient")
		})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestDoRespectsCancellation(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg,
		func(err error) (bool, *time.Duration) { return true, nil },
		nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("transient")
		})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
