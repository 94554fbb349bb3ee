package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitRejectsInvalidRate(t *testing.T) {
	l := New()
	require.Error(t, l.Wait(context.Background(), "lane", 0))
	require.Error(t, l.Wait(context.Background(), "lane", -1))
}

func TestWaitSerializesSameLane(t *testing.T) {
	l := New()
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx, "lane-a", 100)) // 10ms interval
	}
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestWaitIndependentLanes(t *testing.T) {
	l := New()
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "lane-a", 1))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "lane-b", 1))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitRespectsCancellation(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Wait(ctx, "lane-c", 1)) // first call schedules next ~1s out
	cancel()
	err := l.Wait(ctx, "lane-c", 1)
	require.Error(t, err)
}
