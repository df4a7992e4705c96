package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerSkipsWhileBusy(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	var started, concurrent, maxConcurrent atomic.Int32
	err := s.Run(ctx, func(ctx context.Context, _ time.Time) error {
		started.Add(1)
		n := concurrent.Add(1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		defer concurrent.Add(-1)
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
		return nil
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, maxConcurrent.Load())
	assert.Greater(t, s.Skipped(), int64(0))
	assert.GreaterOrEqual(t, started.Load(), int32(1))
	assert.Zero(t, concurrent.Load(), "Run waits for the in-flight tick")
}

func TestSchedulerKeepsGoingAfterTickError(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	err := s.Run(ctx, func(context.Context, time.Time) error {
		if calls.Add(1) >= 3 {
			cancel()
		}
		return errors.New("upstream down")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC), s.bucketStart(now.Add(30*time.Second)))

	onBoundary := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, onBoundary.Add(time.Minute), s.nextTick(onBoundary))
}

func TestStartupDelayHonoursCancel(t *testing.T) {
	s := New(Options{Interval: time.Minute, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not run")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
