package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRunImmediatelyThenPeriodic(t *testing.T) {
	s := New(Options{Interval: 20 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if ticks.Add(1) >= 3 {
				cancel()
			}
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.GreaterOrEqual(t, ticks.Load(), int32(3))
}

func TestStartupDelayHonoursCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour, RunImmediately: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.Run(ctx, func(context.Context, time.Time) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 8, 7, 30, 0, time.UTC)
	require.Equal(t, time.Date(2024, 5, 1, 8, 10, 0, 0, time.UTC), s.nextTick(now))

	onBoundary := time.Date(2024, 5, 1, 8, 10, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 5, 1, 8, 15, 0, 0, time.UTC), s.nextTick(onBoundary))

	free := New(Options{Interval: 5 * time.Minute}, zerolog.Nop())
	require.Equal(t, now.Add(5*time.Minute), free.nextTick(now))
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	require.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
