package pysys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRequiresCallback(t *testing.T) {
	scheduler := NewDefaultTestScheduler(time.Second, true, log.NewLogger(log.DiscardHandler()))
	err := scheduler.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "callback must be registered")
}

func TestSchedulerRunOnce(t *testing.T) {
	scheduler := NewDefaultTestScheduler(10*time.Millisecond, true, log.NewLogger(log.DiscardHandler()))

	callCount := 0
	scheduler.RegisterCallback(func(ctx context.Context) error {
		callCount++
		return nil
	})

	require.NoError(t, scheduler.Start(context.Background()))
	assert.Equal(t, 1, callCount, "run-once mode must call the callback exactly once")

	// No periodic goroutine means no further calls.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, callCount)
}

func TestSchedulerRunOncePropagatesError(t *testing.T) {
	scheduler := NewDefaultTestScheduler(10*time.Millisecond, true, log.NewLogger(log.DiscardHandler()))

	wantErr := errors.New("descriptor parse failed")
	scheduler.RegisterCallback(func(ctx context.Context) error {
		return wantErr
	})

	err := scheduler.Start(context.Background())
	require.ErrorIs(t, err, wantErr)
}

func TestSchedulerPeriodic(t *testing.T) {
	scheduler := NewDefaultTestScheduler(10*time.Millisecond, false, log.NewLogger(log.DiscardHandler()))

	callChan := make(chan struct{}, 10)
	scheduler.RegisterCallback(func(ctx context.Context) error {
		select {
		case callChan <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, scheduler.Start(ctx))

	for i := 0; i < 3; i++ {
		select {
		case <-callChan:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for periodic run %d", i+1)
		}
	}

	require.NoError(t, scheduler.Stop())
	assert.True(t, scheduler.Stopped())
	require.NoError(t, scheduler.WaitForShutdown(ctx))

	// Drain anything in flight, then confirm the ticks stopped.
	for {
		select {
		case <-callChan:
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	select {
	case <-callChan:
		t.Fatal("callback ran after the scheduler stopped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerStopTwice(t *testing.T) {
	scheduler := NewDefaultTestScheduler(time.Hour, false, log.NewLogger(log.DiscardHandler()))
	scheduler.RegisterCallback(func(ctx context.Context) error { return nil })

	require.NoError(t, scheduler.Start(context.Background()))
	require.NoError(t, scheduler.Stop())
	require.NoError(t, scheduler.Stop(), "second stop must be a no-op")
	require.NoError(t, scheduler.WaitForShutdown(context.Background()))
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	scheduler := NewDefaultTestScheduler(10*time.Millisecond, false, log.NewLogger(log.DiscardHandler()))
	scheduler.RegisterCallback(func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, scheduler.Start(ctx))
	cancel()

	require.NoError(t, scheduler.WaitForShutdown(context.Background()))
	assert.True(t, scheduler.Stopped())
}
