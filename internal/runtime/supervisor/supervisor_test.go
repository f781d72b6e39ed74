package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRestartRecoversPanics(t *testing.T) {
	sup := NewSupervisor(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})

	sup.GoRestart("flaky", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			panic("boom")
		}
		close(done)
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not restarted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := sup.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: boom")

	stats := sup.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(2), stats[0].Panics)
	assert.Equal(t, uint64(2), stats[0].Restarts)
	assert.Zero(t, stats[0].Active)
}

func TestGoRestartGivesUp(t *testing.T) {
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	var calls atomic.Int32
	sup.GoRestart("broken", func(context.Context) error {
		calls.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-sup.Context().Done():
	case <-ctx.Done():
		t.Fatal("supervisor context not cancelled")
	}
	require.Error(t, sup.Wait(ctx))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGoCleanExit(t *testing.T) {
	sup := NewSupervisor(context.Background())
	sup.Go("once", func(context.Context) error { return nil })
	require.NoError(t, sup.Wait(context.Background()))
}
