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

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("failing", func(context.Context) error { return boom })
	s.Go0("waiting", func(ctx context.Context) { <-ctx.Done() })

	err := s.Wait(waitCtx(t))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")
	assert.Error(t, s.Context().Err())
}

func TestGoRecoversPanic(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go0("panicky", func(context.Context) { panic("oops") })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, 1, snap.Tasks[0].Panics)
	assert.Equal(t, 0, snap.Tasks[0].Active)
}

func TestCancellationIsCleanStop(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.Empty(t, s.Snapshot().FirstError)
}

func TestGoRestartRestartsUntilCleanExit(t *testing.T) {
	s := NewSupervisor(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	require.NoError(t, s.Wait(waitCtx(t)))
	assert.Equal(t, int32(3), calls.Load())

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, 3, snap.Tasks[0].Runs)
	assert.Equal(t, 2, snap.Tasks[0].Restarts)
	assert.Equal(t, "transient", snap.Tasks[0].LastErr)
}

func TestGoRestartKeepsRunningOnCleanExitWhenAsked(t *testing.T) {
	s := NewSupervisor(context.Background())
	var calls atomic.Int32
	s.GoRestart0("poll", func(context.Context) {
		if calls.Add(1) == 3 {
			s.Cancel()
		}
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithStopOnCleanExit(false))

	require.NoError(t, s.Wait(waitCtx(t)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go0("forever", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
	require.NoError(t, s.Stop(waitCtx(t)))
}
