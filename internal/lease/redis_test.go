package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meoying/dlock-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "schoolcast/pkg/logx"
)

type fakeLock struct {
	lockErr    error
	block      bool
	refreshErr error

	refreshes atomic.Int32
	unlocks   atomic.Int32
}

func (l *fakeLock) Lock(ctx context.Context) error {
	if l.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return l.lockErr
}

func (l *fakeLock) Unlock(ctx context.Context) error {
	l.unlocks.Add(1)
	return nil
}

func (l *fakeLock) Refresh(ctx context.Context) error {
	l.refreshes.Add(1)
	return l.refreshErr
}

type fakeClient struct {
	mu    sync.Mutex
	lock  *fakeLock
	names []string
}

func (c *fakeClient) NewLock(ctx context.Context, key string, expiration time.Duration) (dlock.Lock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, key)
	return c.lock, nil
}

func newTestDistributed(l *fakeLock, ttl time.Duration) (*Distributed, *fakeClient) {
	c := &fakeClient{lock: l}
	d := NewDistributed(c, ttl, "", logx.Nop())
	d.wait = 50 * time.Millisecond
	return d, c
}

func TestDistributedAcquireErrors(t *testing.T) {
	refused := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	tests := []struct {
		name string
		lock *fakeLock
		held bool
		is   error
	}{
		{name: "locked", lock: &fakeLock{lockErr: dlock.ErrLocked}, held: true},
		{name: "retries exhausted on locked", lock: &fakeLock{lockErr: fmt.Errorf("ekit: retries exhausted: %w", dlock.ErrLocked)}, held: true},
		{name: "wait ran out", lock: &fakeLock{block: true}, held: true, is: context.DeadlineExceeded},
		{name: "connection refused", lock: &fakeLock{lockErr: refused}, is: refused},
		{name: "retries exhausted on refused", lock: &fakeLock{lockErr: fmt.Errorf("ekit: retries exhausted: %w", refused)}, is: refused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDistributed(tt.lock, time.Minute)
			release, err := d.Acquire(context.Background(), "7")
			require.Error(t, err)
			assert.Nil(t, release)
			assert.Equal(t, tt.held, errors.Is(err, ErrHeld))
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			assert.Zero(t, tt.lock.unlocks.Load())
		})
	}
}

func TestDistributedAcquireCancelledIsNotHeld(t *testing.T) {
	d, _ := newTestDistributed(&fakeLock{block: true}, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Acquire(ctx, "7")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDistributedParentDeadlineIsNotHeld(t *testing.T) {
	d, _ := newTestDistributed(&fakeLock{block: true}, time.Minute)
	d.wait = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Acquire(ctx, "7")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDistributedReleaseUnlocksOnce(t *testing.T) {
	l := &fakeLock{}
	d, c := newTestDistributed(l, time.Minute)

	release, err := d.Acquire(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, []string{"schoolcast:lease:7"}, c.names)

	release()
	release()
	assert.EqualValues(t, 1, l.unlocks.Load())
}

func TestDistributedRefreshesWhileHeld(t *testing.T) {
	l := &fakeLock{}
	d, _ := newTestDistributed(l, 30*time.Millisecond)

	release, err := d.Acquire(context.Background(), "7")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return l.refreshes.Load() >= 2 }, time.Second, 5*time.Millisecond)

	release()
	after := l.refreshes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, l.refreshes.Load(), "refresh stops on release")
}

func TestDistributedRefreshFailureKeepsTrying(t *testing.T) {
	l := &fakeLock{refreshErr: dlock.ErrLockNotHold}
	d, _ := newTestDistributed(l, 30*time.Millisecond)

	release, err := d.Acquire(context.Background(), "7")
	require.NoError(t, err)
	defer release()
	assert.Eventually(t, func() bool { return l.refreshes.Load() >= 3 }, time.Second, 5*time.Millisecond)
}
