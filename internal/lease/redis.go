package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meoying/dlock-go"
	dlockRedis "github.com/meoying/dlock-go/redis"
	"github.com/redis/go-redis/v9"

	logx "schoolcast/pkg/logx"
)

const defaultLockTimeout = 3 * time.Second

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL is the lock expiration; the lease is refreshed every TTL/3 while held.
	TTL    time.Duration
	Prefix string
}

// Distributed leases broadcast keys through Redis so several service
// instances never send the same broadcast at once.
type Distributed struct {
	client dlock.Client
	ttl    time.Duration
	prefix string
	log    logx.Logger
	// wait bounds how long Acquire retries a busy lock.
	wait time.Duration
}

// NewRedis dials Redis and wraps it in a dlock client.
func NewRedis(cfg RedisConfig, log logx.Logger) (*Distributed, redis.UniversalClient) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewDistributed(dlockRedis.NewClient(rdb), cfg.TTL, cfg.Prefix, log), rdb
}

func NewDistributed(client dlock.Client, ttl time.Duration, prefix string, log logx.Logger) *Distributed {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = "schoolcast:lease:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Distributed{client: client, ttl: ttl, prefix: prefix, log: log, wait: defaultLockTimeout}
}

func (d *Distributed) Acquire(ctx context.Context, key string) (Release, error) {
	name := d.prefix + key
	lock, err := d.client.NewLock(ctx, name, d.ttl)
	if err != nil {
		return nil, fmt.Errorf("new lock %s: %w", name, err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, d.wait)
	err = lock.Lock(lockCtx)
	cancel()
	if err != nil {
		return nil, lockError(ctx, name, err)
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.refreshLoop(refreshCtx, name, lock)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			wg.Wait()
			// The caller's ctx may already be done; unlock on a fresh one.
			unCtx, cancel := context.WithTimeout(context.Background(), defaultLockTimeout)
			defer cancel()
			if err := lock.Unlock(unCtx); err != nil {
				d.log.Warn("lease unlock failed", logx.String("key", name), logx.Err(err))
			}
		})
	}, nil
}

// lockError tells a lock owned by another sender apart from a broken backend.
// Only the former is ErrHeld; callers treat the rest as storage failures.
func lockError(ctx context.Context, name string, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("lock %s: %w", name, err)
	case errors.Is(err, dlock.ErrLocked):
		return fmt.Errorf("%w: %s", ErrHeld, name)
	case errors.Is(err, context.DeadlineExceeded):
		// Retries on a busy lock ran out of wait time.
		return fmt.Errorf("%w: %s: %w", ErrHeld, name, err)
	default:
		return fmt.Errorf("lock %s: %w", name, err)
	}
}

func (d *Distributed) refreshLoop(ctx context.Context, name string, lock dlock.Lock) {
	t := time.NewTicker(d.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rctx, cancel := context.WithTimeout(ctx, defaultLockTimeout)
			err := lock.Refresh(rctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				d.log.Warn("lease refresh failed", logx.String("key", name), logx.Err(err))
			}
		}
	}
}
