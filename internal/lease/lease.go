// Package lease provides per-key mutual exclusion for broadcast sends.
//
// A lease is taken before a broadcast moves to Processing and released after
// it reaches a terminal status. Acquire never waits for a holder: a second
// caller for the same key gets ErrHeld.
package lease

import (
	"context"
	"errors"
	"sync"
)

var ErrHeld = errors.New("lease held by another sender")

// Release frees a lease. It is safe to call more than once.
type Release func()

type Leaser interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// Local is an in-process Leaser.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: map[string]struct{}{}}
}

func (l *Local) Acquire(ctx context.Context, key string) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently leased.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
