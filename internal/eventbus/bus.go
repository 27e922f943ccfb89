// Package eventbus fans broadcast lifecycle events out to in-process
// listeners (log sinks, metrics, tests).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	BroadcastProcessing = "broadcast.processing"
	BroadcastSucceeded  = "broadcast.succeeded"
	BroadcastFailed     = "broadcast.failed"
	BroadcastSkipped    = "broadcast.skipped"
	BatchFinished       = "batch.finished"
	ConfigReloaded      = "config.reloaded"
)

// Event is one lifecycle signal. Data is a small value owned by the publisher
// (a broadcast result or batch summary).
//
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the bus counts it as dropped.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() *Memory {
	return &Memory{subs: map[uint64]chan Event{}}
}

type Memory struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *Memory) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a listener with the given buffer (8 when <= 0).
func (b *Memory) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight Publish calls, so the
			// close never races a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (b *Memory) Dropped() uint64 { return b.dropped.Load() }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
