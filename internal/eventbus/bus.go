// Package eventbus is a non-blocking in-memory fanout used to decouple the
// session from its observers.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Bus delivers every published value to each subscriber's buffered channel.
//
// Contract:
//   - Publish never blocks.
//   - A subscriber whose buffer is full misses the value; Dropped counts it.
//   - Unsubscribe closes the channel.
//
// The zero value is not usable; call New.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func New[T any]() *Bus[T] {
	return &Bus[T]{subs: map[uint64]chan T{}}
}

func (b *Bus[T]) Publish(v T) {
	// Sends are non-blocking, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send without stalling publishers.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Subscribers returns the current subscriber count.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }
