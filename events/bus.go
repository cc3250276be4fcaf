// Package events provides a small typed publish/subscribe bus. Events are
// delivered in publish order, one at a time, on a single goroutine per bus, so
// subscribers never observe concurrent callbacks from the same bus.
package events

import (
	"log/slog"
	"sync"
)

type subscriber[E any] struct {
	id uint64
	fn func(E)
}

// Bus fans events of type E out to its subscribers.
type Bus[E any] struct {
	mu     sync.Mutex
	subs   []subscriber[E]
	nextID uint64
	queue  []E
	closed bool
	wake   chan struct{}
	done   chan struct{}
	log    *slog.Logger
}

// New starts a bus. Call Close to stop its delivery goroutine.
func New[E any](name string) *Bus[E] {
	b := &Bus[E]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  slog.Default().With(slog.String("component", "events"), slog.String("bus", name)),
	}
	go b.loop()
	return b
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[E]{id: id, fn: fn})
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish queues e for delivery. It never blocks and is a no-op after Close.
func (b *Bus[E]) Publish(e E) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close delivers whatever is still queued and stops the bus. It must not be
// called from a subscriber.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *Bus[E]) loop() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 {
			if b.closed {
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			<-b.wake
			b.mu.Lock()
		}
		e := b.queue[0]
		var zero E
		b.queue[0] = zero
		b.queue = b.queue[1:]
		subs := make([]subscriber[E], len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			b.deliver(s, e)
		}
	}
}

func (b *Bus[E]) deliver(s subscriber[E], e E) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked", slog.Any("panic", r))
		}
	}()
	s.fn(e)
}
