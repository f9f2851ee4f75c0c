package godiag

import (
	"sync"
)

// Subscriber receives values published on a Hub.
type Subscriber[T any] struct {
	hub       *Hub[T]
	ch        chan T
	closeOnce sync.Once
}

// C returns the channel values are delivered on. It is closed when the
// subscriber or the hub is closed.
func (s *Subscriber[T]) C() <-chan T {
	return s.ch
}

func (s *Subscriber[T]) Close() {
	s.hub.unsub(s)
}

// Hub fans values out to any number of subscribers. Publish never blocks,
// a subscriber whose buffer is full misses the value.
type Hub[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscriber[T]]struct{}
	closed  bool
	dropped uint64
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{
		subs: make(map[*Subscriber[T]]struct{}),
	}
}

func (h *Hub[T]) Subscribe(buffer int) *Subscriber[T] {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscriber[T]{
		hub: h,
		ch:  make(chan T, buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		sub.closeOnce.Do(func() {})
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- v:
		default:
			h.dropped++
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub[T]) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.closeOnce.Do(func() {
			close(sub.ch)
		})
	}
}

func (h *Hub[T]) unsub(sub *Subscriber[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
	sub.closeOnce.Do(func() {
		close(sub.ch)
	})
}
