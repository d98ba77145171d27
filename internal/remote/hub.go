package remote

import (
	"context"
	"sync"
	"time"
)

// Hub fans change events out to in-process subscribers. It serves as the
// change channel when the remote has no separate notification transport.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(ChangeEvent)
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(ChangeEvent))}
}

// Publish calls every subscriber with ev. Subscribers run on the caller's
// goroutine.
func (h *Hub) Publish(_ context.Context, ev ChangeEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.RLock()
	subs := make([]func(ChangeEvent), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

// SubscribeChanges registers onChange until the returned function is called.
func (h *Hub) SubscribeChanges(_ context.Context, onChange func(ChangeEvent)) (func(), error) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = onChange
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
