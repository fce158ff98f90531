// Package events carries live tool-usage signals from the worker to
// whoever wants to enrich progress reporting. The capability is optional:
// consumers take a Source and hosts without one inject NopSource.
package events

import (
	"sync"
	"time"
)

// ToolEvent marks the start of one tool invocation inside a dispatch.
type ToolEvent struct {
	DispatchID string
	Tool       string
	At         time.Time
}

// Source is the optional live tool-usage capability. Subscribe returns a
// channel of events for one dispatch plus a cancel func that must be called
// to release the subscription.
type Source interface {
	Subscribe(dispatchID string) (<-chan ToolEvent, func())
}

// Hub is an in-memory Source fan-out. Slow subscribers never block publishers.
type Hub struct {
	mu        sync.Mutex
	subs      map[int]subscription
	nextSubID int
}

type subscription struct {
	dispatchID string
	ch         chan ToolEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscription)}
}

// Publish delivers ev to subscribers of its dispatch identifier.
func (h *Hub) Publish(ev ToolEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.dispatchID != ev.DispatchID {
			continue
		}
		// Don't let slow consumers block the worker.
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe implements Source.
func (h *Hub) Subscribe(dispatchID string) (<-chan ToolEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan ToolEvent, 32)
	h.subs[id] = subscription{dispatchID: dispatchID, ch: ch}

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// NopSource is the fallback for hosts without live tool-usage events.
// Subscriptions never deliver anything and cancel is a no-op.
type NopSource struct{}

func (NopSource) Subscribe(string) (<-chan ToolEvent, func()) {
	ch := make(chan ToolEvent)
	return ch, func() {}
}
