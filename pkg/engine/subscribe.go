package engine

import (
	"github.com/privstack/core/internal/model"
)

// Subscription streams every event a Handle appends or applies --
// locally created or sync-merged alike -- to one consumer, grounding
// pkg/api's Server-Sent Events debug route the same way the previous
// implementation's engine.Subscribe fed its own /events handler.
type Subscription struct {
	h  *Handle
	id int
	ch chan model.Event
}

// Events returns the channel of delivered events, closed once Close is
// called or the Handle itself is locked/closed.
func (s *Subscription) Events() <-chan model.Event { return s.ch }

// Close unregisters the subscription. Safe to call more than once, and
// safe to call after the Handle has already closed every subscription
// on Lock -- closing the channel happens exactly once, guarded by the
// subscriber map remaining the single source of truth for membership.
func (s *Subscription) Close() {
	s.h.unsubscribe(s.id)
}

// Subscribe registers a new event listener. Delivery is best-effort: a
// slow consumer that doesn't drain its channel has later events dropped
// for it rather than blocking the writer that produced them, since a
// debug stream must never be able to stall a real operation.
func (h *Handle) Subscribe() *Subscription {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()

	if h.subs == nil {
		h.subs = make(map[int]chan model.Event)
	}
	id := h.subsNext
	h.subsNext++
	ch := make(chan model.Event, 64)
	h.subs[id] = ch

	return &Subscription{h: h, id: id, ch: ch}
}

func (h *Handle) unsubscribe(id int) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	ch, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(ch)
}

// publish fans ev out to every live subscriber without blocking.
func (h *Handle) publish(ev model.Event) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
