package notify

import (
	"sync"

	"support_agent/internal/logger"
	"support_agent/pkg"
)

// AdminChannel is the shared identity every reviewer console subscribes to.
const AdminChannel = "admins"

const defaultBuffer = 16

// Subscription is one live connection's event feed. The channel is buffered;
// a slow consumer loses events rather than blocking publishers.
type Subscription struct {
	hub      *Hub
	identity string
	ch       chan pkg.Event
	once     sync.Once
}

// Events returns the subscription's receive channel.
func (s *Subscription) Events() <-chan pkg.Event {
	return s.ch
}

// Close detaches the subscription from the hub and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

// Hub fans events out to all live subscriptions of an identity. An identity
// is a user id or the admin channel. Events published to an identity with no
// subscribers are dropped; delivery is best-effort by contract.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates an empty notification hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe attaches a new connection under the given identity.
func (h *Hub) Subscribe(identity string) *Subscription {
	sub := &Subscription{
		hub:      h,
		identity: identity,
		ch:       make(chan pkg.Event, defaultBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[identity] == nil {
		h.subs[identity] = make(map[*Subscription]struct{})
	}
	h.subs[identity][sub] = struct{}{}
	return sub
}

// Publish delivers the event to every live subscription of the identity and
// returns the number of deliveries. Full subscriber buffers are skipped.
func (h *Hub) Publish(identity string, ev pkg.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs[identity] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			logger.Warn().
				Str("identity", identity).
				Str("event_type", string(ev.Type)).
				Msg("subscriber buffer full, event dropped")
		}
	}
	if delivered == 0 {
		logger.Debug().
			Str("identity", identity).
			Str("event_type", string(ev.Type)).
			Msg("no subscribers, event dropped")
	}
	return delivered
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.identity]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.identity)
		}
	}
}
