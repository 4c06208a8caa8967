package quotesync

import (
	"sync"
	"time"
)

// Event is published on every orchestrator state transition.
type Event struct {
	RunID    string    `json:"runId"`
	UserID   string    `json:"userId"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	SourceID string    `json:"sourceId,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type EventSink interface {
	Publish(event Event)
}

// EventHub fans events out to per-user subscribers. Slow subscribers lose
// events rather than stall a sync.
type EventHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: map[string]map[chan Event]struct{}{}}
}

func (h *EventHub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[event.UserID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel of the user's events and a cancel func that
// must be called to release it.
func (h *EventHub) Subscribe(userID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = map[chan Event]struct{}{}
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *EventHub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
