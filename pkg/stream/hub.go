package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one live gateway notification: a recorded receipt or an
// inbound webhook. Data carries the already-marshaled payload so slow
// subscribers never re-serialize it.
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub fans events out to websocket subscribers. Delivery is best-effort:
// a subscriber with a full buffer misses the event rather than stalling
// the dispatch path.
type Hub struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{listeners: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.listeners[ch]
	if exists {
		delete(h.listeners, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Subscribers reports the current listener count, surfaced as an
// operational gauge.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
