package services

import (
	"log"
	"sync"
	"time"
)

// Event is one diagnostics notification broadcast to monitor sockets.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
	Time time.Time   `json:"time"`
}

// EventBus fans pool and session events out to monitor subscribers.
// Publishing never blocks: a subscriber that cannot keep up loses events.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]chan Event)}
}

// Subscribe registers a monitor connection and returns its event channel.
func (b *EventBus) Subscribe(connID string, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[connID] = ch
	b.mu.Unlock()
	log.Printf("✅ [BUS] Monitor subscribed: %s (total: %d)", connID, b.Count())
	return ch
}

// Unsubscribe removes a monitor connection and closes its channel.
func (b *EventBus) Unsubscribe(connID string) {
	b.mu.Lock()
	if ch, ok := b.subs[connID]; ok {
		delete(b.subs, connID)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish broadcasts an event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *EventBus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Count returns the number of subscribers.
func (b *EventBus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
