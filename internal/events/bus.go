package events

import (
	"sync"
	"time"

	"symbol-optimizer/internal/database"
)

// Subscriber handles a committed optimization event. Subscribers receive a
// copy and run on their own goroutine, so a slow one never blocks a commit.
type Subscriber func(database.OptimizationEvent)

// EventBus fans committed events out to in-process subscribers (websocket
// hub, broker publisher, redis channel).
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[database.EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[database.EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType database.EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event database.OptimizationEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	for _, sub := range eb.subscribers[event.EventType] {
		go sub(event)
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// SubscriberCount is used by health output
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	n := len(eb.allSubs)
	for _, subs := range eb.subscribers {
		n += len(subs)
	}
	return n
}
