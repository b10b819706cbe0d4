package events

import (
	"log/slog"
	"sync"
	"time"
)

// Handler receives published events. Handlers must not block: slow
// consumers should hand off to their own goroutine or channel.
type Handler func(Event)

// Bus is a typed publish/subscribe hub. Subscribers are keyed by id so an
// unsubscribe removes exactly one entry; there is no ownership cycle
// between the bus and its subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]Handler)}
}

// Subscribe registers a handler under id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = h
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Publish delivers the event to every current subscriber. Delivery runs
// on the caller's goroutine against a snapshot of the subscriber set, so
// handlers may unsubscribe themselves safely.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	slog.Debug("Publishing scheduler event",
		"type", ev.Type, "goal_id", ev.GoalID, "work_item_id", ev.WorkItemID)

	for _, h := range snapshot {
		h(ev)
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
