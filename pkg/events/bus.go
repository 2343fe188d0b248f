// Package events provides the per-instance publish/subscribe registry used by
// sessions and conversations to announce lifecycle notifications.
package events

import (
	"sync"
	"time"
)

// Type names a notification
type Type string

const (
	Started           Type = "started"
	TurnStarted       Type = "turn_started"
	TurnCompleted     Type = "turn_completed"
	Question          Type = "question"
	Resumed           Type = "resumed"
	ToolExecuted      Type = "tool_executed"
	CostWarning       Type = "cost_warning"
	CostLimitExceeded Type = "cost_limit_exceeded"
	Completed         Type = "completed"
	Failed            Type = "failed"
	Error             Type = "error"
	Ended             Type = "ended"
)

// Event is a single notification
type Event struct {
	Type      Type        `json:"type"`
	SourceID  string      `json:"source_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Handler handles events
type Handler func(event Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an explicit subscriber registry owned by one session or conversation
type Bus struct {
	sourceID string
	handlers map[Type][]subscription
	all      []subscription
	nextID   uint64
	mu       sync.RWMutex
}

// NewBus creates a bus whose events carry sourceID
func NewBus(sourceID string) *Bus {
	return &Bus{
		sourceID: sourceID,
		handlers: make(map[Type][]subscription),
	}
}

// On registers a handler for one event type and returns its unsubscribe func
func (b *Bus) On(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[eventType] = removeSubscription(b.handlers[eventType], id)
	}
}

// OnAny registers a handler receiving every event
func (b *Bus) OnAny(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = removeSubscription(b.all, id)
	}
}

// Off removes all handlers for an event type
func (b *Bus) Off(eventType Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

// Emit delivers an event synchronously to typed handlers, then catch-all handlers.
// Must not be called with caller locks held.
func (b *Bus) Emit(eventType Type, data interface{}) {
	event := Event{
		Type:      eventType,
		SourceID:  b.sourceID,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.RLock()
	typed := append([]subscription(nil), b.handlers[eventType]...)
	all := append([]subscription(nil), b.all...)
	b.mu.RUnlock()

	for _, sub := range typed {
		sub.handler(event)
	}
	for _, sub := range all {
		sub.handler(event)
	}
}

func removeSubscription(subs []subscription, id uint64) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
