package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"receipt-validator/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventValidationCompleted is emitted after every remote validation attempt,
	// before the store transaction is confirmed.
	EventValidationCompleted EventType = "validation.completed"
	// EventInventoryReady is emitted after a successful inventory sync.
	EventInventoryReady EventType = "inventory.ready"
)

// Event represents an event in the system.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// ValidationCompletedData contains data for validation completed events.
type ValidationCompletedData struct {
	Success bool
	Order   models.Order
	// Raw is the response body; nil when no response arrived.
	Raw json.RawMessage
	Err error
}

// InventoryReadyData contains data for inventory ready events.
type InventoryReadyData struct {
	Snapshot models.InventorySnapshot
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Manager keeps the subscriber lists. Handlers run synchronously on the
// publishing goroutine, in subscription order.
type Manager struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscription
}

// NewManager creates a new event manager.
func NewManager() *Manager {
	return &Manager{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe registers handler for eventType and returns a function that removes it.
func (m *Manager) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.handlers[eventType] = append(m.handlers[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(eventType, id) })
	}
}

func (m *Manager) remove(eventType EventType, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			m.handlers[eventType] = append(next, subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to all subscribed handlers and returns once they
// have all run.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	m.mu.RLock()
	subs := m.handlers[eventType]
	m.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	for _, s := range subs {
		s.handler(ctx, event)
	}
}

// PublishValidationCompleted publishes a validation completed event.
func (m *Manager) PublishValidationCompleted(ctx context.Context, data ValidationCompletedData) {
	m.Publish(ctx, EventValidationCompleted, data)
}

// PublishInventoryReady publishes an inventory ready event.
func (m *Manager) PublishInventoryReady(ctx context.Context, snapshot models.InventorySnapshot) {
	m.Publish(ctx, EventInventoryReady, InventoryReadyData{Snapshot: snapshot})
}

// Shutdown drops every subscription.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers = make(map[EventType][]subscription)
}
