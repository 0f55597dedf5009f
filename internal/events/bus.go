package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	// Protective orders
	EventProtectivePlaced         EventType = "PROTECTIVE_PLACED"
	EventProtectiveReplaced       EventType = "PROTECTIVE_REPLACED"
	EventProtectivePartialReplace EventType = "PROTECTIVE_PARTIAL_REPLACE"
	EventProtectiveRemoved        EventType = "PROTECTIVE_REMOVED"

	// Positions
	EventPositionReduced EventType = "POSITION_REDUCED"

	// Strategy scanner
	EventSignalEvaluated  EventType = "SIGNAL_EVALUATED"
	EventCrossover        EventType = "CROSSOVER"
	EventScanDegraded     EventType = "SCAN_DEGRADED"
	EventSignalExecuted   EventType = "SIGNAL_EXECUTED"
	EventProtectionFailed EventType = "PROTECTION_FAILED"

	EventError EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(event Event)
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
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
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}
