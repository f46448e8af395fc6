package core

import "sync"

// VpnStatus is the lifecycle state of the tunnel worker as reported to
// external observers.
type VpnStatus int

const (
	StatusStarting VpnStatus = iota
	StatusRunning
	StatusReconnecting
	StatusStopping
	StatusStopped
)

func (s VpnStatus) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusReconnecting:
		return "reconnecting"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventStatusChanged EventType = iota
	EventQueryBlocked
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// StatusPayload is the payload for EventStatusChanged.
type StatusPayload struct {
	SessionID string
	Old       VpnStatus
	New       VpnStatus
}

// BlockedQueryPayload is the payload for EventQueryBlocked.
type BlockedQueryPayload struct {
	Name string
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components. Publish is
// synchronous: handlers run on the publisher's goroutine and must not block.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
