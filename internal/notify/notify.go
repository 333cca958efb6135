// Package notify carries user-facing sync events to whoever is listening:
// logs, the websocket feed, the CLI.
package notify

import (
	"sync"
	"time"

	"github.com/kimhsiao/fieldmap/backend/internal/logging"
)

// EventType names a user-visible event.
type EventType string

const (
	EventPlantQueued  EventType = "plant.queued"
	EventPlantSyncing EventType = "plant.syncing"
	EventPlantSynced  EventType = "plant.synced"
	EventPlantFailed  EventType = "plant.failed"

	EventSyncStarted   EventType = "sync.started"
	EventSyncCompleted EventType = "sync.completed"
	EventSyncFailed    EventType = "sync.failed"

	EventConnectivity EventType = "connectivity.changed"
	EventLiveNewData  EventType = "live.new_data"
)

// Event is one notification.
type Event struct {
	Type      EventType              `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, message string, data map[string]interface{}) Event {
	return Event{Type: t, Message: message, Data: data, Timestamp: time.Now()}
}

// Notifier receives events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// Func adapts a function to Notifier.
type Func func(Event)

// Notify calls f.
func (f Func) Notify(e Event) { f(e) }

// Nop discards events.
var Nop Notifier = Func(func(Event) {})

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// Notify logs the event. Failures log at warn level.
func (n LogNotifier) Notify(e Event) {
	logger := n.Logger
	if logger == nil {
		logger = logging.Get()
	}

	ctx := map[string]interface{}{"event": string(e.Type)}
	for k, v := range e.Data {
		ctx[k] = v
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Type)
	}

	switch e.Type {
	case EventPlantFailed, EventSyncFailed:
		logger.Warn(msg, ctx)
	default:
		logger.Info(msg, ctx)
	}
}

// Multi fans events out to several notifiers. Notifiers can be added
// after construction.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
}

// NewMulti creates a fan-out notifier.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Add registers another notifier.
func (m *Multi) Add(n Notifier) {
	m.mu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.mu.Unlock()
}

// Notify delivers e to every notifier in registration order.
func (m *Multi) Notify(e Event) {
	m.mu.RLock()
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.mu.RUnlock()

	for _, n := range notifiers {
		n.Notify(e)
	}
}

// Recorder keeps events in memory. Useful for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify records e.
func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}
