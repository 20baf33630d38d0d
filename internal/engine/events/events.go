// Package events records structured orchestrator events in a bounded ring
// buffer. The registry logs service lifecycle transitions here and the chat
// engine logs its dispatch hooks, so operators can inspect recent activity
// through the HTTP API without scraping logs.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/orchestrator/internal/engine/state"
	"github.com/R3E-Network/orchestrator/internal/logging"
)

// EventType classifies an event.
type EventType string

const (
	// Registry lifecycle
	EventRegistryInitialized EventType = "registry.initialized"
	EventRegistryRestored    EventType = "registry.restored"
	EventServiceRegistered   EventType = "service.registered"
	EventServiceStarted      EventType = "service.started"
	EventServiceStartFailed  EventType = "service.start_failed"
	EventServiceRemoved      EventType = "service.removed"
	EventServiceStopped      EventType = "service.stopped"
	EventServiceStopFailed   EventType = "service.stop_failed"
	EventServiceUnhealthy    EventType = "service.unhealthy"
	EventServiceRestarted    EventType = "service.restarted"

	// Recovery
	EventRecoveryStarted   EventType = "recovery.started"
	EventRecoverySucceeded EventType = "recovery.succeeded"
	EventRecoveryFailed    EventType = "recovery.failed"
	EventRecoveryAborted   EventType = "recovery.aborted"

	// Dependencies
	EventDependencyMissing EventType = "dependency.missing"
	EventDependencyCycle   EventType = "dependency.cycle"

	// Chat dispatch hooks
	EventMessageReceived  EventType = "message.received"
	EventContextUpdated   EventType = "context.updated"
	EventMessageProcessed EventType = "message.processed"
	EventMessageFailed    EventType = "message.failed"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a single structured occurrence.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	Service   string       `json:"service,omitempty"`
	Component string       `json:"component,omitempty"` // registry|chat|health
	Status    state.Status `json:"status"`
	SessionID string       `json:"session_id,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// EventHandler processes events as they occur.
type EventHandler func(Event)

// EventFilter decides whether an event should be processed.
type EventFilter func(Event) bool

// EventLogger is the interface for event logging.
type EventLogger interface {
	Log(event Event)
	LogWithContext(ctx context.Context, event Event)
	Subscribe(handler EventHandler) func()
	SubscribeFiltered(filter EventFilter, handler EventHandler) func()
	Recent(n int) []Event
	RecentByService(service string, n int) []Event
	RecentByType(eventType EventType, n int) []Event
}

// RingBuffer is a thread-safe circular buffer for events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  EventFilter
	handler EventHandler
}

// NewRingBuffer creates a buffer holding at most size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log adds an event to the buffer and notifies handlers.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Handlers run outside the lock so they may log further events.
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// LogWithContext copies the request trace id onto the event before logging.
func (rb *RingBuffer) LogWithContext(ctx context.Context, event Event) {
	if event.TraceID == "" {
		event.TraceID = logging.TraceID(ctx)
	}
	rb.Log(event)
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler EventHandler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter. The returned func
// unsubscribes.
func (rb *RingBuffer) SubscribeFiltered(filter EventFilter, handler EventHandler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.collect(n, nil)
}

// RecentByService returns recent events for one service, newest first.
func (rb *RingBuffer) RecentByService(service string, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.Service == service })
}

// RecentByType returns recent events of one type, newest first.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.Type == eventType })
}

func (rb *RingBuffer) collect(n int, keep EventFilter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if keep == nil || keep(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Query selects buffered events. Zero fields match everything.
type Query struct {
	Service   string
	Type      EventType
	Component string
	Session   string
	Since     time.Time
	Limit     int
}

// DefaultQueryLimit applies when Query.Limit is not positive.
const DefaultQueryLimit = 100

func (q Query) match(e Event) bool {
	switch {
	case q.Service != "" && e.Service != q.Service:
		return false
	case q.Type != "" && e.Type != q.Type:
		return false
	case q.Component != "" && e.Component != q.Component:
		return false
	case q.Session != "" && e.SessionID != q.Session:
		return false
	case !q.Since.IsZero() && e.Timestamp.Before(q.Since):
		return false
	}
	return true
}

// Query returns the events matching q, newest first.
func (rb *RingBuffer) Query(q Query) []Event {
	n := q.Limit
	if n <= 0 {
		n = DefaultQueryLimit
	}
	return rb.collect(n, q.match)
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear removes all events from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

// EventBuilder provides a fluent API for creating events.
type EventBuilder struct {
	event Event
}

// NewEvent starts building an event of the given type.
func NewEvent(eventType EventType) *EventBuilder {
	return &EventBuilder{
		event: Event{
			Type:      eventType,
			Severity:  SeverityInfo,
			Timestamp: time.Now().UTC(),
		},
	}
}

func (b *EventBuilder) Service(id string) *EventBuilder {
	b.event.Service = id
	return b
}

func (b *EventBuilder) Component(component string) *EventBuilder {
	b.event.Component = component
	return b
}

func (b *EventBuilder) Status(status state.Status) *EventBuilder {
	b.event.Status = status
	return b
}

func (b *EventBuilder) Session(id string) *EventBuilder {
	b.event.SessionID = id
	return b
}

func (b *EventBuilder) Severity(severity Severity) *EventBuilder {
	b.event.Severity = severity
	return b
}

// ErrorFrom records err and raises severity to error. A nil err is ignored.
func (b *EventBuilder) ErrorFrom(err error) *EventBuilder {
	if err != nil {
		b.event.Error = err.Error()
		b.event.Severity = SeverityError
	}
	return b
}

func (b *EventBuilder) Duration(d time.Duration) *EventBuilder {
	b.event.Duration = d
	return b
}

func (b *EventBuilder) Metadata(key, value string) *EventBuilder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]string)
	}
	b.event.Metadata[key] = value
	return b
}

// Build returns the constructed event.
func (b *EventBuilder) Build() Event {
	if b.event.ID == "" {
		b.event.ID = uuid.NewString()
	}
	return b.event
}

// LogTo logs the event without request context.
func (b *EventBuilder) LogTo(logger EventLogger) {
	logger.Log(b.Build())
}

// LogToWithContext logs the event with the trace id carried by ctx.
func (b *EventBuilder) LogToWithContext(ctx context.Context, logger EventLogger) {
	logger.LogWithContext(ctx, b.Build())
}

// NoOpLogger discards all events.
type NoOpLogger struct{}

func (NoOpLogger) Log(Event)                                          {}
func (NoOpLogger) LogWithContext(context.Context, Event)              {}
func (NoOpLogger) Subscribe(EventHandler) func()                      { return func() {} }
func (NoOpLogger) SubscribeFiltered(EventFilter, EventHandler) func() { return func() {} }
func (NoOpLogger) Recent(int) []Event                                 { return nil }
func (NoOpLogger) RecentByService(string, int) []Event                { return nil }
func (NoOpLogger) RecentByType(EventType, int) []Event                { return nil }
