package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/orchestrator/internal/engine/state"
	"github.com/R3E-Network/orchestrator/internal/logging"
)

func TestRingBuffer_Log(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Log(Event{Type: EventServiceStarted, Service: "memory-system"})

	if rb.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", rb.Count())
	}
	got := rb.Recent(1)[0]
	if got.Service != "memory-system" {
		t.Errorf("Service = %q", got.Service)
	}
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Error("ID and Timestamp should be filled in")
	}
	if got.Severity != SeverityInfo {
		t.Errorf("Severity = %q, want info default", got.Severity)
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 10; i++ {
		rb.Log(Event{Type: EventMessageReceived, Message: string(rune('A' + i))})
	}

	if rb.Count() != 5 {
		t.Errorf("Count() = %d, want 5 (capped)", rb.Count())
	}
	recent := rb.Recent(5)
	if recent[0].Message != "J" || recent[4].Message != "F" {
		t.Errorf("unexpected order: first=%q last=%q", recent[0].Message, recent[4].Message)
	}
}

func TestRingBuffer_Recent(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Log(Event{Type: EventServiceRegistered})
	}

	tests := []struct {
		name string
		n    int
		want int
	}{
		{"fewer than available", 3, 3},
		{"more than available", 100, 5},
		{"zero", 0, 0},
		{"negative", -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(rb.Recent(tt.n)); got != tt.want {
				t.Errorf("len(Recent(%d)) = %d, want %d", tt.n, got, tt.want)
			}
		})
	}
}

func TestRingBuffer_RecentByServiceAndType(t *testing.T) {
	rb := NewRingBuffer(100)
	rb.Log(Event{Type: EventServiceRegistered, Service: "a"})
	rb.Log(Event{Type: EventServiceRegistered, Service: "b"})
	rb.Log(Event{Type: EventServiceStarted, Service: "a"})
	rb.Log(Event{Type: EventServiceRemoved, Service: "a"})

	byService := rb.RecentByService("a", 10)
	if len(byService) != 3 {
		t.Errorf("RecentByService len = %d, want 3", len(byService))
	}
	if byService[0].Type != EventServiceRemoved {
		t.Errorf("newest = %s, want removed", byService[0].Type)
	}

	byType := rb.RecentByType(EventServiceRegistered, 10)
	if len(byType) != 2 {
		t.Errorf("RecentByType len = %d, want 2", len(byType))
	}
	if got := rb.RecentByType(EventServiceRegistered, 1); len(got) != 1 || got[0].Service != "b" {
		t.Errorf("RecentByType limited = %+v", got)
	}
}

func TestRingBuffer_Query(t *testing.T) {
	rb := NewRingBuffer(100)
	cutoff := time.Now().UTC()
	rb.Log(Event{Type: EventServiceRegistered, Service: "a", Component: "registry", Timestamp: cutoff.Add(-time.Minute)})
	rb.Log(Event{Type: EventServiceRegistered, Service: "b", Component: "registry", Timestamp: cutoff.Add(time.Second)})
	rb.Log(Event{Type: EventMessageReceived, Service: "interactive-chat", Component: "chat", SessionID: "s-1", Timestamp: cutoff.Add(2 * time.Second)})
	rb.Log(Event{Type: EventMessageProcessed, Service: "interactive-chat", Component: "chat", SessionID: "s-2", Timestamp: cutoff.Add(3 * time.Second)})

	tests := []struct {
		name  string
		query Query
		want  int
	}{
		{"everything", Query{}, 4},
		{"by component", Query{Component: "chat"}, 2},
		{"by session", Query{Session: "s-1"}, 1},
		{"by type and service", Query{Type: EventServiceRegistered, Service: "b"}, 1},
		{"since", Query{Since: cutoff}, 3},
		{"limit", Query{Component: "registry", Limit: 1}, 1},
		{"no match", Query{Service: "ghost"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rb.Query(tt.query); len(got) != tt.want {
				t.Fatalf("Query(%+v) len = %d, want %d", tt.query, len(got), tt.want)
			}
		})
	}

	if got := rb.Query(Query{Component: "registry", Limit: 1}); got[0].Service != "b" {
		t.Fatalf("newest registry event = %s, want b", got[0].Service)
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(10)

	var mu sync.Mutex
	var received []Event
	unsubscribe := rb.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	rb.Log(Event{Type: EventServiceStarted})
	rb.Log(Event{Type: EventServiceStopped})
	unsubscribe()
	rb.Log(Event{Type: EventServiceRemoved})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Errorf("received %d events, want 2", len(received))
	}
}

func TestRingBuffer_SubscribeFiltered(t *testing.T) {
	rb := NewRingBuffer(10)

	var count atomic.Int32
	rb.SubscribeFiltered(func(e Event) bool {
		return e.Type == EventDependencyMissing
	}, func(Event) {
		count.Add(1)
	})

	rb.Log(Event{Type: EventDependencyMissing, Service: "c"})
	rb.Log(Event{Type: EventServiceStarted, Service: "a"})
	rb.Log(Event{Type: EventDependencyMissing, Service: "d"})

	if count.Load() != 2 {
		t.Errorf("filtered handler called %d times, want 2", count.Load())
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Log(Event{Type: EventServiceStarted})
	rb.Clear()
	if rb.Count() != 0 || rb.Recent(1) != nil {
		t.Error("buffer should be empty after Clear")
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(1000)

	var received atomic.Int64
	rb.Subscribe(func(Event) { received.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rb.Log(Event{Type: EventMessageProcessed})
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = rb.Recent(10)
				_ = rb.RecentByType(EventMessageProcessed, 5)
			}
		}()
	}
	wg.Wait()

	if rb.Count() != 1000 {
		t.Errorf("Count() = %d, want 1000", rb.Count())
	}
	if received.Load() != 1000 {
		t.Errorf("handler calls = %d, want 1000", received.Load())
	}
}

func TestLogWithContext(t *testing.T) {
	rb := NewRingBuffer(10)
	ctx := logging.WithTraceID(context.Background(), "trace-123")

	rb.LogWithContext(ctx, Event{Type: EventMessageReceived})

	if got := rb.Recent(1)[0].TraceID; got != "trace-123" {
		t.Errorf("TraceID = %q, want trace-123", got)
	}
}

func TestEventBuilder(t *testing.T) {
	event := NewEvent(EventServiceStarted).
		Service("interactive-chat").
		Component("registry").
		Status(state.StatusRunning).
		Session("s-1").
		Duration(100 * time.Millisecond).
		Metadata("type", "CHAT").
		Build()

	if event.Service != "interactive-chat" || event.Component != "registry" {
		t.Errorf("unexpected identity fields: %+v", event)
	}
	if event.Status != state.StatusRunning {
		t.Errorf("Status = %v, want RUNNING", event.Status)
	}
	if event.SessionID != "s-1" || event.Duration != 100*time.Millisecond {
		t.Errorf("unexpected detail fields: %+v", event)
	}
	if event.Metadata["type"] != "CHAT" {
		t.Errorf("Metadata[type] = %q", event.Metadata["type"])
	}
	if event.ID == "" {
		t.Error("ID should be generated")
	}
}

func TestEventBuilder_ErrorFrom(t *testing.T) {
	event := NewEvent(EventServiceStartFailed).ErrorFrom(errors.New("boom")).Build()
	if event.Error != "boom" || event.Severity != SeverityError {
		t.Errorf("unexpected event: %+v", event)
	}

	event = NewEvent(EventServiceStarted).ErrorFrom(nil).Build()
	if event.Error != "" || event.Severity != SeverityInfo {
		t.Errorf("nil error should be ignored: %+v", event)
	}
}

func TestEventBuilder_LogToWithContext(t *testing.T) {
	rb := NewRingBuffer(10)
	ctx := logging.WithTraceID(context.Background(), "t-9")

	NewEvent(EventContextUpdated).Session("s").LogToWithContext(ctx, rb)

	got := rb.Recent(1)
	if len(got) != 1 || got[0].TraceID != "t-9" {
		t.Fatalf("Recent = %+v", got)
	}
}

func TestNoOpLogger(t *testing.T) {
	var logger EventLogger = NoOpLogger{}
	logger.Log(Event{})
	logger.LogWithContext(context.Background(), Event{})
	logger.Subscribe(func(Event) {})()
	if logger.Recent(10) != nil || logger.RecentByService("x", 1) != nil || logger.RecentByType(EventServiceStarted, 1) != nil {
		t.Error("NoOpLogger should return nothing")
	}
}

func TestEvent_String(t *testing.T) {
	event := Event{Type: EventServiceRegistered, Service: "a", Status: state.StatusStopped}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(event.String()), &decoded); err != nil {
		t.Fatalf("String() is not JSON: %v", err)
	}
	if decoded["status"] != "STOPPED" {
		t.Errorf("status = %v, want STOPPED", decoded["status"])
	}
}
