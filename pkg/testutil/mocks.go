// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/orchestrator/internal/engine/state"
)

// CallLog records lifecycle calls across several mocks so tests can assert
// ordering, e.g. "start:a", "start:b", "stop:b".
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

// NewCallLog creates an empty log.
func NewCallLog() *CallLog {
	return &CallLog{}
}

// Add appends a call.
func (l *CallLog) Add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

// Calls returns a copy of the recorded calls.
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// MockService is a test implementation of base.Service with failure
// injection.
type MockService struct {
	mu sync.RWMutex

	id     string
	name   string
	typ    state.ServiceType
	deps   []string
	status state.Status

	StartErr  error
	StopErr   error
	HealthErr error

	starts int
	stops  int
	log    *CallLog
}

// NewMockService creates a STOPPED MODULE service.
func NewMockService(id string, deps ...string) *MockService {
	return &MockService{
		id:     id,
		name:   fmt.Sprintf("Mock %s", id),
		typ:    state.TypeModule,
		deps:   deps,
		status: state.StatusStopped,
	}
}

// WithType sets the service type.
func (m *MockService) WithType(t state.ServiceType) *MockService {
	m.typ = t
	return m
}

// WithLog shares a call log with other mocks.
func (m *MockService) WithLog(l *CallLog) *MockService {
	m.log = l
	return m
}

func (m *MockService) ID() string              { return m.id }
func (m *MockService) Name() string            { return m.name }
func (m *MockService) Type() state.ServiceType { return m.typ }

func (m *MockService) Dependencies() []string {
	return append([]string(nil), m.deps...)
}

func (m *MockService) Status() state.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Start fails with StartErr when set, leaving the service in ERROR.
func (m *MockService) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	m.log.Add("start:" + m.id)
	if m.StartErr != nil {
		m.status = state.StatusError
		return m.StartErr
	}
	m.status = state.StatusRunning
	return nil
}

// Stop fails with StopErr when set.
func (m *MockService) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.log.Add("stop:" + m.id)
	if m.StopErr != nil {
		return m.StopErr
	}
	m.status = state.StatusStopped
	return nil
}

// Health returns HealthErr.
func (m *MockService) Health(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.HealthErr
}

// SetHealthErr changes the health result.
func (m *MockService) SetHealthErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HealthErr = err
}

// Starts returns how many times Start was called.
func (m *MockService) Starts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.starts
}

// Stops returns how many times Stop was called.
func (m *MockService) Stops() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stops
}
