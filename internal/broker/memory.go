package broker

import (
	"context"
	"fmt"
	"sync"
)

// Published is a message recorded by MemoryBroker.
type Published struct {
	Exchange   string
	RoutingKey string
	Event      Event
}

// MemoryBroker records topology declarations and published events in memory.
type MemoryBroker struct {
	mu        sync.Mutex
	exchanges map[string]bool
	queues    map[string]bool
	bindings  map[string][]string
	published []Published

	// Failure injection for tests.
	DeclareErr error
	PublishErr error
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: make(map[string]bool),
		queues:    make(map[string]bool),
		bindings:  make(map[string][]string),
	}
}

// DeclareTopicExchange implements Broker.
func (m *MemoryBroker) DeclareTopicExchange(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeclareErr != nil {
		return m.DeclareErr
	}
	m.exchanges[name] = true
	return nil
}

// DeclareDurableQueue implements Broker.
func (m *MemoryBroker) DeclareDurableQueue(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeclareErr != nil {
		return m.DeclareErr
	}
	m.queues[name] = true
	return nil
}

// BindQueue implements Broker.
func (m *MemoryBroker) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.queues[queue] {
		return fmt.Errorf("queue %s not declared", queue)
	}
	if !m.exchanges[exchange] {
		return fmt.Errorf("exchange %s not declared", exchange)
	}
	m.bindings[queue] = append(m.bindings[queue], exchange+"/"+routingKey)
	return nil
}

// Publish implements Broker.
func (m *MemoryBroker) Publish(_ context.Context, exchange, routingKey string, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.published = append(m.published, Published{Exchange: exchange, RoutingKey: routingKey, Event: event})
	return nil
}

// HasExchange reports whether the exchange was declared.
func (m *MemoryBroker) HasExchange(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchanges[name]
}

// HasQueue reports whether the queue was declared.
func (m *MemoryBroker) HasQueue(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[name]
}

// Bindings returns the exchange/key bindings of a queue.
func (m *MemoryBroker) Bindings(queue string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.bindings[queue]...)
}

// Published returns a copy of everything published so far.
func (m *MemoryBroker) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.published...)
}
