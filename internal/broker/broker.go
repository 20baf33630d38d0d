// Package broker defines the pub/sub port the registry uses for
// cross-service lifecycle events, with an AMQP adapter and an in-memory one.
package broker

import (
	"context"
	"time"
)

// Broker declares topology and publishes lifecycle events.
type Broker interface {
	DeclareTopicExchange(ctx context.Context, name string) error
	DeclareDurableQueue(ctx context.Context, name string) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, event Event) error
}

// Event is the envelope published for every lifecycle transition.
type Event struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	ServiceID string         `json:"service_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// RoutingKey builds the topic routing key for a service event,
// e.g. service.interactive-chat.registered.
func RoutingKey(serviceID, event string) string {
	return "service." + sanitize(serviceID) + "." + sanitize(event)
}
