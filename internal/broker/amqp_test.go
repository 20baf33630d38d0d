package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type exchangeCall struct {
	name, kind string
	durable    bool
}

type queueCall struct {
	name    string
	durable bool
}

type fakeChannel struct {
	exchanges []exchangeCall
	queues    []queueCall
	bindings  [][3]string
	published []amqp.Publishing
	keys      []string
	err       error
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if f.err != nil {
		return f.err
	}
	f.exchanges = append(f.exchanges, exchangeCall{name, kind, durable})
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if f.err != nil {
		return amqp.Queue{}, f.err
	}
	f.queues = append(f.queues, queueCall{name, durable})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.bindings = append(f.bindings, [3]string{name, key, exchange})
	return f.err
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, exchange+"|"+key)
	f.published = append(f.published, msg)
	return nil
}

func TestAMQPBroker_DeclareTopology(t *testing.T) {
	ch := &fakeChannel{}
	b := NewAMQPBroker(ch, "")
	ctx := context.Background()

	if err := b.DeclareTopicExchange(ctx, "orchestrator"); err != nil {
		t.Fatalf("DeclareTopicExchange: %v", err)
	}
	if err := b.DeclareDurableQueue(ctx, "service_events"); err != nil {
		t.Fatalf("DeclareDurableQueue: %v", err)
	}
	if err := b.BindQueue(ctx, "service_events", "orchestrator", "service.#"); err != nil {
		t.Fatalf("BindQueue: %v", err)
	}

	if len(ch.exchanges) != 1 || ch.exchanges[0] != (exchangeCall{"orchestrator", amqp.ExchangeTopic, true}) {
		t.Fatalf("unexpected exchange declarations: %+v", ch.exchanges)
	}
	if len(ch.queues) != 1 || ch.queues[0] != (queueCall{"service_events", true}) {
		t.Fatalf("unexpected queue declarations: %+v", ch.queues)
	}
	if len(ch.bindings) != 1 || ch.bindings[0] != [3]string{"service_events", "service.#", "orchestrator"} {
		t.Fatalf("unexpected bindings: %+v", ch.bindings)
	}
}

func TestAMQPBroker_DeclareValidation(t *testing.T) {
	b := NewAMQPBroker(&fakeChannel{}, "test")
	if err := b.DeclareTopicExchange(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty exchange name")
	}
	if err := b.DeclareDurableQueue(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty queue name")
	}
}

func TestAMQPBroker_DeclareError(t *testing.T) {
	cause := errors.New("channel closed")
	b := NewAMQPBroker(&fakeChannel{err: cause}, "test")
	err := b.DeclareTopicExchange(context.Background(), "orchestrator")
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped cause", err)
	}
}

func TestAMQPBroker_Publish(t *testing.T) {
	ch := &fakeChannel{}
	b := NewAMQPBroker(ch, "orchestrator-test")

	event := Event{ID: "evt-1", Event: "registered", ServiceID: "memory-system"}
	key := RoutingKey("memory-system", "registered")
	if err := b.Publish(context.Background(), "orchestrator", key, event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(ch.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(ch.published))
	}
	msg := ch.published[0]
	if ch.keys[0] != "orchestrator|service.memory-system.registered" {
		t.Errorf("routing = %s", ch.keys[0])
	}
	if msg.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want persistent", msg.DeliveryMode)
	}
	if msg.ContentType != "application/json" || msg.AppId != "orchestrator-test" || msg.MessageId != "evt-1" {
		t.Errorf("unexpected headers: %+v", msg)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.ServiceID != "memory-system" || decoded.SentAt.IsZero() {
		t.Errorf("unexpected body: %+v", decoded)
	}
	if time.Since(decoded.SentAt) > time.Minute {
		t.Errorf("SentAt not stamped with current time: %v", decoded.SentAt)
	}
}

func TestAMQPBroker_PublishRequiresEvent(t *testing.T) {
	b := NewAMQPBroker(&fakeChannel{}, "test")
	if err := b.Publish(context.Background(), "orchestrator", "k", Event{}); err == nil {
		t.Fatal("expected error for empty event name")
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey("Interactive Chat", "Removed"); got != "service.interactive-chat.removed" {
		t.Fatalf("RoutingKey = %s", got)
	}
}
