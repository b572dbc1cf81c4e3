package events

import "context"

// Publisher publishes opaque payloads to topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Handler receives one message from a subscription.
type Handler func(topic string, payload []byte)

// Subscriber delivers messages for a topic filter until Close.
type Subscriber interface {
	Subscribe(topic string, h Handler) error
}
