package events

import (
	"context"
	"sync"
)

// Message records a single published message.
type Message struct {
	Topic   string
	Payload []byte
}

// MockPublisher records all publishes for test assertions and lets tests
// deliver messages to subscribers.
type MockPublisher struct {
	mu       sync.Mutex
	messages []Message
	subs     map[string][]Handler
	closed   bool
	err      error // if set, Publish returns this error
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{subs: map[string][]Handler{}}
}

func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	m.messages = append(m.messages, Message{Topic: topic, Payload: p})
	return nil
}

func (m *MockPublisher) Subscribe(topic string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = append(m.subs[topic], h)
	return nil
}

// Deliver invokes the handlers subscribed to exactly topic.
func (m *MockPublisher) Deliver(topic string, payload []byte) {
	m.mu.Lock()
	hs := append([]Handler(nil), m.subs[topic]...)
	m.mu.Unlock()
	for _, h := range hs {
		h(topic, payload)
	}
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of all published messages.
func (m *MockPublisher) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return msgs
}

// SetError causes all subsequent Publish calls to return err.
// Pass nil to clear.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
