package transport

import (
	"fmt"
	"sync"

	"github.com/relabs-tech/tbdevice/iot/topic"
)

// Memory is an in-process transport. It records everything the device publishes
// and delivers injected messages only to matching subscriptions, like a broker would.
type Memory struct {
	mu            sync.Mutex
	published     []Message
	subscriptions map[string]int
	connected     bool
	failPublish   error
	failSubscribe error
	onPublish     func(Message)

	messages chan Message
	events   chan Event
}

// NewMemory returns a connected in-memory transport
func NewMemory() *Memory {
	return &Memory{
		subscriptions: make(map[string]int),
		connected:     true,
		messages:      make(chan Message, 256),
		events:        make(chan Event, 16),
	}
}

// Publish records the message
func (m *Memory) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.failPublish != nil {
		err := m.failPublish
		m.mu.Unlock()
		return err
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	m.published = append(m.published, msg)
	onPublish := m.onPublish
	m.mu.Unlock()

	if onPublish != nil {
		onPublish(msg)
	}
	return nil
}

// Subscribe records the subscription
func (m *Memory) Subscribe(filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if m.failSubscribe != nil {
		return m.failSubscribe
	}
	m.subscriptions[filter]++
	return nil
}

// Unsubscribe removes the subscription
func (m *Memory) Unsubscribe(filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[filter]; !ok {
		return fmt.Errorf("not subscribed to '%s'", filter)
	}
	delete(m.subscriptions, filter)
	return nil
}

// Messages implements Transport
func (m *Memory) Messages() <-chan Message {
	return m.messages
}

// Events implements Transport
func (m *Memory) Events() <-chan Event {
	return m.events
}

// Deliver queues an inbound message if any subscription matches its topic.
// It returns false if the message was dropped.
func (m *Memory) Deliver(topicName string, payload []byte) bool {
	if !m.Subscribed(topicName) {
		return false
	}
	m.messages <- Message{Topic: topicName, Payload: payload}
	return true
}

// Subscribed returns true if a subscription matches topicName
func (m *Memory) Subscribed(topicName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for filter := range m.subscriptions {
		if topic.Match(filter, topicName) {
			return true
		}
	}
	return false
}

// HasSubscription returns true if filter is subscribed verbatim
func (m *Memory) HasSubscription(filter string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subscriptions[filter]
	return ok
}

// SubscribeCount returns how often filter was subscribed since the last unsubscribe
func (m *Memory) SubscribeCount(filter string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions[filter]
}

// Published returns a copy of all published messages
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}

// PublishedTo returns all messages published to topicName
func (m *Memory) PublishedTo(topicName string) []Message {
	var out []Message
	for _, msg := range m.Published() {
		if msg.Topic == topicName {
			out = append(out, msg)
		}
	}
	return out
}

// Last returns the last published message
func (m *Memory) Last() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.published) == 0 {
		return Message{}, false
	}
	return m.published[len(m.published)-1], true
}

// Reset forgets all published messages
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// FailPublish makes every following Publish return err. Pass nil to recover.
func (m *Memory) FailPublish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPublish = err
}

// FailSubscribe makes every following Subscribe return err. Pass nil to recover.
func (m *Memory) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubscribe = err
}

// OnPublish installs a hook called after every successful publish, outside the lock.
// Simulations use it to answer requests.
func (m *Memory) OnPublish(fn func(Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPublish = fn
}

// Disconnect drops all subscriptions like a broker does for a clean session and
// emits ConnectionLost.
func (m *Memory) Disconnect(err error) {
	m.mu.Lock()
	m.connected = false
	m.subscriptions = make(map[string]int)
	m.mu.Unlock()
	m.events <- Event{Type: ConnectionLost, Error: err}
}

// Reconnect emits Connected
func (m *Memory) Reconnect() {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	m.events <- Event{Type: Connected}
}
