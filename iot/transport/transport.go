// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package transport connects the device client to a publish/subscribe broker

The device logic only sees the narrow Transport interface. Inbound messages and
connection events are delivered through channels, so the event loop of the device
consumes them on its own goroutine:

	for {
		select {
		case msg := <-t.Messages():
			...
		case event := <-t.Events():
			...
		}
	}

Two implementations exist: Paho, an MQTT client based on the Eclipse Paho library,
and Memory, an in-process loopback used in tests and simulations.
*/
package transport

import "errors"

// ErrNotConnected is returned by publish and subscribe calls while the connection is down
var ErrNotConnected = errors.New("transport not connected")

// Message is an inbound message
type Message struct {
	Topic   string
	Payload []byte
}

// EventType is the type of a connection Event
type EventType int

const (
	// Connected is sent after every successful (re)connect
	Connected EventType = iota + 1
	// ConnectionLost is sent when the connection drops
	ConnectionLost
)

// Event is a connection state change
type Event struct {
	Type  EventType
	Error error
}

// Publisher is an interface to publish MQTT messages
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Subscriber is an interface to manage MQTT subscriptions
type Subscriber interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// PubSub is the outbound half of a Transport
type PubSub interface {
	Publisher
	Subscriber
}

// Transport is a publish/subscribe connection
type Transport interface {
	PubSub
	// Messages delivers inbound messages of all subscriptions
	Messages() <-chan Message
	// Events delivers connection state changes
	Events() <-chan Event
}
