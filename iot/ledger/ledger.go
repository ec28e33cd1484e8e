// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package ledger correlates asynchronous responses with the requests that caused them

A Ledger belongs to one capability of the device, e.g. attribute requests or client-side
RPC. Every request gets a fresh correlation id which becomes the last level of the request
topic. The cloud echoes the id in the response topic:

	publish    v1/devices/me/rpc/request/7
	receive    v1/devices/me/rpc/response/7

The ledger subscribes to the wildcard response topic when the first request is pending and
unsubscribes again when the last one completed. Each pending request owns a watchdog; if no
response arrives in time the request is dropped and its callback receives ErrTimeout.

Responses whose id matches no pending request are ignored. They are duplicates or arrived
after their request timed out.

Keyless ledgers serve protocols without ids in the topic, such as provisioning. A response
completes the oldest pending request.
*/
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/tbdevice/core/container"
	"github.com/relabs-tech/tbdevice/core/logger"
	"github.com/relabs-tech/tbdevice/core/watchdog"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

var (
	// ErrTimeout is passed to a callback whose request got no response in time
	ErrTimeout = errors.New("request timed out")
	// ErrCancelled is passed to callbacks of requests dropped by CancelAll
	ErrCancelled = errors.New("request cancelled")
)

// Callback receives the response payload, or an error on timeout or cancellation.
// If the request had a response key, payload is the value stored under that key.
type Callback func(payload []byte, err error)

// Builder is a builder helper for a Ledger
type Builder struct {
	// Name identifies the capability in logs. This is mandatory.
	Name string
	// Transport is used to publish and subscribe. This is mandatory.
	Transport transport.PubSub
	// Scheduler creates the request watchdogs. This is mandatory.
	Scheduler *watchdog.Scheduler
	// RequestTopic is the request topic prefix that is followed by the id, or the
	// complete request topic of a keyless ledger. This is mandatory.
	RequestTopic string
	// ResponseTopic is the response topic prefix that is followed by the id, or the
	// complete response topic of a keyless ledger. This is mandatory.
	ResponseTopic string
	// Keyless disables ids in topics
	Keyless bool
	// Timeout is the response deadline. Zero disables timeouts.
	Timeout time.Duration
	// Policy selects the container backend for pending requests. Default is growable.
	Policy container.Policy
	// Capacity is the number of pending requests a fixed ledger can hold, or the
	// initial capacity of a growable ledger. Default is 4.
	Capacity int
}

type pending struct {
	id          uint32
	responseKey string
	deadline    *watchdog.Watchdog
	callback    Callback
}

// Ledger is the bookkeeping of outstanding requests of one capability.
type Ledger struct {
	name          string
	transport     transport.PubSub
	scheduler     *watchdog.Scheduler
	requestTopic  string
	responseTopic string
	filter        string
	keyless       bool
	timeout       time.Duration

	pending    container.Container[*pending]
	lastID     uint32
	subscribed bool
	log        *logrus.Entry
}

// New returns a new ledger
func New(b *Builder) *Ledger {
	if len(b.Name) == 0 {
		panic("Name is missing")
	}
	if b.Transport == nil {
		panic("Transport is missing")
	}
	if b.Scheduler == nil {
		panic("Scheduler is missing")
	}
	if len(b.RequestTopic) == 0 || len(b.ResponseTopic) == 0 {
		panic("RequestTopic or ResponseTopic is missing")
	}
	capacity := b.Capacity
	if capacity == 0 {
		capacity = 4
	}
	filter := b.ResponseTopic
	if !b.Keyless {
		filter += "+"
	}
	return &Ledger{
		name:          b.Name,
		transport:     b.Transport,
		scheduler:     b.Scheduler,
		requestTopic:  b.RequestTopic,
		responseTopic: b.ResponseTopic,
		filter:        filter,
		keyless:       b.Keyless,
		timeout:       b.Timeout,
		pending:       container.New[*pending](b.Policy, capacity),
		log:           logger.ForComponent("ledger").WithField("ledger", b.Name),
	}
}

// Name returns the capability name
func (l *Ledger) Name() string {
	return l.name
}

// Pending returns the number of outstanding requests
func (l *Ledger) Pending() int {
	return l.pending.Size()
}

// Subscribed returns true while the response subscription is active
func (l *Ledger) Subscribed() bool {
	return l.subscribed
}

// Request publishes payload with a fresh correlation id and calls callback once the
// response arrived or the deadline passed. A non-empty responseKey selects the value
// under that key of a JSON object response.
//
// Request returns false if the ledger is full or the transport failed. Nothing is
// stored in that case and callback is never called.
func (l *Ledger) Request(payload []byte, responseKey string, callback Callback) bool {
	_, ok := l.RequestWithID(payload, responseKey, callback)
	return ok
}

// RequestWithID is like Request but also returns the correlation id
func (l *Ledger) RequestWithID(payload []byte, responseKey string, callback Callback) (uint32, bool) {
	if callback == nil {
		l.log.Errorln("request without callback")
		return 0, false
	}
	if l.pending.Full() || l.scheduler.Full() {
		l.log.Warnf("capacity of %d pending requests exhausted", l.pending.Capacity())
		return 0, false
	}
	if l.keyless && !l.pending.Empty() {
		l.log.Warnln("a keyless request is already pending")
		return 0, false
	}

	id := l.nextID()
	if err := l.subscribe(); err != nil {
		l.log.WithError(err).Errorf("cannot subscribe to %s", l.filter)
		return 0, false
	}

	p := &pending{id: id, responseKey: responseKey, callback: callback}
	p.deadline = l.scheduler.New(func() { l.onTimeout(p) })
	l.pending.PushBack(p)
	p.deadline.Arm(l.timeout)

	requestTopic := l.requestTopic
	if !l.keyless {
		requestTopic = topic.WithID(l.requestTopic, id)
	}
	if err := l.transport.Publish(requestTopic, payload); err != nil {
		l.log.WithError(err).Errorf("cannot publish request %d", id)
		l.remove(p)
		return 0, false
	}
	l.log.Debugf("request %d published on %s", id, requestTopic)
	return id, true
}

// Matches returns true if topicName is a response topic of this ledger
func (l *Ledger) Matches(topicName string) bool {
	return topic.Match(l.filter, topicName)
}

// HandleResponse completes the pending request whose id is encoded in topicName
func (l *Ledger) HandleResponse(topicName string, payload []byte) {
	var index int
	if l.keyless {
		if topicName != l.responseTopic || l.pending.Empty() {
			l.log.Debugf("ignoring unsolicited response on %s", topicName)
			return
		}
		index = 0
	} else {
		id, err := topic.ParseID(topicName, l.responseTopic)
		if err != nil {
			l.log.WithError(err).Warnln("ignoring response")
			return
		}
		index = container.IndexOf(l.pending, func(p *pending) bool { return p.id == id })
		if index < 0 {
			l.log.Debugf("ignoring response %d without pending request", id)
			return
		}
	}

	p := l.pending.At(index)
	data := payload
	if len(p.responseKey) > 0 {
		var object map[string]json.RawMessage
		if err := json.Unmarshal(payload, &object); err != nil {
			l.log.WithError(err).Warnf("ignoring invalid response %d", p.id)
			return
		}
		if value, ok := object[p.responseKey]; ok {
			data = value
		}
	}

	l.remove(p)
	l.log.Debugf("response %d received", p.id)
	p.callback(data, nil)
}

// Resubscribe re-establishes the response subscription after a reconnect,
// if requests are pending
func (l *Ledger) Resubscribe() error {
	if !l.subscribed {
		return nil
	}
	if err := l.transport.Subscribe(l.filter); err != nil {
		return fmt.Errorf("resubscribe %s: %w", l.filter, err)
	}
	return nil
}

// Unsubscribe drops the response subscription. Pending requests stay and will time out
// unless the subscription is re-established.
func (l *Ledger) Unsubscribe() error {
	if !l.subscribed {
		return nil
	}
	l.subscribed = false
	if err := l.transport.Unsubscribe(l.filter); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", l.filter, err)
	}
	return nil
}

// CancelAll drops all pending requests and calls their callbacks with ErrCancelled
func (l *Ledger) CancelAll() {
	var dropped []*pending
	l.pending.Range(func(_ int, p *pending) bool {
		dropped = append(dropped, p)
		return true
	})
	for _, p := range dropped {
		l.remove(p)
	}
	for _, p := range dropped {
		p.callback(nil, ErrCancelled)
	}
}

func (l *Ledger) onTimeout(p *pending) {
	if container.IndexOf(l.pending, func(v *pending) bool { return v == p }) < 0 {
		return
	}
	l.remove(p)
	l.log.Warnf("request %d timed out after %v", p.id, l.timeout)
	p.callback(nil, ErrTimeout)
}

// remove erases p, releases its watchdog and unsubscribes when the ledger became empty
func (l *Ledger) remove(p *pending) {
	index := container.IndexOf(l.pending, func(v *pending) bool { return v == p })
	if index >= 0 {
		l.pending.Erase(index)
	}
	p.deadline.Release()
	if l.pending.Empty() {
		if err := l.Unsubscribe(); err != nil {
			l.log.WithError(err).Warnln("cannot unsubscribe")
		}
	}
}

func (l *Ledger) subscribe() error {
	if l.subscribed {
		return nil
	}
	if err := l.transport.Subscribe(l.filter); err != nil {
		return err
	}
	l.subscribed = true
	return nil
}

// nextID returns the next id that is not in flight. Ids wrap around.
func (l *Ledger) nextID() uint32 {
	for {
		l.lastID++
		id := l.lastID
		if container.IndexOf(l.pending, func(p *pending) bool { return p.id == id }) < 0 {
			return id
		}
	}
}

// SetLastID sets the id counter, the next request uses id+1
func (l *Ledger) SetLastID(id uint32) {
	l.lastID = id
}
