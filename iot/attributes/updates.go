package attributes

import (
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/tbdevice/core/container"
	"github.com/relabs-tech/tbdevice/core/logger"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

// UpdateCallback receives the changed shared attributes
type UpdateCallback func(values map[string]json.RawMessage)

type subscription struct {
	keys     []string
	callback UpdateCallback
}

// Updates dispatches shared attribute updates pushed by the cloud.
type Updates struct {
	transport     transport.Subscriber
	subscriptions container.Container[subscription]
	subscribed    bool
	log           *logrus.Entry
}

// NewUpdates returns a shared attribute update dispatcher. policy and capacity configure
// the storage of subscriptions.
func NewUpdates(t transport.Subscriber, policy container.Policy, capacity int) *Updates {
	if t == nil {
		panic("Transport is missing")
	}
	return &Updates{
		transport:     t,
		subscriptions: container.New[subscription](policy, capacity),
		log:           logger.ForComponent("attributes"),
	}
}

// Name implements the capability contract
func (u *Updates) Name() string {
	return "shared attribute updates"
}

// Subscribe registers callback for updates of any of keys, or for all updates if keys is
// empty. It returns false if the subscription storage is full or the transport failed.
func (u *Updates) Subscribe(keys []string, callback UpdateCallback) bool {
	if callback == nil || u.subscriptions.Full() {
		return false
	}
	if !u.subscribed {
		if err := u.transport.Subscribe(topic.Attributes); err != nil {
			u.log.WithError(err).Errorln("cannot subscribe to shared attribute updates")
			return false
		}
		u.subscribed = true
	}
	u.subscriptions.PushBack(subscription{keys: keys, callback: callback})
	return true
}

// Matches implements the capability contract
func (u *Updates) Matches(topicName string) bool {
	return topicName == topic.Attributes
}

// HandleResponse delivers an update to all interested subscriptions
func (u *Updates) HandleResponse(_ string, payload []byte) {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(payload, &values); err != nil {
		u.log.WithError(err).Warnln("ignoring invalid shared attribute update")
		return
	}
	// updates pushed as {"shared": {...}} carry the values one level down
	if shared, ok := values[string(Shared)]; ok && len(values) == 1 {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(shared, &inner); err == nil {
			values = inner
		}
	}
	u.subscriptions.Range(func(_ int, s subscription) bool {
		if interested(s.keys, values) {
			s.callback(values)
		}
		return true
	})
}

// Resubscribe implements the capability contract
func (u *Updates) Resubscribe() error {
	if !u.subscribed {
		return nil
	}
	return u.transport.Subscribe(topic.Attributes)
}

// Unsubscribe drops the subscription and all registered callbacks
func (u *Updates) Unsubscribe() error {
	u.subscriptions.Clear()
	if !u.subscribed {
		return nil
	}
	u.subscribed = false
	return u.transport.Unsubscribe(topic.Attributes)
}

func interested(keys []string, values map[string]json.RawMessage) bool {
	if len(keys) == 0 {
		return true
	}
	for _, key := range keys {
		if _, ok := values[key]; ok {
			return true
		}
	}
	return false
}
