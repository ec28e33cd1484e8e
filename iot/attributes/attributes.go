/*
Package attributes implements the attribute capabilities of the device

Requester asks the cloud for the current values of client-side or shared attributes:

	publish  v1/devices/me/attributes/request/{id}   {"sharedKeys":"fw_title,fw_version"}
	receive  v1/devices/me/attributes/response/{id}  {"shared":{"fw_title":"app","fw_version":"1.2"}}

Updates delivers shared attribute changes that the cloud pushes on v1/devices/me/attributes.
Its subscription is permanent and is re-established after every reconnect.

Client-side attributes are published with Send.
*/
package attributes

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/tbdevice/core/container"
	"github.com/relabs-tech/tbdevice/core/watchdog"
	"github.com/relabs-tech/tbdevice/iot/ledger"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

// Scope selects client-side or shared attributes
type Scope string

const (
	// Client attributes are reported by the device
	Client Scope = "client"
	// Shared attributes are set in the cloud
	Shared Scope = "shared"
)

// requestKey returns the key of the request payload for s
func (s Scope) requestKey() string {
	return string(s) + "Keys"
}

// Callback receives the requested attributes as a JSON object, or an error
type Callback func(values json.RawMessage, err error)

// RequesterBuilder is a builder helper for the Requester
type RequesterBuilder struct {
	// Transport is mandatory
	Transport transport.PubSub
	// Scheduler is mandatory
	Scheduler *watchdog.Scheduler
	// Timeout is the response deadline. Zero disables timeouts.
	Timeout time.Duration
	// Policy and Capacity configure the pending request storage
	Policy   container.Policy
	Capacity int
}

// Requester requests attribute values from the cloud.
type Requester struct {
	*ledger.Ledger
}

// NewRequester returns a new attribute requester
func NewRequester(b *RequesterBuilder) *Requester {
	return &Requester{
		Ledger: ledger.New(&ledger.Builder{
			Name:          "attribute request",
			Transport:     b.Transport,
			Scheduler:     b.Scheduler,
			RequestTopic:  topic.AttributeRequestPrefix,
			ResponseTopic: topic.AttributeResponsePrefix,
			Timeout:       b.Timeout,
			Policy:        b.Policy,
			Capacity:      b.Capacity,
		}),
	}
}

// RequestClient requests client-side attribute values
func (r *Requester) RequestClient(keys []string, callback Callback) bool {
	return r.request(Client, keys, callback)
}

// RequestShared requests shared attribute values
func (r *Requester) RequestShared(keys []string, callback Callback) bool {
	return r.request(Shared, keys, callback)
}

func (r *Requester) request(scope Scope, keys []string, callback Callback) bool {
	if len(keys) == 0 || callback == nil {
		return false
	}
	payload, err := json.Marshal(map[string]string{scope.requestKey(): strings.Join(keys, ",")})
	if err != nil {
		return false
	}
	return r.Request(payload, string(scope), func(data []byte, err error) {
		callback(json.RawMessage(data), err)
	})
}

// Send publishes client-side attributes. values must marshal to a JSON object.
func Send(publisher transport.Publisher, values interface{}) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("cannot marshal attributes: %w", err)
	}
	return publisher.Publish(topic.Attributes, payload)
}
