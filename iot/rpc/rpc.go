/*
Package rpc implements remote procedure calls between device and cloud

Client-side RPC is initiated by the device and correlated by a Ledger:

	publish  v1/devices/me/rpc/request/{id}   {"method":"getTime","params":{}}
	receive  v1/devices/me/rpc/response/{id}  <result>

Server-side RPC is initiated by the cloud. The Server capability keeps a permanent
subscription to v1/devices/me/rpc/request/+ and publishes the handler result on
v1/devices/me/rpc/response/{id}.
*/
package rpc

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/tbdevice/core/container"
	"github.com/relabs-tech/tbdevice/core/watchdog"
	"github.com/relabs-tech/tbdevice/iot/ledger"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

// Request is the payload of an RPC request in both directions
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Callback receives the result of a client-side call, or an error
type Callback func(result json.RawMessage, err error)

// ClientBuilder is a builder helper for the Client
type ClientBuilder struct {
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

// Client issues client-side RPC calls.
type Client struct {
	*ledger.Ledger
}

// NewClient returns a new client-side RPC capability
func NewClient(b *ClientBuilder) *Client {
	return &Client{
		Ledger: ledger.New(&ledger.Builder{
			Name:          "client rpc",
			Transport:     b.Transport,
			Scheduler:     b.Scheduler,
			RequestTopic:  topic.RPCRequestPrefix,
			ResponseTopic: topic.RPCResponsePrefix,
			Timeout:       b.Timeout,
			Policy:        b.Policy,
			Capacity:      b.Capacity,
		}),
	}
}

// Call invokes method in the cloud. params may be nil, it is sent as an empty object.
func (c *Client) Call(method string, params interface{}, callback Callback) bool {
	if len(method) == 0 || callback == nil {
		return false
	}
	payload, err := encodeRequest(method, params)
	if err != nil {
		return false
	}
	return c.Request(payload, "", func(data []byte, err error) {
		callback(json.RawMessage(data), err)
	})
}

func encodeRequest(method string, params interface{}) ([]byte, error) {
	request := Request{Method: method, Params: json.RawMessage("{}")}
	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		if len(p) > 0 {
			request.Params = p
		}
	case []byte:
		if len(p) > 0 {
			request.Params = p
		}
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("cannot marshal params of %s: %w", method, err)
		}
		request.Params = raw
	}
	return json.Marshal(request)
}
