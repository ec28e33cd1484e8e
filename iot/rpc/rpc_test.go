package rpc

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tbdevice/core/container"
	"github.com/relabs-tech/tbdevice/core/watchdog"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

func TestCall_EncodesParams(t *testing.T) {
	cases := []struct {
		params   interface{}
		expected string
	}{
		{nil, `{"method":"m","params":{}}`},
		{json.RawMessage(`{"a":1}`), `{"method":"m","params":{"a":1}}`},
		{[]byte(`[1,2]`), `{"method":"m","params":[1,2]}`},
		{map[string]int{"b": 2}, `{"method":"m","params":{"b":2}}`},
		{"text", `{"method":"m","params":"text"}`},
	}
	for _, c := range cases {
		payload, err := encodeRequest("m", c.params)
		require.NoError(t, err)
		assert.JSONEq(t, c.expected, string(payload))
	}
}

func TestCall_RoundTrip(t *testing.T) {
	tr := transport.NewMemory()
	clock := watchdog.NewManualClock(time.Unix(0, 0))
	scheduler := watchdog.NewPolled(clock)
	c := NewClient(&ClientBuilder{Transport: tr, Scheduler: scheduler, Timeout: 2 * time.Second})

	calls := 0
	var result json.RawMessage
	require.True(t, c.Call("getCurrentTime", nil, func(r json.RawMessage, err error) {
		require.NoError(t, err)
		calls++
		result = r
	}))
	msg, _ := tr.Last()
	assert.Equal(t, topic.WithID(topic.RPCRequestPrefix, 1), msg.Topic)

	c.HandleResponse(topic.WithID(topic.RPCResponsePrefix, 1), []byte(`{"time":1700000000}`))
	c.HandleResponse(topic.WithID(topic.RPCResponsePrefix, 1), []byte(`{"time":1700000000}`))
	assert.Equal(t, 1, calls)
	assert.JSONEq(t, `{"time":1700000000}`, string(result))
}

func TestCall_FixedCapacity(t *testing.T) {
	tr := transport.NewMemory()
	c := NewClient(&ClientBuilder{
		Transport: tr,
		Scheduler: watchdog.NewPolled(nil),
		Timeout:   time.Second,
		Policy:    container.PolicyFixed,
		Capacity:  2,
	})
	noop := func(json.RawMessage, error) {}
	assert.True(t, c.Call("a", nil, noop))
	assert.True(t, c.Call("b", nil, noop))
	assert.False(t, c.Call("c", nil, noop))
	assert.Equal(t, 2, c.Pending())
}

func TestServer_Reply(t *testing.T) {
	tr := transport.NewMemory()
	s := NewServer(tr, container.PolicyGrowable, 2)

	require.True(t, s.Handle("setLed", func(params json.RawMessage) (interface{}, error) {
		var p struct {
			On bool `json:"on"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]bool{"led": p.On}, nil
	}))
	require.True(t, s.Handle("reboot", func(json.RawMessage) (interface{}, error) { return nil, nil }))
	require.True(t, s.Handle("fail", func(json.RawMessage) (interface{}, error) { return nil, errors.New("busy") }))
	assert.Equal(t, 1, tr.SubscribeCount(topic.RPCRequestPattern))

	request := topic.WithID(topic.RPCRequestPrefix, 12)
	require.True(t, s.Matches(request))
	s.HandleResponse(request, []byte(`{"method":"setLed","params":{"on":true}}`))
	msg, ok := tr.Last()
	require.True(t, ok)
	assert.Equal(t, topic.WithID(topic.RPCResponsePrefix, 12), msg.Topic)
	assert.JSONEq(t, `{"led":true}`, string(msg.Payload))

	tr.Reset()
	s.HandleResponse(topic.WithID(topic.RPCRequestPrefix, 13), []byte(`{"method":"reboot"}`))
	assert.Empty(t, tr.Published(), "one-way call sends no reply")

	s.HandleResponse(topic.WithID(topic.RPCRequestPrefix, 14), []byte(`{"method":"fail"}`))
	msg, _ = tr.Last()
	assert.JSONEq(t, `{"error":"busy"}`, string(msg.Payload))

	s.HandleResponse(topic.WithID(topic.RPCRequestPrefix, 15), []byte(`{"method":"nope"}`))
	msg, _ = tr.Last()
	assert.Equal(t, topic.WithID(topic.RPCResponsePrefix, 15), msg.Topic)
	assert.JSONEq(t, `{"error":"unknown method"}`, string(msg.Payload))

	tr.Reset()
	s.HandleResponse(topic.WithID(topic.RPCRequestPrefix, 16), []byte(`{`))
	assert.Empty(t, tr.Published())
}

func TestServer_ReplaceHandler(t *testing.T) {
	tr := transport.NewMemory()
	s := NewServer(tr, container.PolicyFixed, 1)
	require.True(t, s.Handle("ping", func(json.RawMessage) (interface{}, error) { return "v1", nil }))
	require.True(t, s.Handle("ping", func(json.RawMessage) (interface{}, error) { return "v2", nil }))
	assert.False(t, s.Handle("other", func(json.RawMessage) (interface{}, error) { return nil, nil }))

	s.HandleResponse(topic.WithID(topic.RPCRequestPrefix, 1), []byte(`{"method":"ping"}`))
	msg, _ := tr.Last()
	assert.Equal(t, `"v2"`, string(msg.Payload))
}
