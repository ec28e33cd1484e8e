package attributes

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tbdevice/core/container"
	"github.com/relabs-tech/tbdevice/core/watchdog"
	"github.com/relabs-tech/tbdevice/iot/ledger"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

func TestRequestShared(t *testing.T) {
	tr := transport.NewMemory()
	clock := watchdog.NewManualClock(time.Unix(0, 0))
	scheduler := watchdog.NewPolled(clock)
	r := NewRequester(&RequesterBuilder{Transport: tr, Scheduler: scheduler, Timeout: time.Second})

	var got json.RawMessage
	require.True(t, r.RequestShared([]string{"fw_title", "fw_version"}, func(values json.RawMessage, err error) {
		require.NoError(t, err)
		got = values
	}))

	msg, ok := tr.Last()
	require.True(t, ok)
	assert.Equal(t, topic.WithID(topic.AttributeRequestPrefix, 1), msg.Topic)
	assert.JSONEq(t, `{"sharedKeys":"fw_title,fw_version"}`, string(msg.Payload))

	r.HandleResponse(topic.WithID(topic.AttributeResponsePrefix, 1), []byte(`{"shared":{"fw_title":"app","fw_version":"2"}}`))
	assert.JSONEq(t, `{"fw_title":"app","fw_version":"2"}`, string(got))
}

func TestRequestClient_Timeout(t *testing.T) {
	tr := transport.NewMemory()
	clock := watchdog.NewManualClock(time.Unix(0, 0))
	scheduler := watchdog.NewPolled(clock)
	r := NewRequester(&RequesterBuilder{Transport: tr, Scheduler: scheduler, Timeout: time.Second})

	var gotErr error
	require.True(t, r.RequestClient([]string{"serial"}, func(_ json.RawMessage, err error) { gotErr = err }))
	msg, _ := tr.Last()
	assert.JSONEq(t, `{"clientKeys":"serial"}`, string(msg.Payload))

	clock.Advance(time.Second)
	scheduler.Update()
	assert.True(t, errors.Is(gotErr, ledger.ErrTimeout))
}

func TestRequest_RejectsEmptyKeys(t *testing.T) {
	r := NewRequester(&RequesterBuilder{Transport: transport.NewMemory(), Scheduler: watchdog.NewPolled(nil)})
	assert.False(t, r.RequestShared(nil, func(json.RawMessage, error) {}))
}

func TestUpdates(t *testing.T) {
	tr := transport.NewMemory()
	u := NewUpdates(tr, container.PolicyFixed, 2)

	var all, firmware []map[string]json.RawMessage
	require.True(t, u.Subscribe(nil, func(v map[string]json.RawMessage) { all = append(all, v) }))
	require.True(t, u.Subscribe([]string{"fw_version"}, func(v map[string]json.RawMessage) { firmware = append(firmware, v) }))
	assert.False(t, u.Subscribe(nil, func(map[string]json.RawMessage) {}), "fixed storage is full")
	assert.Equal(t, 1, tr.SubscribeCount(topic.Attributes))

	require.True(t, u.Matches(topic.Attributes))
	u.HandleResponse(topic.Attributes, []byte(`{"blink":true}`))
	u.HandleResponse(topic.Attributes, []byte(`{"shared":{"fw_version":"3"}}`))
	u.HandleResponse(topic.Attributes, []byte(`garbage`))

	assert.Len(t, all, 2)
	require.Len(t, firmware, 1)
	assert.Equal(t, `"3"`, string(firmware[0]["fw_version"]))

	tr.Disconnect(nil)
	tr.Reconnect()
	require.NoError(t, u.Resubscribe())
	assert.True(t, tr.HasSubscription(topic.Attributes))

	require.NoError(t, u.Unsubscribe())
	assert.False(t, tr.HasSubscription(topic.Attributes))
}

func TestSend(t *testing.T) {
	tr := transport.NewMemory()
	require.NoError(t, Send(tr, map[string]interface{}{"serial": "A-1"}))
	msg, _ := tr.Last()
	assert.Equal(t, topic.Attributes, msg.Topic)
	assert.JSONEq(t, `{"serial":"A-1"}`, string(msg.Payload))
}
