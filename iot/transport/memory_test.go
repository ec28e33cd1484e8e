package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_DeliversToMatchingSubscriptions(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Subscribe("v2/fw/response/#"))
	require.NoError(t, m.Subscribe("v2/fw/response/#"))
	assert.Equal(t, 2, m.SubscribeCount("v2/fw/response/#"))

	assert.True(t, m.Deliver("v2/fw/response/1/chunk/0", []byte("a")))
	assert.False(t, m.Deliver("v1/devices/me/attributes", []byte("b")))
	msg := <-m.Messages()
	assert.Equal(t, "v2/fw/response/1/chunk/0", msg.Topic)

	require.NoError(t, m.Unsubscribe("v2/fw/response/#"))
	assert.False(t, m.HasSubscription("v2/fw/response/#"))
	assert.Error(t, m.Unsubscribe("v2/fw/response/#"))
}

func TestMemory_RecordsPublishes(t *testing.T) {
	m := NewMemory()
	var hooked []Message
	m.OnPublish(func(msg Message) { hooked = append(hooked, msg) })

	payload := []byte("1")
	require.NoError(t, m.Publish("a", payload))
	payload[0] = '2'
	require.NoError(t, m.Publish("b", payload))

	assert.Len(t, m.Published(), 2)
	assert.Equal(t, []byte("1"), m.PublishedTo("a")[0].Payload, "payloads are copied")
	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.Topic)
	assert.Len(t, hooked, 2)

	m.Reset()
	_, ok = m.Last()
	assert.False(t, ok)
}

func TestMemory_Failures(t *testing.T) {
	m := NewMemory()
	boom := errors.New("boom")
	m.FailPublish(boom)
	m.FailSubscribe(boom)
	assert.ErrorIs(t, m.Publish("a", nil), boom)
	assert.ErrorIs(t, m.Subscribe("a"), boom)
	m.FailPublish(nil)
	m.FailSubscribe(nil)
	assert.NoError(t, m.Publish("a", nil))
	assert.NoError(t, m.Subscribe("a"))
}

func TestMemory_DisconnectAndReconnect(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Subscribe("a"))
	m.Disconnect(errors.New("gone"))

	event := <-m.Events()
	assert.Equal(t, ConnectionLost, event.Type)
	assert.EqualError(t, event.Error, "gone")
	assert.False(t, m.HasSubscription("a"), "clean session drops subscriptions")
	assert.ErrorIs(t, m.Publish("a", nil), ErrNotConnected)
	assert.ErrorIs(t, m.Subscribe("a"), ErrNotConnected)

	m.Reconnect()
	assert.Equal(t, Connected, (<-m.Events()).Type)
	assert.NoError(t, m.Subscribe("a"))
}
