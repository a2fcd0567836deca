package transport

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	data, err := Encode("message:ack", map[string]string{"messageId": "m1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message:ack","payload":{"messageId":"m1"}}`, string(data))

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "message:ack", env.Type)
	assert.JSONEq(t, `{"messageId":"m1"}`, string(env.Payload))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err)

	_, err = Encode("", nil)
	assert.Error(t, err)
}

func TestRegistryDispatchesToAllHandlers(t *testing.T) {
	var r Registry
	var got []string
	r.Add("typing", func(p json.RawMessage) { got = append(got, "a:"+string(p)) })
	r.Add("typing", func(p json.RawMessage) { got = append(got, "b:"+string(p)) })

	assert.True(t, r.Dispatch("typing", json.RawMessage(`1`)))
	assert.False(t, r.Dispatch("other", nil))
	assert.Equal(t, []string{"a:1", "b:1"}, got)
}

func TestMockTransportRecordsEmitsAndState(t *testing.T) {
	m := NewMockTransport(false)
	states, cancel := m.ConnectionState()
	defer cancel()

	assert.ErrorIs(t, m.Emit("typing", 1), ErrNotConnected)

	m.SetConnected(true)
	m.SetConnected(true)
	assert.True(t, <-states)
	assert.Len(t, states, 0)

	require.NoError(t, m.Emit("typing", 2))
	m.FailEmits(errors.New("boom"))
	assert.Error(t, m.Emit("typing", 3))
	m.FailEmits(nil)

	assert.Equal(t, 1, m.Count("typing"))
	assert.Equal(t, 3, m.Attempts())
	assert.Equal(t, 2, m.Emitted("typing")[0].Payload)

	var seen string
	m.On("message:ack", func(p json.RawMessage) { seen = string(p) })
	assert.True(t, m.Deliver("message:ack", map[string]string{"messageId": "m1"}))
	assert.JSONEq(t, `{"messageId":"m1"}`, seen)
}
