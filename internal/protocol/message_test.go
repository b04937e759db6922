package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndDecode(t *testing.T) {
	msg, err := New(TypeUpdate, Update{Kind: KindActor, ID: "actor-1", Patch: map[string]any{"x": 2}})
	require.NoError(t, err)

	data, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeUpdate, got.Type)

	var upd Update
	require.NoError(t, got.Unmarshal(&upd))
	assert.Equal(t, KindActor, upd.Kind)
	assert.Equal(t, "actor-1", upd.ID)
	assert.Equal(t, 2.0, upd.Patch["x"])
}

func TestNew_NilPayload(t *testing.T) {
	msg, err := New(TypeHeartbeat, nil)
	require.NoError(t, err)
	assert.Empty(t, msg.Payload)

	data, err := Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(data))
}

func TestNew_UnencodablePayload(t *testing.T) {
	_, err := New(TypeUpdate, map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestUnmarshal_MissingPayload(t *testing.T) {
	msg := &Message{Type: TypeUserLeft}
	var ul UserLeft
	err := msg.Unmarshal(&ul)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestUnmarshal_WrongShape(t *testing.T) {
	msg := &Message{Type: TypeUserLeft, Payload: json.RawMessage(`[1,2]`)}
	var ul UserLeft
	err := msg.Unmarshal(&ul)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestRPCEnvelope(t *testing.T) {
	args, err := EncodeArgs("hello", 3, map[string]int{"a": 1})
	require.NoError(t, err)
	require.Len(t, args, 3)

	msg, err := New(TypeAppToEngineRPC, RPC{ChannelName: "lobby", ProcName: "greet", Args: args})
	require.NoError(t, err)
	data, err := Encode(msg)
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"type":"app2engine-rpc","payload":{"channelName":"lobby","procName":"greet","args":["hello",3,{"a":1}]}}`,
		string(data))
}

func TestEncodeArgs_Error(t *testing.T) {
	_, err := EncodeArgs(func() {})
	assert.Error(t, err)
}
