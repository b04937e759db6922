package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/mrsync/internal/protocol"
	"github.com/cory-johannsen/mrsync/internal/rpc"
	"github.com/cory-johannsen/mrsync/internal/session"
	"github.com/cory-johannsen/mrsync/internal/testutil"
)

func activeRouter(t *testing.T) (*rpc.Router, *testutil.MemConn) {
	t.Helper()
	_, r, conn := activeSession(t)
	return r, conn
}

func activeSession(t *testing.T) (*session.Context, *rpc.Router, *testutil.MemConn) {
	t.Helper()
	c := session.NewContext("s1", session.Options{HandshakeTimeout: time.Second, Logger: zaptest.NewLogger(t)})
	r := rpc.New(c)
	registerProcedures(r, zaptest.NewLogger(t))

	conn := testutil.NewMemConn()
	require.NoError(t, c.Bind(conn))
	errCh := make(chan error, 1)
	go func() { errCh <- c.StartListening(context.Background()) }()
	require.Eventually(t, conn.Started, time.Second, time.Millisecond)
	conn.Deliver(protocol.TypeHandshake, protocol.Handshake{ProtocolVersion: protocol.Version})
	require.NoError(t, <-errCh)
	conn.Reset()
	return c, r, conn
}

func deliverCall(t *testing.T, conn *testutil.MemConn, userID, proc string, args ...any) {
	t.Helper()
	raw, err := protocol.EncodeArgs(args...)
	require.NoError(t, err)
	conn.Deliver(protocol.TypeEngineToAppRPC, protocol.RPC{UserID: userID, ProcName: proc, Args: raw})
}

func TestProcedures_PingPong(t *testing.T) {
	_, conn := activeRouter(t)
	deliverCall(t, conn, "", "ping", 7, "x")

	out := conn.SentOfType(protocol.TypeAppToEngineRPC)
	require.Len(t, out, 1)
	var r protocol.RPC
	require.NoError(t, out[0].Unmarshal(&r))
	assert.Equal(t, "pong", r.ProcName)
	assert.Equal(t, []json.RawMessage{json.RawMessage(`7`), json.RawMessage(`"x"`)}, r.Args)
}

func TestProcedures_JoinBroadcastLeave(t *testing.T) {
	r, conn := activeRouter(t)
	deliverCall(t, conn, "A", "join", "team")
	deliverCall(t, conn, "B", "join", "team")
	ch, ok := r.Channel("team", false)
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, ch.Members())

	deliverCall(t, conn, "A", "broadcast", "team", "cheer", 3)
	out := conn.SentOfType(protocol.TypeAppToEngineRPC)
	require.Len(t, out, 2)
	for _, m := range out {
		var rpcMsg protocol.RPC
		require.NoError(t, m.Unmarshal(&rpcMsg))
		assert.Equal(t, "cheer", rpcMsg.ProcName)
		assert.Equal(t, "team", rpcMsg.ChannelName)
	}

	deliverCall(t, conn, "A", "leave", "team")
	deliverCall(t, conn, "B", "leave", "team")
	_, ok = r.Channel("team", false)
	assert.False(t, ok)
}
