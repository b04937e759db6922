package transport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/mrsync/internal/protocol"
)

// serverPair starts an httptest server that upgrades one request into a WSConn
// and returns that conn together with the dialled client socket.
func serverPair(t *testing.T, opts Options, setup func(*WSConn)) (*WSConn, *websocket.Conn) {
	t.Helper()
	connCh := make(chan *WSConn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := NewWSConn(ws, opts, zaptest.NewLogger(t))
		if setup != nil {
			setup(c)
		}
		c.Start()
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case c := <-connCh:
		t.Cleanup(func() { _ = c.Close() })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not established")
		return nil, nil
	}
}

func readMessage(t *testing.T, client *websocket.Conn) *protocol.Message {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestWSConn_SendPreservesOrder(t *testing.T) {
	conn, client := serverPair(t, Options{}, nil)

	for i := 0; i < 100; i++ {
		msg, err := protocol.New(protocol.TypeUpdate, protocol.Update{Kind: protocol.KindActor, ID: fmt.Sprint(i)})
		require.NoError(t, err)
		require.NoError(t, conn.Send(msg))
	}
	for i := 0; i < 100; i++ {
		msg := readMessage(t, client)
		var upd protocol.Update
		require.NoError(t, msg.Unmarshal(&upd))
		assert.Equal(t, fmt.Sprint(i), upd.ID)
	}
}

func TestWSConn_InboundInReceiptOrder(t *testing.T) {
	got := make(chan string, 10)
	_, client := serverPair(t, Options{}, func(c *WSConn) {
		c.OnMessage(func(m *protocol.Message) { got <- m.ID })
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"type":"heartbeat","id":"%d"}`, i))))
	}
	for i := 0; i < 10; i++ {
		select {
		case id := <-got:
			assert.Equal(t, fmt.Sprint(i), id)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
}

func TestWSConn_MalformedFrameSkipped(t *testing.T) {
	got := make(chan string, 1)
	_, client := serverPair(t, Options{}, func(c *WSConn) {
		c.OnMessage(func(m *protocol.Message) { got <- string(m.Type) })
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))

	select {
	case typ := <-got:
		assert.Equal(t, "heartbeat", typ)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after garbage not delivered")
	}
}

func TestWSConn_CloseIsIdempotentAndNotifiesOnce(t *testing.T) {
	var notified atomic.Int32
	conn, client := serverPair(t, Options{}, func(c *WSConn) {
		c.OnClose(func(err error) {
			assert.NoError(t, err)
			notified.Add(1)
		})
	})

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not finish")
	}
	assert.Equal(t, int32(1), notified.Load())
	assert.True(t, conn.Closed())

	msg, _ := protocol.New(protocol.TypeHeartbeatReply, nil)
	assert.ErrorIs(t, conn.Send(msg), ErrClosed)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWSConn_QueuedFramesFlushedOnClose(t *testing.T) {
	conn, client := serverPair(t, Options{}, nil)

	msg, err := protocol.New(protocol.TypeHandshakeReply, protocol.HandshakeReply{Error: "bye"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(msg))
	require.NoError(t, conn.Close())

	got := readMessage(t, client)
	assert.Equal(t, protocol.TypeHandshakeReply, got.Type)
}

func TestWSConn_PeerDisconnectIsTerminal(t *testing.T) {
	errCh := make(chan error, 1)
	conn, client := serverPair(t, Options{}, func(c *WSConn) {
		c.OnClose(func(err error) { errCh <- err })
	})

	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal notification not fired")
	}
	<-conn.Done()
	assert.True(t, conn.Closed())
}

func TestWSConn_CloseBeforeStart(t *testing.T) {
	upgrader := websocket.Upgrader{}
	notified := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewWSConn(ws, Options{}, nil)
		c.OnClose(func(error) { notified <- struct{}{} })
		_ = c.Close()
		c.Start()
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("close before start did not notify")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{PongWait: 10 * time.Second, PingInterval: 20 * time.Second}.withDefaults()
	assert.Equal(t, 9*time.Second, o.PingInterval)
	assert.Equal(t, 256, o.SendQueue)
	assert.Equal(t, int64(1<<20), o.MaxMessageBytes)
}

func TestWSConn_CloseRacingStartStillTerminates(t *testing.T) {
	var notified atomic.Int32
	conn, client := serverPair(t, Options{}, func(c *WSConn) {
		c.OnClose(func(error) { notified.Add(1) })
		// Start has won its CAS but not launched the pumps when Close arrives.
		c.started.Store(true)
		_ = c.Close()
		c.launch()
	})

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection never finished")
	}
	assert.Equal(t, int32(1), notified.Load())

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	assert.Error(t, err)
}
