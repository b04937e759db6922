package testutil

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/mrsync/internal/protocol"
)

// HostClient is a WebSocket test client that plays the role of a mixed-reality host.
type HostClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// DialHost connects to an httptest server URL (http:// or ws://) with optional headers.
//
// Precondition: url must address a listening adapter.
// Postcondition: Returns a connected HostClient or fails the test.
func DialHost(t *testing.T, url string, header http.Header) *HostClient {
	t.Helper()
	start := time.Now()

	if strings.HasPrefix(url, "http") {
		url = "ws" + strings.TrimPrefix(url, "http")
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dialling %s: %v [%s]", url, err, time.Since(start))
	}
	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("host client connected to %s [%s]", url, time.Since(start))
	return &HostClient{conn: conn, t: t}
}

// Send writes one message of the given type.
//
// Postcondition: The encoded message is written to the connection, or the test fails.
func (c *HostClient) Send(typ protocol.Type, payload any) {
	c.t.Helper()
	msg, err := protocol.New(typ, payload)
	if err != nil {
		c.t.Fatalf("building %s: %v", typ, err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		c.t.Fatalf("encoding %s: %v", typ, err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("sending %s: %v", typ, err)
	}
}

// Handshake sends a handshake with the server's protocol version.
func (c *HostClient) Handshake() {
	c.t.Helper()
	c.Send(protocol.TypeHandshake, protocol.Handshake{ProtocolVersion: protocol.Version})
}

// Read returns the next message or an error (including close errors).
func (c *HostClient) Read(timeout time.Duration) (*protocol.Message, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// ReadUntil reads messages until one of type typ arrives and returns it.
//
// Postcondition: Returns the first matching message, or fails on timeout or close.
func (c *HostClient) ReadUntil(typ protocol.Type, timeout time.Duration) *protocol.Message {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		msg, err := c.Read(time.Until(deadline))
		if err != nil {
			c.t.Fatalf("reading until %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

// ExpectClosed reads until the server closes the connection.
//
// Postcondition: Returns once a read fails, or fails the test if messages keep arriving past timeout.
func (c *HostClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := c.Read(time.Until(deadline)); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				break
			}
			return
		}
	}
	c.t.Fatalf("connection still open after %s", timeout)
}

// Close closes the client socket without a close handshake.
func (c *HostClient) Close() {
	_ = c.conn.Close()
}
