// Package transport abstracts one duplex channel to a remote host and
// provides the WebSocket implementation used by the adapter.
package transport

import (
	"errors"

	"github.com/cory-johannsen/mrsync/internal/protocol"
)

// ErrClosed is returned by Send once the connection has been closed.
var ErrClosed = errors.New("connection closed")

// ErrSendQueueFull is returned by Send when the outbound queue overflows.
// The connection is closed when this happens, since ordering can no longer be kept.
var ErrSendQueueFull = errors.New("send queue full")

// Connection is one physical transport channel to a host.
// A closed Connection is never reused; a reconnect produces a new one.
type Connection interface {
	// ID uniquely identifies this physical connection.
	ID() string
	// RemoteAddr is the diagnostic peer address.
	RemoteAddr() string
	// OnMessage registers the inbound message callback. Messages are delivered
	// sequentially in receipt order. Must be called before Start.
	OnMessage(fn func(*protocol.Message))
	// OnClose registers the terminal callback, fired exactly once. err is nil
	// when the connection was closed locally.
	OnClose(fn func(err error))
	// Start begins the receive and transmit loops.
	Start()
	// Send enqueues a message. Messages are delivered in Send order.
	Send(msg *protocol.Message) error
	// Close is idempotent and cancels the receive loop.
	Close() error
	// Done is closed after the terminal callback has fired.
	Done() <-chan struct{}
}
