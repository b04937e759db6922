package testutil

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/mrsync/internal/protocol"
	"github.com/cory-johannsen/mrsync/internal/transport"
)

// MemConn is an in-memory transport.Connection. Outbound messages are recorded;
// inbound messages are injected with Deliver and dispatched synchronously.
type MemConn struct {
	id string

	mu        sync.Mutex
	sent      []*protocol.Message
	onMessage func(*protocol.Message)
	onClose   func(error)
	closed    bool
	closes    int
	started   bool
	done      chan struct{}
}

var _ transport.Connection = (*MemConn)(nil)

// NewMemConn returns an open MemConn with a fresh id.
func NewMemConn() *MemConn {
	return &MemConn{id: uuid.NewString(), done: make(chan struct{})}
}

// ID returns the connection id.
func (c *MemConn) ID() string { return c.id }

// RemoteAddr returns a fixed loopback address.
func (c *MemConn) RemoteAddr() string { return "127.0.0.1:0" }

// OnMessage registers the inbound callback.
func (c *MemConn) OnMessage(fn func(*protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnClose registers the terminal callback.
func (c *MemConn) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Start marks the connection started.
func (c *MemConn) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

// Started reports whether Start was called.
func (c *MemConn) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Send records msg, or returns transport.ErrClosed after close.
func (c *MemConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

// Close closes the connection and fires the terminal callback with a nil error.
func (c *MemConn) Close() error {
	c.terminate(nil)
	return nil
}

// Fail simulates a transport error.
func (c *MemConn) Fail(err error) {
	if err == nil {
		err = errors.New("transport failure")
	}
	c.terminate(err)
}

func (c *MemConn) terminate(err error) {
	c.mu.Lock()
	c.closes++
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	close(c.done)
	c.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// Done is closed once the connection is closed.
func (c *MemConn) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection has been closed.
func (c *MemConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCalls returns how many times Close or Fail was invoked.
func (c *MemConn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Deliver dispatches an inbound message built from typ and payload.
//
// Precondition: payload must be JSON-encodable.
func (c *MemConn) Deliver(typ protocol.Type, payload any) {
	msg, err := protocol.New(typ, payload)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	fn := c.onMessage
	closed := c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		fn(msg)
	}
}

// Sent returns a copy of every message sent so far.
func (c *MemConn) Sent() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentOfType returns the sent messages of the given type.
func (c *MemConn) SentOfType(typ protocol.Type) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range c.Sent() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets recorded messages.
func (c *MemConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}
