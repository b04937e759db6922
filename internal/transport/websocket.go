package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/mrsync/internal/config"
	"github.com/cory-johannsen/mrsync/internal/observability"
	"github.com/cory-johannsen/mrsync/internal/protocol"
)

// Options tunes a WSConn.
type Options struct {
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration
	// PongWait is how long the peer may stay silent before the connection is dropped.
	PongWait time.Duration
	// PingInterval is the keepalive cadence. Must be below PongWait.
	PingInterval time.Duration
	// MaxMessageBytes caps inbound frame size.
	MaxMessageBytes int64
	// SendQueue is the outbound frame buffer.
	SendQueue int
	// Metrics receives transport error counts. May be nil.
	Metrics *observability.Metrics
}

// OptionsFromConfig derives WSConn options from the sync configuration.
func OptionsFromConfig(cfg config.SyncConfig, metrics *observability.Metrics) Options {
	return Options{
		WriteTimeout:    cfg.WriteTimeout,
		PongWait:        cfg.ReadTimeout,
		PingInterval:    cfg.PingInterval,
		MaxMessageBytes: cfg.MaxMessageBytes,
		SendQueue:       cfg.SendQueue,
		Metrics:         metrics,
	}
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = (o.PongWait * 9) / 10
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	return o
}

// WSConn is a Connection over a gorilla WebSocket. One goroutine reads and
// dispatches inbound frames; another owns all writes so Send order is preserved.
type WSConn struct {
	id     string
	ws     *websocket.Conn
	opts   Options
	logger *zap.Logger

	send chan []byte
	quit chan struct{}
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeErr  error
	onMessage func(*protocol.Message)
	onClose   func(error)

	started    atomic.Bool
	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewWSConn wraps an upgraded WebSocket.
//
// Precondition: ws must be an open WebSocket; logger may be nil.
// Postcondition: Returns a WSConn that is not yet reading or writing; call Start.
func NewWSConn(ws *websocket.Conn, opts Options, logger *zap.Logger) *WSConn {
	opts = opts.withDefaults()
	id := uuid.NewString()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSConn{
		id:     id,
		ws:     ws,
		opts:   opts,
		logger: logger.With(zap.String(observability.FieldConnectionID, id)),
		send:   make(chan []byte, opts.SendQueue),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *WSConn) ID() string { return c.id }

// RemoteAddr returns the socket peer address.
func (c *WSConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Done is closed after the terminal callback has fired.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// OnMessage registers the inbound callback.
func (c *WSConn) OnMessage(fn func(*protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnClose registers the terminal callback.
func (c *WSConn) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Start launches the read and write pumps. Subsequent calls are no-ops.
func (c *WSConn) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.launch()
}

// launch runs the pumps unless a shutdown raced in after started was set, in
// which case shutdown left the socket and terminal callback to us.
func (c *WSConn) launch() {
	select {
	case <-c.quit:
		_ = c.ws.Close()
		c.finish()
		return
	default:
	}
	go c.writePump()
	go c.readPump()
}

// Send enqueues msg for transmission.
//
// Postcondition: Returns nil when queued, ErrClosed after close, or ErrSendQueueFull
// (and the connection closes) when the queue overflows.
func (c *WSConn) Send(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	c.opts.Metrics.TransportError("queue_full")
	c.shutdown(ErrSendQueueFull)
	return ErrSendQueueFull
}

// Close stops the connection. Frames already queued are flushed best-effort.
func (c *WSConn) Close() error {
	c.shutdown(nil)
	return nil
}

// Closed reports whether Close has been requested or the transport failed.
func (c *WSConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *WSConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		c.mu.Unlock()
		close(c.quit)

		if !c.started.Load() {
			_ = c.ws.Close()
			c.finish()
		}
	})
}

func (c *WSConn) finish() {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		fn := c.onClose
		err := c.closeErr
		c.mu.Unlock()

		close(c.done)
		if fn != nil {
			fn(err)
		}
	})
}

func (c *WSConn) readPump() {
	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
				c.opts.Metrics.TransportError("read")
			} else {
				c.logger.Debug("peer closed", zap.Error(err))
			}
			c.shutdown(fmt.Errorf("reading frame: %w", err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			c.opts.Metrics.TransportError("decode")
			continue
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.finish()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.opts.Metrics.TransportError("write")
				c.shutdown(fmt.Errorf("writing frame: %w", err))
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.opts.Metrics.TransportError("ping")
				c.shutdown(fmt.Errorf("writing ping: %w", err))
				return
			}
		case <-c.quit:
			c.drain()
			return
		}
	}
}

// drain flushes frames queued before close, then sends a close frame.
func (c *WSConn) drain() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.mu.Lock()
			if errors.Is(c.closeErr, ErrSendQueueFull) {
				msg = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "send queue full")
			}
			c.mu.Unlock()
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
			return
		}
	}
}

func (c *WSConn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}
