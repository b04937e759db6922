package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mrsync/internal/config"
	"github.com/cory-johannsen/mrsync/internal/observability"
	"github.com/cory-johannsen/mrsync/internal/protocol"
	"github.com/cory-johannsen/mrsync/internal/transport"
)

// Options tunes a Context.
type Options struct {
	// TickInterval is the flush cadence of the sync loop started by Start.
	TickInterval time.Duration
	// HandshakeTimeout bounds StartListening.
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
	Metrics          *observability.Metrics
}

// OptionsFromConfig derives Context options from the sync configuration.
func OptionsFromConfig(cfg config.SyncConfig, logger *zap.Logger, metrics *observability.Metrics) Options {
	return Options{
		TickInterval:     cfg.TickInterval,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
		Metrics:          metrics,
	}
}

// Subscription identifies an RPC receive callback registered with OnReceiveRPC.
type Subscription uint64

// Context is the authoritative state container for one session. It outlives
// any single Connection: a reconnect binds a new Connection to the same Context
// without touching entity state.
//
// Inbound messages are handled one at a time in receipt order on the bound
// connection's receive loop. Flush passes hold the Context lock for the whole
// pass, so a rebind can never interleave with patch delivery.
type Context struct {
	id      string
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	state     State
	conn      transport.Connection
	handshake chan error
	actors    map[string]*Actor
	assets    map[string]*Asset
	users     map[string]*User
	rpcSubs   map[Subscription]func(*protocol.RPC)
	nextSub   Subscription
	joined    []func(*User)
	left      []func(*User)

	flushMu   sync.Mutex
	loopOnce  sync.Once
	destroyed chan struct{}
}

// NewContext creates a Context for the given session id in the Created state.
//
// Precondition: id must be non-empty.
// Postcondition: Returns a Context with no connection and no entities.
func NewContext(id string, opts Options) *Context {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 50 * time.Millisecond
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Context{
		id:        id,
		opts:      opts,
		logger:    observability.ForSession(opts.Logger, id),
		metrics:   opts.Metrics,
		state:     StateCreated,
		actors:    make(map[string]*Actor),
		assets:    make(map[string]*Asset),
		users:     make(map[string]*User),
		rpcSubs:   make(map[Subscription]func(*protocol.RPC)),
		destroyed: make(chan struct{}),
	}
}

// ID returns the session id.
func (c *Context) ID() string { return c.id }

// Logger returns the session-scoped logger.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Metrics returns the shared collectors, possibly nil.
func (c *Context) Metrics() *observability.Metrics { return c.metrics }

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connection returns the bound connection, or nil.
func (c *Context) Connection() transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Destroyed is closed when the Context is destroyed.
func (c *Context) Destroyed() <-chan struct{} { return c.destroyed }

// Bind attaches conn, closing any previously bound connection first so that at
// most one connection is live. The Context moves to AwaitingHandshake.
//
// Precondition: conn must not have been started.
// Postcondition: conn is the only connection whose messages the Context honours.
func (c *Context) Bind(conn transport.Connection) error {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	old, oldHS := c.conn, c.handshake
	wasActive := c.state == StateActive
	hs := make(chan error, 1)
	c.conn = conn
	c.handshake = hs
	c.state = StateAwaitingHandshake
	c.observeLocked(false)
	c.mu.Unlock()

	if oldHS != nil {
		resolve(oldHS, fmt.Errorf("%w: %w", ErrHandshake, ErrSuperseded))
	}
	conn.OnMessage(func(m *protocol.Message) { c.handleMessage(conn, hs, m) })
	conn.OnClose(func(err error) { c.handleClose(conn, err) })

	if old != nil {
		c.logger.Info("closing stale connection",
			zap.String("stale_connection_id", old.ID()),
			zap.String(observability.FieldConnectionID, conn.ID()),
		)
		_ = old.Close()
	}
	if wasActive {
		c.metrics.SessionDeactivated()
	}
	return nil
}

// StartListening starts the bound connection and waits for the host's handshake.
// On failure the connection is closed and the Context stays in AwaitingHandshake.
//
// Postcondition: Returns nil once the Context is Active, or an error wrapping ErrHandshake,
// ErrNoConnection or ErrDestroyed. A wait cut short by a newer Bind wraps ErrSuperseded.
func (c *Context) StartListening(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	conn, hs := c.conn, c.handshake
	c.mu.Unlock()
	if conn == nil {
		return ErrNoConnection
	}

	conn.Start()

	timer := time.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-hs:
	case <-timer.C:
		err = fmt.Errorf("%w: no handshake within %s", ErrHandshake, c.opts.HandshakeTimeout)
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", ErrHandshake, ctx.Err())
	}
	if errors.Is(err, ErrSuperseded) || errors.Is(err, ErrDestroyed) {
		// the connection was already closed by Bind or Destroy
		c.logger.Debug("handshake abandoned",
			zap.String(observability.FieldConnectionID, conn.ID()),
			zap.Error(err),
		)
		return err
	}
	if err != nil {
		c.metrics.HandshakeFailed()
		c.logger.Warn("handshake failed",
			zap.String(observability.FieldConnectionID, conn.ID()),
			zap.Error(err),
		)
		_ = conn.Close()
		return err
	}
	return nil
}

// Start launches the sync loop, flushing patches every TickInterval until ctx is
// done or the Context is destroyed. Only the first call has an effect.
func (c *Context) Start(ctx context.Context) {
	c.loopOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.opts.TickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.destroyed:
					return
				case <-ticker.C:
					c.Tick()
				}
			}
		}()
	})
}

// Tick performs one flush pass: every observed actor, asset and user (each in id
// order) with a non-empty patch produces one update message. Nothing is flushed
// unless the Context is Active; changes made while disconnected reach the host
// through the full resync on the next handshake.
//
// Postcondition: Returns the number of update messages sent.
func (c *Context) Tick() int {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive || c.conn == nil {
		return 0
	}

	sent := 0
	for _, e := range c.entitiesLocked() {
		p, ok := e.tracker.Flush()
		if !ok {
			continue
		}
		msg, err := protocol.New(protocol.TypeUpdate, protocol.Update{Kind: e.kind, ID: e.id, Patch: p})
		if err != nil {
			c.logger.Error("dropping unencodable patch",
				zap.String("kind", string(e.kind)),
				zap.String("entity_id", e.id),
				zap.Error(err),
			)
			continue
		}
		if err := c.conn.Send(msg); err != nil {
			e.tracker.Restore(p)
			c.logger.Debug("flush interrupted", zap.Error(err))
			return sent
		}
		sent++
		c.metrics.PatchSent(string(e.kind))
	}
	return sent
}

// Destroy closes the bound connection and discards all entity state.
//
// Postcondition: State() is Destroyed; further Bind calls return ErrDestroyed.
func (c *Context) Destroy() {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	wasActive := c.state == StateActive
	conn, hs := c.conn, c.handshake
	c.conn = nil
	c.state = StateDestroyed
	c.actors = make(map[string]*Actor)
	c.assets = make(map[string]*Asset)
	c.users = make(map[string]*User)
	c.rpcSubs = make(map[Subscription]func(*protocol.RPC))
	close(c.destroyed)
	c.mu.Unlock()

	if hs != nil {
		resolve(hs, fmt.Errorf("%w: %w", ErrHandshake, ErrDestroyed))
	}
	if conn != nil {
		_ = conn.Close()
	}
	if wasActive {
		c.metrics.SessionDeactivated()
	}
	c.logger.Info("session destroyed")
}

// CreateActor adds an actor. When the Context is Active the host is told immediately;
// otherwise the actor is sent with the full resync after the next handshake.
//
// Postcondition: Returns the new Actor, or an error wrapping ErrEntityExists or ErrDestroyed.
func (c *Context) CreateActor(id string, state map[string]any) (*Actor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return nil, ErrDestroyed
	}
	if _, exists := c.actors[id]; exists {
		return nil, fmt.Errorf("actor %q: %w", id, ErrEntityExists)
	}
	active := c.activeLocked()
	a := newActor(id, state, active)
	c.actors[id] = a
	if active {
		c.sendLocked(protocol.TypeCreateActor, a.payload())
	}
	return a, nil
}

// DestroyActor removes an actor.
//
// Postcondition: Returns true if the actor existed.
func (c *Context) DestroyActor(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.actors[id]; !ok {
		return false
	}
	delete(c.actors, id)
	if c.activeLocked() {
		c.sendLocked(protocol.TypeDestroyActors, protocol.DestroyActors{ActorIDs: []string{id}})
	}
	return true
}

// CreateAsset adds an asset, announced like CreateActor.
//
// Postcondition: Returns the new Asset, or an error wrapping ErrEntityExists or ErrDestroyed.
func (c *Context) CreateAsset(id string, state map[string]any) (*Asset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return nil, ErrDestroyed
	}
	if _, exists := c.assets[id]; exists {
		return nil, fmt.Errorf("asset %q: %w", id, ErrEntityExists)
	}
	active := c.activeLocked()
	a := newAsset(id, state, active)
	c.assets[id] = a
	if active {
		c.sendLocked(protocol.TypeCreateAsset, a.payload())
	}
	return a, nil
}

// Actor looks up an actor by id.
func (c *Context) Actor(id string) (*Actor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actors[id]
	return a, ok
}

// Asset looks up an asset by id.
func (c *Context) Asset(id string) (*Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assets[id]
	return a, ok
}

// User looks up a user by id.
func (c *Context) User(id string) (*User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[id]
	return u, ok
}

// Actors returns all actors ordered by id.
func (c *Context) Actors() []*Actor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Actor, 0, len(c.actors))
	for _, id := range sortedKeys(c.actors) {
		out = append(out, c.actors[id])
	}
	return out
}

// Assets returns all assets ordered by id.
func (c *Context) Assets() []*Asset {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Asset, 0, len(c.assets))
	for _, id := range sortedKeys(c.assets) {
		out = append(out, c.assets[id])
	}
	return out
}

// Users returns all users ordered by id.
func (c *Context) Users() []*User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*User, 0, len(c.users))
	for _, id := range sortedKeys(c.users) {
		out = append(out, c.users[id])
	}
	return out
}

// OnUserJoined registers fn to run when the host announces a new user.
func (c *Context) OnUserJoined(fn func(*User)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, fn)
}

// OnUserLeft registers fn to run after a user has been removed.
func (c *Context) OnUserLeft(fn func(*User)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, fn)
}

// OnReceiveRPC subscribes fn to inbound engine2app-rpc messages. Subscribers run
// in registration order on the receive loop.
func (c *Context) OnReceiveRPC(fn func(*protocol.RPC)) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.rpcSubs[c.nextSub] = fn
	return c.nextSub
}

// OffReceiveRPC removes a subscription. Unknown subscriptions are ignored.
func (c *Context) OffReceiveRPC(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rpcSubs, sub)
}

// SendRPC transmits an app2engine-rpc message.
//
// Postcondition: Returns nil when queued on the active connection, or ErrNotActive.
func (c *Context) SendRPC(rpc *protocol.RPC) error {
	msg, err := protocol.New(protocol.TypeAppToEngineRPC, rpc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.activeLocked() {
		return ErrNotActive
	}
	return c.conn.Send(msg)
}

func (c *Context) activeLocked() bool {
	return c.state == StateActive && c.conn != nil
}

func (c *Context) sendLocked(typ protocol.Type, payload any) {
	msg, err := protocol.New(typ, payload)
	if err != nil {
		c.logger.Error("encoding message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if err := c.conn.Send(msg); err != nil {
		c.logger.Debug("send failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

// entitiesLocked returns actors, then assets, then users, each ordered by id.
func (c *Context) entitiesLocked() []*entity {
	out := make([]*entity, 0, len(c.actors)+len(c.assets)+len(c.users))
	for _, id := range sortedKeys(c.actors) {
		out = append(out, &c.actors[id].entity)
	}
	for _, id := range sortedKeys(c.assets) {
		out = append(out, &c.assets[id].entity)
	}
	for _, id := range sortedKeys(c.users) {
		out = append(out, &c.users[id].entity)
	}
	return out
}

func (c *Context) observeLocked(observed bool) {
	for _, e := range c.entitiesLocked() {
		e.tracker.SetObserved(observed)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
