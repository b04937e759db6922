package session

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mrsync/internal/observability"
	"github.com/cory-johannsen/mrsync/internal/protocol"
	"github.com/cory-johannsen/mrsync/internal/transport"
)

// handleMessage dispatches one inbound message from conn. Messages from a
// connection that is no longer bound are ignored.
func (c *Context) handleMessage(conn transport.Connection, hs chan error, m *protocol.Message) {
	c.mu.Lock()
	if conn != c.conn {
		c.mu.Unlock()
		return
	}
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateAwaitingHandshake:
		c.handleHandshake(conn, hs, m)
		return
	case StateActive:
	default:
		return
	}

	var err error
	switch m.Type {
	case protocol.TypeUserJoined:
		err = c.handleUserJoined(m)
	case protocol.TypeUserLeft:
		err = c.handleUserLeft(m)
	case protocol.TypePerformAction:
		err = c.handlePerformAction(m)
	case protocol.TypeEngineToAppRPC:
		err = c.handleRPC(m)
	case protocol.TypeHeartbeat:
		err = c.handleHeartbeat(conn, m)
	case protocol.TypeHandshake:
		c.logger.Warn("ignoring repeated handshake")
	default:
		c.logger.Debug("ignoring message", zap.String("type", string(m.Type)))
	}
	if err != nil {
		c.logger.Warn("dropping inbound message", zap.String("type", string(m.Type)), zap.Error(err))
	}
}

func (c *Context) handleHandshake(conn transport.Connection, hs chan error, m *protocol.Message) {
	if m.Type != protocol.TypeHandshake {
		c.rejectHandshake(conn, hs, fmt.Errorf("%w: expected %s, got %s", ErrHandshake, protocol.TypeHandshake, m.Type))
		return
	}
	var req protocol.Handshake
	if err := m.Unmarshal(&req); err != nil {
		c.rejectHandshake(conn, hs, fmt.Errorf("%w: %v", ErrHandshake, err))
		return
	}
	if err := protocol.Negotiate(req.ProtocolVersion); err != nil {
		c.rejectHandshake(conn, hs, fmt.Errorf("%w: %v", ErrHandshake, err))
		return
	}
	c.activate(conn, hs)
}

// rejectHandshake tells the host why it is about to be disconnected and resolves
// the StartListening call waiting on hs, which closes the connection.
func (c *Context) rejectHandshake(conn transport.Connection, hs chan error, err error) {
	if msg, encErr := protocol.New(protocol.TypeHandshakeReply, protocol.HandshakeReply{
		ProtocolVersion: protocol.Version,
		SessionID:       c.id,
		Error:           err.Error(),
	}); encErr == nil {
		_ = conn.Send(msg)
	}
	resolve(hs, err)
}

// activate completes the handshake: reply, full resync of every actor and asset,
// then resume change tracking.
func (c *Context) activate(conn transport.Connection, hs chan error) {
	c.mu.Lock()
	if conn != c.conn || c.state != StateAwaitingHandshake {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.sendLocked(protocol.TypeHandshakeReply, protocol.HandshakeReply{
		ProtocolVersion: protocol.Version,
		SessionID:       c.id,
	})
	for _, id := range sortedKeys(c.actors) {
		a := c.actors[id]
		a.tracker.SetObserved(true)
		a.tracker.Reset()
		c.sendLocked(protocol.TypeCreateActor, a.payload())
	}
	for _, id := range sortedKeys(c.assets) {
		a := c.assets[id]
		a.tracker.SetObserved(true)
		a.tracker.Reset()
		c.sendLocked(protocol.TypeCreateAsset, a.payload())
	}
	for _, u := range c.users {
		u.tracker.SetObserved(true)
		u.tracker.Reset()
	}
	c.mu.Unlock()

	c.metrics.SessionActivated()
	c.logger.Info("session active", zap.String(observability.FieldConnectionID, conn.ID()))
	resolve(hs, nil)
}

func (c *Context) handleClose(conn transport.Connection, err error) {
	c.mu.Lock()
	if conn != c.conn {
		c.mu.Unlock()
		return
	}
	prev := c.state
	hs := c.handshake
	c.conn = nil
	if prev == StateActive {
		c.state = StateConnectionLost
	}
	c.observeLocked(false)
	c.mu.Unlock()

	switch prev {
	case StateActive:
		c.metrics.SessionDeactivated()
		c.logger.Info("connection lost",
			zap.String(observability.FieldConnectionID, conn.ID()),
			zap.Error(err),
		)
	case StateAwaitingHandshake:
		resolve(hs, fmt.Errorf("%w: connection closed before handshake: %v", ErrHandshake, err))
	}
}

func (c *Context) handleUserJoined(m *protocol.Message) error {
	var p protocol.UserPayload
	if err := m.Unmarshal(&p); err != nil {
		return err
	}
	if p.ID == "" {
		return fmt.Errorf("%w: user-joined without id", protocol.ErrMalformed)
	}
	c.mu.Lock()
	if _, exists := c.users[p.ID]; exists {
		c.mu.Unlock()
		return nil
	}
	u := newUser(p, true)
	c.users[p.ID] = u
	handlers := slices.Clone(c.joined)
	c.mu.Unlock()

	c.logger.Debug("user joined", zap.String("user_id", p.ID))
	for _, fn := range handlers {
		fn(u)
	}
	return nil
}

func (c *Context) handleUserLeft(m *protocol.Message) error {
	var p protocol.UserLeft
	if err := m.Unmarshal(&p); err != nil {
		return err
	}
	c.mu.Lock()
	u, ok := c.users[p.UserID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.users, p.UserID)
	handlers := slices.Clone(c.left)
	c.mu.Unlock()

	c.logger.Debug("user left", zap.String("user_id", p.UserID))
	for _, fn := range handlers {
		fn(u)
	}
	return nil
}

func (c *Context) handlePerformAction(m *protocol.Message) error {
	var p protocol.PerformAction
	if err := m.Unmarshal(&p); err != nil {
		return err
	}
	kind, ok := ParseAction(p.ActionName)
	if !ok {
		return fmt.Errorf("unsupported action %q", p.ActionName)
	}
	state, ok := ParseActionState(p.ActionState)
	if !ok {
		return fmt.Errorf("unsupported action state %q", p.ActionState)
	}
	actor, ok := c.Actor(p.TargetID)
	if !ok {
		return fmt.Errorf("unknown actor %q", p.TargetID)
	}
	fn, ok := actor.actionHandler(kind)
	if !ok {
		return nil
	}
	user, _ := c.User(p.UserID)
	fn(ActionEvent{Kind: kind, State: state, Actor: actor, UserID: p.UserID, User: user})
	return nil
}

func (c *Context) handleRPC(m *protocol.Message) error {
	var rpc protocol.RPC
	if err := m.Unmarshal(&rpc); err != nil {
		return err
	}
	c.mu.Lock()
	subs := make([]Subscription, 0, len(c.rpcSubs))
	for s := range c.rpcSubs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	fns := make([]func(*protocol.RPC), 0, len(subs))
	for _, s := range subs {
		fns = append(fns, c.rpcSubs[s])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(&rpc)
	}
	return nil
}

func (c *Context) handleHeartbeat(conn transport.Connection, m *protocol.Message) error {
	var hb protocol.Heartbeat
	if len(m.Payload) > 0 {
		if err := m.Unmarshal(&hb); err != nil {
			return err
		}
	}
	reply, err := protocol.New(protocol.TypeHeartbeatReply, protocol.HeartbeatReply{
		SentAt:     hb.SentAt,
		ServerTime: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return conn.Send(reply)
}

func resolve(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}
