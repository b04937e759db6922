// Package rpc multiplexes named remote procedure calls over a session's
// message stream. Calls are addressed to the whole session, to one user, or to
// a channel: an ad hoc named group of users.
package rpc

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mrsync/internal/observability"
	"github.com/cory-johannsen/mrsync/internal/protocol"
	"github.com/cory-johannsen/mrsync/internal/session"
)

// Call is one inbound invocation.
type Call struct {
	UserID      string
	ChannelName string
	ProcName    string
	Args        []json.RawMessage
}

// Arg decodes argument i into v.
//
// Postcondition: Returns nil on success, or an error if i is out of range or decoding fails.
func (c *Call) Arg(i int, v any) error {
	if i < 0 || i >= len(c.Args) {
		return fmt.Errorf("%s: argument %d out of range (%d args)", c.ProcName, i, len(c.Args))
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("%s: argument %d: %w", c.ProcName, i, err)
	}
	return nil
}

// Handler handles a Call. Handlers run on the session's receive loop.
type Handler func(*Call)

// Router is the session-wide RPC scope. It owns the per-user senders and the
// channel table for one Context.
type Router struct {
	ctx     *session.Context
	logger  *zap.Logger
	metrics *observability.Metrics
	sub     session.Subscription

	done chan struct{}

	mu       sync.Mutex
	closed   bool
	handlers map[string]Handler
	users    map[string]*UserRPC
	channels map[string]*Channel
}

// New attaches a Router to ctx. Users leaving the session are removed from
// every channel automatically, and the Router closes itself when ctx is destroyed.
//
// Precondition: ctx must be non-nil.
// Postcondition: Returns a Router subscribed to ctx's inbound RPC messages.
func New(ctx *session.Context) *Router {
	r := &Router{
		ctx:      ctx,
		logger:   ctx.Logger().Named("rpc"),
		metrics:  ctx.Metrics(),
		done:     make(chan struct{}),
		handlers: make(map[string]Handler),
		users:    make(map[string]*UserRPC),
		channels: make(map[string]*Channel),
	}
	r.sub = ctx.OnReceiveRPC(r.dispatch)
	ctx.OnUserJoined(r.userJoined)
	ctx.OnUserLeft(r.userLeft)
	go func() {
		select {
		case <-ctx.Destroyed():
			r.Close()
		case <-r.done:
		}
	}()
	return r
}

// On registers the session-wide handler for proc, replacing any previous one.
func (r *Router) On(proc string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[proc] = h
}

// Off removes the session-wide handler for proc.
func (r *Router) Off(proc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, proc)
}

// Send invokes proc on the host without a user or channel tag.
func (r *Router) Send(proc string, args ...any) error {
	return r.send("", "", proc, args)
}

// Emit is an alias of Send.
func (r *Router) Emit(proc string, args ...any) error {
	return r.Send(proc, args...)
}

// User returns the per-user scope for userID, creating it on first use.
//
// Postcondition: Repeated calls with the same userID return the same *UserRPC.
func (r *Router) User(userID string) *UserRPC {
	r.mu.Lock()
	u := r.userLocked(userID)
	closed := r.closed
	r.mu.Unlock()
	if su, ok := r.ctx.User(userID); ok && !closed {
		setOwner(su, r)
	}
	return u
}

// Channel looks up a channel by name. When create is true a missing channel is
// created empty; it is collected again as soon as it has no members after a leave.
//
// Postcondition: Returns (channel, true), or (nil, false) when absent and create is false.
func (r *Router) Channel(name string, create bool) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		return ch, true
	}
	if !create {
		return nil, false
	}
	return r.channelLocked(name), true
}

// Channels returns the names of all live channels in sorted order.
func (r *Router) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedNames(r.channels)
}

// LeaveAll removes userID from every channel and deletes channels left empty.
//
// Postcondition: No channel lists userID as a member.
func (r *Router) LeaveAll(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, ch := range r.channels {
		if _, ok := ch.members[userID]; !ok {
			continue
		}
		delete(ch.members, userID)
		if len(ch.members) == 0 {
			delete(r.channels, name)
		}
	}
}

// Close detaches the Router from its Context and forgets all users, channels
// and user associations.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.users = make(map[string]*UserRPC)
	r.channels = make(map[string]*Channel)
	close(r.done)
	r.mu.Unlock()

	r.ctx.OffReceiveRPC(r.sub)
	dropOwner(r)
}

func (r *Router) userLocked(userID string) *UserRPC {
	u, ok := r.users[userID]
	if !ok {
		u = &UserRPC{router: r, userID: userID, handlers: make(map[string]Handler)}
		r.users[userID] = u
	}
	return u
}

func (r *Router) channelLocked(name string) *Channel {
	ch, ok := r.channels[name]
	if !ok {
		ch = &Channel{
			router:   r,
			name:     name,
			members:  make(map[string]struct{}),
			handlers: make(map[string]Handler),
		}
		r.channels[name] = ch
	}
	return ch
}

func (r *Router) userJoined(u *session.User) {
	r.mu.Lock()
	_, scoped := r.users[u.ID()]
	closed := r.closed
	r.mu.Unlock()
	if scoped && !closed {
		setOwner(u, r)
	}
}

func (r *Router) userLeft(u *session.User) {
	r.mu.Lock()
	closed := r.closed
	delete(r.users, u.ID())
	r.mu.Unlock()
	if closed {
		return
	}
	r.LeaveAll(u.ID())
	clearOwner(u)
}

func (r *Router) send(userID, channel, proc string, args []any) error {
	raw, err := protocol.EncodeArgs(args...)
	if err != nil {
		r.metrics.RPC("out", "error")
		return err
	}
	err = r.ctx.SendRPC(&protocol.RPC{
		UserID:      userID,
		ChannelName: channel,
		ProcName:    proc,
		Args:        raw,
	})
	if err != nil {
		r.metrics.RPC("out", "error")
		return fmt.Errorf("sending %s: %w", proc, err)
	}
	r.metrics.RPC("out", "sent")
	return nil
}

// dispatch routes an inbound RPC: channel-tagged calls go to the channel, the
// rest to the session-wide handler table. Misses are dropped.
func (r *Router) dispatch(msg *protocol.RPC) {
	call := &Call{
		UserID:      msg.UserID,
		ChannelName: msg.ChannelName,
		ProcName:    msg.ProcName,
		Args:        msg.Args,
	}
	if call.ChannelName != "" {
		ch, ok := r.Channel(call.ChannelName, false)
		if !ok {
			r.miss(call)
			return
		}
		ch.Receive(call)
		return
	}

	r.mu.Lock()
	h, ok := r.handlers[call.ProcName]
	r.mu.Unlock()
	if !ok {
		r.miss(call)
		return
	}
	r.metrics.RPC("in", "dispatched")
	h(call)
}

func (r *Router) miss(call *Call) {
	r.metrics.RPC("in", "miss")
	r.logger.Debug("no rpc handler",
		zap.String("proc", call.ProcName),
		zap.String("channel", call.ChannelName),
		zap.String("user_id", call.UserID),
	)
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
