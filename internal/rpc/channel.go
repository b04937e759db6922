package rpc

import "errors"

// Channel is a named group of users. Sending to a channel is a fan-out of
// per-user sends, each tagged with the channel name.
type Channel struct {
	router   *Router
	name     string
	members  map[string]struct{}
	handlers map[string]Handler
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// On registers the channel handler for proc, replacing any previous one.
func (c *Channel) On(proc string, h Handler) {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	c.handlers[proc] = h
}

// Off removes the channel handler for proc.
func (c *Channel) Off(proc string) {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	delete(c.handlers, proc)
}

// Send invokes proc for every current member.
//
// Postcondition: One app2engine-rpc per member was attempted; the returned error joins every failure.
func (c *Channel) Send(proc string, args ...any) error {
	var errs []error
	for _, id := range c.Members() {
		if err := c.router.send(id, c.name, proc, args); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit is an alias of Send.
func (c *Channel) Emit(proc string, args ...any) error {
	return c.Send(proc, args...)
}

// Receive delivers an inbound call: first to the channel handler for the
// procedure, then to each member's own handler.
func (c *Channel) Receive(call *Call) {
	r := c.router
	r.mu.Lock()
	var handlers []Handler
	if h, ok := c.handlers[call.ProcName]; ok {
		handlers = append(handlers, h)
	}
	for _, id := range sortedNames(c.members) {
		if u, ok := r.users[id]; ok {
			if h, ok := u.handlers[call.ProcName]; ok {
				handlers = append(handlers, h)
			}
		}
	}
	r.mu.Unlock()

	if len(handlers) == 0 {
		r.miss(call)
		return
	}
	r.metrics.RPC("in", "dispatched")
	for _, h := range handlers {
		h(call)
	}
}

// Members returns the member user ids, sorted.
func (c *Channel) Members() []string {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	return sortedNames(c.members)
}

// Has reports whether userID is a member.
func (c *Channel) Has(userID string) bool {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	_, ok := c.members[userID]
	return ok
}

// Len returns the number of members.
func (c *Channel) Len() int {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	return len(c.members)
}
