package rpc

import "sort"

// UserRPC is the per-user scope of a Router.
type UserRPC struct {
	router   *Router
	userID   string
	handlers map[string]Handler
}

// ID returns the user id.
func (u *UserRPC) ID() string { return u.userID }

// On registers this user's handler for proc, replacing any previous one.
func (u *UserRPC) On(proc string, h Handler) {
	u.router.mu.Lock()
	defer u.router.mu.Unlock()
	u.handlers[proc] = h
}

// Off removes this user's handler for proc.
func (u *UserRPC) Off(proc string) {
	u.router.mu.Lock()
	defer u.router.mu.Unlock()
	delete(u.handlers, proc)
}

// Send invokes proc on the host addressed to this user.
func (u *UserRPC) Send(proc string, args ...any) error {
	return u.router.send(u.userID, "", proc, args)
}

// Emit is an alias of Send.
func (u *UserRPC) Emit(proc string, args ...any) error {
	return u.Send(proc, args...)
}

// Join adds the user to the named channel, creating it if needed. Joining twice is a no-op.
//
// Postcondition: The channel exists and Has(u.ID()) is true.
func (u *UserRPC) Join(name string) *Channel {
	r := u.router
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.channelLocked(name)
	ch.members[u.userID] = struct{}{}
	return ch
}

// Leave removes the user from the named channel. Leaving a channel the user is
// not in is a no-op. A channel left without members is deleted.
func (u *UserRPC) Leave(name string) {
	r := u.router
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		return
	}
	if _, member := ch.members[u.userID]; !member {
		return
	}
	delete(ch.members, u.userID)
	if len(ch.members) == 0 {
		delete(r.channels, name)
	}
}

// Channels returns the names of the channels the user belongs to, sorted.
func (u *UserRPC) Channels() []string {
	r := u.router
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, ch := range r.channels {
		if _, ok := ch.members[u.userID]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (u *UserRPC) handler(proc string) (Handler, bool) {
	u.router.mu.Lock()
	defer u.router.mu.Unlock()
	h, ok := u.handlers[proc]
	return h, ok
}
