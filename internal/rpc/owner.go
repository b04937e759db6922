package rpc

import (
	"sync"

	"github.com/cory-johannsen/mrsync/internal/session"
)

// owners associates session users with the Router that serves them, without
// either holding a reference to the other.
var owners = struct {
	sync.Mutex
	m map[*session.User]*Router
}{m: make(map[*session.User]*Router)}

// OwnerOf returns the Router that created a per-user scope for u.
//
// Postcondition: Returns (router, true) until u leaves the session or the router is closed.
func OwnerOf(u *session.User) (*Router, bool) {
	owners.Lock()
	defer owners.Unlock()
	r, ok := owners.m[u]
	return r, ok
}

func setOwner(u *session.User, r *Router) {
	owners.Lock()
	defer owners.Unlock()
	owners.m[u] = r
}

func clearOwner(u *session.User) {
	owners.Lock()
	defer owners.Unlock()
	delete(owners.m, u)
}

func dropOwner(r *Router) {
	owners.Lock()
	defer owners.Unlock()
	for u, owner := range owners.m {
		if owner == r {
			delete(owners.m, u)
		}
	}
}
