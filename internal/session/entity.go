// Package session owns the authoritative scene state of one application session
// and synchronises it to the bound host connection.
package session

import (
	"sync"

	"github.com/cory-johannsen/mrsync/internal/patch"
	"github.com/cory-johannsen/mrsync/internal/protocol"
)

// entity is the state and dirty tracking shared by actors, assets and users.
type entity struct {
	id      string
	kind    protocol.EntityKind
	mu      sync.RWMutex
	state   map[string]any
	tracker *patch.Tracker
}

func newEntity(kind protocol.EntityKind, id string, state map[string]any, observed bool) entity {
	s := make(map[string]any, len(state))
	for k, v := range state {
		if k == patch.IDField {
			continue
		}
		s[k] = v
	}
	return entity{
		id:      id,
		kind:    kind,
		state:   s,
		tracker: patch.NewTracker(id, observed),
	}
}

// ID returns the entity id.
func (e *entity) ID() string { return e.id }

// Kind returns the entity kind.
func (e *entity) Kind() protocol.EntityKind { return e.kind }

// State returns a shallow copy of the entity state.
func (e *entity) State() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.state))
	for k, v := range e.state {
		out[k] = v
	}
	return out
}

// Get returns one field of the entity state.
func (e *entity) Get(field string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.state[field]
	return v, ok
}

// Set applies delta to the authoritative state and records it for the next flush.
// The "id" field is immutable and ignored.
//
// Postcondition: State() reflects delta; the next flush carries delta's fields if observed.
func (e *entity) Set(delta map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range delta {
		if k == patch.IDField {
			continue
		}
		e.state[k] = v
	}
	// under e.mu so concurrent writers land in state and patch in the same order
	e.tracker.MarkDirty(delta)
}

// Observed reports whether mutations are currently tracked for the host.
func (e *entity) Observed() bool { return e.tracker.Observed() }

func (e *entity) payload() protocol.EntityPayload {
	return protocol.EntityPayload{ID: e.id, State: e.State()}
}

// Actor is an application-owned scene object.
type Actor struct {
	entity

	actionsMu sync.RWMutex
	actions   map[ActionKind]ActionHandler
}

func newActor(id string, state map[string]any, observed bool) *Actor {
	return &Actor{
		entity:  newEntity(protocol.KindActor, id, state, observed),
		actions: make(map[ActionKind]ActionHandler),
	}
}

// Asset is an application-owned resource (mesh, material, sound) referenced by actors.
type Asset struct {
	entity
}

func newAsset(id string, state map[string]any, observed bool) *Asset {
	return &Asset{entity: newEntity(protocol.KindAsset, id, state, observed)}
}

// User is a participant reported by the host.
type User struct {
	entity
	name string
}

func newUser(p protocol.UserPayload, observed bool) *User {
	state := make(map[string]any, len(p.Properties)+1)
	for k, v := range p.Properties {
		state[k] = v
	}
	if p.Name != "" {
		state["name"] = p.Name
	}
	return &User{
		entity: newEntity(protocol.KindUser, p.ID, state, observed),
		name:   p.Name,
	}
}

// Name returns the display name the host reported.
func (u *User) Name() string { return u.name }
