package session

import "errors"

// State is the lifecycle phase of a Context.
//
//	Created → AwaitingHandshake → Active → (ConnectionLost → AwaitingHandshake)* → Destroyed
type State int

const (
	StateCreated State = iota
	StateAwaitingHandshake
	StateActive
	StateConnectionLost
	StateDestroyed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateActive:
		return "active"
	case StateConnectionLost:
		return "connection_lost"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

var (
	// ErrHandshake wraps every handshake failure: bad first message, version mismatch,
	// timeout, or the connection dropping before negotiation completed.
	ErrHandshake = errors.New("handshake failed")
	// ErrSuperseded marks a handshake abandoned because a newer connection was bound.
	ErrSuperseded = errors.New("connection superseded")
	// ErrNotActive is returned when an operation needs a handshaken connection.
	ErrNotActive = errors.New("session not active")
	// ErrDestroyed is returned by operations on a destroyed Context.
	ErrDestroyed = errors.New("session destroyed")
	// ErrNoConnection is returned by StartListening when nothing is bound.
	ErrNoConnection = errors.New("no connection bound")
	// ErrEntityExists is returned when creating an entity with an id already in use.
	ErrEntityExists = errors.New("entity already exists")
)
