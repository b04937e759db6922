package session

// ActionKind is the closed set of behavior actions a host can report on an actor.
type ActionKind int

const (
	ActionHover ActionKind = iota + 1
	ActionClick
	ActionGrab
	ActionButton
)

var actionNames = map[string]ActionKind{
	"hover":  ActionHover,
	"click":  ActionClick,
	"grab":   ActionGrab,
	"button": ActionButton,
}

// ParseAction maps a wire action name to its ActionKind.
//
// Postcondition: Returns (kind, true) for a supported name, or (0, false) otherwise.
func ParseAction(name string) (ActionKind, bool) {
	k, ok := actionNames[name]
	return k, ok
}

// String returns the wire name.
func (k ActionKind) String() string {
	for name, kind := range actionNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// ActionState is the phase of an action.
type ActionState string

const (
	ActionStarted    ActionState = "started"
	ActionPerforming ActionState = "performing"
	ActionStopped    ActionState = "stopped"
)

// ParseActionState validates a wire action state.
func ParseActionState(s string) (ActionState, bool) {
	switch st := ActionState(s); st {
	case ActionStarted, ActionPerforming, ActionStopped:
		return st, true
	}
	return "", false
}

// ActionEvent is delivered to an actor's action handler.
type ActionEvent struct {
	Kind   ActionKind
	State  ActionState
	Actor  *Actor
	UserID string
	// User is nil when the host reports an action from a user it never announced.
	User *User
}

// ActionHandler handles one kind of action on an actor.
type ActionHandler func(ActionEvent)

// OnAction registers the handler for kind, replacing any previous one.
func (a *Actor) OnAction(kind ActionKind, fn ActionHandler) {
	a.actionsMu.Lock()
	defer a.actionsMu.Unlock()
	if fn == nil {
		delete(a.actions, kind)
		return
	}
	a.actions[kind] = fn
}

func (a *Actor) actionHandler(kind ActionKind) (ActionHandler, bool) {
	a.actionsMu.RLock()
	defer a.actionsMu.RUnlock()
	fn, ok := a.actions[kind]
	return fn, ok
}
