package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// ProceduresTable is the Lua global whose function fields become RPC procedures.
const ProceduresTable = "procedures"

// Bindings are the session operations exposed to scripts as the engine module.
// A nil binding raises a Lua error when called.
type Bindings struct {
	// Send invokes an RPC on the host (engine.send).
	Send func(proc string, args []any) error
	// SendTo invokes an RPC on one user (engine.send_to).
	SendTo func(userID, proc string, args []any) error
	// CreateActor adds an actor (engine.create_actor).
	CreateActor func(id string, state map[string]any) error
	// SetActor applies a delta to an actor (engine.set_actor).
	SetActor func(id string, delta map[string]any) error
	// GetActor returns an actor's state (engine.get_actor).
	GetActor func(id string) (map[string]any, bool)
}

// Host is one session's script VM. Calls are serialised; each call gets its
// own opcode budget.
type Host struct {
	instLimit int
	logger    *zap.Logger
	bindings  Bindings

	mu     sync.Mutex
	L      *lua.LState
	cancel func()
	closed bool
}

// Options configures Load.
type Options struct {
	// InstructionLimit bounds each call; 0 uses DefaultInstructionLimit.
	InstructionLimit int
	Logger           *zap.Logger
}

// Load creates a sandboxed VM, registers the engine module, and executes
// every *.lua file in dir in lexicographic order.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns a ready Host, or an error naming the failing file.
func Load(dir string, b Bindings, opts Options) (*Host, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scripting: reading script dir %q: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	h := newHost(b, opts)
	for _, path := range files {
		h.rearm()
		if err := h.L.DoFile(path); err != nil {
			h.L.Close()
			return nil, fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}
	return h, nil
}

// LoadString is Load for a single in-memory chunk.
func LoadString(src string, b Bindings, opts Options) (*Host, error) {
	h := newHost(b, opts)
	if err := h.L.DoString(src); err != nil {
		h.L.Close()
		return nil, fmt.Errorf("scripting: loading chunk: %w", err)
	}
	return h, nil
}

func newHost(b Bindings, opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Host{
		instLimit: opts.InstructionLimit,
		logger:    logger.Named("scripting"),
		bindings:  b,
		L:         NewSandboxedState(opts.InstructionLimit),
	}
	h.registerEngine()
	return h
}

func (h *Host) rearm() {
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = arm(h.L, h.instLimit)
}

// Procedures returns the names of the functions in the procedures table, sorted.
func (h *Host) Procedures() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.L.GetGlobal(ProceduresTable).(*lua.LTable)
	if !ok {
		return nil
	}
	var names []string
	t.ForEach(func(k, v lua.LValue) {
		if _, isFn := v.(*lua.LFunction); isFn {
			names = append(names, k.String())
		}
	})
	sort.Strings(names)
	return names
}

// Call runs procedures[proc](user_id, args...). Missing procedures are ignored.
//
// Postcondition: Returns the Lua error, including instruction limit exhaustion, if any.
func (h *Host) Call(proc, userID string, args []any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	t, ok := h.L.GetGlobal(ProceduresTable).(*lua.LTable)
	if !ok {
		return nil
	}
	fn, ok := t.RawGetString(proc).(*lua.LFunction)
	if !ok {
		return nil
	}
	largs := make([]lua.LValue, 0, len(args)+1)
	largs = append(largs, lua.LString(userID))
	for _, a := range args {
		largs = append(largs, toLua(h.L, a))
	}
	h.rearm()
	if err := h.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, largs...); err != nil {
		h.logger.Warn("lua runtime error", zap.String("proc", proc), zap.Error(err))
		return fmt.Errorf("scripting: %s: %w", proc, err)
	}
	return nil
}

// Hook calls a global function by name if it exists, e.g. on_connect.
func (h *Host) Hook(name string, args ...any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	fn, ok := h.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil
	}
	largs := make([]lua.LValue, 0, len(args))
	for _, a := range args {
		largs = append(largs, toLua(h.L, a))
	}
	h.rearm()
	if err := h.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, largs...); err != nil {
		h.logger.Warn("lua hook error", zap.String("hook", name), zap.Error(err))
		return fmt.Errorf("scripting: %s: %w", name, err)
	}
	return nil
}

// Close releases the VM. Later calls are no-ops.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.cancel != nil {
		h.cancel()
	}
	h.L.Close()
}
