package main

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mrsync/internal/config"
	"github.com/cory-johannsen/mrsync/internal/rpc"
	"github.com/cory-johannsen/mrsync/internal/scripting"
	"github.com/cory-johannsen/mrsync/internal/session"
)

// scriptHosts tracks the script VM of every live session.
type scriptHosts struct {
	cfg config.ScriptingConfig

	mu    sync.Mutex
	hosts map[*session.Context]*scripting.Host
}

func newScriptHosts(cfg config.ScriptingConfig) *scriptHosts {
	return &scriptHosts{cfg: cfg, hosts: make(map[*session.Context]*scripting.Host)}
}

// attach loads the script directory into a VM bound to c and r and registers
// every scripted procedure on r. The VM is closed when c is destroyed.
func (s *scriptHosts) attach(c *session.Context, r *rpc.Router) error {
	h, err := scripting.Load(s.cfg.Dir, bindingsFor(c, r), scripting.Options{
		InstructionLimit: s.cfg.InstructionLimit,
		Logger:           c.Logger(),
	})
	if err != nil {
		return err
	}
	for _, proc := range h.Procedures() {
		proc := proc
		r.On(proc, func(call *rpc.Call) {
			args := make([]any, len(call.Args))
			for i := range call.Args {
				if err := call.Arg(i, &args[i]); err != nil {
					c.Logger().Debug("script args", zap.String("proc", proc), zap.Error(err))
					return
				}
			}
			_ = h.Call(proc, call.UserID, args)
		})
	}

	s.mu.Lock()
	s.hosts[c] = h
	s.mu.Unlock()
	go func() {
		<-c.Destroyed()
		s.mu.Lock()
		delete(s.hosts, c)
		s.mu.Unlock()
		h.Close()
	}()
	return nil
}

// connected runs the on_connect hook of c's VM, if any.
func (s *scriptHosts) connected(c *session.Context, reconnect bool) {
	s.mu.Lock()
	h, ok := s.hosts[c]
	s.mu.Unlock()
	if ok {
		_ = h.Hook("on_connect", c.ID(), reconnect)
	}
}

func bindingsFor(c *session.Context, r *rpc.Router) scripting.Bindings {
	return scripting.Bindings{
		Send: func(proc string, args []any) error {
			return r.Send(proc, args...)
		},
		SendTo: func(userID, proc string, args []any) error {
			return r.User(userID).Send(proc, args...)
		},
		CreateActor: func(id string, state map[string]any) error {
			_, err := c.CreateActor(id, state)
			return err
		},
		SetActor: func(id string, delta map[string]any) error {
			a, ok := c.Actor(id)
			if !ok {
				return fmt.Errorf("unknown actor %q", id)
			}
			a.Set(delta)
			return nil
		},
		GetActor: func(id string) (map[string]any, bool) {
			a, ok := c.Actor(id)
			if !ok {
				return nil, false
			}
			return a.State(), true
		},
	}
}
