package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerEngine defines the engine global:
//
//	engine.log(msg)
//	engine.send(proc, ...)
//	engine.send_to(user_id, proc, ...)
//	engine.create_actor(id, state)
//	engine.set_actor(id, delta)
//	engine.get_actor(id) -> table | nil
func (h *Host) registerEngine() {
	L := h.L
	engine := L.NewTable()
	L.SetFuncs(engine, map[string]lua.LGFunction{
		"log": func(L *lua.LState) int {
			h.logger.Info("script", zap.String("msg", L.CheckString(1)))
			return 0
		},
		"send": func(L *lua.LState) int {
			if h.bindings.Send == nil {
				L.RaiseError("engine.send unavailable")
				return 0
			}
			proc := L.CheckString(1)
			if err := h.bindings.Send(proc, restArgs(L, 2)); err != nil {
				L.RaiseError("engine.send: %s", err.Error())
			}
			return 0
		},
		"send_to": func(L *lua.LState) int {
			if h.bindings.SendTo == nil {
				L.RaiseError("engine.send_to unavailable")
				return 0
			}
			user, proc := L.CheckString(1), L.CheckString(2)
			if err := h.bindings.SendTo(user, proc, restArgs(L, 3)); err != nil {
				L.RaiseError("engine.send_to: %s", err.Error())
			}
			return 0
		},
		"create_actor": func(L *lua.LState) int {
			if h.bindings.CreateActor == nil {
				L.RaiseError("engine.create_actor unavailable")
				return 0
			}
			id := L.CheckString(1)
			if err := h.bindings.CreateActor(id, tableToMap(L.OptTable(2, nil))); err != nil {
				L.RaiseError("engine.create_actor: %s", err.Error())
			}
			return 0
		},
		"set_actor": func(L *lua.LState) int {
			if h.bindings.SetActor == nil {
				L.RaiseError("engine.set_actor unavailable")
				return 0
			}
			id := L.CheckString(1)
			if err := h.bindings.SetActor(id, tableToMap(L.CheckTable(2))); err != nil {
				L.RaiseError("engine.set_actor: %s", err.Error())
			}
			return 0
		},
		"get_actor": func(L *lua.LState) int {
			if h.bindings.GetActor == nil {
				L.Push(lua.LNil)
				return 1
			}
			state, ok := h.bindings.GetActor(L.CheckString(1))
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(toLua(L, state))
			return 1
		},
	})
	L.SetGlobal("engine", engine)
}

func restArgs(L *lua.LState, from int) []any {
	top := L.GetTop()
	if top < from {
		return nil
	}
	out := make([]any, 0, top-from+1)
	for i := from; i <= top; i++ {
		out = append(out, fromLua(L.Get(i)))
	}
	return out
}
