//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

var updateNames = map[string]bool{
	"*":            true,
	"status":       true,
	"event":        true,
	"initialized":  true,
	"disconnected": true,
}

// registerShellyModule registers the `shelly` global table in a Lua state.
func registerShellyModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return shellyOn(L, vm)
	}))
	mod.RawSetString("call", L.NewFunction(func(L *lua.LState) int {
		return shellyCall(L, vm, e)
	}))
	mod.RawSetString("status", L.NewFunction(func(L *lua.LState) int {
		status, err := e.dev.Status()
		return pushResult(L, status, err)
	}))
	mod.RawSetString("event", L.NewFunction(func(L *lua.LState) int {
		ev, err := e.dev.Event()
		return pushResult(L, ev, err)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		scriptLog(vm, e, "info", L.CheckString(1))
		return 0
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return shellyAfter(L, vm, e)
	}))

	L.SetGlobal("shelly", mod)
}

// shelly.on(update, fn) registers fn for "status", "event", "initialized",
// "disconnected" or "*".
func shellyOn(L *lua.LState, vm *scriptVM) int {
	update := L.CheckString(1)
	fn := L.CheckFunction(2)
	if !updateNames[update] {
		L.ArgError(1, "unknown update type: "+update)
		return 0
	}
	vm.addHandler(luaHandler{update: update, fn: fn})
	return 0
}

// shelly.call(method [, params]) returns the result table, or nil and an
// error message.
func shellyCall(L *lua.LState, vm *scriptVM, e *Engine) int {
	method := L.CheckString(1)
	var params map[string]any
	if t := L.OptTable(2, nil); t != nil {
		if m, ok := luaToGo(t).(map[string]any); ok {
			params = m
		} else {
			L.ArgError(2, "params must be a table with string keys")
			return 0
		}
	}

	result, err := e.dev.Call(vm.ctx, method, params)
	if err != nil {
		e.logger.Warn("script call failed", "method", method, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	if result == nil {
		result = map[string]any{}
	}
	L.Push(goToLua(L, result))
	return 1
}

// shelly.after(seconds, fn) runs fn on the script's VM after a delay.
func shellyAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		ok := vm.enqueue(func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		})
		if !ok {
			e.logger.Warn("script command channel full, dropping after callback")
		}
	}()
	return 0
}

func pushResult(L *lua.LState, v map[string]any, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	if v == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, v))
	return 1
}

func scriptLog(vm *scriptVM, e *Engine, level, msg string) {
	if vm.logf != nil {
		vm.logf(level, msg)
		return
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
}
