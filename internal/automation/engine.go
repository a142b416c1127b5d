//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"shelly-go-home/internal/device"
)

// runTimeout bounds a one-shot RunLuaCode execution.
const runTimeout = 5 * time.Second

// Device is the part of the device controller scripts can reach.
type Device interface {
	Status() (map[string]any, error)
	Event() (map[string]any, error)
	Call(ctx context.Context, method string, params map[string]any) (map[string]any, error)
}

// Updates is the source of device updates, normally a *device.UpdateBus.
type Updates interface {
	OnAll(fn device.UpdateFunc) func()
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaHandler is a callback registered with shelly.on.
type luaHandler struct {
	update string // "status", "event", "initialized", "disconnected" or "*"
	fn     *lua.LFunction
}

func (h luaHandler) matches(update device.UpdateType) bool {
	return h.update == "*" || h.update == update.String()
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf overrides where shelly.log and system.log output goes.
	logf func(level, msg string)
}

func (vm *scriptVM) addHandler(h luaHandler) {
	vm.mu.Lock()
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
}

func (vm *scriptVM) snapshotHandlers() []luaHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaHandler(nil), vm.handlers...)
}

// Engine runs enabled scripts and feeds them device updates.
type Engine struct {
	dev     Device
	updates Updates
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(dev Device, updates Updates, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		dev:     dev,
		updates: updates,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to device updates and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.updates.OnAll(func(_ *device.Device, update device.UpdateType) {
		e.dispatchUpdate(update)
	})

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from updates.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running reports whether a VM is loaded for the script.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// ReloadScript stops the old VM, if any, and starts the script again when
// it is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a temporary sandboxed VM. Handlers registered
// with shelly.on are invoked once each with the current device data, so a
// script can be tried out without waiting for a real update. Log output is
// captured in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	L, vm := e.newVM(ctx, cancel)
	defer L.Close()
	vm.logf = func(level, msg string) {
		if level != "info" {
			msg = "[" + level + "] " + msg
		}
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
	}
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string{}, logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (" + runTimeout.String() + ")"
			}
			e.logger.Warn("run lua code", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	for _, h := range vm.snapshotHandlers() {
		update := h.update
		if update == "*" {
			update = device.UpdateStatus.String()
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, e.updateTable(L, update)); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// newVM creates a sandboxed Lua state with the shelly and system modules.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) (*lua.LState, *scriptVM) {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerShellyModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return L, vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L, vm := e.newVM(ctx, cancel)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	// Command loop; the only goroutine touching L after startup.
	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchUpdate queues every matching handler on its VM's command loop.
func (e *Engine) dispatchUpdate(update device.UpdateType) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !h.matches(update) {
				continue
			}
			fn := h.fn
			if !vm.enqueue(func(L *lua.LState) { e.callHandler(L, fn, update.String()) }) {
				e.logger.Warn("script command channel full, dropping update", "update", update)
			}
		}
	}
}

// enqueue hands fn to the VM's command loop without blocking. It reports
// false only when the queue is full; a stopped VM silently drops fn.
func (vm *scriptVM) enqueue(fn func(*lua.LState)) bool {
	if vm.ctx.Err() != nil {
		return true
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, update string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, e.updateTable(L, update)); err != nil {
		e.logger.Error("lua handler error", "update", update, "err", err)
	}
}

// updateTable builds the argument passed to shelly.on handlers:
// {type = "...", status = {...}, event = {...}}.
func (e *Engine) updateTable(L *lua.LState, update string) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(update))
	if status, err := e.dev.Status(); err == nil {
		t.RawSetString("status", goToLua(L, status))
	}
	if ev, err := e.dev.Event(); err == nil && ev != nil {
		t.RawSetString("event", goToLua(L, ev))
	}
	return t
}

// goToLua converts a decoded JSON value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value to a JSON-encodable Go value. Tables with
// only consecutive integer keys starting at 1 become slices, other tables
// become maps keyed by the string form of their keys. Integral numbers
// become int so RPC parameters such as component ids encode without a
// fractional part.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int(f)
		}
		return f
	case *lua.LTable:
		if n := val.Len(); n > 0 && countKeys(val) == n {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			out[k.String()] = luaToGo(vv)
		})
		return out
	default:
		return val.String()
	}
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(_, _ lua.LValue) { n++ })
	return n
}
