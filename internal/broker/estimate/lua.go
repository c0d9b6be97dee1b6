package estimate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// instructionLimit caps Lua opcodes per Estimate call so a buggy operator
// script cannot stall the stats publisher.
const instructionLimit = 50_000

// estimateFn is the global function an operator script must define:
//
//	function estimate(game, waiting, providers) return seconds end
const estimateFn = "estimate"

// opcodeContext cancels itself after Done() has been called limit times.
// GopherLua consults Done() once per opcode, so this is an exact
// instruction budget.
type opcodeContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining atomic.Int64
}

func (c *opcodeContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

func newOpcodeContext(limit int) context.Context {
	base, cancel := context.WithCancel(context.Background())
	c := &opcodeContext{Context: base, cancel: cancel}
	c.remaining.Store(int64(limit))
	return c
}

// LuaEstimator runs an operator-supplied script in a sandboxed VM: only
// base, math, string, and table libraries, no file or load access, and a
// hard instruction budget. A script error falls back to the built-in
// Heuristic so queue updates keep flowing.
type LuaEstimator struct {
	mu       sync.Mutex
	state    *lua.LState
	fallback Heuristic
	log      *zap.Logger
}

// NewLuaEstimator loads the script at path into a fresh sandboxed VM.
//
// Precondition: path must name a readable Lua file defining estimate().
// Postcondition: Returns a ready Estimator, or an error if the script fails
// to load or does not define the estimate function.
func NewLuaEstimator(path string, log *zap.Logger) (*LuaEstimator, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(newOpcodeContext(instructionLimit))

	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("estimate: loading script %q: %w", path, err)
	}
	if L.GetGlobal(estimateFn).Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("estimate: script %q does not define %s()", path, estimateFn)
	}
	return &LuaEstimator{state: L, log: log}, nil
}

// Estimate implements Estimator. The VM is single-threaded; calls are
// serialized under the estimator's lock.
func (e *LuaEstimator) Estimate(game string, waiting, providers int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	L := e.state
	// Fresh budget for every call; a long-lived estimator must not exhaust
	// the limit across calls and degrade to the heuristic permanently.
	L.SetContext(newOpcodeContext(instructionLimit))
	err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(estimateFn),
		NRet:    1,
		Protect: true,
	}, lua.LString(game), lua.LNumber(waiting), lua.LNumber(providers))
	if err != nil {
		e.log.Warn("estimator script failed, using heuristic",
			zap.String("game", game), zap.Error(err))
		return e.fallback.Estimate(game, waiting, providers)
	}

	ret := L.Get(-1)
	L.Pop(1)
	n, ok := ret.(lua.LNumber)
	if !ok || n < 0 {
		e.log.Warn("estimator script returned non-numeric result, using heuristic",
			zap.String("game", game), zap.String("got", ret.Type().String()))
		return e.fallback.Estimate(game, waiting, providers)
	}
	return int(n)
}

// Close releases the Lua VM.
func (e *LuaEstimator) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Close()
}
