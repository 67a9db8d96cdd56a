// Package claimscript runs small sandboxed Lua rules against the claims of a
// token whose signature already verified.
//
// A script sees the globals claims (table) and kid (string) and may call
// has(name), require_claim(name), require_one_of(name, {values}) and
// reject(msg). Returning false, optionally followed by a message, also
// rejects the token. The os, io, debug and package libraries are not loaded.
package claimscript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

var (
	ErrRejected = errors.New("rejected by claim script")
	ErrTimeout  = errors.New("claim script exceeded time limit")
)

// DefaultTimeout bounds one evaluation when Compile is given zero.
const DefaultTimeout = 100 * time.Millisecond

// Script is a compiled rule. It is immutable and safe for concurrent use;
// each evaluation runs in a fresh Lua state.
type Script struct {
	proto   *lua.FunctionProto
	timeout time.Duration
}

func Compile(src string, timeout time.Duration) (*Script, error) {
	chunk, err := parse.Parse(strings.NewReader(src), "claims")
	if err != nil {
		return nil, fmt.Errorf("parse claim script: %w", err)
	}
	proto, err := lua.Compile(chunk, "claims")
	if err != nil {
		return nil, fmt.Errorf("compile claim script: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Script{proto: proto, timeout: timeout}, nil
}

// Eval runs the script. It returns nil when the claims are accepted, an
// error wrapping ErrRejected when the script rejects them, and ErrTimeout
// when the time limit is hit.
func (s *Script) Eval(ctx context.Context, kid string, claims map[string]any) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true, CallStackSize: 64})
	defer L.Close()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	L.SetContext(ctx)
	openSafeLibs(L)

	L.SetGlobal("kid", lua.LString(kid))
	L.SetGlobal("claims", toLua(L, claims))

	var rejected error
	fail := func(L *lua.LState, format string, args ...any) {
		rejected = fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
		L.RaiseError("%s", rejected.Error())
	}
	L.SetGlobal("has", L.NewFunction(func(L *lua.LState) int {
		_, ok := claims[L.CheckString(1)]
		L.Push(lua.LBool(ok))
		return 1
	}))
	L.SetGlobal("require_claim", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if _, ok := claims[name]; !ok {
			fail(L, "claim %s is required", name)
		}
		return 0
	}))
	L.SetGlobal("require_one_of", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		allowed := L.CheckTable(2)
		v, ok := claims[name]
		if !ok || !oneOf(v, allowed) {
			fail(L, "claim %s has no allowed value", name)
		}
		return 0
	}))
	L.SetGlobal("reject", L.NewFunction(func(L *lua.LState) int {
		fail(L, "%s", L.OptString(1, "rejected"))
		return 0
	}))

	L.Push(L.NewFunctionFromProto(s.proto))
	if err := L.PCall(0, 2, nil); err != nil {
		switch {
		case rejected != nil:
			return rejected
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return ErrTimeout
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("claim script: %w", err)
		}
	}
	if ok, msg := L.Get(-2), L.Get(-1); ok == lua.LFalse {
		reason := "returned false"
		if m, isStr := msg.(lua.LString); isStr {
			reason = string(m)
		}
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	return nil
}

func openSafeLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(t)
	case bool:
		return lua.LBool(t)
	case float64:
		return lua.LNumber(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case []string:
		tbl := L.CreateTable(len(t), 0)
		for _, e := range t {
			tbl.Append(lua.LString(e))
		}
		return tbl
	case []any:
		tbl := L.CreateTable(len(t), 0)
		for _, e := range t {
			tbl.Append(toLua(L, e))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(t))
		for k, e := range t {
			tbl.RawSetString(k, toLua(L, e))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(t))
	}
}

// oneOf reports whether v, or any element of v when it is a list, equals one
// of the values in allowed.
func oneOf(v any, allowed *lua.LTable) bool {
	if list, ok := v.([]any); ok {
		for _, e := range list {
			if oneOf(e, allowed) {
				return true
			}
		}
		return false
	}
	found := false
	allowed.ForEach(func(_, a lua.LValue) {
		if !found && equal(v, a) {
			found = true
		}
	})
	return found
}

func equal(v any, a lua.LValue) bool {
	switch av := a.(type) {
	case lua.LString:
		s, ok := v.(string)
		return ok && s == string(av)
	case lua.LNumber:
		switch n := v.(type) {
		case float64:
			return n == float64(av)
		case int:
			return float64(n) == float64(av)
		case int64:
			return float64(n) == float64(av)
		}
	case lua.LBool:
		b, ok := v.(bool)
		return ok && b == bool(av)
	}
	return false
}
