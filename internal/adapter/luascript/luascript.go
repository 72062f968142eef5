// Package luascript runs a capability as a sandboxed Lua function. The
// script must define invoke(input, request) and return a table, either a
// result envelope {outcome, payload, error, retryable} or a bare payload.
package luascript

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/animus-labs/flowgate/internal/adapter"
	"github.com/animus-labs/flowgate/internal/domain"
)

const entryPoint = "invoke"

type Script struct {
	name  string
	proto *lua.FunctionProto
}

var _ adapter.Handler = (*Script)(nil)

// Compile parses source once; each Invoke runs it in a fresh state.
func Compile(name, source string) (*Script, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("script source is required")
	}
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &Script{name: name, proto: proto}, nil
}

func (s *Script) Invoke(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openSafeLibs(L)
	L.SetContext(ctx)

	L.Push(L.NewFunctionFromProto(s.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return adapter.Result{}, adapter.Permanent(fmt.Errorf("load %s: %w", s.name, err))
	}
	fn := L.GetGlobal(entryPoint)
	if fn.Type() != lua.LTFunction {
		return adapter.Result{}, adapter.Permanent(fmt.Errorf("script %s must define %s(input, request)", s.name, entryPoint))
	}

	request := L.NewTable()
	L.SetField(request, "run_id", lua.LString(req.RunID))
	L.SetField(request, "step_id", lua.LString(req.StepID))
	L.SetField(request, "attempt", lua.LNumber(req.Attempt))
	L.SetField(request, "capability", lua.LString(req.Capability))

	L.Push(fn)
	L.Push(toLua(L, map[string]any(req.Input)))
	L.Push(request)
	if err := L.PCall(2, 1, nil); err != nil {
		if ctx.Err() != nil {
			return adapter.Result{}, ctx.Err()
		}
		return adapter.Result{}, adapter.Permanent(fmt.Errorf("run %s: %w", s.name, err))
	}
	ret := L.Get(-1)
	L.Pop(1)
	return resultFromLua(ret), nil
}

func resultFromLua(v lua.LValue) adapter.Result {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		if v == lua.LNil {
			return adapter.Result{Outcome: adapter.OutcomeSuccess, Payload: domain.Metadata{}}
		}
		return adapter.Result{Outcome: adapter.OutcomeSuccess, Payload: domain.Metadata{"result": fromLua(v)}}
	}
	outcome := tbl.RawGetString("outcome")
	if outcome == lua.LNil {
		payload, _ := fromLua(tbl).(map[string]any)
		return adapter.Result{Outcome: adapter.OutcomeSuccess, Payload: domain.Metadata(payload)}
	}
	res := adapter.Result{Outcome: adapter.Outcome(lua.LVAsString(outcome))}
	if p, ok := fromLua(tbl.RawGetString("payload")).(map[string]any); ok {
		res.Payload = domain.Metadata(p)
	}
	res.Error = lua.LVAsString(tbl.RawGetString("error"))
	res.Retryable = lua.LVAsBool(tbl.RawGetString("retryable"))
	return res
}

func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.RawSetInt(tbl, i+1, toLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for i, item := range val {
			L.RawSetInt(tbl, i+1, lua.LString(item))
		}
		return tbl
	case domain.Metadata:
		return toLua(L, map[string]any(val))
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, toLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// fromLua converts tables with only 1..n integer keys to slices and any
// other table to a map.
func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return nil
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		n := val.MaxN()
		if n > 0 && val.Len() == n {
			arr := make([]any, 0, n)
			isArray := true
			val.ForEach(func(k, _ lua.LValue) {
				if _, ok := k.(lua.LNumber); !ok {
					isArray = false
				}
			})
			if isArray {
				for i := 1; i <= n; i++ {
					arr = append(arr, fromLua(val.RawGetInt(i)))
				}
				return arr
			}
		}
		out := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			out[lua.LVAsString(k)] = fromLua(item)
		})
		return out
	default:
		return v.String()
	}
}
