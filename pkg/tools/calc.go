package tools

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/harun/agentjobs/pkg/agent"
	lua "github.com/yuin/gopher-lua"
)

const maxExpressionLength = 512

// Calc returns the calc tool, which evaluates one arithmetic expression in a
// Lua state with only the math and string libraries loaded.
func Calc() agent.Tool {
	return agent.Tool{
		Name:        "calc",
		Description: "Evaluate an arithmetic expression, e.g. (3 + 4) * 2 or math.sqrt(2). Lua math functions are available.",
		Parameters: []agent.ToolParameter{
			{Name: "expression", Type: "string", Description: "Expression to evaluate", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			expr, err := requiredString(args, "expression")
			if err != nil {
				return nil, err
			}
			value, err := Evaluate(ctx, expr)
			if err != nil {
				return nil, err
			}
			return map[string]any{"expression": expr, "value": value}, nil
		},
	}
}

// Evaluate computes expr and returns a number, string or boolean.
func Evaluate(ctx context.Context, expr string) (any, error) {
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression longer than %d characters", maxExpressionLength)
	}
	if strings.Contains(expr, "\n") || strings.Contains(expr, ";") {
		return nil, fmt.Errorf("only a single expression is allowed")
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true, CallStackSize: 64, RegistrySize: 1024})
	defer L.Close()
	L.SetContext(ctx)
	openCalcLibs(L)

	if err := L.DoString("return " + expr); err != nil {
		return nil, fmt.Errorf("cannot evaluate %q: %w", expr, err)
	}

	switch v := L.Get(-1).(type) {
	case lua.LNumber:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expression is not a finite number")
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), nil
		}
		return f, nil
	case lua.LString:
		return string(v), nil
	case lua.LBool:
		return bool(v), nil
	default:
		return nil, fmt.Errorf("expression produced %s, not a value", v.Type())
	}
}

func openCalcLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.MathLibName, lua.OpenMath},
		{lua.StringLibName, lua.OpenString},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "print", "collectgarbage", "setfenv", "getfenv", "rawset", "setmetatable"} {
		L.SetGlobal(name, lua.LNil)
	}
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}
