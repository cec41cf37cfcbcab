package plugin

import (
	"fmt"
	"math/big"

	lua "github.com/yuin/gopher-lua"
)

// goToLua converts a decoded Go value into its Lua representation.
// Maps become tables keyed by string, slices become array tables.
// Unsupported types are stringified rather than rejected; a plugin that
// cares will report the move as invalid.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []any:
		t := L.NewTable()
		for _, e := range x {
			t.Append(goToLua(L, e))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, e := range x {
			t.RawSetString(k, goToLua(L, e))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", x))
	}
}

// luaToGo converts a Lua value back into plain Go data. Tables with a pure
// 1..n integer key set become []any, everything else map[string]any.
func luaToGo(v lua.LValue) any {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case *lua.LTable:
		return tableToGo(x)
	default:
		return x.String()
	}
}

func tableToGo(t *lua.LTable) any {
	n := t.Len()
	arrayOnly := true
	keys := 0
	t.ForEach(func(k, _ lua.LValue) {
		keys++
		num, ok := k.(lua.LNumber)
		if !ok || float64(num) != float64(int(num)) || int(num) < 1 || int(num) > n {
			arrayOnly = false
		}
	})

	if arrayOnly && keys == n {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, luaToGo(t.RawGetInt(i)))
		}
		return out
	}

	out := make(map[string]any, keys)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = luaToGo(v)
	})
	return out
}

// numberToRat converts a Lua number into an exact rational.
//
// Postcondition: Returns a non-nil *big.Rat or an error for NaN/Inf.
func numberToRat(n lua.LNumber) (*big.Rat, error) {
	r := new(big.Rat)
	if _, ok := r.SetString(n.String()); ok {
		return r, nil
	}
	if r.SetFloat64(float64(n)) == nil {
		return nil, fmt.Errorf("score value %v is not a finite number", float64(n))
	}
	return r, nil
}
