package runtime

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ToLua converts a decoded JSON value into its Lua representation. Values
// outside the JSON model stringify.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return lua.LString(x.String())
		}
		return lua.LNumber(f)
	case map[string]any:
		tbl := L.NewTable()
		for k, vv := range x {
			L.SetField(tbl, k, ToLua(L, vv))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for _, vv := range x {
			tbl.Append(ToLua(L, vv))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", x))
	}
}

// FromLua converts a Lua value back into the JSON model. Tables with a
// contiguous 1..n integer prefix become arrays, everything else becomes a
// string-keyed map.
func FromLua(v lua.LValue) any {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LString:
		return string(x)
	case lua.LNumber:
		return float64(x)
	case *lua.LTable:
		if n := x.MaxN(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, FromLua(x.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		x.ForEach(func(k, vv lua.LValue) {
			m[lua.LVAsString(k)] = FromLua(vv)
		})
		return m
	default:
		return v.String()
	}
}
