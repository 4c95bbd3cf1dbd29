// Copyright 2025 James Ross
package kernel

import (
	lua "github.com/yuin/gopher-lua"
)

// luaValueOf converts a serialized Go value into the equivalent lua.LValue
// for delivery to a guest callback.
func luaValueOf(v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case []any:
		table := &lua.LTable{}
		for i, elem := range val {
			table.RawSetInt(i+1, luaValueOf(elem))
		}
		return table
	case map[string]any:
		table := &lua.LTable{}
		for k, elem := range val {
			table.RawSetString(k, luaValueOf(elem))
		}
		return table
	default:
		return lua.LNil
	}
}
