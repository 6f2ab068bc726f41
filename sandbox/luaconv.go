package sandbox

import (
	"math"

	lua "github.com/yuin/gopher-lua"

	"github.com/pithecene-io/delve/types"
)

// maxTreeDepth bounds conversion recursion in both directions.
const maxTreeDepth = 64

// toLua converts a decoded JSON tree into a Lua value. Arrays become
// 1-indexed tables, objects become string-keyed tables.
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
		t := L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}

// fromLua converts a Lua value back into a JSON tree. Tables with contiguous
// integer keys 1..n become arrays; string-keyed tables become objects; any
// other shape (mixed keys, functions, userdata, cycles, non-finite numbers)
// is a StateInvalidType error.
func fromLua(lv lua.LValue) (any, error) {
	return fromLuaValue(lv, map[*lua.LTable]bool{}, 0)
}

func fromLuaValue(lv lua.LValue, seen map[*lua.LTable]bool, depth int) (any, error) {
	if depth > maxTreeDepth {
		return nil, types.E(types.KindStateInvalidType,
			"state exceeds maximum nesting depth %d", maxTreeDepth)
	}

	switch v := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, types.E(types.KindStateInvalidType,
				"state contains non-finite number")
		}
		return f, nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		if seen[v] {
			return nil, types.E(types.KindStateInvalidType, "state contains a cycle")
		}
		seen[v] = true
		defer delete(seen, v)
		return fromLuaTable(v, seen, depth)
	default:
		return nil, types.E(types.KindStateInvalidType,
			"state contains unsupported value of type %s", lv.Type().String())
	}
}

func fromLuaTable(t *lua.LTable, seen map[*lua.LTable]bool, depth int) (any, error) {
	var (
		numKeys    int
		stringKeys []string
		values     = map[string]lua.LValue{}
		badKey     bool
	)

	t.ForEach(func(k, v lua.LValue) {
		switch key := k.(type) {
		case lua.LNumber:
			numKeys++
			if f := float64(key); f != math.Trunc(f) {
				badKey = true
			}
		case lua.LString:
			stringKeys = append(stringKeys, string(key))
			values[string(key)] = v
		default:
			badKey = true
		}
	})

	if badKey || (numKeys > 0 && len(stringKeys) > 0) {
		return nil, types.E(types.KindStateInvalidType,
			"state table mixes array and object keys")
	}

	if numKeys == 0 {
		obj := make(map[string]any, len(stringKeys))
		for _, k := range stringKeys {
			item, err := fromLuaValue(values[k], seen, depth+1)
			if err != nil {
				return nil, err
			}
			obj[k] = item
		}
		return obj, nil
	}

	// Array shape: keys must be exactly 1..n.
	n := t.Len()
	if numKeys != n {
		return nil, types.E(types.KindStateInvalidType,
			"state array has non-contiguous integer keys")
	}
	arr := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		item, err := fromLuaValue(t.RawGetInt(i), seen, depth+1)
		if err != nil {
			return nil, err
		}
		arr = append(arr, item)
	}
	return arr, nil
}

// stateFromLua converts the program's state global, enforcing the top-level
// shape contract: object, string, or nil.
func stateFromLua(lv lua.LValue) (any, error) {
	v, err := fromLua(lv)
	if err != nil {
		return nil, err
	}
	switch v.(type) {
	case nil, string, map[string]any:
		return v, nil
	default:
		return nil, types.E(types.KindStateInvalidType,
			"state top level must be an object, string, or nil")
	}
}
