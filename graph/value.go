package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Value is the tagged polymorphic value carried by Message.data and
// Message.metadata, and by ToolCall.function.arguments. It replaces the
// host language's native map/any with an explicit closed set of kinds so
// that serialization, canonicalization, and fingerprinting all agree on
// exactly one shape for "a value".
type Value struct {
	kind  valueKind
	num   float64
	i     int64
	b     bool
	s     string
	list  []Value
	m     map[string]Value
	isInt bool
}

type valueKind int

const (
	KindNull valueKind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindList
	KindMap
)

func Null() Value                      { return Value{kind: KindNull} }
func IntValue(v int64) Value           { return Value{kind: KindInt, i: v, isInt: true} }
func FloatValue(v float64) Value       { return Value{kind: KindFloat, num: v} }
func BoolValue(v bool) Value           { return Value{kind: KindBool, b: v} }
func StringValue(v string) Value       { return Value{kind: KindString, s: v} }
func ListValue(v []Value) Value        { return Value{kind: KindList, list: v} }
func MapValue(v map[string]Value) Value { return Value{kind: KindMap, m: v} }

// Of converts a native Go value (string, bool, int family, float family,
// []any, map[string]any, or Value) into a Value. Unsupported types return
// an error rather than silently producing null, so callers notice typos.
func Of(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case int32:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case float32:
		return FloatValue(float64(x)), nil
	case float64:
		return FloatValue(x), nil
	case []Value:
		return ListValue(x), nil
	case []any:
		out := make([]Value, len(x))
		for i, e := range x {
			cv, err := Of(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = cv
		}
		return ListValue(out), nil
	case map[string]Value:
		return MapValue(x), nil
	case map[string]any:
		out := make(map[string]Value, len(x))
		for k, e := range x {
			cv, err := Of(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = cv
		}
		return MapValue(out), nil
	default:
		return Value{}, fmt.Errorf("graph: unsupported value type %T", v)
	}
}

// MustOf panics on conversion failure. Intended for literals in tests and
// example graphs, never for data derived from user input.
func MustOf(v any) Value {
	cv, err := Of(v)
	if err != nil {
		panic(err)
	}
	return cv
}

func (v Value) Kind() valueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) String() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) Int() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.num), true
	}
	return 0, false
}

func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.num, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) List() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) Map() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// Native unwraps a Value back into a plain Go value for use at the
// boundary (tool results, agent output, JSON interop).
func (v Value) Native() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindInt:
		return v.i
	case KindFloat:
		return v.num
	case KindBool:
		return v.b
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Native()
		}
		return out
	}
	return nil
}

// MarshalJSON implements the single canonical encoder used for both wire
// serialization and idempotency fingerprinting: map keys are sorted so the
// same logical value always produces the same bytes.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		return json.Marshal(v.list)
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := json.Marshal(v.m[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cv, err := fromRaw(raw)
	if err != nil {
		return err
	}
	*v = cv
	return nil
}

func fromRaw(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case float64:
		if x == float64(int64(x)) {
			return IntValue(int64(x)), nil
		}
		return FloatValue(x), nil
	case []any:
		out := make([]Value, len(x))
		for i, e := range x {
			cv, err := fromRaw(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = cv
		}
		return ListValue(out), nil
	case map[string]any:
		out := make(map[string]Value, len(x))
		for k, e := range x {
			cv, err := fromRaw(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = cv
		}
		return MapValue(out), nil
	}
	return Value{}, fmt.Errorf("graph: cannot decode %T into Value", raw)
}

// CanonicalJSON renders v with deterministic key ordering and a fixed
// numeric representation, suitable for idempotency fingerprinting and
// replay hashing.
func CanonicalJSON(v Value) ([]byte, error) {
	return v.MarshalJSON()
}
