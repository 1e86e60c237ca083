package harvest

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/remilejeune/udata-harvest/errors"
)

// Kind is the type tag of a Value.
type Kind string

const (
	KindString  Kind = "string"
	KindInt     Kind = "int"
	KindFloat   Kind = "float"
	KindBool    Kind = "bool"
	KindStrings Kind = "strings"
)

// Value is one entry of a source configuration or item keyword arguments.
// The zero Value is an empty string.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	ss   []string
}

func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func IntValue(i int64) Value     { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }
func BoolValue(b bool) Value     { return Value{kind: KindBool, b: b} }
func StringsValue(ss ...string) Value {
	return Value{kind: KindStrings, ss: append([]string(nil), ss...)}
}

// ParseValue infers the kind of a command-line literal: integers, floats and
// booleans are recognised, a comma turns the literal into a string list, and
// anything else stays a string.
func ParseValue(raw string) Value {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return IntValue(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && strings.ContainsAny(raw, "0123456789") {
		return FloatValue(f)
	}
	switch strings.ToLower(raw) {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return StringsValue(parts...)
	}
	return StringValue(raw)
}

// Kind returns the type tag, KindString for the zero Value.
func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindString
	}
	return v.kind
}

func (v Value) AsString() (string, bool) { return v.s, v.Kind() == KindString }
func (v Value) AsInt() (int64, bool)     { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) AsStrings() ([]string, bool) {
	if v.kind != KindStrings {
		return nil, false
	}
	return append([]string(nil), v.ss...), true
}

// Any returns the underlying Go value.
func (v Value) Any() any {
	switch v.Kind() {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindStrings:
		return append([]string(nil), v.ss...)
	default:
		return v.s
	}
}

// String renders the value for display.
func (v Value) String() string {
	switch v.Kind() {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindStrings:
		return strings.Join(v.ss, ",")
	default:
		return v.s
	}
}

type valueJSON struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(v.Any())
	if err != nil {
		return nil, errors.Wrap(err, "marshal value")
	}
	return json.Marshal(valueJSON{Kind: v.Kind(), Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var wire valueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.Wrap(err, "unmarshal value")
	}
	var err error
	switch wire.Kind {
	case KindString, "":
		var s string
		err = json.Unmarshal(wire.Value, &s)
		*v = StringValue(s)
	case KindInt:
		var i int64
		err = json.Unmarshal(wire.Value, &i)
		*v = IntValue(i)
	case KindFloat:
		var f float64
		err = json.Unmarshal(wire.Value, &f)
		*v = FloatValue(f)
	case KindBool:
		var b bool
		err = json.Unmarshal(wire.Value, &b)
		*v = BoolValue(b)
	case KindStrings:
		var ss []string
		err = json.Unmarshal(wire.Value, &ss)
		*v = StringsValue(ss...)
	default:
		return errors.Newf("unknown value kind %q", wire.Kind)
	}
	if err != nil {
		return errors.Wrapf(err, "unmarshal %s value", wire.Kind)
	}
	return nil
}

// Values is a typed key-value map used for source configuration and item
// keyword arguments.
type Values map[string]Value

// ValuesFromMap converts loosely typed data, such as a decoded JSON object,
// into Values. Nested objects are rejected.
func ValuesFromMap(m map[string]any) (Values, error) {
	out := make(Values, len(m))
	for k, raw := range m {
		switch x := raw.(type) {
		case string:
			out[k] = StringValue(x)
		case bool:
			out[k] = BoolValue(x)
		case int:
			out[k] = IntValue(int64(x))
		case int64:
			out[k] = IntValue(x)
		case float64:
			if x == float64(int64(x)) {
				out[k] = IntValue(int64(x))
			} else {
				out[k] = FloatValue(x)
			}
		case []string:
			out[k] = StringsValue(x...)
		case []any:
			ss := make([]string, 0, len(x))
			for _, e := range x {
				s, ok := e.(string)
				if !ok {
					return nil, errors.Newf("key %q: list elements must be strings, got %T", k, e)
				}
				ss = append(ss, s)
			}
			out[k] = StringsValue(ss...)
		default:
			return nil, errors.Newf("key %q: unsupported value type %T", k, raw)
		}
	}
	return out, nil
}

func (vs Values) String(key string) (string, bool) {
	v, ok := vs[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

func (vs Values) Int(key string) (int64, bool) {
	v, ok := vs[key]
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

func (vs Values) Float(key string) (float64, bool) {
	v, ok := vs[key]
	if !ok {
		return 0, false
	}
	return v.AsFloat()
}

func (vs Values) Bool(key string) (bool, bool) {
	v, ok := vs[key]
	if !ok {
		return false, false
	}
	return v.AsBool()
}

func (vs Values) Strings(key string) ([]string, bool) {
	v, ok := vs[key]
	if !ok {
		return nil, false
	}
	return v.AsStrings()
}

// StringOr returns the string at key or def.
func (vs Values) StringOr(key, def string) string {
	if s, ok := vs.String(key); ok && s != "" {
		return s
	}
	return def
}

// IntOr returns the integer at key or def.
func (vs Values) IntOr(key string, def int64) int64 {
	if i, ok := vs.Int(key); ok {
		return i
	}
	return def
}

// Keys returns the keys in sorted order.
func (vs Values) Keys() []string {
	keys := make([]string, 0, len(vs))
	for k := range vs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy that shares no list storage with vs.
func (vs Values) Clone() Values {
	if vs == nil {
		return nil
	}
	out := make(Values, len(vs))
	for k, v := range vs {
		if v.kind == KindStrings {
			v = StringsValue(v.ss...)
		}
		out[k] = v
	}
	return out
}
