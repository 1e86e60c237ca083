package harvest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_JSONShape(t *testing.T) {
	b, err := json.Marshal(Values{
		"page_size": IntValue(50),
		"tags":      StringsValue("geo", "open"),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"page_size": {"kind": "int", "value": 50},
		"tags": {"kind": "strings", "value": ["geo", "open"]}
	}`, string(b))
}

func TestValue_JSONKeepsKinds(t *testing.T) {
	in := Values{
		"name":    StringValue("portal"),
		"limit":   IntValue(10),
		"ratio":   FloatValue(0.5),
		"enabled": BoolValue(true),
		"ids":     StringsValue("a", "b"),
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Values
	require.NoError(t, json.Unmarshal(b, &out))

	for _, key := range in.Keys() {
		assert.Equal(t, in[key].Kind(), out[key].Kind(), key)
		assert.Equal(t, in[key].Any(), out[key].Any(), key)
	}
}

func TestValue_UnknownKind(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"kind":"map","value":{}}`), &v)
	assert.Error(t, err)
}

func TestValues_Accessors(t *testing.T) {
	vs := Values{
		"s":  StringValue("x"),
		"i":  IntValue(3),
		"f":  FloatValue(1.5),
		"b":  BoolValue(true),
		"ss": StringsValue("a"),
	}

	s, ok := vs.String("s")
	assert.True(t, ok)
	assert.Equal(t, "x", s)

	_, ok = vs.String("i")
	assert.False(t, ok, "wrong kind is not coerced")

	i, ok := vs.Int("i")
	assert.True(t, ok)
	assert.EqualValues(t, 3, i)

	f, ok := vs.Float("i")
	assert.True(t, ok, "ints widen to floats")
	assert.Equal(t, 3.0, f)

	b, ok := vs.Bool("b")
	assert.True(t, ok)
	assert.True(t, b)

	ss, ok := vs.Strings("ss")
	assert.True(t, ok)
	assert.Equal(t, []string{"a"}, ss)

	_, ok = vs.Int("missing")
	assert.False(t, ok)

	assert.Equal(t, "def", vs.StringOr("missing", "def"))
	assert.EqualValues(t, 3, vs.IntOr("i", 9))
}

func TestParseValue(t *testing.T) {
	tests := map[string]Value{
		"42":        IntValue(42),
		"-1":        IntValue(-1),
		"0.25":      FloatValue(0.25),
		"true":      BoolValue(true),
		"False":     BoolValue(false),
		"a, b,c":    StringsValue("a", "b", "c"),
		"data.json": StringValue("data.json"),
		"nan":       StringValue("nan"),
		"t":         StringValue("t"),
	}
	for raw, want := range tests {
		t.Run(raw, func(t *testing.T) {
			got := ParseValue(raw)
			assert.Equal(t, want.Kind(), got.Kind())
			assert.Equal(t, want.Any(), got.Any())
		})
	}
}

func TestValuesFromMap(t *testing.T) {
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"n": 3, "r": 0.5, "s": "x", "b": false, "l": ["a"]}`), &raw))

	vs, err := ValuesFromMap(raw)
	require.NoError(t, err)
	assert.Equal(t, KindInt, vs["n"].Kind())
	assert.Equal(t, KindFloat, vs["r"].Kind())
	assert.Equal(t, KindString, vs["s"].Kind())
	assert.Equal(t, KindBool, vs["b"].Kind())
	assert.Equal(t, KindStrings, vs["l"].Kind())

	_, err = ValuesFromMap(map[string]any{"nested": map[string]any{}})
	assert.Error(t, err)
	_, err = ValuesFromMap(map[string]any{"mixed": []any{"a", 1.0}})
	assert.Error(t, err)
}

func TestValues_CloneIsIndependent(t *testing.T) {
	vs := Values{"ids": StringsValue("a", "b")}
	c := vs.Clone()
	c["ids"] = StringsValue("z")
	got, _ := vs.Strings("ids")
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Nil(t, Values(nil).Clone())
}
