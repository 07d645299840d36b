package graph

import (
	"encoding/json"
	"testing"
)

func TestValue_NativeRoundTrip(t *testing.T) {
	cases := []any{
		nil, "s", true, int64(42), 3.14,
		[]any{"a", int64(1)},
		map[string]any{"x": int64(1), "y": "z"},
	}
	for _, c := range cases {
		v, err := Of(c)
		if err != nil {
			t.Fatalf("Of(%v): %v", c, err)
		}
		got := v.Native()
		gb, _ := json.Marshal(got)
		wb, _ := json.Marshal(c)
		if string(gb) != string(wb) {
			t.Errorf("Native round-trip mismatch: got %s want %s", gb, wb)
		}
	}
}

func TestValue_CanonicalJSONSortsMapKeys(t *testing.T) {
	v1 := MapValue(map[string]Value{"b": IntValue(2), "a": IntValue(1)})
	v2 := MapValue(map[string]Value{"a": IntValue(1), "b": IntValue(2)})
	b1, err := CanonicalJSON(v1)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := CanonicalJSON(v2)
	if err != nil {
		t.Fatal(err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("canonical JSON differs by key insertion order: %s vs %s", b1, b2)
	}
	if string(b1) != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical encoding: %s", b1)
	}
}

func TestValue_CanonicalJSONStableAcrossMapImplementations(t *testing.T) {
	// Two structurally-identical maps built in different orders must
	// hash identically — the property the idempotency fingerprint relies
	// on (spec §4.1 rule (d), "duck-typed map access").
	m1 := map[string]Value{}
	m1["z"] = StringValue("1")
	m1["a"] = StringValue("2")

	m2 := map[string]Value{}
	m2["a"] = StringValue("2")
	m2["z"] = StringValue("1")

	b1, _ := CanonicalJSON(MapValue(m1))
	b2, _ := CanonicalJSON(MapValue(m2))
	if string(b1) != string(b2) {
		t.Fatalf("canonical JSON not stable across build order: %s vs %s", b1, b2)
	}
}

func TestValue_JSONMarshalUnmarshalRoundTrip(t *testing.T) {
	v := MapValue(map[string]Value{
		"n":    IntValue(7),
		"f":    FloatValue(1.5),
		"b":    BoolValue(true),
		"s":    StringValue("x"),
		"l":    ListValue([]Value{IntValue(1), IntValue(2)}),
		"null": Null(),
	})
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var back Value
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	m, ok := back.Map()
	if !ok {
		t.Fatalf("expected a map after round-trip")
	}
	if i, ok := m["n"].Int(); !ok || i != 7 {
		t.Errorf("n = %v, %v; want 7, true", i, ok)
	}
	if !m["null"].IsNull() {
		t.Errorf("null value lost across round-trip")
	}
}
