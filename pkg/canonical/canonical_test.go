package canonical

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestMarshalDeterministicAcrossKeyOrder(t *testing.T) {
	a, err := MarshalRaw([]byte(`{"b":2,"a":[3,{"d":4,"c":5}],"z":"x"}`))
	if err != nil {
		t.Fatalf("MarshalRaw a: %v", err)
	}
	b, err := MarshalRaw([]byte(`{ "z":"x", "a":[3,{"c":5,"d":4}], "b":2 }`))
	if err != nil {
		t.Fatalf("MarshalRaw b: %v", err)
	}
	expected := `{"a":[3,{"c":5,"d":4}],"b":2,"z":"x"}`
	if string(a) != expected || string(b) != expected {
		t.Fatalf("canonical mismatch: %s vs %s", a, b)
	}
}

func TestMarshalIdempotent(t *testing.T) {
	payload := map[string]any{
		"nested": map[string]any{"delta": 4, "alpha": 1},
		"array":  []any{map[string]any{"b": 2, "a": 1}, "ok"},
	}
	first, err := Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var reparsed any
	if err := json.Unmarshal(first, &reparsed); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	second, err := Marshal(reparsed)
	if err != nil {
		t.Fatalf("Marshal reparsed: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("not idempotent: %s != %s", first, second)
	}
}

func TestMarshalExcludesTopLevelFields(t *testing.T) {
	doc := map[string]any{"id": "cart_1", "total": 4800, "merchant_authority": "ey.."}
	with, err := Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	without, err := Marshal(doc, "merchant_authority")
	if err != nil {
		t.Fatalf("Marshal exclude: %v", err)
	}
	if string(with) == string(without) {
		t.Fatal("excluded field still present in canonical bytes")
	}
	if string(without) != `{"id":"cart_1","total":4800}` {
		t.Fatalf("unexpected canonical form: %s", without)
	}
}

func TestSHA256StableUnderExclusionOfAbsentField(t *testing.T) {
	doc := map[string]any{"id": "x", "amount": 100}
	h1, _, err := SHA256(doc, "user_authorization")
	if err != nil {
		t.Fatalf("SHA256: %v", err)
	}
	h2, _, err := SHA256(doc)
	if err != nil {
		t.Fatalf("SHA256: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("excluding an absent field changed the hash: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected lowercase hex sha256, got %q", h1)
	}
}

func TestMarshalRejectsUnsupportedValues(t *testing.T) {
	if _, err := Marshal(map[string]any{"bad": math.NaN()}); !errors.Is(err, ErrCanonicalize) {
		t.Fatalf("expected ErrCanonicalize for NaN, got %v", err)
	}
	if _, err := Marshal(map[string]any{"bad": make(chan int)}); !errors.Is(err, ErrCanonicalize) {
		t.Fatalf("expected ErrCanonicalize for chan, got %v", err)
	}
	if _, err := MarshalRaw([]byte(`{"a":`)); !errors.Is(err, ErrCanonicalize) {
		t.Fatalf("expected ErrCanonicalize for truncated json, got %v", err)
	}
}
