package canonical

import (
	"strings"
	"testing"
)

func TestMarshalSortsKeysAtEveryDepth(t *testing.T) {
	type inner struct {
		Zeta  int    `json:"zeta"`
		Alpha string `json:"alpha"`
	}
	type outer struct {
		Second inner          `json:"second"`
		First  map[string]any `json:"first"`
	}

	got, err := Marshal(outer{
		Second: inner{Zeta: 1, Alpha: "a"},
		First:  map[string]any{"b": 2, "a": 1},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := `{"first":{"a":1,"b":2},"second":{"alpha":"a","zeta":1}}`
	if string(got) != want {
		t.Errorf("Marshal = %s, want %s", got, want)
	}
}

func TestMarshalKeepsNumbersAndHTML(t *testing.T) {
	got, err := Marshal(map[string]any{
		"energy": 0.0008333333333333334,
		"note":   "<a&b>",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(got), `"energy":0.0008333333333333334`) {
		t.Errorf("number not preserved: %s", got)
	}
	if !strings.Contains(string(got), `"note":"<a&b>"`) {
		t.Errorf("html escaped: %s", got)
	}
}

func TestMarshalIsStable(t *testing.T) {
	v := map[string]any{"c": []any{3, "x"}, "a": true, "b": nil}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, _ := Marshal(v)
		if string(again) != string(first) {
			t.Fatalf("unstable output: %s vs %s", again, first)
		}
	}
}

func TestHash(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, _ := Hash(map[string]any{"b": 2, "a": 1})
	if h1 != h2 {
		t.Errorf("hash depends on insertion order: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("len(hash) = %d, want 64", len(h1))
	}
	h3, _ := Hash(map[string]any{"a": 1, "b": 3})
	if h3 == h1 {
		t.Error("different content produced the same hash")
	}
}
