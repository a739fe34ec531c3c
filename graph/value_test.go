package graph

import (
	"strings"
	"testing"
)

// TestNormalizeValue verifies collapse to the canonical value set.
func TestNormalizeValue(t *testing.T) {
	t.Run("integer widths collapse to int64", func(t *testing.T) {
		for _, v := range []any{int(5), int8(5), int16(5), int32(5), uint(5), uint32(5), uint64(5)} {
			if got := NormalizeValue(v); got != int64(5) {
				t.Errorf("%T(5): expected int64(5), got %T %v", v, got, got)
			}
		}
	})

	t.Run("integral floats collapse to int64", func(t *testing.T) {
		if got := NormalizeValue(3.0); got != int64(3) {
			t.Errorf("expected int64(3), got %T %v", got, got)
		}
	})

	t.Run("fractional floats stay float64", func(t *testing.T) {
		if got := NormalizeValue(3.5); got != 3.5 {
			t.Errorf("expected 3.5, got %v", got)
		}
	})

	t.Run("nested structures normalize recursively", func(t *testing.T) {
		got := NormalizeValue(map[string]any{"a": []any{1.0, 2}})
		m, ok := got.(map[string]any)
		if !ok {
			t.Fatalf("expected map, got %T", got)
		}
		list, ok := m["a"].([]any)
		if !ok || len(list) != 2 {
			t.Fatalf("expected 2-element list, got %v", m["a"])
		}
		if list[0] != int64(1) || list[1] != int64(2) {
			t.Errorf("expected [1 2] as int64, got %v", list)
		}
	})

	t.Run("string-keyed map types normalize", func(t *testing.T) {
		got := NormalizeValue(map[string]int{"a": 1})
		m, ok := got.(map[string]any)
		if !ok || m["a"] != int64(1) {
			t.Errorf("expected canonical map, got %T %v", got, got)
		}
	})
}

// TestCanonicalJSON verifies deterministic serialization.
func TestCanonicalJSON(t *testing.T) {
	t.Run("keys are sorted", func(t *testing.T) {
		out, err := CanonicalJSON(map[string]any{"b": 1, "a": 2, "c": 3})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(out) != `{"a":2,"b":1,"c":3}` {
			t.Errorf("unexpected canonical form: %s", out)
		}
	})

	t.Run("numeric types hash identically", func(t *testing.T) {
		a, _ := CanonicalJSON(map[string]any{"n": 3})
		b, _ := CanonicalJSON(map[string]any{"n": 3.0})
		if string(a) != string(b) {
			t.Errorf("int and integral float diverged: %s vs %s", a, b)
		}
	})
}

// TestFingerprint verifies fingerprint stability and sensitivity.
func TestFingerprint(t *testing.T) {
	inputs := map[string]any{"x": 1, "y": "two"}

	t.Run("stable for identical attempts", func(t *testing.T) {
		a, err := Fingerprint("run-1", "node-a", 1, inputs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		b, _ := Fingerprint("run-1", "node-a", 1, map[string]any{"y": "two", "x": 1.0})
		if a != b {
			t.Errorf("expected identical fingerprints, got %s vs %s", a, b)
		}
		if !strings.HasPrefix(a, "sha256:") {
			t.Errorf("expected sha256: prefix, got %s", a)
		}
	})

	t.Run("differs across attempts", func(t *testing.T) {
		a, _ := Fingerprint("run-1", "node-a", 1, inputs)
		b, _ := Fingerprint("run-1", "node-a", 2, inputs)
		if a == b {
			t.Error("attempt number should change the fingerprint")
		}
	})

	t.Run("differs across nodes and runs", func(t *testing.T) {
		a, _ := Fingerprint("run-1", "node-a", 1, inputs)
		b, _ := Fingerprint("run-1", "node-b", 1, inputs)
		c, _ := Fingerprint("run-2", "node-a", 1, inputs)
		if a == b || a == c {
			t.Error("run and node ids should change the fingerprint")
		}
	})
}
