package graph

import (
	"errors"
	"testing"
)

// TestResolveTemplate verifies value extraction and interpolation.
func TestResolveTemplate(t *testing.T) {
	msg := NewMessage("", "t").
		WithDataMap(map[string]any{
			"order": map[string]any{
				"id":    "ord-42",
				"total": 99.5,
				"items": []any{
					map[string]any{"name": "widget", "qty": 2},
					map[string]any{"name": "gadget", "qty": 1},
				},
			},
			"count":      3,
			"flag":       "true",
			"dotted.key": map[string]any{"inner": "escaped"},
		}).
		WithMetadata("tenantId", "acme")

	t.Run("exact template yields the typed value", func(t *testing.T) {
		v, err := ResolveTemplate("{{data.order.total}}", msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 99.5 {
			t.Errorf("expected 99.5, got %T %v", v, v)
		}
	})

	t.Run("metadata scope", func(t *testing.T) {
		v, err := ResolveTemplate("{{metadata.tenantId}}", msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != "acme" {
			t.Errorf("expected acme, got %v", v)
		}
	})

	t.Run("embedded templates interpolate as strings", func(t *testing.T) {
		v, err := ResolveTemplate("order {{data.order.id}} has {{data.count}} lines", msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != "order ord-42 has 3 lines" {
			t.Errorf("unexpected interpolation: %v", v)
		}
	})

	t.Run("plain strings are literals", func(t *testing.T) {
		v, err := ResolveTemplate("just text", msg)
		if err != nil || v != "just text" {
			t.Errorf("expected literal passthrough, got %v (%v)", v, err)
		}
	})

	t.Run("list indexing", func(t *testing.T) {
		v, err := ResolveTemplate("{{data.order.items[1].name}}", msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != "gadget" {
			t.Errorf("expected gadget, got %v", v)
		}
	})

	t.Run("out-of-range index yields nil", func(t *testing.T) {
		v, err := ResolveTemplate("{{data.order.items[9].name}}", msg)
		if err != nil || v != nil {
			t.Errorf("expected nil, got %v (%v)", v, err)
		}
	})

	t.Run("quoted segment escapes dots", func(t *testing.T) {
		v, err := ResolveTemplate(`{{data["dotted.key"].inner}}`, msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != "escaped" {
			t.Errorf("expected escaped, got %v", v)
		}
	})

	t.Run("missing path yields nil", func(t *testing.T) {
		v, err := ResolveTemplate("{{data.absent.deeper}}", msg)
		if err != nil || v != nil {
			t.Errorf("expected nil, got %v (%v)", v, err)
		}
	})

	t.Run("unknown scope is an error", func(t *testing.T) {
		_, err := ResolveTemplate("{{secrets.key}}", msg)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})
}

// TestResolveTemplate_Casts verifies the trailing cast suffixes.
func TestResolveTemplate_Casts(t *testing.T) {
	msg := NewMessage("", "t").WithDataMap(map[string]any{
		"count": "12",
		"ratio": int64(3),
		"flag":  "true",
		"total": 99.9,
	})

	t.Run("int cast parses strings", func(t *testing.T) {
		v, err := ResolveTemplate("{{data.count:int}}", msg)
		if err != nil || v != int64(12) {
			t.Errorf("expected int64(12), got %T %v (%v)", v, v, err)
		}
	})

	t.Run("double cast widens integers", func(t *testing.T) {
		v, err := ResolveTemplate("{{data.ratio:double}}", msg)
		if err != nil || v != float64(3) {
			t.Errorf("expected 3.0, got %T %v (%v)", v, v, err)
		}
	})

	t.Run("bool cast parses strings", func(t *testing.T) {
		v, err := ResolveTemplate("{{data.flag:bool}}", msg)
		if err != nil || v != true {
			t.Errorf("expected true, got %v (%v)", v, err)
		}
	})

	t.Run("int cast truncates floats", func(t *testing.T) {
		v, err := ResolveTemplate("{{data.total:long}}", msg)
		if err != nil || v != int64(99) {
			t.Errorf("expected int64(99), got %T %v (%v)", v, v, err)
		}
	})

	t.Run("string cast formats values", func(t *testing.T) {
		v, err := ResolveTemplate("{{data.ratio:string}}", msg)
		if err != nil || v != "3" {
			t.Errorf("expected \"3\", got %v (%v)", v, err)
		}
	})

	t.Run("any cast passes through", func(t *testing.T) {
		v, err := ResolveTemplate("{{data.total:any}}", msg)
		if err != nil || v != 99.9 {
			t.Errorf("expected 99.9, got %v (%v)", v, err)
		}
	})

	t.Run("unknown cast is an error", func(t *testing.T) {
		_, err := ResolveTemplate("{{data.count:decimal}}", msg)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("uncastable value is an error", func(t *testing.T) {
		bad := NewMessage("", "t").WithData("blob", map[string]any{"k": "v"})
		_, err := ResolveTemplate("{{data.blob:int}}", bad)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("nil passes through any cast", func(t *testing.T) {
		v, err := ResolveTemplate("{{data.absent:int}}", msg)
		if err != nil || v != nil {
			t.Errorf("expected nil, got %v (%v)", v, err)
		}
	})
}
