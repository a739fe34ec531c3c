package tool

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestRegistry verifies registration and lookup behavior.
func TestRegistry(t *testing.T) {
	echo := &Func{
		ToolName: "echo",
		Fn: func(_ context.Context, input map[string]any) (map[string]any, error) {
			return input, nil
		},
	}

	t.Run("lookup finds registered tools", func(t *testing.T) {
		r := NewRegistry(echo)
		got, ok := r.Lookup("echo")
		if !ok || got.Name() != "echo" {
			t.Errorf("lookup failed: %v (ok=%v)", got, ok)
		}
		if _, ok := r.Lookup("missing"); ok {
			t.Error("expected miss for unregistered tool")
		}
	})

	t.Run("duplicate registration is rejected", func(t *testing.T) {
		r := NewRegistry(echo)
		if err := r.Register(echo); err == nil {
			t.Error("expected duplicate error")
		}
	})

	t.Run("nil and unnamed tools are rejected", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(nil); err == nil {
			t.Error("expected error for nil tool")
		}
		if err := r.Register(&Func{}); err == nil {
			t.Error("expected error for unnamed tool")
		}
	})

	t.Run("names are sorted", func(t *testing.T) {
		r := NewRegistry(
			&Func{ToolName: "zeta", Fn: echo.Fn},
			&Func{ToolName: "alpha", Fn: echo.Fn},
		)
		names := r.Names()
		if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
			t.Errorf("unexpected names: %v", names)
		}
	})
}

// TestHTTPTool verifies request building and response shaping.
func TestHTTPTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("X-Source", "test")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"answer":42}`))
		case "/echo":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			body, _ := io.ReadAll(r.Body)
			w.Write(body)
		case "/unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("try later"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ht := NewHTTPTool(server.Client())

	t.Run("GET success", func(t *testing.T) {
		out, err := ht.Call(context.Background(), map[string]any{"url": server.URL + "/ok"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out["status_code"] != http.StatusOK {
			t.Errorf("expected 200, got %v", out["status_code"])
		}
		if out["body"] != `{"answer":42}` {
			t.Errorf("unexpected body: %v", out["body"])
		}
		headers, _ := out["headers"].(map[string]any)
		if headers["X-Source"] != "test" {
			t.Errorf("missing response header: %v", headers)
		}
	})

	t.Run("POST forwards the body", func(t *testing.T) {
		out, err := ht.Call(context.Background(), map[string]any{
			"url":    server.URL + "/echo",
			"method": "post",
			"body":   "payload",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out["body"] != "payload" {
			t.Errorf("body not forwarded: %v", out["body"])
		}
	})

	t.Run("non-2xx is an HTTPError", func(t *testing.T) {
		_, err := ht.Call(context.Background(), map[string]any{"url": server.URL + "/unavailable"})
		var he *HTTPError
		if !errors.As(err, &he) {
			t.Fatalf("expected HTTPError, got %v", err)
		}
		if he.HTTPStatus() != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", he.HTTPStatus())
		}
		if !strings.Contains(he.Body, "try later") {
			t.Errorf("body not captured: %q", he.Body)
		}
	})

	t.Run("missing url is rejected", func(t *testing.T) {
		if _, err := ht.Call(context.Background(), map[string]any{}); err == nil {
			t.Error("expected error for missing url")
		}
	})

	t.Run("unsupported method is rejected", func(t *testing.T) {
		_, err := ht.Call(context.Background(), map[string]any{
			"url":    server.URL + "/ok",
			"method": "DELETE",
		})
		if err == nil {
			t.Error("expected error for unsupported method")
		}
	})
}
