package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/spice-framework/spice-go/graph/tool"
)

func echoTool(name string) *tool.Func {
	return &tool.Func{
		ToolName: name,
		Fn: func(_ context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"echoed": input["q"], "by": name}, nil
		},
	}
}

// TestToolNode_Static verifies a statically bound tool execution.
func TestToolNode_Static(t *testing.T) {
	n := NewToolNode("lookup", echoTool("search_web"), func(msg Message) map[string]any {
		return map[string]any{"q": msg.GetData("query")}
	})

	msg := NewMessage("", "user").WithData("query", "weather")
	res := n.Run(context.Background(), msg)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	if got := res.Message.GetData("lookup.echoed"); got != "weather" {
		t.Errorf("result not merged under node id: %v", got)
	}

	last := res.Message.ToolCalls[len(res.Message.ToolCalls)-1]
	if last.Function.Name != "tool_result" {
		t.Errorf("expected tool_result call, got %s", last.Function.Name)
	}
	if last.Function.Arguments["tool"] != "search_web" {
		t.Errorf("tool attribution missing: %v", last.Function.Arguments)
	}
}

// TestToolNode_Errors verifies tool failure wrapping.
func TestToolNode_Errors(t *testing.T) {
	t.Run("plain tool error becomes ToolError", func(t *testing.T) {
		failing := &tool.Func{
			ToolName: "broken",
			Fn: func(context.Context, map[string]any) (map[string]any, error) {
				return nil, errors.New("exploded")
			},
		}
		n := NewToolNode("call", failing, nil)
		res := n.Run(context.Background(), NewMessage("", "user"))

		var te *ToolError
		if !errors.As(res.Err, &te) {
			t.Fatalf("expected ToolError, got %T", res.Err)
		}
		if te.ToolName != "broken" {
			t.Errorf("expected broken, got %s", te.ToolName)
		}
	})

	t.Run("status-coded failure keeps its status", func(t *testing.T) {
		failing := &tool.Func{
			ToolName: "remote",
			Fn: func(context.Context, map[string]any) (map[string]any, error) {
				return nil, &tool.HTTPError{Status: 503, URL: "http://example"}
			},
		}
		n := NewToolNode("call", failing, nil)
		res := n.Run(context.Background(), NewMessage("", "user"))

		if !IsRetryable(res.Err) {
			t.Errorf("503 tool failure should be retryable: %v", res.Err)
		}
	})
}

// TestToolNode_Dynamic verifies registry resolution, allow lists and
// fallback chains.
func TestToolNode_Dynamic(t *testing.T) {
	registry := tool.NewRegistry(echoTool("search_web"), echoTool("search_cache"))
	nameFromData := func(msg Message) string {
		name, _ := msg.GetData("tool").(string)
		return name
	}

	t.Run("resolves by name", func(t *testing.T) {
		n := NewDynamicToolNode("call", registry, nameFromData)
		msg := NewMessage("", "user").WithData("tool", "search_web").WithData("q", "x")
		res := n.Run(context.Background(), msg)
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if got := res.Message.GetData("call.by"); got != "search_web" {
			t.Errorf("wrong tool resolved: %v", got)
		}
	})

	t.Run("name outside the allow list is rejected", func(t *testing.T) {
		n := NewDynamicToolNode("call", registry, nameFromData)
		n.Allowed = []string{"search_cache"}
		msg := NewMessage("", "user").WithData("tool", "search_web")
		res := n.Run(context.Background(), msg)

		var ve *ValidationError
		if !errors.As(res.Err, &ve) {
			t.Errorf("expected ValidationError, got %v", res.Err)
		}
	})

	t.Run("fallback chain covers a failed lookup", func(t *testing.T) {
		n := NewDynamicToolNode("call", registry, nameFromData)
		n.Fallbacks = []string{"search_missing", "search_cache"}
		msg := NewMessage("", "user").WithData("tool", "unregistered").WithData("q", "x")
		res := n.Run(context.Background(), msg)
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if got := res.Message.GetData("call.by"); got != "search_cache" {
			t.Errorf("expected the fallback tool, got %v", got)
		}
	})

	t.Run("no resolution is a validation error", func(t *testing.T) {
		n := NewDynamicToolNode("call", registry, nameFromData)
		msg := NewMessage("", "user").WithData("tool", "unregistered")
		res := n.Run(context.Background(), msg)
		var ve *ValidationError
		if !errors.As(res.Err, &ve) {
			t.Errorf("expected ValidationError, got %v", res.Err)
		}
	})
}

// TestToolNode_Validate verifies strict build-time resolution.
func TestToolNode_Validate(t *testing.T) {
	registry := tool.NewRegistry(echoTool("search_web"))

	t.Run("strict mode flags missing tools at build time", func(t *testing.T) {
		n := NewDynamicToolNode("call", registry, func(Message) string { return "search_web" })
		n.Strict = true
		n.Allowed = []string{"search_web", "search_missing"}
		if err := n.Validate(); !errors.Is(err, ErrResolverMissing) {
			t.Errorf("expected ErrResolverMissing, got %v", err)
		}
	})

	t.Run("strict mode passes with a complete registry", func(t *testing.T) {
		n := NewDynamicToolNode("call", registry, func(Message) string { return "search_web" })
		n.Strict = true
		n.Allowed = []string{"search_web"}
		if err := n.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("missing tool and registry is a configuration error", func(t *testing.T) {
		n := &ToolNode{NodeID: "call"}
		if err := n.Validate(); err == nil {
			t.Error("expected configuration error")
		}
	})
}

// recordingListener captures tool lifecycle callbacks.
type recordingListener struct {
	before []string
	after  []string
}

func (l *recordingListener) BeforeTool(_ context.Context, toolName, nodeID string, _ map[string]any) {
	l.before = append(l.before, toolName+"@"+nodeID)
}

func (l *recordingListener) AfterTool(_ context.Context, toolName, nodeID string, _ map[string]any, _ error) {
	l.after = append(l.after, toolName+"@"+nodeID)
}

// TestToolNode_Listeners verifies lifecycle callbacks fire around the
// call.
func TestToolNode_Listeners(t *testing.T) {
	listener := &recordingListener{}
	n := NewToolNode("lookup", echoTool("search_web"), nil)

	ctx := withToolListeners(context.Background(), []ToolLifecycleListener{listener})
	if res := n.Run(ctx, NewMessage("", "user")); res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	if len(listener.before) != 1 || listener.before[0] != "search_web@lookup" {
		t.Errorf("before callback: %v", listener.before)
	}
	if len(listener.after) != 1 || listener.after[0] != "search_web@lookup" {
		t.Errorf("after callback: %v", listener.after)
	}
}
