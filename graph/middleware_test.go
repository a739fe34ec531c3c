package graph

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

// recordingMiddleware tags the trace on entry and exit and returns a
// fixed error vote.
type recordingMiddleware struct {
	name  string
	trace *[]string
	vote  ErrorAction
}

func (m *recordingMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) NodeResult {
	*m.trace = append(*m.trace, m.name+":before")
	result := next(ctx, req)
	*m.trace = append(*m.trace, m.name+":after")
	return result
}

func (m *recordingMiddleware) OnError(context.Context, NodeRequest, error) ErrorAction {
	return m.vote
}

// TestAggregateActions verifies vote precedence.
func TestAggregateActions(t *testing.T) {
	cases := []struct {
		name    string
		actions []ErrorAction
		want    ErrorAction
	}{
		{"empty defaults to continue", nil, ActionContinue},
		{"all continue", []ErrorAction{ActionContinue, ActionContinue}, ActionContinue},
		{"propagate beats everything", []ErrorAction{ActionSkip, ActionRetry, ActionPropagate}, ActionPropagate},
		{"skip beats retry", []ErrorAction{ActionRetry, ActionSkip}, ActionSkip},
		{"skip beats later retry", []ErrorAction{ActionSkip, ActionRetry}, ActionSkip},
		{"retry beats continue", []ErrorAction{ActionContinue, ActionRetry}, ActionRetry},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := aggregateActions(c.actions); got != c.want {
				t.Errorf("expected %s, got %s", c.want, got)
			}
		})
	}
}

// TestChainMiddleware verifies outermost-first wrapping order.
func TestChainMiddleware(t *testing.T) {
	var trace []string
	outer := &recordingMiddleware{name: "outer", trace: &trace}
	inner := &recordingMiddleware{name: "inner", trace: &trace}

	handler := chainMiddleware([]Middleware{outer, inner}, func(context.Context, NodeRequest) NodeResult {
		trace = append(trace, "node")
		return NodeResult{}
	})
	handler(context.Background(), NodeRequest{Node: NewNodeFunc("n", nil)})

	want := []string{"outer:before", "inner:before", "node", "inner:after", "outer:after"}
	if len(trace) != len(want) {
		t.Fatalf("expected %v, got %v", want, trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, trace)
		}
	}
}

// TestCollectErrorActions verifies that every middleware votes.
func TestCollectErrorActions(t *testing.T) {
	var trace []string
	mws := []Middleware{
		&recordingMiddleware{name: "a", trace: &trace, vote: ActionRetry},
		&recordingMiddleware{name: "b", trace: &trace, vote: ActionSkip},
	}
	req := NodeRequest{Node: NewNodeFunc("n", nil)}
	got := collectErrorActions(context.Background(), mws, req, errors.New("boom"))
	if got != ActionSkip {
		t.Errorf("expected SKIP, got %s", got)
	}

	if got := collectErrorActions(context.Background(), nil, req, errors.New("boom")); got != ActionContinue {
		t.Errorf("expected CONTINUE for empty chain, got %s", got)
	}
}

// TestSchemaValidationMiddleware verifies metadata gating.
func TestSchemaValidationMiddleware(t *testing.T) {
	mw := &SchemaValidationMiddleware{RequiredMetadata: []string{"tenantId"}}
	node := NewNodeFunc("n", nil)

	t.Run("missing metadata blocks the node", func(t *testing.T) {
		req := NodeRequest{Node: node, Message: NewMessage("", "t"), Attempt: 1}
		called := false
		result := mw.OnNode(context.Background(), req, func(context.Context, NodeRequest) NodeResult {
			called = true
			return NodeResult{}
		})
		if called {
			t.Error("node should not have run")
		}
		var ve *ValidationError
		if !errors.As(result.Err, &ve) {
			t.Errorf("expected ValidationError, got %v", result.Err)
		}
	})

	t.Run("present metadata passes through", func(t *testing.T) {
		req := NodeRequest{Node: node, Message: NewMessage("", "t").WithMetadata("tenantId", "acme"), Attempt: 1}
		called := false
		mw.OnNode(context.Background(), req, func(context.Context, NodeRequest) NodeResult {
			called = true
			return NodeResult{}
		})
		if !called {
			t.Error("node should have run")
		}
	})
}

// TestContextPropagationMiddleware verifies metadata-to-scope copying.
func TestContextPropagationMiddleware(t *testing.T) {
	mw := &ContextPropagationMiddleware{}
	msg := NewMessage("", "t").
		WithMetadata("tenantId", "acme").
		WithMetadata("traceId", "tr-1")

	var seen RunScope
	req := NodeRequest{Node: NewNodeFunc("n", nil), Message: msg, Scope: RunScope{RunID: "r-1"}}
	mw.OnNode(context.Background(), req, func(ctx context.Context, r NodeRequest) NodeResult {
		seen, _ = RunScopeFromContext(ctx)
		return NodeResult{}
	})

	if seen.Context["tenantId"] != "acme" || seen.Context["traceId"] != "tr-1" {
		t.Errorf("scope context not propagated: %v", seen.Context)
	}
	if seen.RunID != "r-1" {
		t.Errorf("run id lost: %s", seen.RunID)
	}
}

// TestLoggingMiddleware verifies log line shape.
func TestLoggingMiddleware(t *testing.T) {
	t.Run("text lines cover start and end", func(t *testing.T) {
		var buf bytes.Buffer
		mw := &LoggingMiddleware{Output: &buf}
		req := NodeRequest{Node: NewNodeFunc("worker", nil), Scope: RunScope{RunID: "r-1"}, Attempt: 1}
		mw.OnNode(context.Background(), req, func(context.Context, NodeRequest) NodeResult {
			return NodeResult{}
		})

		out := buf.String()
		if !strings.Contains(out, "node_start") || !strings.Contains(out, "node_end") {
			t.Errorf("missing boundary events: %q", out)
		}
		if !strings.Contains(out, "node=worker") {
			t.Errorf("missing node id: %q", out)
		}
	})

	t.Run("errors switch the end event", func(t *testing.T) {
		var buf bytes.Buffer
		mw := &LoggingMiddleware{Output: &buf, JSONFormat: true}
		req := NodeRequest{Node: NewNodeFunc("worker", nil), Scope: RunScope{RunID: "r-1"}, Attempt: 2}
		mw.OnNode(context.Background(), req, func(context.Context, NodeRequest) NodeResult {
			return NodeResult{Err: errors.New("boom")}
		})
		if !strings.Contains(buf.String(), "node_error") {
			t.Errorf("expected node_error event: %q", buf.String())
		}
	})
}
