package graph

import (
	"context"
	"errors"
	"testing"
)

// TestDecisionNode_Validate verifies branch constraints.
func TestDecisionNode_Validate(t *testing.T) {
	always := func(Message) bool { return true }

	t.Run("no branches", func(t *testing.T) {
		if err := NewDecisionNode("d").Validate(); err == nil {
			t.Fatal("expected error for empty decision node")
		}
	})

	t.Run("missing name or target", func(t *testing.T) {
		n := NewDecisionNode("d", Branch{Name: "", Target: "x", When: always})
		if err := n.Validate(); err == nil {
			t.Error("expected error for missing name")
		}
		n = NewDecisionNode("d", Branch{Name: "b", Target: "", When: always})
		if err := n.Validate(); err == nil {
			t.Error("expected error for missing target")
		}
	})

	t.Run("multiple otherwise branches", func(t *testing.T) {
		n := NewDecisionNode("d", Otherwise("x"), Otherwise("y"))
		if err := n.Validate(); err == nil {
			t.Fatal("expected error for two otherwise branches")
		}
	})

	t.Run("otherwise must be last", func(t *testing.T) {
		n := NewDecisionNode("d",
			Otherwise("x"),
			Branch{Name: "b", Target: "y", When: always},
		)
		if err := n.Validate(); err == nil {
			t.Fatal("expected error for misplaced otherwise")
		}
	})

	t.Run("valid layout", func(t *testing.T) {
		n := NewDecisionNode("d",
			Branch{Name: "b", Target: "y", When: always},
			Otherwise("x"),
		)
		if err := n.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

// TestDecisionNode_Run verifies first-match-wins evaluation and the
// branch marker.
func TestDecisionNode_Run(t *testing.T) {
	n := NewDecisionNode("route",
		Branch{Name: "high", Target: "escalate", When: func(m Message) bool {
			v, _ := m.GetData("score").(int64)
			return v > 7
		}},
		Branch{Name: "low", Target: "archive", When: func(m Message) bool { return true }},
		Otherwise("archive"),
	)

	t.Run("first matching branch wins", func(t *testing.T) {
		msg := NewMessage("", "t").WithData("score", 9)
		res := n.Run(context.Background(), msg)
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if got := res.Message.GetData(SelectedBranchKey); got != "high" {
			t.Errorf("expected high, got %v", got)
		}
	})

	t.Run("later branch when earlier predicates fail", func(t *testing.T) {
		msg := NewMessage("", "t").WithData("score", 2)
		res := n.Run(context.Background(), msg)
		if got := res.Message.GetData(SelectedBranchKey); got != "low" {
			t.Errorf("expected low, got %v", got)
		}
	})

	t.Run("no match without otherwise fails", func(t *testing.T) {
		never := NewDecisionNode("d", Branch{Name: "b", Target: "x", When: func(Message) bool { return false }})
		res := never.Run(context.Background(), NewMessage("", "t"))
		if res.Err == nil {
			t.Fatal("expected error when no branch matches")
		}
		if _, ok := res.Err.(*ValidationError); !ok {
			t.Errorf("expected ValidationError, got %T", res.Err)
		}
	})
}

// TestDecisionNode_Edges verifies the generated routing edges.
func TestDecisionNode_Edges(t *testing.T) {
	n := NewDecisionNode("route",
		Branch{Name: "a", Target: "na", When: func(Message) bool { return true }},
		Otherwise("nb"),
	)
	edges := n.edges()
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if edges[0].Name != "a" || edges[0].To != "na" || edges[0].Fallback {
		t.Errorf("unexpected first edge: %+v", edges[0])
	}
	if !edges[1].Fallback {
		t.Error("otherwise branch should produce a fallback edge")
	}

	marked := NewMessage("", "t").WithData(SelectedBranchKey, "a")
	e, ok := selectEdge(edges, "route", marked)
	if !ok || e.To != "na" {
		t.Errorf("expected routing to na, got %v (ok=%v)", e.To, ok)
	}
}

type stubEngine struct {
	id     string
	result DecisionResult
	err    error
}

func (e *stubEngine) ID() string { return e.id }

func (e *stubEngine) Decide(context.Context, Message) (DecisionResult, error) {
	return e.result, e.err
}

// TestEngineDecisionNode verifies routing by resultId with a default
// fallback.
func TestEngineDecisionNode(t *testing.T) {
	routes := map[string]string{"approve": "ship", "reject": "discard"}

	t.Run("known resultId routes to its target", func(t *testing.T) {
		engine := &stubEngine{id: "e", result: DecisionResult{ResultID: "approve", Data: map[string]any{"confidence": 0.9}}}
		n := NewEngineDecisionNode("gate", engine, routes, "review")

		res := n.Run(context.Background(), NewMessage("", "t"))
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if got := res.Message.GetData(SelectedBranchKey); got != "approve" {
			t.Errorf("expected approve marker, got %v", got)
		}
		if res.Message.GetData("confidence") != 0.9 {
			t.Errorf("engine data not merged: %v", res.Message.Data)
		}

		e, ok := selectEdge(n.edges(), "gate", res.Message)
		if !ok || e.To != "ship" {
			t.Errorf("expected ship, got %v (ok=%v)", e.To, ok)
		}
	})

	t.Run("unknown resultId takes the default", func(t *testing.T) {
		engine := &stubEngine{id: "e", result: DecisionResult{ResultID: "mystery"}}
		n := NewEngineDecisionNode("gate", engine, routes, "review")

		res := n.Run(context.Background(), NewMessage("", "t"))
		e, ok := selectEdge(n.edges(), "gate", res.Message)
		if !ok || e.To != "review" {
			t.Errorf("expected review, got %v (ok=%v)", e.To, ok)
		}
	})

	t.Run("engine error is classified", func(t *testing.T) {
		engine := &stubEngine{id: "e", err: errors.New("model unavailable")}
		n := NewEngineDecisionNode("gate", engine, routes, "review")
		res := n.Run(context.Background(), NewMessage("", "t"))
		if res.Err == nil {
			t.Fatal("expected error from engine")
		}
	})

	t.Run("validate rejects missing engine and empty routing", func(t *testing.T) {
		if err := NewEngineDecisionNode("gate", nil, routes, "").Validate(); err == nil {
			t.Error("expected error for nil engine")
		}
		if err := NewEngineDecisionNode("gate", &stubEngine{id: "e"}, nil, "").Validate(); err == nil {
			t.Error("expected error for no routes and no default")
		}
	})
}
