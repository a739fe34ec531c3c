package graph

import (
	"strings"
	"testing"
)

// TestFromUserInput verifies the user-input constructor produces a READY
// message carrying the raw text as a user_input tool call.
func TestFromUserInput(t *testing.T) {
	t.Run("carries user_input tool call", func(t *testing.T) {
		msg := FromUserInput("book a flight", "user-7", nil, "")

		if msg.State != StateReady {
			t.Errorf("expected READY, got %s", msg.State)
		}
		if len(msg.ToolCalls) != 1 {
			t.Fatalf("expected 1 tool call, got %d", len(msg.ToolCalls))
		}
		tc := msg.ToolCalls[0]
		if tc.Function.Name != "user_input" {
			t.Errorf("expected user_input, got %s", tc.Function.Name)
		}
		if tc.Function.Arguments["text"] != "book a flight" {
			t.Errorf("expected raw text argument, got %v", tc.Function.Arguments["text"])
		}
		if !strings.HasPrefix(tc.ID, "call_") || len(tc.ID) != len("call_")+24 {
			t.Errorf("tool call id %q does not match call_<24hex>", tc.ID)
		}
	})

	t.Run("generates correlation id when empty", func(t *testing.T) {
		msg := FromUserInput("hi", "user", nil, "")
		if msg.CorrelationID == "" {
			t.Error("expected generated correlation id")
		}
	})

	t.Run("keeps provided correlation id", func(t *testing.T) {
		msg := FromUserInput("hi", "user", nil, "corr-1")
		if msg.CorrelationID != "corr-1" {
			t.Errorf("expected corr-1, got %s", msg.CorrelationID)
		}
	})

	t.Run("normalizes metadata values", func(t *testing.T) {
		msg := FromUserInput("hi", "user", map[string]any{"count": 3}, "")
		if v, ok := msg.Metadata["count"].(int64); !ok || v != 3 {
			t.Errorf("expected int64(3), got %T %v", msg.Metadata["count"], msg.Metadata["count"])
		}
	})
}

// TestMessage_Immutability verifies that every mutation returns a new
// instance and leaves the receiver untouched.
func TestMessage_Immutability(t *testing.T) {
	t.Run("WithData does not mutate the original", func(t *testing.T) {
		original := NewMessage("hello", "tester")
		derived := original.WithData("key", "value")

		if _, ok := original.Data["key"]; ok {
			t.Error("original message was mutated")
		}
		if derived.Data["key"] != "value" {
			t.Errorf("expected value, got %v", derived.Data["key"])
		}
	})

	t.Run("WithToolCall preserves order", func(t *testing.T) {
		msg := NewMessage("hello", "tester").
			WithToolCall(ToolCall{ID: "call_a", Type: "function"}).
			WithToolCall(ToolCall{ID: "call_b", Type: "function"})

		if len(msg.ToolCalls) != 2 {
			t.Fatalf("expected 2 tool calls, got %d", len(msg.ToolCalls))
		}
		if msg.ToolCalls[0].ID != "call_a" || msg.ToolCalls[1].ID != "call_b" {
			t.Errorf("tool call order not preserved: %v", msg.ToolCalls)
		}
	})

	t.Run("WithMetadata does not leak into siblings", func(t *testing.T) {
		base := NewMessage("hello", "tester")
		a := base.WithMetadata("tenantId", "t1")
		b := base.WithMetadata("tenantId", "t2")

		if a.MetadataString("tenantId") != "t1" || b.MetadataString("tenantId") != "t2" {
			t.Errorf("sibling copies interfered: %v vs %v", a.Metadata, b.Metadata)
		}
	})
}

// TestMessage_GetData verifies the dotted-path resolution rules.
func TestMessage_GetData(t *testing.T) {
	t.Run("flat key with dots takes precedence", func(t *testing.T) {
		msg := NewMessage("", "t").
			WithData("a", map[string]any{"b": "nested"}).
			WithData("a.b", "flat")

		if got := msg.GetData("a.b"); got != "flat" {
			t.Errorf("expected flat, got %v", got)
		}
	})

	t.Run("nested traversal", func(t *testing.T) {
		msg := NewMessage("", "t").WithData("a", map[string]any{"b": map[string]any{"c": int64(7)}})
		if got := msg.GetData("a.b.c"); got != int64(7) {
			t.Errorf("expected 7, got %v", got)
		}
	})

	t.Run("blank segment yields nil", func(t *testing.T) {
		msg := NewMessage("", "t").WithData("a", map[string]any{"b": "x"})
		if got := msg.GetData("a..b"); got != nil {
			t.Errorf("expected nil, got %v", got)
		}
	})

	t.Run("intermediate non-map yields nil", func(t *testing.T) {
		msg := NewMessage("", "t").WithData("a", "scalar")
		if got := msg.GetData("a.b"); got != nil {
			t.Errorf("expected nil, got %v", got)
		}
	})

	t.Run("duck-typed map access", func(t *testing.T) {
		// A non-canonical map type written directly into Data still
		// resolves (normalization turns it into map[string]any, but the
		// lookup itself is duck-typed either way).
		msg := NewMessage("", "t").WithData("a", map[string]string{"b": "x"})
		if got := msg.GetData("a.b"); got != "x" {
			t.Errorf("expected x, got %v", got)
		}
	})

	t.Run("missing key yields nil", func(t *testing.T) {
		msg := NewMessage("", "t")
		if got := msg.GetData("absent"); got != nil {
			t.Errorf("expected nil, got %v", got)
		}
	})
}

// TestMessage_TransitionTo verifies history recording and rejection of
// illegal transitions.
func TestMessage_TransitionTo(t *testing.T) {
	t.Run("valid transition appends history", func(t *testing.T) {
		msg := NewMessage("", "t")
		running, err := msg.TransitionTo(StateRunning, "graph start", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if running.State != StateRunning {
			t.Errorf("expected RUNNING, got %s", running.State)
		}
		if len(running.StateHistory) != 1 {
			t.Fatalf("expected 1 history entry, got %d", len(running.StateHistory))
		}
		entry := running.StateHistory[0]
		if entry.From != StateReady || entry.To != StateRunning || entry.Reason != "graph start" {
			t.Errorf("unexpected history entry: %+v", entry)
		}
	})

	t.Run("invalid transition is rejected", func(t *testing.T) {
		msg := NewMessage("", "t")
		_, err := msg.TransitionTo(StateCompleted, "", "")
		if err == nil {
			t.Fatal("expected error for READY -> COMPLETED")
		}
		ist, ok := err.(*InvalidStateTransitionError)
		if !ok {
			t.Fatalf("expected InvalidStateTransitionError, got %T", err)
		}
		if ist.From != StateReady || ist.To != StateCompleted {
			t.Errorf("unexpected transition in error: %s -> %s", ist.From, ist.To)
		}
	})

	t.Run("original message is untouched", func(t *testing.T) {
		msg := NewMessage("", "t")
		_, _ = msg.TransitionTo(StateRunning, "", "")
		if msg.State != StateReady {
			t.Errorf("original mutated to %s", msg.State)
		}
		if len(msg.StateHistory) != 0 {
			t.Errorf("original history mutated: %v", msg.StateHistory)
		}
	})
}
