package graph

import "testing"

// TestState_CanTransition exercises the full transition table.
func TestState_CanTransition(t *testing.T) {
	cases := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StateReady, StateRunning, true},
		{StateReady, StateCancelled, true},
		{StateReady, StateWaiting, false},
		{StateReady, StateCompleted, false},
		{StateReady, StateFailed, false},

		{StateRunning, StateWaiting, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateCancelled, true},
		{StateRunning, StateReady, false},

		{StateWaiting, StateRunning, true},
		{StateWaiting, StateFailed, true},
		{StateWaiting, StateCancelled, true},
		{StateWaiting, StateCompleted, false},

		{StateCompleted, StateRunning, false},
		{StateFailed, StateRunning, false},
		{StateCancelled, StateRunning, false},
		{StateCompleted, StateFailed, false},
	}

	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.allowed {
			t.Errorf("%s -> %s: expected %v, got %v", c.from, c.to, c.allowed, got)
		}
	}
}

// TestState_Terminal verifies the terminal set.
func TestState_Terminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []State{StateReady, StateRunning, StateWaiting}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
