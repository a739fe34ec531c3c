// Package graph provides the core graph execution engine for Spice-Go.
package graph

import "time"

// State is the execution state of a message (and, by extension, of the
// workflow run carrying it).
//
// The state machine is:
//
//	READY     -> RUNNING, CANCELLED
//	RUNNING   -> WAITING, COMPLETED, FAILED, CANCELLED
//	WAITING   -> RUNNING, FAILED, CANCELLED
//	COMPLETED, FAILED, CANCELLED are terminal
//
// Every transition is validated; an invalid transition is rejected with
// *InvalidStateTransitionError and leaves the message untouched.
type State string

const (
	// StateReady is the initial state of a freshly created message.
	StateReady State = "READY"

	// StateRunning indicates the run is actively executing nodes.
	StateRunning State = "RUNNING"

	// StateWaiting indicates the run is paused on a human-in-the-loop
	// interaction. No goroutine is held while waiting; the run is
	// persisted as a checkpoint and resumed externally.
	StateWaiting State = "WAITING"

	// StateCompleted indicates the run finished successfully. Terminal.
	StateCompleted State = "COMPLETED"

	// StateFailed indicates the run finished with an error. Terminal.
	StateFailed State = "FAILED"

	// StateCancelled indicates the run was cancelled. Terminal.
	StateCancelled State = "CANCELLED"
)

// allowedTransitions is the full transition table of the state machine.
var allowedTransitions = map[State][]State{
	StateReady:   {StateRunning, StateCancelled},
	StateRunning: {StateWaiting, StateCompleted, StateFailed, StateCancelled},
	StateWaiting: {StateRunning, StateFailed, StateCancelled},
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether a transition from s to target is permitted
// by the state machine.
func (s State) CanTransition(target State) bool {
	for _, t := range allowedTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// StateTransition records a single state change of a message.
//
// Transitions are appended to Message.StateHistory on every successful
// TransitionTo call, giving each run a totally ordered audit trail.
type StateTransition struct {
	// From is the state before the transition.
	From State `json:"from"`

	// To is the state after the transition.
	To State `json:"to"`

	// Timestamp is when the transition occurred.
	Timestamp time.Time `json:"timestamp"`

	// Reason is an optional human-readable cause (e.g. "graph start",
	// "hitl timeout").
	Reason string `json:"reason,omitempty"`

	// NodeID identifies the node that triggered the transition, if any.
	NodeID string `json:"nodeId,omitempty"`
}
