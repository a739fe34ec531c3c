package graph

import (
	"context"
	"time"
)

// Human-in-the-loop node. Executing the node transitions the run to
// WAITING and attaches a request_user_selection or request_user_input
// tool call; the runner persists a checkpoint and returns control to the
// caller. No goroutine is held while waiting.

// SelectionType describes what kind of answer a HumanNode expects.
type SelectionType string

const (
	// SelectionSingle expects exactly one option id.
	SelectionSingle SelectionType = "single"

	// SelectionMultiple expects one or more option ids.
	SelectionMultiple SelectionType = "multiple"

	// SelectionFreeText expects free-form text instead of options.
	SelectionFreeText SelectionType = "text"
)

// InteractionOption is one selectable option presented to a human.
type InteractionOption struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// PendingInteraction describes a paused human interaction. It is the
// wire shape of the HITL prompt event and is stored alongside the
// checkpoint for correlation at resume time.
type PendingInteraction struct {
	Type            string              `json:"type"`
	RunID           string              `json:"runId"`
	NodeID          string              `json:"nodeId"`
	InvocationIndex int                 `json:"invocationIndex"`
	Prompt          string              `json:"prompt"`
	Options         []InteractionOption `json:"options,omitempty"`
	SelectionType   SelectionType       `json:"selectionType,omitempty"`
	TimeoutMs       int64               `json:"timeoutMs,omitempty"`
	CorrelationID   string              `json:"correlationId,omitempty"`
	TenantID        string              `json:"tenantId,omitempty"`
	UserID          string              `json:"userId,omitempty"`
	ToolCallID      string              `json:"toolCallId,omitempty"`
}

// HumanResponse is the answer to a pending interaction, consumed by
// Runner.Resume (typically via the arbiter). Exactly one of
// SelectedOptionIDs and FreeText is set.
type HumanResponse struct {
	RunID             string   `json:"runId"`
	NodeID            string   `json:"nodeId"`
	InvocationIndex   int      `json:"invocationIndex"`
	SelectedOptionIDs []string `json:"selectedOptionIds,omitempty"`
	FreeText          string   `json:"freeText,omitempty"`
}

// HumanNode pauses the run for human input.
//
// The invocation index counts how often the node has been entered within
// a run (loop-safe); it is persisted in message data so the generated
// tool call id is stable across retries of the same invocation while a
// loop re-entry gets a fresh id.
type HumanNode struct {
	NodeID string

	// Prompt shown to the human.
	Prompt string

	// Options for selection interactions. Empty options with
	// SelectionFreeText means free-form text input.
	Options []InteractionOption

	// SelectionType defaults to SelectionSingle when options are
	// present, SelectionFreeText otherwise.
	SelectionType SelectionType

	// Timeout bounds how long the interaction may stay pending. Zero
	// means no timeout. Expired interactions fail the run at resume
	// with reason "hitl timeout".
	Timeout time.Duration
}

// NewHumanNode creates a selection-style HITL node.
func NewHumanNode(id, prompt string, options ...InteractionOption) *HumanNode {
	return &HumanNode{NodeID: id, Prompt: prompt, Options: options}
}

// ID implements Node.
func (n *HumanNode) ID() string { return n.NodeID }

// Validate implements build-time validation.
func (n *HumanNode) Validate() error {
	if n.Prompt == "" {
		return &ValidationError{Message: "human node " + n.NodeID + ": prompt is required"}
	}
	if n.selectionType() != SelectionFreeText && len(n.Options) == 0 {
		return &ValidationError{Message: "human node " + n.NodeID + ": options are required for selection"}
	}
	return nil
}

func (n *HumanNode) selectionType() SelectionType {
	if n.SelectionType != "" {
		return n.SelectionType
	}
	if len(n.Options) > 0 {
		return SelectionSingle
	}
	return SelectionFreeText
}

// invocationCountKey is where the node tracks its per-run entry count.
func (n *HumanNode) invocationCountKey() string {
	return "_hitl:" + n.NodeID + ":invocations"
}

// invocationIndex reads the current invocation index from the message.
func (n *HumanNode) invocationIndex(msg Message) int {
	if v, ok := msg.GetData(n.invocationCountKey()).(int64); ok {
		return int(v)
	}
	return 0
}

// Run implements Node: it attaches the interaction tool call, bumps the
// invocation counter and transitions the message to WAITING.
func (n *HumanNode) Run(ctx context.Context, msg Message) NodeResult {
	scope, _ := RunScopeFromContext(ctx)
	idx := n.invocationIndex(msg)

	callName := "request_user_selection"
	args := map[string]any{
		"prompt":        n.Prompt,
		"selectionType": string(n.selectionType()),
	}
	if n.selectionType() == SelectionFreeText {
		callName = "request_user_input"
	} else {
		items := make([]any, 0, len(n.Options))
		for _, o := range n.Options {
			item := map[string]any{"id": o.ID, "label": o.Label}
			if o.Description != "" {
				item["description"] = o.Description
			}
			items = append(items, item)
		}
		args["items"] = items
	}
	if n.Timeout > 0 {
		args["timeoutMs"] = n.Timeout.Milliseconds()
	}

	out := msg.
		WithData(n.invocationCountKey(), idx+1).
		WithToolCall(ToolCall{
			ID:       stableToolCallID(scope.RunID, n.NodeID, idx),
			Type:     "function",
			Function: ToolFunction{Name: callName, Arguments: args},
		})

	out, err := out.TransitionTo(StateWaiting, "awaiting human input", n.NodeID)
	if err != nil {
		return NodeResult{Err: err}
	}
	return NodeResult{Message: out}
}

// pending builds the interaction descriptor for the WAITING message
// produced by Run. The invocation index in the descriptor is the one the
// tool call was generated with (the persisted counter minus one).
func (n *HumanNode) pending(scope RunScope, msg Message) PendingInteraction {
	idx := n.invocationIndex(msg) - 1
	if idx < 0 {
		idx = 0
	}
	callType := "request_user_selection"
	if n.selectionType() == SelectionFreeText {
		callType = "request_user_input"
	}
	return PendingInteraction{
		Type:            callType,
		RunID:           scope.RunID,
		NodeID:          n.NodeID,
		InvocationIndex: idx,
		Prompt:          n.Prompt,
		Options:         n.Options,
		SelectionType:   n.selectionType(),
		TimeoutMs:       n.Timeout.Milliseconds(),
		CorrelationID:   msg.CorrelationID,
		TenantID:        msg.MetadataString("tenantId"),
		UserID:          msg.MetadataString("userId"),
		ToolCallID:      stableToolCallID(scope.RunID, n.NodeID, idx),
	}
}
