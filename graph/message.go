package graph

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ToolCall is an industry-standard function-call descriptor attached to a
// message. Ordering of a message's tool calls is preserved.
type ToolCall struct {
	// ID has the format "call_<24 hex>".
	ID string `json:"id"`

	// Type is always "function".
	Type string `json:"type"`

	// Function describes the call target and its arguments.
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function portion of a ToolCall.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// NewToolCallID generates a random tool call id in the standard
// "call_<24 hex>" format.
func NewToolCallID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return "call_" + hex.EncodeToString(b[:])
}

// stableToolCallID derives a deterministic tool call id from
// (runID, nodeID, invocationIndex) so that retries of the same human
// interaction reuse the same id.
func stableToolCallID(runID, nodeID string, invocation int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", runID, nodeID, invocation)))
	return "call_" + hex.EncodeToString(h[:12])
}

// Message is the immutable envelope flowing through a graph.
//
// Every mutation method (WithData, WithMetadata, WithToolCall,
// TransitionTo, ...) returns a new instance; the receiver is never
// modified. Data and Metadata hold canonical values only (nil, int64,
// float64, bool, string, []any, map[string]any); other values are
// normalized on write.
type Message struct {
	// ID uniquely identifies this message instance.
	ID string `json:"id"`

	// CorrelationID is stable across an entire workflow run.
	CorrelationID string `json:"correlationId"`

	// CausationID is the id of the message this one was derived from.
	CausationID string `json:"causationId,omitempty"`

	// Content is the free-text payload.
	Content string `json:"content"`

	// From identifies the actor that produced the message.
	From string `json:"from"`

	// State is the execution state carried by the message.
	State State `json:"state"`

	// Data holds typed workflow values.
	Data map[string]any `json:"data"`

	// Metadata holds cross-cutting values (tenantId, userId, traceId...).
	Metadata map[string]any `json:"metadata"`

	// ToolCalls is the ordered list of tool calls attached so far.
	ToolCalls []ToolCall `json:"toolCalls"`

	// StateHistory records every state transition in order.
	StateHistory []StateTransition `json:"stateHistory"`
}

// NewMessage creates a READY message with the given content and actor.
func NewMessage(content, from string) Message {
	return Message{
		ID:            uuid.NewString(),
		CorrelationID: uuid.NewString(),
		Content:       content,
		From:          from,
		State:         StateReady,
		Data:          map[string]any{},
		Metadata:      map[string]any{},
	}
}

// FromUserInput creates a READY message representing user input. The
// message carries a single "user_input" tool call holding the raw text.
// metadata and correlationID are optional; a zero correlationID gets a
// fresh one.
func FromUserInput(text, actorID string, metadata map[string]any, correlationID string) Message {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	md := map[string]any{}
	for k, v := range metadata {
		md[k] = NormalizeValue(v)
	}
	return Message{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Content:       text,
		From:          actorID,
		State:         StateReady,
		Data:          map[string]any{},
		Metadata:      md,
		ToolCalls: []ToolCall{{
			ID:   NewToolCallID(),
			Type: "function",
			Function: ToolFunction{
				Name:      "user_input",
				Arguments: map[string]any{"text": text},
			},
		}},
	}
}

// WithData returns a copy with key set to the normalized value.
func (m Message) WithData(key string, value any) Message {
	data := copyMap(m.Data)
	data[key] = NormalizeValue(value)
	m.Data = data
	return m
}

// WithDataMap returns a copy with all entries of kv merged into Data.
func (m Message) WithDataMap(kv map[string]any) Message {
	data := copyMap(m.Data)
	for k, v := range kv {
		data[k] = NormalizeValue(v)
	}
	m.Data = data
	return m
}

// WithMetadata returns a copy with key set in Metadata.
func (m Message) WithMetadata(key string, value any) Message {
	md := copyMap(m.Metadata)
	md[key] = NormalizeValue(value)
	m.Metadata = md
	return m
}

// WithContent returns a copy with replaced content.
func (m Message) WithContent(content string) Message {
	m.Content = content
	return m
}

// WithToolCall returns a copy with tc appended to ToolCalls.
func (m Message) WithToolCall(tc ToolCall) Message {
	calls := make([]ToolCall, len(m.ToolCalls), len(m.ToolCalls)+1)
	copy(calls, m.ToolCalls)
	m.ToolCalls = append(calls, tc)
	return m
}

// TransitionTo returns a copy in the target state with a history entry
// appended. The transition is validated against the state machine; an
// invalid transition returns *InvalidStateTransitionError and the zero
// Message.
func (m Message) TransitionTo(target State, reason, nodeID string) (Message, error) {
	if !m.State.CanTransition(target) {
		return Message{}, &InvalidStateTransitionError{From: m.State, To: target, NodeID: nodeID}
	}
	history := make([]StateTransition, len(m.StateHistory), len(m.StateHistory)+1)
	copy(history, m.StateHistory)
	m.StateHistory = append(history, StateTransition{
		From:      m.State,
		To:        target,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		NodeID:    nodeID,
	})
	m.State = target
	return m, nil
}

// GetData resolves a dotted path against Data.
//
// Path rules:
//   - a flat key containing the literal dots takes precedence over
//     nested traversal ("a.b" as a map key beats data["a"]["b"])
//   - blank path segments yield nil
//   - intermediate non-map values yield nil
//   - any map implementation keyed by strings works (duck-typed access)
func (m Message) GetData(path string) any {
	return lookupPath(m.Data, path)
}

// GetMetadata resolves a dotted path against Metadata with the same
// rules as GetData.
func (m Message) GetMetadata(path string) any {
	return lookupPath(m.Metadata, path)
}

// MetadataString returns the metadata value at key as a string, or ""
// when absent or not a string.
func (m Message) MetadataString(key string) string {
	if s, ok := m.Metadata[key].(string); ok {
		return s
	}
	return ""
}
