package graph

import (
	"context"
	"time"

	"github.com/spice-framework/spice-go/graph/bus"
)

// EventSchemaVersion versions the runtime's own event payloads.
const EventSchemaVersion = "1.0"

// Runtime event channels. Register them on a bus with
// RegisterBusSchemas before wiring the bus into a graph.
var (
	// RunLifecycleChannel carries run state transitions.
	RunLifecycleChannel = bus.Channel{
		Name:          "spice.run.lifecycle",
		EventType:     "spice.graph.RunLifecycleEvent",
		SchemaVersion: EventSchemaVersion,
	}

	// NodeLifecycleChannel carries node start/end/error events.
	NodeLifecycleChannel = bus.Channel{
		Name:          "spice.node.lifecycle",
		EventType:     "spice.graph.NodeLifecycleEvent",
		SchemaVersion: EventSchemaVersion,
	}

	// HITLPromptChannel carries pending-interaction prompts for paused
	// runs; external notifiers subscribe here.
	HITLPromptChannel = bus.Channel{
		Name:          "spice.hitl.prompts",
		EventType:     "spice.graph.PendingInteraction",
		SchemaVersion: EventSchemaVersion,
	}

	// ToolCallChannel carries tool invocations as they happen.
	ToolCallChannel = bus.Channel{
		Name:          "spice.tool.calls",
		EventType:     "spice.graph.ToolCallEvent",
		SchemaVersion: EventSchemaVersion,
	}
)

// RunLifecycleEvent announces one run state transition.
type RunLifecycleEvent struct {
	RunID     string    `json:"runId"`
	GraphID   string    `json:"graphId"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	NodeID    string    `json:"nodeId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeLifecycleEvent announces one node execution boundary.
type NodeLifecycleEvent struct {
	RunID      string    `json:"runId"`
	GraphID    string    `json:"graphId"`
	NodeID     string    `json:"nodeId"`
	Event      string    `json:"event"` // "start", "end" or "error"
	Attempt    int       `json:"attempt"`
	DurationMs int64     `json:"durationMs,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToolCallEvent announces one tool invocation.
type ToolCallEvent struct {
	RunID      string         `json:"runId"`
	GraphID    string         `json:"graphId"`
	NodeID     string         `json:"nodeId"`
	ToolName   string         `json:"toolName"`
	ToolCallID string         `json:"toolCallId"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// RegisterBusSchemas registers the runtime's channels on b. Call it
// once per bus before the first publish.
func RegisterBusSchemas(b bus.Bus) {
	registry := b.Registry()
	registry.Register(RunLifecycleChannel, bus.JSONCodec[RunLifecycleEvent]{})
	registry.Register(NodeLifecycleChannel, bus.JSONCodec[NodeLifecycleEvent]{})
	registry.Register(HITLPromptChannel, bus.JSONCodec[PendingInteraction]{})
	registry.Register(ToolCallChannel, bus.JSONCodec[ToolCallEvent]{})
}

// eventPublisher wraps a bus for best-effort runtime publishing. Event
// delivery never fails a run; a nil bus publishes nothing.
type eventPublisher struct {
	bus bus.Bus
}

func (p eventPublisher) metadata(scope RunScope) bus.Metadata {
	md := bus.Metadata{PartitionKey: scope.RunID}
	if scope.Context != nil {
		md.UserID = scope.Context["userId"]
		md.TenantID = scope.Context["tenantId"]
		md.TraceID = scope.Context["traceId"]
	}
	return md
}

func (p eventPublisher) runTransition(ctx context.Context, scope RunScope, tr StateTransition) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, RunLifecycleChannel, RunLifecycleEvent{
		RunID:     scope.RunID,
		GraphID:   scope.GraphID,
		From:      tr.From,
		To:        tr.To,
		Reason:    tr.Reason,
		NodeID:    tr.NodeID,
		Timestamp: tr.Timestamp,
	}, p.metadata(scope))
}

func (p eventPublisher) nodeEvent(ctx context.Context, scope RunScope, event NodeLifecycleEvent) {
	if p.bus == nil {
		return
	}
	event.RunID = scope.RunID
	event.GraphID = scope.GraphID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_ = p.bus.Publish(ctx, NodeLifecycleChannel, event, p.metadata(scope))
}

func (p eventPublisher) hitlPrompt(ctx context.Context, scope RunScope, pending PendingInteraction) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, HITLPromptChannel, pending, p.metadata(scope))
}

func (p eventPublisher) toolCall(ctx context.Context, scope RunScope, event ToolCallEvent) {
	if p.bus == nil {
		return
	}
	event.RunID = scope.RunID
	event.GraphID = scope.GraphID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_ = p.bus.Publish(ctx, ToolCallChannel, event, p.metadata(scope))
}

// BusToolListener publishes every tool invocation to ToolCallChannel.
// Attach it with Builder.WithToolListener.
type BusToolListener struct {
	Bus bus.Bus
}

// BeforeTool implements ToolLifecycleListener.
func (l *BusToolListener) BeforeTool(ctx context.Context, toolName, nodeID string, params map[string]any) {
	scope, _ := RunScopeFromContext(ctx)
	eventPublisher{l.Bus}.toolCall(ctx, scope, ToolCallEvent{
		NodeID:    nodeID,
		ToolName:  toolName,
		Arguments: params,
	})
}

// AfterTool implements ToolLifecycleListener.
func (l *BusToolListener) AfterTool(context.Context, string, string, map[string]any, error) {}
