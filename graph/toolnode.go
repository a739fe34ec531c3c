package graph

import (
	"context"
	"fmt"

	"github.com/spice-framework/spice-go/graph/tool"
)

// ToolNode executes a tool against parameters derived from the message.
//
// Resolution is either static (Tool set directly) or dynamic through a
// Registry:
//
//   - NameFunc picks the tool name from the message at runtime.
//   - Allowed restricts which names may be resolved.
//   - Strict makes a missing tool a build-time ERROR; non-strict defers
//     to runtime, where a failed lookup is a non-retryable validation
//     error (after walking Fallbacks, if any).
//
// On success the tool's result map is merged into data under the node id
// and a "tool_result" tool call is appended.
type ToolNode struct {
	NodeID string

	// Tool is the statically bound tool. Mutually exclusive with
	// Registry resolution.
	Tool tool.Tool

	// Registry resolves dynamic tools.
	Registry *tool.Registry

	// NameFunc selects the tool name from the message. Required for
	// dynamic resolution.
	NameFunc func(msg Message) string

	// Allowed restricts resolvable names; empty means any registered
	// tool.
	Allowed []string

	// Strict controls build-time enforcement of Allowed against the
	// registry.
	Strict bool

	// Fallbacks is an ordered chain of tool names tried when the
	// primary lookup misses.
	Fallbacks []string

	// ParamMapper derives the tool input from the message. Nil passes
	// the message data unchanged.
	ParamMapper func(msg Message) map[string]any
}

// NewToolNode creates a statically bound tool node.
func NewToolNode(id string, t tool.Tool, paramMapper func(msg Message) map[string]any) *ToolNode {
	return &ToolNode{NodeID: id, Tool: t, ParamMapper: paramMapper}
}

// NewDynamicToolNode creates a registry-resolved tool node.
func NewDynamicToolNode(id string, registry *tool.Registry, nameFunc func(msg Message) string) *ToolNode {
	return &ToolNode{NodeID: id, Registry: registry, NameFunc: nameFunc}
}

// ID implements Node.
func (n *ToolNode) ID() string { return n.NodeID }

// SideEffecting marks tool invocations for idempotency wrapping.
func (n *ToolNode) SideEffecting() bool { return true }

// Validate implements build-time validation. In strict mode every
// allowed (and fallback) name must already be registered.
func (n *ToolNode) Validate() error {
	if n.Tool == nil && n.Registry == nil {
		return &ConfigurationError{Message: "tool node " + n.NodeID + ": tool or registry is required"}
	}
	if n.Tool != nil {
		return nil
	}
	if n.NameFunc == nil && len(n.Fallbacks) == 0 {
		return &ConfigurationError{Message: "tool node " + n.NodeID + ": name function or fallback chain is required"}
	}
	if n.Strict {
		for _, name := range append(append([]string{}, n.Allowed...), n.Fallbacks...) {
			if _, ok := n.Registry.Lookup(name); !ok {
				return fmt.Errorf("tool node %s: %w: %q", n.NodeID, ErrResolverMissing, name)
			}
		}
	}
	return nil
}

// resolve picks the tool for this invocation.
func (n *ToolNode) resolve(msg Message) (tool.Tool, error) {
	if n.Tool != nil {
		return n.Tool, nil
	}

	var name string
	if n.NameFunc != nil {
		name = n.NameFunc(msg)
	}
	if name != "" {
		if len(n.Allowed) > 0 && !contains(n.Allowed, name) {
			return nil, &ValidationError{Message: "tool node " + n.NodeID + ": tool " + name + " not in allowed set"}
		}
		if t, ok := n.Registry.Lookup(name); ok {
			return t, nil
		}
	}
	for _, fb := range n.Fallbacks {
		if t, ok := n.Registry.Lookup(fb); ok {
			return t, nil
		}
	}
	return nil, &ValidationError{Message: "tool node " + n.NodeID + ": no tool resolved for " + name}
}

// Run implements Node.
func (n *ToolNode) Run(ctx context.Context, msg Message) NodeResult {
	t, err := n.resolve(msg)
	if err != nil {
		return NodeResult{Err: err}
	}

	params := map[string]any{}
	if n.ParamMapper != nil {
		params = n.ParamMapper(msg)
	} else {
		params = msg.Data
	}

	listeners := listenersFromContext(ctx)
	for _, l := range listeners {
		l.BeforeTool(ctx, t.Name(), n.NodeID, params)
	}

	result, err := t.Call(ctx, params)

	for _, l := range listeners {
		l.AfterTool(ctx, t.Name(), n.NodeID, result, err)
	}

	if err != nil {
		classified := Classify(err)
		if _, isTool := classified.(*ToolError); !isTool {
			classified = &ToolError{
				ToolName:   t.Name(),
				StatusCode: errorStatusCode(classified),
				Message:    err.Error(),
				Cause:      classified,
			}
		}
		return NodeResult{Err: classified}
	}

	out := msg.
		WithData(n.NodeID, result).
		WithToolCall(ToolCall{
			ID:   NewToolCallID(),
			Type: "function",
			Function: ToolFunction{
				Name: "tool_result",
				Arguments: map[string]any{
					"tool":   t.Name(),
					"nodeId": n.NodeID,
					"result": result,
				},
			},
		})
	return NodeResult{Message: out}
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// ToolLifecycleListener observes tool executions across a graph. The
// runner installs the graph's listeners into the node context.
type ToolLifecycleListener interface {
	BeforeTool(ctx context.Context, toolName, nodeID string, params map[string]any)
	AfterTool(ctx context.Context, toolName, nodeID string, result map[string]any, err error)
}

type toolListenersKey struct{}

// withToolListeners installs listeners into ctx for ToolNode executions.
func withToolListeners(ctx context.Context, listeners []ToolLifecycleListener) context.Context {
	if len(listeners) == 0 {
		return ctx
	}
	return context.WithValue(ctx, toolListenersKey{}, listeners)
}

func listenersFromContext(ctx context.Context) []ToolLifecycleListener {
	listeners, _ := ctx.Value(toolListenersKey{}).([]ToolLifecycleListener)
	return listeners
}
