package graph

import "context"

// Node is a processing unit in the workflow graph.
//
// Node kinds are variants implementing this interface: AgentNode,
// ToolNode, DecisionNode, EngineDecisionNode, HumanNode, SubgraphNode,
// OutputNode, ParallelNode and user-defined NodeFunc values. New kinds
// are added by adding variants, not by subclassing.
type Node interface {
	// ID returns the node's unique identifier within its graph.
	ID() string

	// Run executes the node against the message and returns the result.
	// Errors are reported through NodeResult.Err, never by panic.
	Run(ctx context.Context, msg Message) NodeResult
}

// NodeResult is the outcome of one node execution: the (possibly
// transformed) message, or a typed error.
type NodeResult struct {
	// Message is the output envelope. Ignored when Err is non-nil.
	Message Message

	// Err is the node-level failure, classified into the engine
	// taxonomy by the runner boundary.
	Err error
}

// sideEffecting is implemented by node kinds whose execution may cause
// external side effects; the runner wraps those in idempotency checks.
type sideEffecting interface {
	SideEffecting() bool
}

// validator is implemented by node kinds that carry build-time
// constraints; Graph.Build calls Validate on every node implementing it.
type validator interface {
	Validate() error
}

// NodeFunc adapts a plain function into a custom node.
//
// Example:
//
//	n := graph.NewNodeFunc("normalize", func(ctx context.Context, m graph.Message) graph.NodeResult {
//	    return graph.NodeResult{Message: m.WithData("normalized", true)}
//	})
type NodeFunc struct {
	NodeID string
	Fn     func(ctx context.Context, msg Message) NodeResult
}

// NewNodeFunc creates a custom node with the given id and body.
func NewNodeFunc(id string, fn func(ctx context.Context, msg Message) NodeResult) *NodeFunc {
	return &NodeFunc{NodeID: id, Fn: fn}
}

// ID implements Node.
func (n *NodeFunc) ID() string { return n.NodeID }

// Run implements Node.
func (n *NodeFunc) Run(ctx context.Context, msg Message) NodeResult {
	return n.Fn(ctx, msg)
}

// OutputNode terminates a path through the graph. When the runner reaches
// an output node with no matching outgoing edge, the run completes and
// the Selector's return value becomes the run's result.
type OutputNode struct {
	NodeID string

	// Selector extracts the final result from the message. Nil selector
	// returns the message content.
	Selector func(msg Message) any
}

// NewOutputNode creates an output node with the given selector.
func NewOutputNode(id string, selector func(msg Message) any) *OutputNode {
	return &OutputNode{NodeID: id, Selector: selector}
}

// ID implements Node.
func (n *OutputNode) ID() string { return n.NodeID }

// Run implements Node. Output nodes pass the message through; the
// selector is applied by the runner after completion.
func (n *OutputNode) Run(_ context.Context, msg Message) NodeResult {
	return NodeResult{Message: msg}
}

// result applies the selector to the final message.
func (n *OutputNode) result(msg Message) any {
	if n.Selector == nil {
		return msg.Content
	}
	return n.Selector(msg)
}
