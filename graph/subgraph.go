package graph

import "context"

// DefaultMaxDepth bounds subgraph recursion when SubgraphNode.MaxDepth
// is zero.
const DefaultMaxDepth = 10

// defaultPreserveKeys are the metadata keys that cross subgraph
// boundaries in both directions unless overridden.
var defaultPreserveKeys = []string{"tenantId", "userId", "correlationId", "traceId"}

// SubgraphNode embeds a nested graph. The runner executes it by
// recursive invocation with bounded depth:
//
//   - InputMapping entries (childKey -> template expression) are resolved
//     against the parent message and seed the child's data.
//   - Metadata keys in PreserveKeys flow parent -> child and back.
//   - After a successful child run, OutputMapping entries
//     (childKey -> parentKey) copy child data into the parent.
//   - A HITL pause inside the child pauses the parent too; the child
//     checkpoint is namespaced "{parentRunId}:subgraph:{nodeId}".
type SubgraphNode struct {
	NodeID string

	// Graph is the nested graph to execute.
	Graph *Graph

	// MaxDepth bounds recursion; zero means DefaultMaxDepth.
	MaxDepth int

	// PreserveKeys overrides the default metadata keys that flow across
	// the boundary. Nil keeps the defaults.
	PreserveKeys []string

	// InputMapping maps child data keys to template expressions
	// resolved against the parent message (e.g. "{{data.selectedBookingId}}").
	InputMapping map[string]string

	// OutputMapping maps child data keys to parent data keys.
	OutputMapping map[string]string
}

// NewSubgraphNode creates a subgraph node around the given child graph.
func NewSubgraphNode(id string, child *Graph) *SubgraphNode {
	return &SubgraphNode{NodeID: id, Graph: child}
}

// ID implements Node.
func (n *SubgraphNode) ID() string { return n.NodeID }

// Validate implements build-time validation.
func (n *SubgraphNode) Validate() error {
	if n.Graph == nil {
		return &ConfigurationError{Message: "subgraph node " + n.NodeID + ": child graph is required"}
	}
	return nil
}

// Run implements Node. Subgraph nodes are executed by the runner
// directly (recursive invocation); calling Run outside a runner is a
// configuration error.
func (n *SubgraphNode) Run(context.Context, Message) NodeResult {
	return NodeResult{Err: &ConfigurationError{Message: "subgraph node " + n.NodeID + " requires a runner"}}
}

// maxDepth returns the effective recursion ceiling.
func (n *SubgraphNode) maxDepth() int {
	if n.MaxDepth > 0 {
		return n.MaxDepth
	}
	return DefaultMaxDepth
}

// preserveKeys returns the effective boundary-crossing metadata keys.
func (n *SubgraphNode) preserveKeys() []string {
	if n.PreserveKeys != nil {
		return n.PreserveKeys
	}
	return defaultPreserveKeys
}

// childRunID namespaces the child's run (and checkpoint) under the
// parent run.
func (n *SubgraphNode) childRunID(parentRunID string) string {
	return parentRunID + ":subgraph:" + n.NodeID
}
