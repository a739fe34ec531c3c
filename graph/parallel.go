package graph

import (
	"context"
	"sync"
)

// ParallelNode fans out to child nodes, runs them concurrently against
// copies of the incoming message, and joins by aggregating each child's
// data under this node's id:
//
//	data[parallelID] = { childID: childData, ... }
//
// The first child error (by registration order) fails the node. Children
// must not pause: a child yielding WAITING is a configuration error.
type ParallelNode struct {
	NodeID string
	Nodes  []Node
}

// NewParallelNode creates a fan-out node over the given children.
func NewParallelNode(id string, nodes ...Node) *ParallelNode {
	return &ParallelNode{NodeID: id, Nodes: nodes}
}

// ID implements Node.
func (n *ParallelNode) ID() string { return n.NodeID }

// Validate implements build-time validation.
func (n *ParallelNode) Validate() error {
	if len(n.Nodes) == 0 {
		return &ValidationError{Message: "parallel node " + n.NodeID + ": no children"}
	}
	seen := make(map[string]bool, len(n.Nodes))
	for _, child := range n.Nodes {
		if seen[child.ID()] {
			return &ValidationError{Message: "parallel node " + n.NodeID + ": duplicate child id " + child.ID()}
		}
		seen[child.ID()] = true
	}
	return nil
}

// Run implements Node.
func (n *ParallelNode) Run(ctx context.Context, msg Message) NodeResult {
	results := make([]NodeResult, len(n.Nodes))

	var wg sync.WaitGroup
	for i, child := range n.Nodes {
		wg.Add(1)
		go func(i int, child Node) {
			defer wg.Done()
			results[i] = child.Run(ctx, msg)
		}(i, child)
	}
	wg.Wait()

	joined := make(map[string]any, len(n.Nodes))
	for i, child := range n.Nodes {
		res := results[i]
		if res.Err != nil {
			return NodeResult{Err: Classify(res.Err)}
		}
		if res.Message.State == StateWaiting {
			return NodeResult{Err: &ConfigurationError{
				Message: "parallel node " + n.NodeID + ": child " + child.ID() + " attempted to pause",
			}}
		}
		joined[child.ID()] = res.Message.Data
	}

	return NodeResult{Message: msg.WithData(n.NodeID, joined)}
}
