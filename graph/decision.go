package graph

import (
	"context"
	"sort"
)

// SelectedBranchKey is the data key a decision node writes to name the
// branch (or decision result) it selected. The auto-generated edges of
// the node route on this marker.
const SelectedBranchKey = "_selectedBranch"

// Branch is one routing option of an inline DecisionNode.
type Branch struct {
	// Name labels the branch; it becomes the marker value and the name
	// of the auto-generated edge.
	Name string

	// Target is the node id to route to when the branch matches.
	Target string

	// When is the branch predicate. Nil marks the "otherwise" branch,
	// which always matches and must be the last branch.
	When func(msg Message) bool
}

// Otherwise builds the always-matching fallback branch. At most one is
// allowed per decision node and it must come last.
func Otherwise(target string) Branch {
	return Branch{Name: "otherwise", Target: target}
}

// DecisionNode routes inline: branches are evaluated strictly in
// registration order and the first match wins. The node writes the
// selected branch name under SelectedBranchKey; Graph.Build generates
// one edge per branch that inspects the marker.
type DecisionNode struct {
	NodeID   string
	Branches []Branch
}

// NewDecisionNode creates an inline decision node.
func NewDecisionNode(id string, branches ...Branch) *DecisionNode {
	return &DecisionNode{NodeID: id, Branches: branches}
}

// ID implements Node.
func (n *DecisionNode) ID() string { return n.NodeID }

// Validate enforces the branch constraints at build time: at least one
// branch, at most one otherwise, and the otherwise must be last.
func (n *DecisionNode) Validate() error {
	if len(n.Branches) == 0 {
		return &ValidationError{Message: "decision node " + n.NodeID + ": no branches"}
	}
	otherwise := 0
	for i, b := range n.Branches {
		if b.Name == "" || b.Target == "" {
			return &ValidationError{Message: "decision node " + n.NodeID + ": branch name and target are required"}
		}
		if b.When == nil {
			otherwise++
			if otherwise > 1 {
				return &ValidationError{Message: "decision node " + n.NodeID + ": multiple otherwise branches"}
			}
			if i != len(n.Branches)-1 {
				return &ValidationError{Message: "decision node " + n.NodeID + ": otherwise branch must be last"}
			}
		}
	}
	return nil
}

// Run implements Node. The first matching branch (registration order)
// wins; with no match and no otherwise the node fails with a validation
// error.
func (n *DecisionNode) Run(_ context.Context, msg Message) NodeResult {
	for _, b := range n.Branches {
		if b.When == nil || b.When(msg) {
			return NodeResult{Message: msg.WithData(SelectedBranchKey, b.Name)}
		}
	}
	return NodeResult{Err: &ValidationError{Message: "decision node " + n.NodeID + ": no branch matched"}}
}

// edges generates the routing edges for the node's branches. Branch
// order sets priority; the otherwise branch becomes a fallback edge.
func (n *DecisionNode) edges() []Edge {
	out := make([]Edge, 0, len(n.Branches))
	for i, b := range n.Branches {
		name := b.Name
		out = append(out, Edge{
			From:     n.NodeID,
			To:       b.Target,
			Priority: i,
			Name:     name,
			Fallback: b.When == nil,
			When: func(msg Message) bool {
				v, _ := msg.GetData(SelectedBranchKey).(string)
				return v == name
			},
		})
	}
	return out
}

// DecisionResult is the outcome of an external decision engine.
type DecisionResult struct {
	// ResultID selects the route; unrecognized ids take the default.
	ResultID string

	// Data optionally carries engine output merged into the message.
	Data map[string]any
}

// DecisionEngine is the contract for external routing decisions.
// Runtime routing is a lookup on ResultID, never object identity.
type DecisionEngine interface {
	// ID identifies the engine.
	ID() string

	// Decide evaluates the message and returns a routing decision.
	Decide(ctx context.Context, msg Message) (DecisionResult, error)
}

// EngineDecisionNode delegates routing to an external DecisionEngine.
// Routes maps resultId -> target node id; unrecognized resultIds take
// the Default target.
type EngineDecisionNode struct {
	NodeID  string
	Engine  DecisionEngine
	Routes  map[string]string
	Default string
}

// NewEngineDecisionNode creates an external-decision node.
func NewEngineDecisionNode(id string, engine DecisionEngine, routes map[string]string, defaultTarget string) *EngineDecisionNode {
	return &EngineDecisionNode{NodeID: id, Engine: engine, Routes: routes, Default: defaultTarget}
}

// ID implements Node.
func (n *EngineDecisionNode) ID() string { return n.NodeID }

// Validate implements build-time validation.
func (n *EngineDecisionNode) Validate() error {
	if n.Engine == nil {
		return &ConfigurationError{Message: "engine decision node " + n.NodeID + ": engine is required"}
	}
	if len(n.Routes) == 0 && n.Default == "" {
		return &ValidationError{Message: "engine decision node " + n.NodeID + ": no routes and no default"}
	}
	return nil
}

// Run implements Node. The engine's resultId is written under
// SelectedBranchKey; any engine data is merged into the message.
func (n *EngineDecisionNode) Run(ctx context.Context, msg Message) NodeResult {
	res, err := n.Engine.Decide(ctx, msg)
	if err != nil {
		return NodeResult{Err: Classify(err)}
	}
	out := msg
	if len(res.Data) > 0 {
		out = out.WithDataMap(res.Data)
	}
	return NodeResult{Message: out.WithData(SelectedBranchKey, res.ResultID)}
}

// edges generates one edge per route (sorted by resultId for
// deterministic priorities) plus a fallback edge to the default target.
func (n *EngineDecisionNode) edges() []Edge {
	ids := make([]string, 0, len(n.Routes))
	for id := range n.Routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Edge, 0, len(ids)+1)
	for i, id := range ids {
		resultID := id
		out = append(out, Edge{
			From:     n.NodeID,
			To:       n.Routes[id],
			Priority: i,
			Name:     resultID,
			When: func(msg Message) bool {
				v, _ := msg.GetData(SelectedBranchKey).(string)
				return v == resultID
			},
		})
	}
	if n.Default != "" {
		out = append(out, Edge{
			From:     n.NodeID,
			To:       n.Default,
			Priority: len(ids),
			Name:     "default",
			Fallback: true,
		})
	}
	return out
}

// edgeEmitter is implemented by node kinds that auto-generate their
// outgoing edges at build time.
type edgeEmitter interface {
	edges() []Edge
}
