package graph

import (
	"fmt"

	"github.com/spice-framework/spice-go/graph/bus"
	"github.com/spice-framework/spice-go/graph/store"
)

// Graph is a validated, immutable workflow definition. Build one with
// a Builder; after Build it is safe to share between concurrent runs.
type Graph struct {
	id         string
	nodes      map[string]Node
	nodeOrder  []string
	edges      []Edge
	entryPoint string

	middleware    []Middleware
	allowCycles   bool
	retryPolicy   *RetryPolicy
	retryDisabled bool

	eventBus      bus.Bus
	checkpoints   store.CheckpointStore[Message]
	idempotency   store.IdempotencyStore
	toolListeners []ToolLifecycleListener
}

// ID returns the graph's identifier.
func (g *Graph) ID() string { return g.id }

// EntryPoint returns the id of the first node executed.
func (g *Graph) EntryPoint() string { return g.entryPoint }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns node ids in registration order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.nodeOrder))
	copy(out, g.nodeOrder)
	return out
}

// Edges returns the graph's edges in registration order, including
// edges generated from decision nodes.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// AllowsCycles reports whether cyclic routing was opted into at build
// time.
func (g *Graph) AllowsCycles() bool { return g.allowCycles }

// retryPolicyOr resolves the effective policy: disabled beats graph
// override beats the runner's default.
func (g *Graph) retryPolicyOr(fallback RetryPolicy) RetryPolicy {
	if g.retryDisabled {
		return SingleAttempt()
	}
	if g.retryPolicy != nil {
		return *g.retryPolicy
	}
	return fallback
}

// Builder assembles a Graph. Zero value is not usable; start with
// NewBuilder.
//
//	g, err := graph.NewBuilder("triage").
//	    AddNode(classify).
//	    AddNode(escalate).
//	    AddEdge(graph.Edge{From: "classify", To: "escalate"}).
//	    EntryPoint("classify").
//	    Build()
type Builder struct {
	graph *Graph
	errs  []error
}

// NewBuilder starts a graph definition.
func NewBuilder(id string) *Builder {
	return &Builder{
		graph: &Graph{
			id:    id,
			nodes: make(map[string]Node),
		},
	}
}

// AddNode registers a node. Node ids must be unique.
func (b *Builder) AddNode(n Node) *Builder {
	if n == nil || n.ID() == "" {
		b.errs = append(b.errs, &ValidationError{Message: "node must have an id"})
		return b
	}
	if _, exists := b.graph.nodes[n.ID()]; exists {
		b.errs = append(b.errs, &ValidationError{Message: fmt.Sprintf("duplicate node id %q", n.ID())})
		return b
	}
	b.graph.nodes[n.ID()] = n
	b.graph.nodeOrder = append(b.graph.nodeOrder, n.ID())
	return b
}

// AddEdge registers an edge. Decision nodes emit their own edges; do
// not add edges out of them manually.
func (b *Builder) AddEdge(e Edge) *Builder {
	b.graph.edges = append(b.graph.edges, e)
	return b
}

// EntryPoint names the node the run starts from.
func (b *Builder) EntryPoint(nodeID string) *Builder {
	b.graph.entryPoint = nodeID
	return b
}

// AllowCycles opts into cyclic routing. Cyclic graphs run under the
// runner's step limit instead of visited-node tracking.
func (b *Builder) AllowCycles() *Builder {
	b.graph.allowCycles = true
	return b
}

// Use appends middleware; the chain wraps every node execution in
// registration order, outermost first.
func (b *Builder) Use(mw Middleware) *Builder {
	if mw != nil {
		b.graph.middleware = append(b.graph.middleware, mw)
	}
	return b
}

// WithRetryPolicy overrides the runner's retry policy for this graph.
func (b *Builder) WithRetryPolicy(policy RetryPolicy) *Builder {
	if err := policy.Validate(); err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	b.graph.retryPolicy = &policy
	return b
}

// DisableRetry forces single-attempt execution for this graph.
func (b *Builder) DisableRetry() *Builder {
	b.graph.retryDisabled = true
	return b
}

// WithEventBus attaches the event plane; runtime events are published
// best-effort.
func (b *Builder) WithEventBus(eventBus bus.Bus) *Builder {
	b.graph.eventBus = eventBus
	return b
}

// WithCheckpointStore attaches checkpoint persistence; required for
// HITL pause/resume.
func (b *Builder) WithCheckpointStore(s store.CheckpointStore[Message]) *Builder {
	b.graph.checkpoints = s
	return b
}

// WithIdempotencyStore attaches attempt deduplication for
// side-effecting nodes.
func (b *Builder) WithIdempotencyStore(s store.IdempotencyStore) *Builder {
	b.graph.idempotency = s
	return b
}

// WithToolListener registers a tool lifecycle observer.
func (b *Builder) WithToolListener(l ToolLifecycleListener) *Builder {
	if l != nil {
		b.graph.toolListeners = append(b.graph.toolListeners, l)
	}
	return b
}

// Build validates the definition and returns the immutable graph.
func (b *Builder) Build() (*Graph, error) {
	g := b.graph

	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(g.nodes) == 0 {
		return nil, &ValidationError{Message: fmt.Sprintf("graph %q has no nodes", g.id)}
	}
	if g.entryPoint == "" {
		return nil, &ValidationError{Message: fmt.Sprintf("graph %q has no entry point", g.id)}
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return nil, &ValidationError{Message: fmt.Sprintf("graph %q entry point %q is not a node", g.id, g.entryPoint)}
	}

	// Decision nodes emit their routing edges.
	for _, id := range g.nodeOrder {
		if emitter, ok := g.nodes[id].(edgeEmitter); ok {
			g.edges = append(g.edges, emitter.edges()...)
		}
	}

	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("edge %s->%s: unknown source node", e.From, e.To)}
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("edge %s->%s: unknown target node", e.From, e.To)}
		}
	}

	for _, id := range g.nodeOrder {
		if v, ok := g.nodes[id].(validator); ok {
			if err := v.Validate(); err != nil {
				return nil, err
			}
		}
	}

	if !g.allowCycles {
		if cycle := findCycle(g); cycle != "" {
			return nil, fmt.Errorf("graph %q: %w at node %q (use AllowCycles to opt in)", g.id, ErrCycleDetected, cycle)
		}
	}
	return g, nil
}

// findCycle runs a three-color DFS over the edge relation and returns
// a node on a cycle, or "".
func findCycle(g *Graph) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	adjacency := make(map[string][]string)
	for _, e := range g.edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, next := range adjacency[id] {
			switch color[next] {
			case gray:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, id := range g.nodeOrder {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
