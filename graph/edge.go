package graph

import "sort"

// Edge is a predicate-guarded connection between two nodes.
//
// Selection rules for the edges leaving a node:
//
//  1. Regular and fallback edges are partitioned.
//  2. Each partition is sorted by ascending Priority; ties keep
//     registration order.
//  3. The first regular edge whose condition holds wins (a nil condition
//     always holds).
//  4. If no regular edge matches, the first matching fallback edge wins.
//
// Selection is deterministic: the same (node, message) always picks the
// same edge.
type Edge struct {
	// From is the source node id.
	From string

	// To is the destination node id.
	To string

	// Priority orders edges from the same node; lower values are
	// considered first.
	Priority int

	// Name optionally labels the edge (decision branches use the branch
	// name).
	Name string

	// Fallback marks the edge as a fallback, consulted only when no
	// regular edge matches.
	Fallback bool

	// When guards traversal. Nil means always traverse.
	When func(msg Message) bool
}

// selectEdge picks the next edge out of from for msg, or ok=false when
// nothing matches.
func selectEdge(edges []Edge, from string, msg Message) (Edge, bool) {
	var regular, fallback []Edge
	for _, e := range edges {
		if e.From != from {
			continue
		}
		if e.Fallback {
			fallback = append(fallback, e)
		} else {
			regular = append(regular, e)
		}
	}

	sort.SliceStable(regular, func(i, j int) bool { return regular[i].Priority < regular[j].Priority })
	sort.SliceStable(fallback, func(i, j int) bool { return fallback[i].Priority < fallback[j].Priority })

	for _, e := range regular {
		if e.When == nil || e.When(msg) {
			return e, true
		}
	}
	for _, e := range fallback {
		if e.When == nil || e.When(msg) {
			return e, true
		}
	}
	return Edge{}, false
}

// hasOutgoing reports whether any edge leaves from.
func hasOutgoing(edges []Edge, from string) bool {
	for _, e := range edges {
		if e.From == from {
			return true
		}
	}
	return false
}
