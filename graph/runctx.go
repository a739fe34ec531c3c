package graph

import "context"

// RunScope is the per-run execution context threaded through node
// invocations. It replaces thread-local tenant context with explicit,
// immutable propagation: the scope is copied into spawned tasks and
// never mutated in place.
type RunScope struct {
	// RunID identifies the current run.
	RunID string

	// GraphID identifies the graph being executed.
	GraphID string

	// ParentRunID is set for subgraph runs.
	ParentRunID string

	// Depth is the subgraph nesting depth (0 for the root run).
	Depth int

	// Context carries propagated metadata keys (tenantId, userId,
	// traceId, ...) as an immutable view.
	Context map[string]string
}

type runScopeKey struct{}

// WithRunScope returns a context carrying the scope.
func WithRunScope(ctx context.Context, scope RunScope) context.Context {
	return context.WithValue(ctx, runScopeKey{}, scope)
}

// RunScopeFromContext extracts the current run scope. ok is false when
// the context does not originate from a runner invocation.
func RunScopeFromContext(ctx context.Context) (RunScope, bool) {
	scope, ok := ctx.Value(runScopeKey{}).(RunScope)
	return scope, ok
}
