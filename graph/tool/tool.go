// Package tool defines executable tools and the read-mostly registry the
// engine resolves them from.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is an executable unit that a workflow (or an LLM-backed agent)
// can invoke.
//
// Implementations should:
//   - Validate input parameters
//   - Respect context cancellation and timeouts
//   - Return structured output as map[string]any
//   - Be idempotent when possible; the engine deduplicates attempts by
//     fingerprint, but a tool that tolerates re-execution is safer still
type Tool interface {
	// Name returns the unique identifier for this tool. Names are
	// lowercase with underscores ("search_web", "http_request").
	Name() string

	// Call executes the tool. Input may be nil for parameterless tools.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Name implements Tool.
func (f *Func) Name() string { return f.ToolName }

// Call implements Tool.
func (f *Func) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f.Fn(ctx, input)
}

// Registry is a read-mostly collection of tools. Registration happens at
// startup; lookups are safe from any goroutine.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool registry: tool and name are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool registry: duplicate tool %q", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
