package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NodeRequest is the middleware's view of one node execution.
type NodeRequest struct {
	// Node is the node about to execute.
	Node Node

	// Message is the input message. Middleware may substitute a derived
	// message but must not change its execution state.
	Message Message

	// Scope carries run identity and propagated context values.
	Scope RunScope

	// Attempt is the 1-based attempt number.
	Attempt int
}

// NodeHandler advances the chain; the innermost handler executes the
// node itself.
type NodeHandler func(ctx context.Context, req NodeRequest) NodeResult

// ErrorAction is a middleware's vote on how to handle a node failure.
type ErrorAction int

const (
	// ActionContinue defers to other middleware and the default
	// classifier.
	ActionContinue ErrorAction = iota

	// ActionPropagate fails the run with the error.
	ActionPropagate

	// ActionRetry requests a retry regardless of the classifier.
	ActionRetry

	// ActionSkip discards the error and routes onward with the input
	// message.
	ActionSkip
)

func (a ErrorAction) String() string {
	switch a {
	case ActionPropagate:
		return "PROPAGATE"
	case ActionRetry:
		return "RETRY"
	case ActionSkip:
		return "SKIP"
	default:
		return "CONTINUE"
	}
}

// Middleware wraps node executions. OnNode runs in registration order,
// outermost first; OnError collects one vote per middleware, resolved
// by aggregateActions.
type Middleware interface {
	OnNode(ctx context.Context, req NodeRequest, next NodeHandler) NodeResult
	OnError(ctx context.Context, req NodeRequest, err error) ErrorAction
}

// aggregateActions resolves the votes of the whole chain. Precedence:
// PROPAGATE > SKIP > RETRY > CONTINUE.
func aggregateActions(actions []ErrorAction) ErrorAction {
	result := ActionContinue
	for _, a := range actions {
		switch a {
		case ActionPropagate:
			return ActionPropagate
		case ActionSkip:
			result = ActionSkip
		case ActionRetry:
			if result != ActionSkip {
				result = ActionRetry
			}
		}
	}
	return result
}

// chainMiddleware folds the chain around handler, outermost first.
func chainMiddleware(middleware []Middleware, handler NodeHandler) NodeHandler {
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := handler
		handler = func(ctx context.Context, req NodeRequest) NodeResult {
			return mw.OnNode(ctx, req, next)
		}
	}
	return handler
}

// collectErrorActions gathers every middleware's vote for err.
func collectErrorActions(ctx context.Context, middleware []Middleware, req NodeRequest, err error) ErrorAction {
	if len(middleware) == 0 {
		return ActionContinue
	}
	actions := make([]ErrorAction, 0, len(middleware))
	for _, mw := range middleware {
		actions = append(actions, mw.OnError(ctx, req, err))
	}
	return aggregateActions(actions)
}

// LoggingMiddleware logs node execution boundaries.
//
// With JSONFormat set, each line is a single JSON object; otherwise a
// human-readable line is written. Output defaults to io.Discard.
type LoggingMiddleware struct {
	// Output receives log lines.
	Output io.Writer

	// JSONFormat switches to one-JSON-object-per-line output.
	JSONFormat bool

	mu sync.Mutex
}

// OnNode implements Middleware.
func (l *LoggingMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) NodeResult {
	start := time.Now()
	l.log(map[string]any{
		"event":   "node_start",
		"runId":   req.Scope.RunID,
		"graphId": req.Scope.GraphID,
		"nodeId":  req.Node.ID(),
		"attempt": req.Attempt,
	})

	result := next(ctx, req)

	entry := map[string]any{
		"event":      "node_end",
		"runId":      req.Scope.RunID,
		"graphId":    req.Scope.GraphID,
		"nodeId":     req.Node.ID(),
		"attempt":    req.Attempt,
		"durationMs": time.Since(start).Milliseconds(),
	}
	if result.Err != nil {
		entry["event"] = "node_error"
		entry["error"] = result.Err.Error()
	}
	l.log(entry)
	return result
}

// OnError implements Middleware; logging never decides error handling.
func (l *LoggingMiddleware) OnError(_ context.Context, _ NodeRequest, _ error) ErrorAction {
	return ActionContinue
}

func (l *LoggingMiddleware) log(entry map[string]any) {
	out := l.Output
	if out == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.JSONFormat {
		entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
		line, err := json.Marshal(entry)
		if err != nil {
			return
		}
		fmt.Fprintln(out, string(line))
		return
	}
	if errMsg, ok := entry["error"]; ok {
		fmt.Fprintf(out, "[%s] run=%s node=%s attempt=%v error=%v\n",
			entry["event"], entry["runId"], entry["nodeId"], entry["attempt"], errMsg)
		return
	}
	fmt.Fprintf(out, "[%s] run=%s node=%s attempt=%v\n",
		entry["event"], entry["runId"], entry["nodeId"], entry["attempt"])
}

// TracingMiddleware opens one span per node execution.
type TracingMiddleware struct {
	// Tracer defaults to the global tracer provider.
	Tracer trace.Tracer
}

func (t *TracingMiddleware) tracer() trace.Tracer {
	if t.Tracer != nil {
		return t.Tracer
	}
	return otel.Tracer("spice-go/graph")
}

// OnNode implements Middleware.
func (t *TracingMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) NodeResult {
	ctx, span := t.tracer().Start(ctx, "node."+req.Node.ID(),
		trace.WithAttributes(
			attribute.String("run.id", req.Scope.RunID),
			attribute.String("graph.id", req.Scope.GraphID),
			attribute.String("node.id", req.Node.ID()),
			attribute.Int("attempt", req.Attempt),
		))
	defer span.End()

	result := next(ctx, req)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return result
}

// OnError implements Middleware.
func (t *TracingMiddleware) OnError(_ context.Context, _ NodeRequest, _ error) ErrorAction {
	return ActionContinue
}

// ContextPropagationMiddleware copies selected metadata keys from the
// message into the run scope so downstream nodes (and subgraphs) see
// tenant and correlation context without re-reading the message.
type ContextPropagationMiddleware struct {
	// Keys lists the metadata keys to propagate; empty uses the
	// standard preserve set (tenantId, userId, correlationId, traceId).
	Keys []string
}

// OnNode implements Middleware.
func (c *ContextPropagationMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) NodeResult {
	keys := c.Keys
	if len(keys) == 0 {
		keys = defaultPreserveKeys
	}
	for _, key := range keys {
		if value := req.Message.MetadataString(key); value != "" {
			if req.Scope.Context == nil {
				req.Scope.Context = make(map[string]string)
			}
			req.Scope.Context[key] = value
		}
	}
	return next(WithRunScope(ctx, req.Scope), req)
}

// OnError implements Middleware.
func (c *ContextPropagationMiddleware) OnError(_ context.Context, _ NodeRequest, _ error) ErrorAction {
	return ActionContinue
}

// SchemaValidationMiddleware rejects messages missing required
// metadata before the node runs.
type SchemaValidationMiddleware struct {
	// RequiredMetadata lists metadata keys every message must carry.
	RequiredMetadata []string
}

// OnNode implements Middleware.
func (s *SchemaValidationMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) NodeResult {
	for _, key := range s.RequiredMetadata {
		if req.Message.GetMetadata(key) == nil {
			return NodeResult{
				Message: req.Message,
				Err: &ValidationError{
					Message: fmt.Sprintf("message %s is missing required metadata %q", req.Message.ID, key),
				},
			}
		}
	}
	return next(ctx, req)
}

// OnError implements Middleware.
func (s *SchemaValidationMiddleware) OnError(_ context.Context, _ NodeRequest, _ error) ErrorAction {
	return ActionContinue
}
