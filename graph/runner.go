package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spice-framework/spice-go/graph/store"
)

// DefaultStepLimit caps node executions per run for graphs built with
// AllowCycles.
const DefaultStepLimit = 10000

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// RetryPolicy is the default policy; graphs may override it. Nil
	// uses DefaultRetryPolicy.
	RetryPolicy *RetryPolicy

	// StepLimit caps node executions for cyclic graphs (default
	// DefaultStepLimit).
	StepLimit int

	// Metrics receives runner instrumentation; nil disables it.
	Metrics *Metrics
}

// Runner executes graphs. It is stateless and safe for concurrent use;
// all per-run state lives in the message, the report and the stores.
//
// Run outcomes are reported two ways: the report's Status/Err fields
// describe the run, and the returned error mirrors report.Err so plain
// error handling works too. PAUSED is not an error.
type Runner struct {
	policy    RetryPolicy
	stepLimit int
	metrics   *Metrics
}

// NewRunner creates a runner.
func NewRunner(opts RunnerOptions) *Runner {
	policy := DefaultRetryPolicy()
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}
	stepLimit := opts.StepLimit
	if stepLimit <= 0 {
		stepLimit = DefaultStepLimit
	}
	return &Runner{policy: policy, stepLimit: stepLimit, metrics: opts.Metrics}
}

// Run executes g from its entry point with the given initial message.
//
// The run id (and checkpoint id) is the message's correlation id. A
// READY message is transitioned to RUNNING with reason "graph start".
func (r *Runner) Run(ctx context.Context, g *Graph, initial Message) (RunReport, error) {
	runID := initial.CorrelationID
	if runID == "" {
		runID = uuid.NewString()
		initial.CorrelationID = runID
	}
	scope := RunScope{
		RunID:   runID,
		GraphID: g.id,
		Context: scopeContext(initial),
	}
	return r.run(ctx, g, scope, initial, g.entryPoint, true)
}

// scopeContext seeds the run scope from the message's metadata.
func scopeContext(msg Message) map[string]string {
	out := make(map[string]string)
	for _, key := range defaultPreserveKeys {
		if v := msg.MetadataString(key); v != "" {
			out[key] = v
		}
	}
	return out
}

// run is the shared entry for root and subgraph runs. executeFirst
// controls whether startNode itself executes (false when resuming past
// a paused node).
func (r *Runner) run(ctx context.Context, g *Graph, scope RunScope, msg Message, startNode string, executeFirst bool) (RunReport, error) {
	report := RunReport{RunID: scope.RunID, GraphID: g.id}
	publisher := eventPublisher{g.eventBus}

	if msg.State != StateRunning {
		next, err := msg.TransitionTo(StateRunning, "graph start", "")
		if err != nil {
			report.Status = StatusFailed
			report.Err = err
			report.FinalMessage = msg
			return report, err
		}
		msg = next
		publisher.runTransition(ctx, scope, lastTransition(msg))
	}

	current := startNode
	if !executeFirst {
		next, ok := r.route(g, current, msg)
		if !ok {
			return r.completeOrFail(ctx, g, scope, msg, current, &report)
		}
		current = next
	}

	visited := make(map[string]bool)
	steps := 0

	for {
		if err := ctx.Err(); err != nil {
			return r.cancel(ctx, g, scope, msg, current, &report)
		}

		if g.allowCycles {
			steps++
			if steps > r.stepLimit {
				return r.fail(ctx, g, scope, msg, current, &report,
					fmt.Errorf("%w (%d)", ErrStepLimitExceeded, r.stepLimit))
			}
		} else {
			if visited[current] {
				return r.fail(ctx, g, scope, msg, current, &report,
					fmt.Errorf("%w: %q", ErrCycleDetected, current))
			}
			visited[current] = true
		}

		node, ok := g.nodes[current]
		if !ok {
			return r.fail(ctx, g, scope, msg, current, &report,
				&ValidationError{Message: fmt.Sprintf("unknown node %q", current)})
		}

		if sg, isSubgraph := node.(*SubgraphNode); isSubgraph {
			childReport, err := r.runSubgraph(ctx, g, scope, sg, msg)
			if err != nil {
				return r.fail(ctx, g, scope, msg, current, &report, err)
			}
			report.NodeReports = append(report.NodeReports, NodeReport{
				NodeID:   sg.NodeID,
				Status:   subgraphStatus(childReport.Status),
				Attempts: 1,
			})
			switch childReport.Status {
			case StatusPaused:
				return r.pauseForSubgraph(ctx, g, scope, sg, msg, childReport, &report)
			case StatusFailed:
				return r.fail(ctx, g, scope, msg, current, &report, childReport.Err)
			case StatusCancelled:
				return r.cancel(ctx, g, scope, msg, current, &report)
			}
			msg = applySubgraphOutputs(msg, sg, childReport.FinalMessage)
		} else {
			result, nodeReport := r.executeNode(ctx, g, scope, node, msg)
			report.NodeReports = append(report.NodeReports, nodeReport)
			if result.Err != nil {
				if errors.Is(result.Err, context.Canceled) || errors.Is(result.Err, context.DeadlineExceeded) {
					return r.cancel(ctx, g, scope, msg, current, &report)
				}
				return r.fail(ctx, g, scope, msg, current, &report, result.Err)
			}
			msg = result.Message

			if msg.State == StateWaiting {
				return r.pause(ctx, g, scope, node, msg, &report)
			}
		}

		next, ok := r.route(g, current, msg)
		if !ok {
			return r.completeOrFail(ctx, g, scope, msg, current, &report)
		}
		current = next
	}
}

// route selects the next node id out of current.
func (r *Runner) route(g *Graph, current string, msg Message) (string, bool) {
	e, ok := selectEdge(g.edges, current, msg)
	if !ok {
		return "", false
	}
	return e.To, true
}

// completeOrFail handles a node with no matching outgoing edge: output
// nodes complete the run, anything else is a routing failure.
func (r *Runner) completeOrFail(ctx context.Context, g *Graph, scope RunScope, msg Message, current string, report *RunReport) (RunReport, error) {
	out, isOutput := g.nodes[current].(*OutputNode)
	if !isOutput {
		return r.fail(ctx, g, scope, msg, current, report,
			fmt.Errorf("%w: node %q", ErrNoRoute, current))
	}

	completed, err := msg.TransitionTo(StateCompleted, "graph complete", current)
	if err != nil {
		return r.fail(ctx, g, scope, msg, current, report, err)
	}
	eventPublisher{g.eventBus}.runTransition(ctx, scope, lastTransition(completed))
	r.saveCheckpoint(ctx, g, scope, completed, current, nil, time.Time{})

	report.Status = StatusSuccess
	report.Result = out.result(completed)
	report.FinalMessage = completed
	if r.metrics != nil {
		r.metrics.ObserveRun(g.id, StatusSuccess)
	}
	return *report, nil
}

// fail transitions the run to FAILED, persists the terminal checkpoint
// and fills in the report.
func (r *Runner) fail(ctx context.Context, g *Graph, scope RunScope, msg Message, nodeID string, report *RunReport, cause error) (RunReport, error) {
	if msg.State.CanTransition(StateFailed) {
		failed, err := msg.TransitionTo(StateFailed, cause.Error(), nodeID)
		if err == nil {
			msg = failed
			eventPublisher{g.eventBus}.runTransition(ctx, scope, lastTransition(msg))
		}
	}
	r.saveCheckpoint(ctx, g, scope, msg, nodeID, nil, time.Time{})

	report.Status = StatusFailed
	report.Err = cause
	report.FinalMessage = msg
	if r.metrics != nil {
		r.metrics.ObserveRun(g.id, StatusFailed)
	}
	return *report, cause
}

// cancel transitions the run to CANCELLED and persists the terminal
// checkpoint.
func (r *Runner) cancel(ctx context.Context, g *Graph, scope RunScope, msg Message, nodeID string, report *RunReport) (RunReport, error) {
	if msg.State.CanTransition(StateCancelled) {
		cancelled, err := msg.TransitionTo(StateCancelled, "run cancelled", nodeID)
		if err == nil {
			msg = cancelled
			eventPublisher{g.eventBus}.runTransition(context.WithoutCancel(ctx), scope, lastTransition(msg))
		}
	}
	r.saveCheckpoint(context.WithoutCancel(ctx), g, scope, msg, nodeID, nil, time.Time{})

	report.Status = StatusCancelled
	report.Err = ctx.Err()
	report.FinalMessage = msg
	if r.metrics != nil {
		r.metrics.ObserveRun(g.id, StatusCancelled)
	}
	return *report, report.Err
}

// pause persists a WAITING checkpoint and returns a PAUSED report.
func (r *Runner) pause(ctx context.Context, g *Graph, scope RunScope, node Node, msg Message, report *RunReport) (RunReport, error) {
	var pending *PendingInteraction
	var expiresAt time.Time
	if hn, ok := node.(*HumanNode); ok {
		p := hn.pending(scope, msg)
		pending = &p
		if hn.Timeout > 0 {
			expiresAt = time.Now().UTC().Add(hn.Timeout)
		}
	}

	if err := r.saveWaiting(ctx, g, scope, msg, node.ID(), pending, expiresAt); err != nil {
		return r.fail(ctx, g, scope, msg, node.ID(), report, err)
	}

	publisher := eventPublisher{g.eventBus}
	publisher.runTransition(ctx, scope, lastTransition(msg))
	if pending != nil {
		publisher.hitlPrompt(ctx, scope, *pending)
	}
	if r.metrics != nil {
		r.metrics.WaitingRuns.WithLabelValues(g.id).Inc()
	}

	report.Status = StatusPaused
	report.PendingInteraction = pending
	report.CheckpointID = scope.RunID
	report.FinalMessage = msg
	return *report, nil
}

// pauseForSubgraph pauses the parent when a child run paused: the
// parent checkpoint points at the subgraph node and carries the child's
// pending interaction.
func (r *Runner) pauseForSubgraph(ctx context.Context, g *Graph, scope RunScope, sg *SubgraphNode, msg Message, childReport RunReport, report *RunReport) (RunReport, error) {
	waiting, err := msg.TransitionTo(StateWaiting, "subgraph awaiting human input", sg.NodeID)
	if err != nil {
		return r.fail(ctx, g, scope, msg, sg.NodeID, report, err)
	}

	if err := r.saveWaiting(ctx, g, scope, waiting, sg.NodeID, childReport.PendingInteraction, time.Time{}); err != nil {
		return r.fail(ctx, g, scope, waiting, sg.NodeID, report, err)
	}
	eventPublisher{g.eventBus}.runTransition(ctx, scope, lastTransition(waiting))
	if r.metrics != nil {
		r.metrics.WaitingRuns.WithLabelValues(g.id).Inc()
	}

	report.Status = StatusPaused
	report.PendingInteraction = childReport.PendingInteraction
	report.CheckpointID = scope.RunID
	report.FinalMessage = waiting
	return *report, nil
}

// saveWaiting persists a WAITING checkpoint; a missing store is a
// configuration error because the run could never resume.
func (r *Runner) saveWaiting(ctx context.Context, g *Graph, scope RunScope, msg Message, nodeID string, pending *PendingInteraction, expiresAt time.Time) error {
	if g.checkpoints == nil {
		return &ConfigurationError{Message: "graph " + g.id + ": human-in-the-loop requires a checkpoint store"}
	}
	var rawPending json.RawMessage
	if pending != nil {
		raw, err := json.Marshal(pending)
		if err != nil {
			return fmt.Errorf("failed to serialize pending interaction: %w", err)
		}
		rawPending = raw
	}
	cp := store.Checkpoint[Message]{
		RunID:              scope.RunID,
		GraphID:            g.id,
		ParentRunID:        scope.ParentRunID,
		NodeID:             nodeID,
		Message:            msg,
		ExecutionState:     string(msg.State),
		PendingInteraction: rawPending,
		ExpiresAt:          expiresAt,
	}
	if err := g.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to persist checkpoint for run %s: %w", scope.RunID, err)
	}
	return nil
}

// saveCheckpoint persists a best-effort snapshot (terminal states,
// progress records). Failures are swallowed; the run outcome stands.
func (r *Runner) saveCheckpoint(ctx context.Context, g *Graph, scope RunScope, msg Message, nodeID string, pending *PendingInteraction, expiresAt time.Time) {
	if g.checkpoints == nil {
		return
	}
	var rawPending json.RawMessage
	if pending != nil {
		if raw, err := json.Marshal(pending); err == nil {
			rawPending = raw
		}
	}
	_ = g.checkpoints.Save(ctx, store.Checkpoint[Message]{
		RunID:              scope.RunID,
		GraphID:            g.id,
		ParentRunID:        scope.ParentRunID,
		NodeID:             nodeID,
		Message:            msg,
		ExecutionState:     string(msg.State),
		PendingInteraction: rawPending,
		ExpiresAt:          expiresAt,
	})
}

// executeNode runs one node through the middleware chain under the
// retry policy, wrapping side-effecting nodes in idempotency checks.
func (r *Runner) executeNode(ctx context.Context, g *Graph, scope RunScope, node Node, msg Message) (NodeResult, NodeReport) {
	publisher := eventPublisher{g.eventBus}
	policy := g.retryPolicyOr(r.policy)
	supervisor := newRetrySupervisor(policy)
	start := time.Now()

	var inflightFP string
	handler := chainMiddleware(g.middleware, func(ctx context.Context, req NodeRequest) NodeResult {
		return r.invokeNode(ctx, g, req, &inflightFP)
	})

	var result NodeResult
	rc, err := supervisor.execute(ctx, node.ID(), func(attempt int) error {
		req := NodeRequest{Node: node, Message: msg, Scope: scope, Attempt: attempt}
		publisher.nodeEvent(ctx, scope, NodeLifecycleEvent{
			NodeID: node.ID(), Event: "start", Attempt: attempt,
		})

		runCtx := WithRunScope(ctx, scope)
		runCtx = withToolListeners(runCtx, g.toolListeners)
		res := handler(runCtx, req)

		if res.Err == nil {
			result = res
			publisher.nodeEvent(ctx, scope, NodeLifecycleEvent{
				NodeID: node.ID(), Event: "end", Attempt: attempt,
				DurationMs: time.Since(start).Milliseconds(),
			})
			return nil
		}

		res.Err = Classify(res.Err)
		publisher.nodeEvent(ctx, scope, NodeLifecycleEvent{
			NodeID: node.ID(), Event: "error", Attempt: attempt,
			DurationMs: time.Since(start).Milliseconds(),
			Error:      res.Err.Error(),
		})

		switch collectErrorActions(ctx, g.middleware, req, res.Err) {
		case ActionSkip:
			// Discard the failure and route onward with the input message.
			result = NodeResult{Message: msg}
			return nil
		case ActionPropagate:
			result = res
			return &propagatedError{err: res.Err}
		case ActionRetry:
			result = res
			if !IsRetryable(res.Err) {
				return &forcedRetryError{err: res.Err}
			}
			return res.Err
		default:
			result = res
			return res.Err
		}
	})

	nodeReport := NodeReport{
		NodeID:     node.ID(),
		Status:     "ok",
		Attempts:   len(rc.Attempts),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		nodeReport.Status = "error"
		nodeReport.Err = err.Error()
		return NodeResult{Message: msg, Err: err}, nodeReport
	}
	if result.Message.State == StateWaiting {
		nodeReport.Status = "waiting"
	}
	if out := result.Message.GetData(node.ID()); out != nil {
		nodeReport.Output = out
	}
	return result, nodeReport
}

// propagatedError pins a middleware PROPAGATE decision: it opts out of
// retries regardless of the underlying error's classification.
type propagatedError struct {
	err error
}

func (e *propagatedError) Error() string   { return e.err.Error() }
func (e *propagatedError) Unwrap() error   { return e.err }
func (e *propagatedError) SkipRetry() bool { return true }

// forcedRetryError pins a middleware RETRY decision: the supervisor
// treats it as retryable even when the wrapped error is not.
type forcedRetryError struct {
	err error
}

func (e *forcedRetryError) Error() string    { return "retry requested by middleware: " + e.err.Error() }
func (e *forcedRetryError) Unwrap() error    { return e.err }
func (e *forcedRetryError) ForceRetry() bool { return true }

// invokeNode executes the node body, wrapped in an idempotency claim
// for side-effecting nodes. inflight carries a fingerprint observed
// IN_FLIGHT across supervisor attempts: the wait re-checks that same
// entry instead of claiming a fresh one per attempt.
func (r *Runner) invokeNode(ctx context.Context, g *Graph, req NodeRequest, inflight *string) NodeResult {
	node, msg := req.Node, req.Message

	effects := false
	if se, ok := node.(sideEffecting); ok {
		effects = se.SideEffecting()
	}
	if !effects || g.idempotency == nil {
		res := node.Run(ctx, msg)
		if res.Err != nil {
			res.Err = Classify(res.Err)
		}
		return res
	}

	scope, _ := RunScopeFromContext(ctx)
	fp := *inflight
	if fp == "" {
		var err error
		fp, err = Fingerprint(scope.RunID, node.ID(), req.Attempt, msg.Data)
		if err != nil {
			return NodeResult{Message: msg, Err: err}
		}
	}

	existing, err := g.idempotency.Begin(ctx, store.IdempotencyEntry{
		Fingerprint: fp,
		RunID:       scope.RunID,
		NodeID:      node.ID(),
		Attempt:     req.Attempt,
	})
	if err != nil {
		return NodeResult{Message: msg, Err: fmt.Errorf("idempotency claim failed: %w", err)}
	}
	if existing != nil {
		switch existing.Status {
		case store.StatusDone:
			// At-most-once: replay the stored result without re-executing.
			var replay Message
			if err := json.Unmarshal(existing.Result, &replay); err != nil {
				return NodeResult{Message: msg, Err: fmt.Errorf("failed to replay stored result: %w", err)}
			}
			return NodeResult{Message: replay}
		case store.StatusFailed:
			return NodeResult{Message: msg, Err: &ExecutionError{
				NodeID: node.ID(),
				Cause:  errors.New(string(existing.Result)),
			}}
		default:
			// Another worker holds this attempt; transient until the
			// retry budget runs out.
			*inflight = fp
			return NodeResult{Message: msg, Err: &RetryableError{
				Message: "attempt " + fp + " held by another worker",
				Cause:   ErrConcurrentAttempt,
			}}
		}
	}
	*inflight = ""

	res := node.Run(ctx, msg)
	if res.Err != nil {
		res.Err = Classify(res.Err)
		_ = g.idempotency.Complete(ctx, fp, store.StatusFailed, []byte(res.Err.Error()))
		return res
	}
	if stored, err := json.Marshal(res.Message); err == nil {
		_ = g.idempotency.Complete(ctx, fp, store.StatusDone, stored)
	}
	return res
}

// lastTransition returns the most recent history entry.
func lastTransition(msg Message) StateTransition {
	if len(msg.StateHistory) == 0 {
		return StateTransition{To: msg.State}
	}
	return msg.StateHistory[len(msg.StateHistory)-1]
}

func subgraphStatus(s RunStatus) string {
	switch s {
	case StatusSuccess:
		return "ok"
	case StatusPaused:
		return "waiting"
	default:
		return "error"
	}
}

// runSubgraph executes a subgraph node by recursive invocation with
// bounded depth. The child inherits the parent graph's stores and bus
// when its own graph has none.
func (r *Runner) runSubgraph(ctx context.Context, g *Graph, parent RunScope, sg *SubgraphNode, msg Message) (RunReport, error) {
	if parent.Depth+1 > sg.maxDepth() {
		return RunReport{}, fmt.Errorf("%w: node %q at depth %d", ErrDepthExceeded, sg.NodeID, parent.Depth+1)
	}

	child := r.childGraph(g, sg)
	childMsg, err := buildChildMessage(sg, msg)
	if err != nil {
		return RunReport{}, err
	}

	childScope := RunScope{
		RunID:       sg.childRunID(parent.RunID),
		GraphID:     child.id,
		ParentRunID: parent.RunID,
		Depth:       parent.Depth + 1,
		Context:     parent.Context,
	}
	report, _ := r.run(ctx, child, childScope, childMsg, child.entryPoint, true)
	return report, nil
}

// childGraph resolves the effective child graph, inheriting the parent
// graph's infrastructure where the child has none of its own.
func (r *Runner) childGraph(g *Graph, sg *SubgraphNode) *Graph {
	child := sg.Graph
	if child.checkpoints != nil && child.idempotency != nil && child.eventBus != nil {
		return child
	}
	inherited := *child
	if inherited.checkpoints == nil {
		inherited.checkpoints = g.checkpoints
	}
	if inherited.idempotency == nil {
		inherited.idempotency = g.idempotency
	}
	if inherited.eventBus == nil {
		inherited.eventBus = g.eventBus
	}
	return &inherited
}

// buildChildMessage seeds the child's initial message: input-mapping
// templates resolved against the parent, preserved metadata copied in.
func buildChildMessage(sg *SubgraphNode, parent Message) (Message, error) {
	child := NewMessage(parent.Content, parent.From)
	child.CorrelationID = parent.CorrelationID + ":subgraph:" + sg.NodeID
	child.CausationID = parent.ID

	for childKey, expr := range sg.InputMapping {
		value, err := ResolveTemplate(expr, parent)
		if err != nil {
			return Message{}, fmt.Errorf("subgraph %s: input mapping %q: %w", sg.NodeID, childKey, err)
		}
		child = child.WithData(childKey, value)
	}
	for _, key := range sg.preserveKeys() {
		if v, ok := parent.Metadata[key]; ok {
			child = child.WithMetadata(key, v)
		}
	}
	return child, nil
}

// applySubgraphOutputs copies mapped child data and preserved metadata
// back into the parent message.
func applySubgraphOutputs(parent Message, sg *SubgraphNode, childFinal Message) Message {
	for childKey, parentKey := range sg.OutputMapping {
		parent = parent.WithData(parentKey, childFinal.GetData(childKey))
	}
	for _, key := range sg.preserveKeys() {
		if v, ok := childFinal.Metadata[key]; ok {
			parent = parent.WithMetadata(key, v)
		}
	}
	return parent
}

// Resume continues a WAITING run identified by checkpointID (the run
// id), merging the human response into the paused node's data slot and
// continuing along the node's outgoing edges.
//
// An expired interaction fails the run with reason "hitl timeout".
func (r *Runner) Resume(ctx context.Context, g *Graph, checkpointID string, response *HumanResponse) (RunReport, error) {
	report := RunReport{RunID: checkpointID, GraphID: g.id}

	if g.checkpoints == nil {
		err := &ConfigurationError{Message: "graph " + g.id + ": resume requires a checkpoint store"}
		report.Status = StatusFailed
		report.Err = err
		return report, err
	}

	cp, err := g.checkpoints.Load(ctx, checkpointID)
	if err != nil {
		err = fmt.Errorf("failed to load checkpoint %s: %w", checkpointID, err)
		report.Status = StatusFailed
		report.Err = err
		return report, err
	}
	if cp.GraphID != g.id {
		err := &ValidationError{Message: fmt.Sprintf("checkpoint %s belongs to graph %q, not %q", checkpointID, cp.GraphID, g.id)}
		report.Status = StatusFailed
		report.Err = err
		return report, err
	}
	if cp.ExecutionState != string(StateWaiting) {
		err := &ValidationError{Message: fmt.Sprintf("checkpoint %s is %s, not WAITING", checkpointID, cp.ExecutionState)}
		report.Status = StatusFailed
		report.Err = err
		return report, err
	}

	msg := cp.Message
	scope := RunScope{
		RunID:       cp.RunID,
		GraphID:     g.id,
		ParentRunID: cp.ParentRunID,
		Context:     scopeContext(msg),
	}
	if r.metrics != nil {
		r.metrics.WaitingRuns.WithLabelValues(g.id).Dec()
	}

	// Interaction timeout is enforced at resume time.
	if !cp.ExpiresAt.IsZero() && time.Now().After(cp.ExpiresAt) {
		failed, terr := msg.TransitionTo(StateFailed, "hitl timeout", cp.NodeID)
		if terr == nil {
			msg = failed
			eventPublisher{g.eventBus}.runTransition(ctx, scope, lastTransition(msg))
		}
		r.saveCheckpoint(ctx, g, scope, msg, cp.NodeID, nil, time.Time{})
		err := &TimeoutError{Message: "human interaction for run " + cp.RunID + " expired"}
		report.Status = StatusFailed
		report.Err = err
		report.FinalMessage = msg
		if r.metrics != nil {
			r.metrics.ObserveRun(g.id, StatusFailed)
		}
		return report, err
	}

	node, ok := g.nodes[cp.NodeID]
	if !ok {
		err := &ValidationError{Message: fmt.Sprintf("checkpoint %s references unknown node %q", checkpointID, cp.NodeID)}
		report.Status = StatusFailed
		report.Err = err
		return report, err
	}

	if sg, isSubgraph := node.(*SubgraphNode); isSubgraph {
		return r.resumeSubgraph(ctx, g, scope, sg, msg, response)
	}

	if err := validateResponse(cp, response); err != nil {
		report.Status = StatusFailed
		report.Err = err
		return report, err
	}
	if response != nil {
		msg = msg.WithData(cp.NodeID, responseData(*response))
	}

	running, err := msg.TransitionTo(StateRunning, "human response received", cp.NodeID)
	if err != nil {
		report.Status = StatusFailed
		report.Err = err
		return report, err
	}
	msg = running
	eventPublisher{g.eventBus}.runTransition(ctx, scope, lastTransition(msg))

	return r.run(ctx, g, scope, msg, cp.NodeID, false)
}

// resumeSubgraph delegates the response into the paused child run, then
// either re-pauses the parent (child paused again) or continues past
// the subgraph node.
func (r *Runner) resumeSubgraph(ctx context.Context, g *Graph, scope RunScope, sg *SubgraphNode, msg Message, response *HumanResponse) (RunReport, error) {
	report := RunReport{RunID: scope.RunID, GraphID: g.id}

	child := r.childGraph(g, sg)
	childReport, _ := r.Resume(ctx, child, sg.childRunID(scope.RunID), response)

	switch childReport.Status {
	case StatusPaused:
		// Still waiting on another interaction inside the child.
		if err := r.saveWaiting(ctx, g, scope, msg, sg.NodeID, childReport.PendingInteraction, time.Time{}); err != nil {
			return r.fail(ctx, g, scope, msg, sg.NodeID, &report, err)
		}
		if r.metrics != nil {
			r.metrics.WaitingRuns.WithLabelValues(g.id).Inc()
		}
		report.Status = StatusPaused
		report.PendingInteraction = childReport.PendingInteraction
		report.CheckpointID = scope.RunID
		report.FinalMessage = msg
		return report, nil
	case StatusFailed:
		return r.fail(ctx, g, scope, msg, sg.NodeID, &report, childReport.Err)
	case StatusCancelled:
		return r.cancel(ctx, g, scope, msg, sg.NodeID, &report)
	}

	msg = applySubgraphOutputs(msg, sg, childReport.FinalMessage)
	running, err := msg.TransitionTo(StateRunning, "subgraph resumed", sg.NodeID)
	if err != nil {
		return r.fail(ctx, g, scope, msg, sg.NodeID, &report, err)
	}
	msg = running
	eventPublisher{g.eventBus}.runTransition(ctx, scope, lastTransition(msg))

	return r.run(ctx, g, scope, msg, sg.NodeID, false)
}

// validateResponse correlates an incoming response with the pending
// interaction recorded at pause time.
func validateResponse(cp store.Checkpoint[Message], response *HumanResponse) error {
	if response == nil || len(cp.PendingInteraction) == 0 {
		return nil
	}
	var pending PendingInteraction
	if err := json.Unmarshal(cp.PendingInteraction, &pending); err != nil {
		return nil
	}
	if response.NodeID != "" && response.NodeID != pending.NodeID {
		return &ValidationError{Message: fmt.Sprintf(
			"response addresses node %q but run %s is waiting on %q",
			response.NodeID, cp.RunID, pending.NodeID)}
	}
	if response.InvocationIndex != pending.InvocationIndex {
		return &ValidationError{Message: fmt.Sprintf(
			"stale response for run %s: invocation %d, expected %d",
			cp.RunID, response.InvocationIndex, pending.InvocationIndex)}
	}
	return nil
}

// responseData is the value stored under the paused node's id. A lone
// selection collapses to its option id and plain text to the string;
// multi-select responses keep the structured map.
func responseData(response HumanResponse) any {
	ids := response.SelectedOptionIDs
	if len(ids) == 1 && response.FreeText == "" {
		return ids[0]
	}
	if len(ids) == 0 && response.FreeText != "" {
		return response.FreeText
	}
	out := map[string]any{}
	if len(ids) > 0 {
		vals := make([]any, len(ids))
		for i, id := range ids {
			vals[i] = id
		}
		out["selectedOptionIds"] = vals
	}
	if response.FreeText != "" {
		out["freeText"] = response.FreeText
	}
	return out
}
