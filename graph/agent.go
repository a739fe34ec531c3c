package graph

import "context"

// Agent is the contract for an external LLM-backed agent. Provider
// adapters live outside this module; the engine only depends on this
// interface.
type Agent interface {
	// Name identifies the agent for logging and attribution.
	Name() string

	// Invoke processes the request and returns the agent's response.
	Invoke(ctx context.Context, req AgentRequest) (AgentResponse, error)
}

// AgentRequest is the input view of a message handed to an agent: the
// selected content plus correlation metadata.
type AgentRequest struct {
	Content       string
	CorrelationID string
	Metadata      map[string]any
}

// AgentResponse is what an agent returns: new content and any tool calls
// the agent wants executed.
type AgentResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc struct {
	AgentName string
	Fn        func(ctx context.Context, req AgentRequest) (AgentResponse, error)
}

// Name implements Agent.
func (a *AgentFunc) Name() string { return a.AgentName }

// Invoke implements Agent.
func (a *AgentFunc) Invoke(ctx context.Context, req AgentRequest) (AgentResponse, error) {
	return a.Fn(ctx, req)
}

// AgentNode invokes an external agent. The input selector derives the
// request content from the message (defaults to Message.Content); the
// response content replaces the message content and any returned tool
// calls are appended in order. Execution state is preserved.
type AgentNode struct {
	NodeID string
	Agent  Agent

	// InputSelector derives the agent input from the message. Nil uses
	// Message.Content.
	InputSelector func(msg Message) string
}

// NewAgentNode creates an agent node.
func NewAgentNode(id string, agent Agent) *AgentNode {
	return &AgentNode{NodeID: id, Agent: agent}
}

// ID implements Node.
func (n *AgentNode) ID() string { return n.NodeID }

// SideEffecting marks agent invocations for idempotency wrapping.
func (n *AgentNode) SideEffecting() bool { return true }

// Validate implements build-time validation.
func (n *AgentNode) Validate() error {
	if n.Agent == nil {
		return &ConfigurationError{Message: "agent node " + n.NodeID + ": agent is required"}
	}
	return nil
}

// Run implements Node.
func (n *AgentNode) Run(ctx context.Context, msg Message) NodeResult {
	content := msg.Content
	if n.InputSelector != nil {
		content = n.InputSelector(msg)
	}

	resp, err := n.Agent.Invoke(ctx, AgentRequest{
		Content:       content,
		CorrelationID: msg.CorrelationID,
		Metadata:      msg.Metadata,
	})
	if err != nil {
		return NodeResult{Err: Classify(err)}
	}

	out := msg.WithContent(resp.Content)
	out.From = n.Agent.Name()
	for _, tc := range resp.ToolCalls {
		out = out.WithToolCall(tc)
	}
	return NodeResult{Message: out}
}
