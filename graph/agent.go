package graph

import "context"

// AgentInput is the view of a Message handed to an AgentProvider: content
// plus the correlation metadata an external agent needs to keep a
// multi-turn conversation coherent.
type AgentInput struct {
	Content       string
	CorrelationID string
	Metadata      map[string]Value
}

// TokenUsage reports token accounting for a single agent invocation, used
// by the optional CostTracker (graph/cost.go).
type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// AgentOutput is what an AgentProvider returns: text plus any tool calls
// the agent wants recorded on the message.
type AgentOutput struct {
	Text      string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// AgentProvider is the external-collaborator contract for LLM-backed
// agents. The engine core never imports a concrete LLM SDK — a provider
// is wired in by the caller, matching the teacher's out-of-process
// graph/model.ChatModel boundary. This module ships no concrete adapter.
type AgentProvider interface {
	Invoke(ctx context.Context, in AgentInput) (AgentOutput, error)
}

// InputSelector derives an AgentInput from a Message; the default
// selector forwards Content and CorrelationID and copies Metadata
// verbatim.
type InputSelector func(m Message) AgentInput

func defaultInputSelector(m Message) AgentInput {
	return AgentInput{
		Content:       m.Content,
		CorrelationID: m.CorrelationID,
		Metadata:      m.Metadata,
	}
}

// AgentNode invokes an external AgentProvider, attaches any returned tool
// calls, and preserves message state (the runner drives state
// transitions; individual node kinds never transition state themselves
// except HumanNode entering WAITING).
type AgentNode struct {
	baseNode
	Provider AgentProvider
	Selector InputSelector
}

// NewAgentNode constructs an AgentNode with the default input selector if
// sel is nil.
func NewAgentNode(id string, provider AgentProvider, sel InputSelector) *AgentNode {
	if sel == nil {
		sel = defaultInputSelector
	}
	return &AgentNode{baseNode: baseNode{id: id}, Provider: provider, Selector: sel}
}

func (n *AgentNode) Run(ctx context.Context, m Message) (Message, error) {
	in := n.Selector(m)
	out, err := n.Provider.Invoke(ctx, in)
	if err != nil {
		return m, &NodeError{Message: "agent invocation failed", Code: "AGENT_ERROR", NodeID: n.id, Cause: err}
	}
	result := m.WithContent(out.Text)
	for _, tc := range out.ToolCalls {
		result = result.WithToolCall(tc)
	}
	if out.Usage != nil {
		if tracker := costTrackerFromContext(ctx); tracker != nil {
			tracker.Record(n.id, *out.Usage)
		}
	}
	return result, nil
}
