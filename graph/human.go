package graph

import (
	"context"
	"time"
)

// SelectionType distinguishes a single-choice HITL prompt from a
// multi-choice or free-text one.
type SelectionType string

const (
	SelectionSingle   SelectionType = "single"
	SelectionMultiple SelectionType = "multiple"
	SelectionFreeText SelectionType = "free_text"
)

// HumanOption is one selectable item of a request_user_selection prompt.
type HumanOption struct {
	ID          string
	Label       string
	Description string
	Metadata    map[string]Value
}

// HumanPromptEmitter is notified out-of-band whenever a HumanNode enters
// WAITING; the runner only flips the state and persists the checkpoint,
// it never blocks waiting for a response itself (spec §9: HITL pauses
// are never a blocked task).
type HumanPromptEmitter interface {
	EmitPrompt(ctx context.Context, prompt HITLPrompt)
}

// HITLPrompt is the wire shape described in spec §6.
type HITLPrompt struct {
	Type             string // "request_user_selection" | "request_user_input"
	RunID            string
	NodeID           string
	InvocationIndex  int
	Prompt           string
	Options          []HumanOption
	SelectionType    SelectionType
	TimeoutMs        *int64
	CorrelationID    string
	TenantID         string
	UserID           string
}

// HumanNode pauses the run for a human response. invocationIndex makes
// the emitted tool-call id stable across retries of the same loop
// iteration while still changing across re-entries of a cyclic graph.
type HumanNode struct {
	baseNode
	Prompt        string
	Options       []HumanOption
	SelectionType SelectionType
	Timeout       time.Duration
	Emitter       HumanPromptEmitter

	invocationIndex map[string]int // keyed by runID, incremented on loop re-entry
}

func NewHumanNode(id, prompt string, options []HumanOption, st SelectionType, timeout time.Duration, emitter HumanPromptEmitter) *HumanNode {
	return &HumanNode{
		baseNode:        baseNode{id: id},
		Prompt:          prompt,
		Options:         options,
		SelectionType:   st,
		Timeout:         timeout,
		Emitter:         emitter,
		invocationIndex: map[string]int{},
	}
}

func (n *HumanNode) nextInvocation(runID string) int {
	idx := n.invocationIndex[runID]
	n.invocationIndex[runID] = idx + 1
	return idx
}

// Run produces a WAITING message carrying the HITL tool call. The runner
// is responsible for persisting the checkpoint and returning PAUSED;
// HumanNode itself never transitions state (the runner does, uniformly,
// for every node that returns a WAITING-destined message) — here it only
// stamps the message with the pending-interaction data the runner reads
// to decide to transition.
func (n *HumanNode) Run(ctx context.Context, m Message) (Message, error) {
	runID, _ := m.GetMetadata("runId").String()
	idx := n.nextInvocation(runID)

	callType := "request_user_input"
	if len(n.Options) > 0 {
		callType = "request_user_selection"
	}
	callID := stableHITLCallID(runID, n.id, idx)

	args := map[string]Value{
		"prompt":          StringValue(n.Prompt),
		"invocationIndex": IntValue(int64(idx)),
		"selectionType":   StringValue(string(n.SelectionType)),
	}
	if len(n.Options) > 0 {
		opts := make([]Value, len(n.Options))
		for i, o := range n.Options {
			opts[i] = MapValue(map[string]Value{
				"id":    StringValue(o.ID),
				"label": StringValue(o.Label),
			})
		}
		args["options"] = ListValue(opts)
	}

	result := m.WithToolCall(ToolCall{
		ID:   callID,
		Type: "function",
		Function: ToolCallFunction{
			Name:      callType,
			Arguments: args,
		},
	})
	result = result.WithData("_pendingInteraction."+n.id+".invocationIndex", IntValue(int64(idx)))
	if n.Timeout > 0 {
		deadline := nowFunc().Add(n.Timeout)
		result = result.WithData("_pendingInteraction."+n.id+".deadlineUnixMs", IntValue(deadline.UnixMilli()))
	}

	if n.Emitter != nil {
		var timeoutMs *int64
		if n.Timeout > 0 {
			ms := n.Timeout.Milliseconds()
			timeoutMs = &ms
		}
		tenantID, _ := m.GetMetadata("tenantId").String()
		userID, _ := m.GetMetadata("userId").String()
		n.Emitter.EmitPrompt(ctx, HITLPrompt{
			Type:            callType,
			RunID:           runID,
			NodeID:          n.id,
			InvocationIndex: idx,
			Prompt:          n.Prompt,
			Options:         n.Options,
			SelectionType:   n.SelectionType,
			TimeoutMs:       timeoutMs,
			CorrelationID:   result.CorrelationID,
			TenantID:        tenantID,
			UserID:          userID,
		})
	}

	return result, nil
}

// stableHITLCallID derives a deterministic call id from (runID, nodeID,
// invocationIndex) so retries of the same invocation reuse the same id.
func stableHITLCallID(runID, nodeID string, invocationIndex int) string {
	return "call_" + deterministicHex(runID+"|"+nodeID+"|"+itoa(invocationIndex), 24)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
