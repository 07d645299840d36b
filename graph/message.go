package graph

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExecutionState is the run-level state of a Message, mirroring the
// teacher's explicit state-machine approach (graph/state.go) rather than
// inferring state from side channels.
type ExecutionState string

const (
	StateReady     ExecutionState = "READY"
	StateRunning   ExecutionState = "RUNNING"
	StateWaiting   ExecutionState = "WAITING"
	StateCompleted ExecutionState = "COMPLETED"
	StateFailed    ExecutionState = "FAILED"
	StateCancelled ExecutionState = "CANCELLED"
)

// StateTransition records one validated move in a Message's lifecycle.
type StateTransition struct {
	From      ExecutionState
	To        ExecutionState
	Timestamp time.Time
	Reason    string
	NodeID    string
}

var allowedTransitions = map[ExecutionState]map[ExecutionState]bool{
	StateReady:   {StateRunning: true, StateCancelled: true},
	StateRunning: {StateWaiting: true, StateCompleted: true, StateFailed: true, StateCancelled: true},
	StateWaiting: {StateRunning: true, StateFailed: true, StateCancelled: true},
}

// CanTransition reports whether from->to is a permitted state-machine edge.
func CanTransition(from, to ExecutionState) bool {
	return allowedTransitions[from][to]
}

func isTerminal(s ExecutionState) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ToolCall is the industry-standard function-call shape attached to a
// Message: either a tool invocation the graph is recording, or an
// out-of-band signal such as a HITL prompt.
type ToolCall struct {
	ID       string
	Type     string // always "function"
	Function ToolCallFunction
}

type ToolCallFunction struct {
	Name      string
	Arguments map[string]Value
}

// NewToolCallID produces a stable-format call id ("call_" + 24 hex chars).
func NewToolCallID() string {
	u := uuid.New()
	hex := strings.ReplaceAll(u.String(), "-", "")
	return "call_" + hex[:24]
}

// Message is the immutable envelope flowing through the graph. Every
// mutator returns a new value; nothing here is ever modified in place.
type Message struct {
	ID            string
	CorrelationID string
	CausationID   string
	Content       string
	From          string
	State         ExecutionState
	Data          map[string]Value
	Metadata      map[string]Value
	ToolCalls     []ToolCall
	StateHistory  []StateTransition
}

// create builds a bare READY message. Unexported: callers go through
// FromUserInput or NewMessage so every Message is well-formed.
func create(content, from, correlationID string, metadata map[string]Value) Message {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Message{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Content:       content,
		From:          from,
		State:         StateReady,
		Data:          map[string]Value{},
		Metadata:      cloneValueMap(metadata),
		ToolCalls:     nil,
		StateHistory:  nil,
	}
}

// FromUserInput builds a READY message carrying a single "user_input"
// tool call, the standard entry point for a run submitted by an end user.
func FromUserInput(text, actorID string, metadata map[string]Value, correlationID string) Message {
	m := create(text, actorID, correlationID, metadata)
	call := ToolCall{
		ID:   NewToolCallID(),
		Type: "function",
		Function: ToolCallFunction{
			Name:      "user_input",
			Arguments: map[string]Value{"text": StringValue(text)},
		},
	}
	m.ToolCalls = append(m.ToolCalls, call)
	return m
}

// NewMessage is the general constructor used internally (subgraphs, tests,
// node output) when no "user_input" tool call should be synthesized.
func NewMessage(content, from, correlationID string) Message {
	return create(content, from, correlationID, nil)
}

func cloneValueMap(m map[string]Value) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneToolCalls(tc []ToolCall) []ToolCall {
	out := make([]ToolCall, len(tc))
	copy(out, tc)
	return out
}

func cloneHistory(h []StateTransition) []StateTransition {
	out := make([]StateTransition, len(h))
	copy(out, h)
	return out
}

// WithContent returns a copy with Content replaced.
func (m Message) WithContent(content string) Message {
	cp := m
	cp.Content = content
	return cp
}

// WithData returns a copy with data[key] = value.
func (m Message) WithData(key string, value Value) Message {
	cp := m
	cp.Data = cloneValueMap(m.Data)
	cp.Data[key] = value
	return cp
}

// WithDataMap merges multiple keys at once.
func (m Message) WithDataMap(values map[string]Value) Message {
	cp := m
	cp.Data = cloneValueMap(m.Data)
	for k, v := range values {
		cp.Data[k] = v
	}
	return cp
}

// WithMetadata returns a copy with metadata[key] = value.
func (m Message) WithMetadata(key string, value Value) Message {
	cp := m
	cp.Metadata = cloneValueMap(m.Metadata)
	cp.Metadata[key] = value
	return cp
}

// WithToolCall appends a tool call, preserving registration order.
func (m Message) WithToolCall(tc ToolCall) Message {
	cp := m
	cp.ToolCalls = append(cloneToolCalls(m.ToolCalls), tc)
	return cp
}

// TransitionTo validates and appends a state transition. Returns
// InvalidStateTransition if from->to is not permitted.
func (m Message) TransitionTo(to ExecutionState, reason, nodeID string, now time.Time) (Message, error) {
	if !CanTransition(m.State, to) {
		return m, &InvalidStateTransition{From: m.State, To: to}
	}
	cp := m
	cp.State = to
	cp.StateHistory = append(cloneHistory(m.StateHistory), StateTransition{
		From:      m.State,
		To:        to,
		Timestamp: now,
		Reason:    reason,
		NodeID:    nodeID,
	})
	return cp, nil
}

// getPath resolves a dotted path against scope ("data" or "metadata")
// following the precedence rules in spec §4.1:
//
//	(a) a flat key equal to the literal path (containing dots) wins first;
//	(b) otherwise split on '.' and walk nested maps;
//	(c) an intermediate non-map value yields null;
//	(d) blank segments yield null.
func getPath(scope map[string]Value, path string) Value {
	if path == "" {
		return Null()
	}
	if v, ok := scope[path]; ok {
		return v
	}
	segments := strings.Split(path, ".")
	var cur Value = MapValue(scope)
	for _, seg := range segments {
		if seg == "" {
			return Null()
		}
		idx := -1
		name := seg
		if strings.HasSuffix(seg, "]") {
			if open := strings.IndexByte(seg, '['); open >= 0 {
				name = seg[:open]
				if n, err := strconv.Atoi(seg[open+1 : len(seg)-1]); err == nil {
					idx = n
				}
			}
		}
		m, ok := cur.Map()
		if !ok {
			return Null()
		}
		next, ok := m[name]
		if !ok {
			return Null()
		}
		if idx >= 0 {
			list, ok := next.List()
			if !ok || idx < 0 || idx >= len(list) {
				return Null()
			}
			next = list[idx]
		}
		cur = next
	}
	return cur
}

// GetData resolves a dotted path in m.Data.
func (m Message) GetData(path string) Value { return getPath(m.Data, path) }

// GetMetadata resolves a dotted path in m.Metadata.
func (m Message) GetMetadata(path string) Value { return getPath(m.Metadata, path) }
