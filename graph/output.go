package graph

import "context"

// Selector extracts the final result value from a message reaching an
// Output node.
type Selector func(m Message) Value

// OutputNode marks a terminal point in the graph; its Selector's return
// value becomes RunReport.Result when the runner reaches it with no
// outgoing edges.
type OutputNode struct {
	baseNode
	Select Selector
}

func NewOutputNode(id string, sel Selector) *OutputNode {
	if sel == nil {
		sel = func(m Message) Value { return StringValue(m.Content) }
	}
	return &OutputNode{baseNode: baseNode{id: id}, Select: sel}
}

func (n *OutputNode) Run(_ context.Context, m Message) (Message, error) {
	return m.WithData("_output", n.Select(m)), nil
}

// CustomFunc is the user-defined node kind: any function from a message
// to a result, the lowest common denominator node kind for logic that
// doesn't fit Agent/Tool/Decision/Human/Subgraph/Output.
type CustomFunc func(ctx context.Context, m Message) (Message, error)

// CustomNode wraps a CustomFunc as a Node.
type CustomNode struct {
	baseNode
	Fn CustomFunc
}

func NewCustomNode(id string, fn CustomFunc) *CustomNode {
	return &CustomNode{baseNode: baseNode{id: id}, Fn: fn}
}

func (n *CustomNode) Run(ctx context.Context, m Message) (Message, error) {
	return n.Fn(ctx, m)
}
