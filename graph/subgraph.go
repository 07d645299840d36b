package graph

import (
	"context"

	"github.com/arborflow/engine/graph/template"
)

// valueResolvable adapts Value to template.Resolvable so the template
// package can walk a message's data/metadata without importing graph
// (which would create an import cycle, since graph imports template).
type valueResolvable struct{ v Value }

func (r valueResolvable) AsMap() (map[string]template.Resolvable, bool) {
	m, ok := r.v.Map()
	if !ok {
		return nil, false
	}
	out := make(map[string]template.Resolvable, len(m))
	for k, v := range m {
		out[k] = valueResolvable{v}
	}
	return out, true
}

func (r valueResolvable) AsList() ([]template.Resolvable, bool) {
	l, ok := r.v.List()
	if !ok {
		return nil, false
	}
	out := make([]template.Resolvable, len(l))
	for i, v := range l {
		out[i] = valueResolvable{v}
	}
	return out, true
}

func (r valueResolvable) AsString() (string, bool) { return r.v.String() }
func (r valueResolvable) AsInt() (int64, bool)      { return r.v.Int() }
func (r valueResolvable) AsFloat() (float64, bool)  { return r.v.Float() }
func (r valueResolvable) AsBool() (bool, bool)       { return r.v.Bool() }
func (r valueResolvable) IsNull() bool               { return r.v.IsNull() }

func resolvableToValue(r template.Resolvable) Value {
	if r == nil {
		return Null()
	}
	if s, ok := r.AsString(); ok {
		return StringValue(s)
	}
	if b, ok := r.AsBool(); ok {
		return BoolValue(b)
	}
	if i, ok := r.AsInt(); ok {
		return IntValue(i)
	}
	if f, ok := r.AsFloat(); ok {
		return FloatValue(f)
	}
	if l, ok := r.AsList(); ok {
		out := make([]Value, len(l))
		for i, e := range l {
			out[i] = resolvableToValue(e)
		}
		return ListValue(out)
	}
	if m, ok := r.AsMap(); ok {
		out := make(map[string]Value, len(m))
		for k, e := range m {
			out[k] = resolvableToValue(e)
		}
		return MapValue(out)
	}
	return Null()
}

// resolveExpression resolves a "{{scope.path}}[:cast]" template against a
// message, applying the requested cast.
func resolveExpression(m Message, raw string) Value {
	expr := template.Parse(raw)
	var scope map[string]Value
	switch expr.Scope {
	case "metadata":
		scope = m.Metadata
	default:
		scope = m.Data
	}
	resolved := template.Resolve(valueResolvable{MapValue(scope)}, expr.Path)
	v := resolvableToValue(resolved)
	return applyCast(v, expr.Cast)
}

func applyCast(v Value, cast template.Cast) Value {
	if v.IsNull() {
		return v
	}
	switch cast {
	case template.CastInt, template.CastLong:
		if i, ok := v.Int(); ok {
			return IntValue(i)
		}
		return Null()
	case template.CastDouble:
		if f, ok := v.Float(); ok {
			return FloatValue(f)
		}
		return Null()
	case template.CastBool:
		if b, ok := v.Bool(); ok {
			return BoolValue(b)
		}
		return Null()
	case template.CastString:
		if s, ok := v.String(); ok {
			return StringValue(s)
		}
		return v
	default: // any
		return v
	}
}

// defaultPreserveKeys flow across subgraph boundaries even when a
// SubgraphNode doesn't list them explicitly.
var defaultPreserveKeys = []string{"tenantId", "userId", "correlationId", "traceId"}

// SubgraphNode runs a nested Graph via a recursive GraphRunner
// invocation, mapping parent state in and child state out through the
// template DSL.
type SubgraphNode struct {
	baseNode
	Child         *Graph
	MaxDepth      int
	PreserveKeys  []string
	InputMapping  map[string]string // childDataKey -> template expression against parent
	OutputMapping map[string]string // childDataKey -> parentDataKey
	runnerOpts    []RunnerOption
}

func NewSubgraphNode(id string, child *Graph, opts ...RunnerOption) *SubgraphNode {
	return &SubgraphNode{
		baseNode:     baseNode{id: id},
		Child:        child,
		MaxDepth:     10,
		PreserveKeys: defaultPreserveKeys,
		runnerOpts:   opts,
	}
}

func (n *SubgraphNode) Run(ctx context.Context, m Message) (Message, error) {
	depth := currentDepth(ctx)
	if depth >= n.MaxDepth {
		return m, &DepthExceeded{MaxDepth: n.MaxDepth}
	}

	childMsg := NewMessage(m.Content, n.id, m.CorrelationID)
	for _, key := range n.PreserveKeys {
		if v, ok := m.Metadata[key]; ok {
			childMsg = childMsg.WithMetadata(key, v)
		}
	}
	for childKey, expr := range n.InputMapping {
		childMsg = childMsg.WithData(childKey, resolveExpression(m, expr))
	}

	childRunner := New(n.Child, n.runnerOpts...)
	childCtx := withDepth(ctx, depth+1)
	report, err := childRunner.run(childCtx, childMsg)
	if err != nil {
		return m, err
	}

	result := m
	for _, key := range n.PreserveKeys {
		if v, ok := report.FinalMessage.Metadata[key]; ok {
			result = result.WithMetadata(key, v)
		}
	}
	for childKey, parentKey := range n.OutputMapping {
		if v, ok := report.FinalMessage.Data[childKey]; ok {
			result = result.WithData(parentKey, v)
		}
	}

	if report.Status == StatusPaused {
		waiting, terr := result.TransitionTo(StateWaiting, "subgraph hitl", n.id, nowFunc())
		if terr != nil {
			return result, terr
		}
		waiting = waiting.WithData("_pendingInteraction.subgraphCheckpointKey",
			StringValue(report.PendingInteraction.CheckpointID+":subgraph:"+n.id))
		return waiting, nil
	}
	if report.Status == StatusFailed {
		return result, report.Err
	}
	return result, nil
}
