package graph

import "context"

// Branch is one entry of an inline Decision node: evaluated in
// registration order, first match wins.
type Branch struct {
	Name      string
	Target    string
	Predicate Predicate
	Otherwise bool // always matches; at most one per DecisionNode, must be last
}

// DecisionNode picks a branch inline, by evaluating Branches in order and
// writing the chosen branch's name into Message.Data[_selectedBranch] so
// that the Graph's auto-generated edges can route on it (spec §4.3.6).
type DecisionNode struct {
	baseNode
	Branches []Branch
}

// NewDecisionNode validates at construction time that at most one
// Otherwise branch exists and that it is last, matching spec invariant 4
// ("exactly one otherwise branch ... attempting a second raises a
// build-time error").
func NewDecisionNode(id string, branches []Branch) (*DecisionNode, error) {
	seenOtherwise := false
	for i, b := range branches {
		if b.Otherwise {
			if seenOtherwise {
				return nil, &ConfigurationError{Message: "decision node " + id + ": more than one otherwise branch"}
			}
			if i != len(branches)-1 {
				return nil, &ConfigurationError{Message: "decision node " + id + ": otherwise branch must be last"}
			}
			seenOtherwise = true
		}
	}
	return &DecisionNode{baseNode: baseNode{id: id}, Branches: branches}, nil
}

func (n *DecisionNode) Run(_ context.Context, m Message) (Message, error) {
	for _, b := range n.Branches {
		if b.Otherwise || (b.Predicate != nil && b.Predicate(m)) {
			return m.WithData(selectedBranchKey, StringValue(b.Name)), nil
		}
	}
	return m, &ConfigurationError{Message: "decision node " + n.id + ": no branch matched and no otherwise present"}
}

// BranchEdges returns the auto-generated edges for a DecisionNode: one
// per branch, each guarded by a condition reading _selectedBranch, priced
// by registration order so selectEdge's tie-break matches branch order.
func (n *DecisionNode) BranchEdges() []Edge {
	out := make([]Edge, 0, len(n.Branches))
	for i, b := range n.Branches {
		out = append(out, Edge{
			From:      n.id,
			To:        b.Target,
			Priority:  i,
			Name:      b.Name,
			Condition: branchCondition(b.Name),
		})
	}
	return out
}

// DecisionResult is what an external DecisionEngine returns for one
// invocation.
type DecisionResult struct {
	ResultID string
	Detail   map[string]Value
}

// DecisionEngine is the out-of-process routing collaborator for
// EngineDecisionNode: dynamic dispatch is expressed as an interface plus
// a resultId lookup, never as object-identity comparisons (spec §9).
type DecisionEngine interface {
	Decide(ctx context.Context, m Message) (DecisionResult, error)
}

// EngineDecisionNode delegates the routing decision to an external
// DecisionEngine and maps its resultId to a target node id via Routes,
// falling back to Default for unrecognized ids.
type EngineDecisionNode struct {
	baseNode
	Engine  DecisionEngine
	Routes  map[string]string
	Default string
}

func NewEngineDecisionNode(id string, engine DecisionEngine, routes map[string]string, def string) *EngineDecisionNode {
	return &EngineDecisionNode{baseNode: baseNode{id: id}, Engine: engine, Routes: routes, Default: def}
}

func (n *EngineDecisionNode) Run(ctx context.Context, m Message) (Message, error) {
	res, err := n.Engine.Decide(ctx, m)
	if err != nil {
		return m, &NodeError{Message: "engine decision failed", NodeID: n.id, Cause: err}
	}
	target, ok := n.Routes[res.ResultID]
	if !ok {
		target = n.Default
	}
	return m.WithData(selectedBranchKey, StringValue(target)), nil
}

// TargetEdges returns the auto-generated edges for an
// EngineDecisionNode's possible targets — unlike DecisionNode, the marker
// value here is the literal target node id, so one edge per registered
// route (plus the default) suffices.
func (n *EngineDecisionNode) TargetEdges() []Edge {
	seen := map[string]bool{}
	var out []Edge
	add := func(target string) {
		if seen[target] {
			return
		}
		seen[target] = true
		out = append(out, Edge{From: n.id, To: target, Condition: branchCondition(target)})
	}
	for _, target := range n.Routes {
		add(target)
	}
	add(n.Default)
	return out
}
