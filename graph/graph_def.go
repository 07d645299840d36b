package graph

import "fmt"

// Graph is a validated, immutable-post-build definition of nodes, edges,
// and the entry point. Graphs are safe to share across concurrent runs
// once Build has returned successfully (spec §5, "graphs are immutable
// post-build").
type Graph struct {
	ID           string
	Nodes        map[string]Node
	NodeOrder    []string
	Edges        []Edge
	EntryPoint   string
	AllowCycles  bool
	RetryPolicy  *ExecutionRetryPolicy
	RetryEnabled bool
}

// Builder constructs a Graph incrementally; call Build to validate.
type Builder struct {
	g         Graph
	buildErrs []error
}

// NewBuilder starts a new graph definition.
func NewBuilder(id string) *Builder {
	return &Builder{g: Graph{
		ID:           id,
		Nodes:        map[string]Node{},
		RetryEnabled: true,
	}}
}

// AddNode registers a node, preserving insertion order. Registering a
// second node under the same id replaces the first but keeps its
// original position, matching Go map insertion semantics being
// explicitly tracked rather than relied upon.
func (b *Builder) AddNode(n Node) *Builder {
	id := n.ID()
	if _, exists := b.g.Nodes[id]; !exists {
		b.g.NodeOrder = append(b.g.NodeOrder, id)
	}
	b.g.Nodes[id] = n
	return b
}

// AddEdge appends an edge in registration order; Priority ties are broken
// by this order (spec §4.3.3).
func (b *Builder) AddEdge(e Edge) *Builder {
	b.g.Edges = append(b.g.Edges, e)
	return b
}

// SetEntryPoint names the node execution starts from.
func (b *Builder) SetEntryPoint(id string) *Builder {
	b.g.EntryPoint = id
	return b
}

// AllowCycles opts the graph into cyclic traversal (spec §4.2.2.e); the
// runner then enforces a per-run step cap instead of a visited-set.
func (b *Builder) AllowCycles(v bool) *Builder {
	b.g.AllowCycles = v
	return b
}

// WithRetryPolicy sets a graph-level retry override; it takes precedence
// over the runner-level policy (spec §4.5).
func (b *Builder) WithRetryPolicy(p ExecutionRetryPolicy) *Builder {
	b.g.RetryPolicy = &p
	return b
}

// DisableRetry forces single-attempt execution for every node in this
// graph, regardless of runner configuration.
func (b *Builder) DisableRetry() *Builder {
	b.g.RetryEnabled = false
	return b
}

// Build validates the graph and returns it. Validation includes:
//   - entry point must reference a registered node;
//   - every edge's From/To must reference registered nodes;
//   - Decision and EngineDecision nodes auto-append their branch edges;
//   - dynamic tool resolver nodes run their own Validate().
func (b *Builder) Build() (*Graph, error) {
	if len(b.buildErrs) > 0 {
		return nil, b.buildErrs[0]
	}
	g := b.g
	if g.EntryPoint == "" {
		return nil, &ConfigurationError{Message: "graph " + g.ID + ": no entry point set"}
	}
	if _, ok := g.Nodes[g.EntryPoint]; !ok {
		return nil, &ConfigurationError{Message: "graph " + g.ID + ": entry point " + g.EntryPoint + " not registered"}
	}

	for _, id := range g.NodeOrder {
		switch n := g.Nodes[id].(type) {
		case *DecisionNode:
			g.Edges = append(g.Edges, n.BranchEdges()...)
		case *EngineDecisionNode:
			g.Edges = append(g.Edges, n.TargetEdges()...)
		case *DynamicToolNode:
			if err := n.Validate(); err != nil {
				return nil, err
			}
		}
	}

	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return nil, &ConfigurationError{Message: fmt.Sprintf("graph %s: edge references unregistered source node %q", g.ID, e.From)}
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return nil, &ConfigurationError{Message: fmt.Sprintf("graph %s: edge references unregistered target node %q", g.ID, e.To)}
		}
	}

	return &g, nil
}
