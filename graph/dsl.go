package graph

import (
	"time"

	"gopkg.in/yaml.v3"
)

// GraphDSL is the YAML document shape accepted by BuildGraph: topology
// (entry point, edges, cycle/retry policy) layered over a set of nodes
// the caller has already constructed in Go. Node bodies (an Agent's
// provider, a Tool's implementation) are Go values, not YAML — the DSL
// only describes how already-built nodes connect, the same division the
// teacher's functional-options engine draws between "what a node does"
// (Go) and "how the engine is configured" (options/DSL).
type GraphDSL struct {
	ID          string        `yaml:"id"`
	EntryPoint  string        `yaml:"entryPoint"`
	AllowCycles bool          `yaml:"allowCycles"`
	Edges       []EdgeDSL     `yaml:"edges"`
	RetryPolicy *RetryDSL     `yaml:"retryPolicy,omitempty"`
	RetryEnabled *bool        `yaml:"retryEnabled,omitempty"`
}

type EdgeDSL struct {
	From       string `yaml:"from"`
	To         string `yaml:"to"`
	Priority   int    `yaml:"priority"`
	Name       string `yaml:"name,omitempty"`
	IsFallback bool   `yaml:"isFallback,omitempty"`
}

type RetryDSL struct {
	MaxAttempts       int     `yaml:"maxAttempts"`
	InitialDelayMs    int     `yaml:"initialDelayMs"`
	MaxDelayMs        int     `yaml:"maxDelayMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
	JitterFactor      float64 `yaml:"jitterFactor"`
}

func (r RetryDSL) toPolicy() ExecutionRetryPolicy {
	return ExecutionRetryPolicy{
		MaxAttempts:       r.MaxAttempts,
		InitialDelay:      time.Duration(r.InitialDelayMs) * time.Millisecond,
		MaxDelay:          time.Duration(r.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier: r.BackoffMultiplier,
		JitterFactor:      r.JitterFactor,
	}
}

// BuildGraph parses dsl (YAML bytes) and wires it against the supplied,
// already-constructed nodes, implementing spec §6's
// "buildGraph(id, dsl) -> Graph (validated)".
func BuildGraph(nodes []Node, dsl []byte) (*Graph, error) {
	var doc GraphDSL
	if err := yaml.Unmarshal(dsl, &doc); err != nil {
		return nil, &ConfigurationError{Message: "invalid graph DSL: " + err.Error()}
	}

	b := NewBuilder(doc.ID)
	for _, n := range nodes {
		b.AddNode(n)
	}
	b.SetEntryPoint(doc.EntryPoint)
	b.AllowCycles(doc.AllowCycles)
	for _, e := range doc.Edges {
		b.AddEdge(Edge{
			From:       e.From,
			To:         e.To,
			Priority:   e.Priority,
			Name:       e.Name,
			IsFallback: e.IsFallback,
		})
	}
	if doc.RetryPolicy != nil {
		b.WithRetryPolicy(doc.RetryPolicy.toPolicy())
	}
	if doc.RetryEnabled != nil && !*doc.RetryEnabled {
		b.DisableRetry()
	}
	return b.Build()
}
