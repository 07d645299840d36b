package graph

import (
	"context"
	"fmt"

	"github.com/arborflow/engine/graph/tool"
)

// ParamMapper derives the tool call parameters from the current message.
type ParamMapper func(m Message) map[string]Value

// ToolRegistry is the process-wide, explicitly-injected registry of named
// tools, replacing the teacher's model of a global mutable registry with
// a struct constructed once at startup (spec §9, "global plugin
// registries"). Mutation is expected only during startup wiring.
type ToolRegistry struct {
	tools map[string]tool.Tool
}

// NewToolRegistry builds an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]tool.Tool{}}
}

// Register adds t under its own Name(). Last registration for a given
// name wins.
func (r *ToolRegistry) Register(t tool.Tool) {
	r.tools[t.Name()] = t
}

// Lookup returns the tool registered under name, if any.
func (r *ToolRegistry) Lookup(name string) (tool.Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ToolNode invokes a statically-bound tool. Execution is wrapped by the
// runner's idempotency and retry middleware, not by the node itself —
// ToolNode.Run is the bare, retryable unit of work.
type ToolNode struct {
	baseNode
	Tool      tool.Tool
	ParamMap  ParamMapper
	Side      SideEffectPolicy
}

// NewToolNode builds a static ToolNode. By default tool invocations are
// recordable and require idempotency, since they are the canonical
// "external side effect" in this runtime.
func NewToolNode(id string, t tool.Tool, paramMap ParamMapper) *ToolNode {
	return &ToolNode{
		baseNode: baseNode{id: id},
		Tool:     t,
		ParamMap: paramMap,
		Side:     SideEffectPolicy{Recordable: true, RequiresIdempotency: true},
	}
}

func (n *ToolNode) Run(ctx context.Context, m Message) (Message, error) {
	return runTool(ctx, n.id, n.Tool, n.ParamMap, m)
}

// NodePolicy implements NodePolicyProvider so the runner applies this
// node's SideEffectPolicy to idempotency and replay handling.
func (n *ToolNode) NodePolicy() NodePolicy { return NodePolicy{SideEffect: n.Side} }

func runTool(ctx context.Context, nodeID string, t tool.Tool, paramMap ParamMapper, m Message) (Message, error) {
	var params map[string]any
	if paramMap != nil {
		vparams := paramMap(m)
		params = make(map[string]any, len(vparams))
		for k, v := range vparams {
			params[k] = v.Native()
		}
	}
	out, err := t.Call(ctx, params)
	if err != nil {
		return m, &ToolError{ToolName: t.Name(), Message: err.Error(), Cause: err}
	}
	vout, convErr := Of(out)
	if convErr != nil {
		return m, &NodeError{Message: "tool result conversion failed", NodeID: nodeID, Cause: convErr}
	}
	result := m.WithData(nodeID, vout)
	result = result.WithToolCall(ToolCall{
		ID:   NewToolCallID(),
		Type: "function",
		Function: ToolCallFunction{
			Name:      "TOOL_RESULT",
			Arguments: map[string]Value{"tool": StringValue(t.Name()), "nodeId": StringValue(nodeID)},
		},
	})
	return result, nil
}

// ToolResolverMode controls how a DynamicToolNode handles a registry miss.
type ToolResolverMode int

const (
	// ResolverStrict fails graph validation (ResolverMissing) when a
	// Fallbacks entry is not registered. ByName's result is only known at
	// run time, where a name the registry doesn't have also fails with
	// ResolverMissing.
	ResolverStrict ToolResolverMode = iota
	// ResolverLenient passes validation without any check or warning; a
	// runtime miss tries Fallbacks and otherwise becomes a non-retryable
	// ValidationError.
	ResolverLenient
)

// DynamicToolNode picks its tool at runtime from a ToolRegistry, either
// via ByName (evaluated against the message) or, failing that, the first
// entry of Fallbacks present in the registry.
type DynamicToolNode struct {
	baseNode
	Registry  *ToolRegistry
	ByName    func(m Message) string
	Allowed   map[string]bool // nil = no restriction
	Fallbacks []string
	Mode      ToolResolverMode
	ParamMap  ParamMapper
	Side      SideEffectPolicy
}

func NewDynamicToolNode(id string, reg *ToolRegistry, byName func(m Message) string, mode ToolResolverMode) *DynamicToolNode {
	return &DynamicToolNode{
		baseNode: baseNode{id: id},
		Registry: reg,
		ByName:   byName,
		Mode:     mode,
		Side:     SideEffectPolicy{Recordable: true, RequiresIdempotency: true},
	}
}

// NodePolicy implements NodePolicyProvider, same rationale as ToolNode's:
// the resolved tool is still an external side effect even though the
// choice of which tool is made at runtime.
func (n *DynamicToolNode) NodePolicy() NodePolicy { return NodePolicy{SideEffect: n.Side} }

// Validate implements the strict-mode build-time check: ResolverStrict
// requires every name ByName could plausibly select (here, approximated
// by requiring the fallback chain to resolve) to already exist in the
// registry. Call this from Graph.Build.
func (n *DynamicToolNode) Validate() error {
	if n.Mode != ResolverStrict {
		return nil
	}
	for _, name := range n.Fallbacks {
		if _, ok := n.Registry.Lookup(name); !ok {
			return &ResolverMissing{NodeID: n.id, Reason: fmt.Sprintf("fallback tool %q not registered", name)}
		}
	}
	return nil
}

func (n *DynamicToolNode) resolve(m Message) (tool.Tool, error) {
	if n.ByName != nil {
		name := n.ByName(m)
		if name != "" {
			if n.Allowed != nil && !n.Allowed[name] {
				return nil, &ValidationError{Message: fmt.Sprintf("tool %q is not in the allowed set", name), Field: "tool"}
			}
			if t, ok := n.Registry.Lookup(name); ok {
				return t, nil
			}
			if n.Mode == ResolverStrict {
				return nil, &ResolverMissing{NodeID: n.id, Reason: fmt.Sprintf("tool %q not registered", name)}
			}
		}
	}
	for _, name := range n.Fallbacks {
		if t, ok := n.Registry.Lookup(name); ok {
			return t, nil
		}
	}
	return nil, &ValidationError{Message: "no tool resolved (name miss and no fallback available)", Field: "tool"}
}

func (n *DynamicToolNode) Run(ctx context.Context, m Message) (Message, error) {
	t, err := n.resolve(m)
	if err != nil {
		return m, err
	}
	return runTool(ctx, n.id, t, n.ParamMap, m)
}
