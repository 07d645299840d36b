package graph

import "sync"

// ModelPricing is the USD-per-1M-token rate for a model, used only for a
// rough running estimate; it is not billing-grade and is not wired to any
// external pricing API.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing seeds a few illustrative entries; callers wire
// their own via CostTracker.SetPricing for models not listed here.
var defaultModelPricing = map[string]ModelPricing{
	"claude-3-5-sonnet": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
}

// CostEntry accumulates usage for one node across a run.
type CostEntry struct {
	PromptTokens     int64
	CompletionTokens int64
	EstimatedUSD     float64
}

// CostTracker is an optional, supplemented feature (see SPEC_FULL.md):
// Agent-node invocations that report TokenUsage accumulate here. It is
// pure observability and never influences control flow.
type CostTracker struct {
	mu      sync.Mutex
	pricing map[string]ModelPricing
	model   string
	byNode  map[string]*CostEntry
}

// NewCostTracker builds a tracker; model selects the pricing row applied
// to every Record call (a tracker is scoped to one run, which typically
// uses one model).
func NewCostTracker(model string) *CostTracker {
	return &CostTracker{pricing: defaultModelPricing, model: model, byNode: map[string]*CostEntry{}}
}

func (c *CostTracker) SetPricing(model string, p ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pricing == nil {
		c.pricing = map[string]ModelPricing{}
	}
	c.pricing[model] = p
}

// Record accumulates token usage for nodeID and updates its running cost
// estimate using the tracker's configured model pricing, if known.
func (c *CostTracker) Record(nodeID string, usage TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byNode[nodeID]
	if !ok {
		e = &CostEntry{}
		c.byNode[nodeID] = e
	}
	e.PromptTokens += usage.PromptTokens
	e.CompletionTokens += usage.CompletionTokens
	if p, ok := c.pricing[c.model]; ok {
		e.EstimatedUSD = float64(e.PromptTokens)/1e6*p.InputPer1M + float64(e.CompletionTokens)/1e6*p.OutputPer1M
	}
}

// Snapshot returns a copy of the per-node cost entries accumulated so far.
func (c *CostTracker) Snapshot() map[string]CostEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CostEntry, len(c.byNode))
	for k, v := range c.byNode {
		out[k] = *v
	}
	return out
}

// Total sums the estimated cost across all tracked nodes.
func (c *CostTracker) Total() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, e := range c.byNode {
		total += e.EstimatedUSD
	}
	return total
}
