package graph

import (
	"context"
	"sync"
	"sync/atomic"
)

// MergeFunc combines the base message that entered a ParallelNode with the
// per-child result messages (in registration order) into the single
// message the node hands back to the runner.
type MergeFunc func(base Message, results []Message) Message

// ParallelNode fans a message out to a fixed set of child nodes, runs them
// concurrently through a Frontier for deterministic scheduling, and merges
// their outputs back into one message before returning to the runner's
// single-successor execution loop. Unlike Decision/EngineDecision, a
// ParallelNode never changes which edge fires next: from the runner's
// point of view it is one node that happens to do concurrent work inside.
type ParallelNode struct {
	NodeID         string
	Children       []Node
	Merge          MergeFunc
	MaxConcurrency int // 0 = len(Children)
}

// NewParallelNode builds a ParallelNode running every child concurrently,
// merged by merge (DefaultMerge if nil).
func NewParallelNode(id string, children []Node, merge MergeFunc) *ParallelNode {
	if merge == nil {
		merge = DefaultMerge
	}
	return &ParallelNode{NodeID: id, Children: children, Merge: merge}
}

func (n *ParallelNode) ID() string { return n.NodeID }

// DefaultMerge folds each child's Data and Metadata into base, in
// registration order, so later children win on key collisions; every
// child's ToolCalls are appended, child by child, after base's own
// (including any a child carried over from base).
func DefaultMerge(base Message, results []Message) Message {
	out := base
	for _, r := range results {
		for k, v := range r.Data {
			out = out.WithData(k, v)
		}
		for k, v := range r.Metadata {
			out = out.WithMetadata(k, v)
		}
		for _, tc := range r.ToolCalls {
			out = out.WithToolCall(tc)
		}
	}
	return out
}

func (n *ParallelNode) Run(ctx context.Context, m Message) (Message, error) {
	if len(n.Children) == 0 {
		return m, nil
	}

	concurrency := n.MaxConcurrency
	if concurrency <= 0 || concurrency > len(n.Children) {
		concurrency = len(n.Children)
	}

	frontier := NewFrontier(len(n.Children))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	enqueueDone := make(chan error, 1)
	go func() {
		for i, child := range n.Children {
			item := WorkItem{
				StepID:       i,
				OrderKey:     ComputeOrderKey(n.NodeID, i),
				NodeID:       child.ID(),
				Input:        m,
				ParentNodeID: n.NodeID,
				EdgeIndex:    i,
			}
			if err := frontier.Enqueue(runCtx, item); err != nil {
				enqueueDone <- err
				return
			}
		}
		enqueueDone <- nil
	}()

	results := make([]Message, len(n.Children))
	byNodeID := make(map[string]Node, len(n.Children))
	for _, c := range n.Children {
		byNodeID[c.ID()] = c
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	remaining := int64(len(n.Children))
	wg.Add(concurrency)
	for w := 0; w < concurrency; w++ {
		go func() {
			defer wg.Done()
			for atomic.AddInt64(&remaining, -1) >= 0 {
				item, err := frontier.Dequeue(runCtx)
				if err != nil {
					return
				}
				child := byNodeID[item.NodeID]
				out, err := child.Run(runCtx, item.Input)
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = &NodeError{NodeID: child.ID(), Message: err.Error(), Cause: err}
					}
					cancel()
				} else {
					results[item.StepID] = out
				}
				mu.Unlock()
				if err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()
	enqueueErr := <-enqueueDone

	if firstErr != nil {
		return m, firstErr
	}
	if enqueueErr != nil {
		return m, enqueueErr
	}

	return n.Merge(m, results), nil
}
