// Package arbiter implements the HITL orchestrator described in spec
// §4.9: an external consumer that drains human responses off a queue,
// correlates each one to the checkpoint it answers by (runId, nodeId,
// invocationIndex), and drives the paused run forward via
// graph.GraphRunner.Resume. It never runs inside the same goroutine as
// the paused run — WAITING is never a blocked task (spec §9) — so the
// Arbiter is the only thing standing between "queued response" and
// "resumed run".
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arborflow/engine/graph"
)

// Response is one human reply pulled off a ResponseQueue, matching the
// wire shape in spec §6 ("Response shape (consumed by Arbiter)").
type Response struct {
	RunID           string
	NodeID          string
	InvocationIndex int
	SelectedOptionIDs []string
	FreeText        string
}

// ResponseQueue is the pluggable transport an Arbiter drains. Two
// implementations are provided: an in-memory channel (queue_memory.go)
// for tests and single-process deployments, and a Redis-list-backed one
// (queue_redis.go) for durable multi-process deployments, mirroring the
// teacher's habit of offering both an in-memory and a real-backend
// implementation behind every pluggable interface.
type ResponseQueue interface {
	// Pop blocks until a Response is available or ctx is cancelled. ok is
	// false only when the queue has been closed and drained.
	Pop(ctx context.Context) (resp Response, ok bool, err error)
	Push(ctx context.Context, resp Response) error
	Close() error
}

// GraphProvider locates the GraphRunner bound to whatever graph a given
// run was started against, so the Arbiter can call Resume without
// having to special-case every graph up front (spec §4.9, "requires a
// GraphProvider to locate the graph for a given incoming message").
type GraphProvider interface {
	RunnerForRun(ctx context.Context, runID string) (*graph.GraphRunner, bool, error)
}

// GraphProviderFunc adapts a plain function to GraphProvider.
type GraphProviderFunc func(ctx context.Context, runID string) (*graph.GraphRunner, bool, error)

func (f GraphProviderFunc) RunnerForRun(ctx context.Context, runID string) (*graph.GraphRunner, bool, error) {
	return f(ctx, runID)
}

// ResumeListener is notified after the Arbiter drives a resume to
// completion (or failure), primarily for tests and metrics; nil is a
// valid "don't care" value.
type ResumeListener func(resp Response, report graph.RunReport, err error)

// Arbiter pulls Responses off a ResponseQueue and resolves them against
// paused runs. Construct with New, then Start in its own goroutine; Stop
// cooperatively cancels the consume loop and waits for any resumes
// already in flight to finish before returning.
type Arbiter struct {
	queue    ResponseQueue
	provider GraphProvider
	log      *slog.Logger
	onResume ResumeListener

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Arbiter at construction time.
type Option func(*Arbiter)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option { return func(a *Arbiter) { a.log = l } }

// WithResumeListener wires a callback invoked after every resume attempt.
func WithResumeListener(f ResumeListener) Option { return func(a *Arbiter) { a.onResume = f } }

// New builds an Arbiter over queue, using provider to locate the runner
// for each incoming response's RunID.
func New(queue ResponseQueue, provider GraphProvider, opts ...Option) *Arbiter {
	a := &Arbiter{queue: queue, provider: provider, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start runs the consume loop until ctx is cancelled or Stop is called.
// It blocks the calling goroutine; callers typically invoke it with `go`.
func (a *Arbiter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	defer close(a.done)

	for {
		resp, ok, err := a.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Error("arbiter: queue pop failed", "error", err)
			continue
		}
		if !ok {
			return nil
		}

		a.wg.Add(1)
		go func(resp Response) {
			defer a.wg.Done()
			a.handle(ctx, resp)
		}(resp)
	}
}

// Stop cancels the consume loop and waits for every in-flight resume to
// finish (cooperative cancellation + drain, spec §4.9 "Lifecycle").
func (a *Arbiter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle resolves one Response against its paused run's checkpoint and
// calls Resume. Mismatches between the response and the checkpoint's
// pending interaction (wrong node, stale invocation index) are logged
// and dropped rather than corrupting an unrelated run.
func (a *Arbiter) handle(ctx context.Context, resp Response) {
	runner, found, err := a.provider.RunnerForRun(ctx, resp.RunID)
	if err != nil || !found {
		a.finish(resp, graph.RunReport{}, fmt.Errorf("arbiter: no runner for run %s: %w", resp.RunID, err))
		return
	}

	cp, found, err := runner.Checkpoint(ctx, resp.RunID)
	if err != nil || !found {
		a.finish(resp, graph.RunReport{}, fmt.Errorf("arbiter: no checkpoint for run %s: %w", resp.RunID, err))
		return
	}
	if !correlates(cp, resp) {
		a.log.Warn("arbiter: response does not correlate to pending checkpoint, dropping",
			"runId", resp.RunID, "nodeId", resp.NodeID, "invocationIndex", resp.InvocationIndex)
		a.finish(resp, graph.RunReport{}, fmt.Errorf("arbiter: stale response for run %s node %s", resp.RunID, resp.NodeID))
		return
	}

	report, err := runner.Resume(ctx, resp.RunID, graph.HumanResponse{
		SelectedIDs: resp.SelectedOptionIDs,
		Text:        resp.FreeText,
	})
	if err != nil {
		a.log.Warn("arbiter: resume failed", "runId", resp.RunID, "nodeId", resp.NodeID, "error", err)
	}
	a.finish(resp, report, err)
}

func (a *Arbiter) finish(resp Response, report graph.RunReport, err error) {
	if a.onResume != nil {
		a.onResume(resp, report, err)
	}
}

// correlates implements spec §4.9's "correlates each response to a
// checkpoint by (runId, nodeId, invocationIndex)": the checkpoint must
// still be waiting on exactly the node and invocation the response
// answers, otherwise it is a stale or misrouted reply.
func correlates(cp graph.Checkpoint, resp Response) bool {
	if cp.ExecutionState != graph.StateWaiting {
		return false
	}
	if cp.NodeID != resp.NodeID {
		return false
	}
	if cp.PendingInteraction == nil {
		return true
	}
	return cp.PendingInteraction.InvocationIndex == resp.InvocationIndex
}
