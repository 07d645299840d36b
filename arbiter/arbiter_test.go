package arbiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arborflow/engine/graph"
	"github.com/arborflow/engine/graph/store"
)

// buildPausedRunner constructs a one-node HITL graph and returns a
// GraphRunner plus the RunID of a run already paused at that node.
func buildPausedRunner(t *testing.T) (*graph.GraphRunner, string) {
	t.Helper()
	human := graph.NewHumanNode("ask", "pick one", nil, graph.SelectionFreeText, 0, nil)
	out := graph.NewOutputNode("out", func(m graph.Message) graph.Value {
		return m.GetData("_humanResponse.ask.text")
	})

	b := graph.NewBuilder("g")
	b.AddNode(human)
	b.AddNode(out)
	b.SetEntryPoint("ask")
	b.AddEdge(graph.Edge{From: "ask", To: "out"})
	g, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	runner := graph.New(g, graph.WithCheckpointStore(store.NewMemoryCheckpointStore()))
	report, err := runner.Run(context.Background(), graph.NewMessage("", "", ""))
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != graph.StatusPaused {
		t.Fatalf("expected the run to pause at the HITL node, got %s", report.Status)
	}
	return runner, report.RunID
}

func singleRunnerProvider(runner *graph.GraphRunner, runID string) GraphProviderFunc {
	return func(_ context.Context, rid string) (*graph.GraphRunner, bool, error) {
		if rid != runID {
			return nil, false, nil
		}
		return runner, true, nil
	}
}

func TestArbiter_CorrelatedResponseResumesTheRun(t *testing.T) {
	runner, runID := buildPausedRunner(t)
	queue := NewMemoryQueue(1)

	var mu sync.Mutex
	var reports []graph.RunReport
	a := New(queue, singleRunnerProvider(runner, runID), WithResumeListener(func(_ Response, report graph.RunReport, _ error) {
		mu.Lock()
		reports = append(reports, report)
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Start(ctx) }()

	if err := queue.Push(context.Background(), Response{RunID: runID, NodeID: "ask", InvocationIndex: 0, FreeText: "hello"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(reports)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the arbiter to resume the run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if reports[0].Status != graph.StatusSuccess {
		t.Fatalf("expected the resumed run to succeed, got %s (%v)", reports[0].Status, reports[0].Err)
	}
	if s, _ := reports[0].Result.String(); s != "hello" {
		t.Fatalf("expected the human response text threaded through, got %q", s)
	}
}

func TestArbiter_MismatchedInvocationIndexIsDroppedNotApplied(t *testing.T) {
	runner, runID := buildPausedRunner(t)
	queue := NewMemoryQueue(1)

	var mu sync.Mutex
	var gotErr error
	var called bool
	a := New(queue, singleRunnerProvider(runner, runID), WithResumeListener(func(_ Response, _ graph.RunReport, err error) {
		mu.Lock()
		gotErr = err
		called = true
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Start(ctx) }()

	// InvocationIndex 7 does not correlate to the checkpoint's actual
	// pending interaction (invocation 0).
	if err := queue.Push(context.Background(), Response{RunID: runID, NodeID: "ask", InvocationIndex: 7, FreeText: "stale"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := called
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the arbiter to process the stale response")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if gotErr == nil {
		t.Fatal("expected a correlation error for a stale invocation index")
	}

	// The run must still be paused and resumable by the correct response.
	cp, found, err := runner.Checkpoint(context.Background(), runID)
	if err != nil || !found {
		t.Fatalf("expected the checkpoint to still exist, found=%v err=%v", found, err)
	}
	if cp.ExecutionState != graph.StateWaiting {
		t.Fatalf("expected the run to remain WAITING after a stale response, got %s", cp.ExecutionState)
	}
}

func TestArbiter_StopDrainsInFlightWorkBeforeReturning(t *testing.T) {
	runner, runID := buildPausedRunner(t)
	queue := NewMemoryQueue(1)

	started := make(chan struct{})
	finished := make(chan struct{})
	a := New(queue, singleRunnerProvider(runner, runID), WithResumeListener(func(Response, graph.RunReport, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		close(finished)
	}))

	ctx := context.Background()
	startCtx, cancelStart := context.WithCancel(ctx)
	go func() { _ = a.Start(startCtx) }()

	if err := queue.Push(ctx, Response{RunID: runID, NodeID: "ask", InvocationIndex: 0, FreeText: "x"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelStop()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop returned an error: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight resume finished draining")
	}
	cancelStart()
}
