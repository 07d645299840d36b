package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arborflow/engine/graph/store"
	"github.com/arborflow/engine/graph/tool"
)

// echoAgent is a minimal AgentProvider that appends a fixed suffix and
// optionally emits a tool call, standing in for a real LLM-backed agent.
type echoAgent struct {
	suffix string
}

func (a echoAgent) Invoke(_ context.Context, in AgentInput) (AgentOutput, error) {
	return AgentOutput{Text: in.Content + a.suffix}, nil
}

func buildGraph(t *testing.T, b *Builder) *Graph {
	t.Helper()
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

// --- S1: agent -> tool -> output chain --------------------------------

func TestRunner_S1_AgentToolOutputChain(t *testing.T) {
	agentNode := NewAgentNode("agent", echoAgent{suffix: " (agent)"}, nil)
	mock := &tool.MockTool{ToolName: "search", Responses: []map[string]interface{}{{"found": true}}}
	toolNode := NewToolNode("search", mock, func(m Message) map[string]Value {
		return map[string]Value{"q": StringValue(m.Content)}
	})
	outputNode := NewOutputNode("out", func(m Message) Value {
		return m.GetData("search")
	})

	b := NewBuilder("s1")
	b.AddNode(agentNode)
	b.AddNode(toolNode)
	b.AddNode(outputNode)
	b.SetEntryPoint("agent")
	b.AddEdge(Edge{From: "agent", To: "search"})
	b.AddEdge(Edge{From: "search", To: "out"})
	g := buildGraph(t, b)

	runner := New(g, WithIdempotencyStore(store.NewMemoryIdempotencyStore()))
	report, err := runner.Run(context.Background(), NewMessage("hi", "user", ""))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Status != StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%v)", report.Status, report.Err)
	}
	m, ok := report.Result.Map()
	if !ok {
		t.Fatalf("expected result to be the tool output map, got %v", report.Result)
	}
	if b, ok := m["found"].Bool(); !ok || !b {
		t.Fatalf("expected tool result propagated to output, got %+v", m)
	}
	if len(mock.Calls) != 1 {
		t.Fatalf("expected exactly one tool invocation, got %d", len(mock.Calls))
	}
}

// --- S2: decision routing ----------------------------------------------

func TestRunner_S2_DecisionRouting(t *testing.T) {
	decision, err := NewDecisionNode("route", []Branch{
		{Name: "urgent", Target: "urgentOut", Predicate: func(m Message) bool {
			v, _ := m.GetData("priority").String()
			return v == "high"
		}},
		{Name: "default", Target: "normalOut", Otherwise: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	urgentOut := NewOutputNode("urgentOut", func(Message) Value { return StringValue("urgent-path") })
	normalOut := NewOutputNode("normalOut", func(Message) Value { return StringValue("normal-path") })

	b := NewBuilder("s2")
	b.AddNode(decision)
	b.AddNode(urgentOut)
	b.AddNode(normalOut)
	b.SetEntryPoint("route")
	g := buildGraph(t, b)

	runner := New(g)
	in := NewMessage("", "user", "").WithData("priority", StringValue("high"))
	report, err := runner.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := report.Result.String(); s != "urgent-path" {
		t.Fatalf("expected routing to the urgent branch, got %q", s)
	}

	in2 := NewMessage("", "user", "").WithData("priority", StringValue("low"))
	report2, err := runner.Run(context.Background(), in2)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := report2.Result.String(); s != "normal-path" {
		t.Fatalf("expected routing to the default/otherwise branch, got %q", s)
	}
}

// --- S3: HITL selection pause/resume ------------------------------------

func TestRunner_S3_HITLPauseAndResume(t *testing.T) {
	human := NewHumanNode("ask", "pick one", []HumanOption{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}}, SelectionSingle, 0, nil)
	out := NewOutputNode("out", func(m Message) Value {
		return m.GetData("_humanResponse.ask.selectedIds")
	})

	b := NewBuilder("s3")
	b.AddNode(human)
	b.AddNode(out)
	b.SetEntryPoint("ask")
	b.AddEdge(Edge{From: "ask", To: "out"})
	g := buildGraph(t, b)

	cpStore := store.NewMemoryCheckpointStore()
	runner := New(g, WithCheckpointStore(cpStore))

	report, err := runner.Run(context.Background(), NewMessage("", "user", ""))
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusPaused {
		t.Fatalf("expected PAUSED after the HITL node, got %s", report.Status)
	}
	if report.PendingInteraction == nil || report.PendingInteraction.Prompt == nil {
		t.Fatalf("expected a pending interaction with a prompt, got %+v", report.PendingInteraction)
	}
	if report.PendingInteraction.Prompt.SelectionType != SelectionSingle {
		t.Fatalf("expected selection type single, got %v", report.PendingInteraction.Prompt.SelectionType)
	}

	runID := report.RunID
	resumed, err := runner.Resume(context.Background(), runID, HumanResponse{SelectedIDs: []string{"a"}})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.Status != StatusSuccess {
		t.Fatalf("expected SUCCESS after resume, got %s (%v)", resumed.Status, resumed.Err)
	}
	l, ok := resumed.Result.List()
	if !ok || len(l) != 1 {
		t.Fatalf("expected selected id propagated through output, got %v", resumed.Result)
	}
	if s, _ := l[0].String(); s != "a" {
		t.Fatalf("expected selected id 'a', got %q", s)
	}

	if _, found, _ := cpStore.Load(context.Background(), runID); found {
		t.Fatalf("expected the checkpoint to be deleted once the run completes")
	}
}

// --- S4: retry exhaustion — exactly 3 invocations -----------------------

type failNTool struct {
	name    string
	failFor int
	calls   int32
}

func (f *failNTool) Name() string { return f.name }
func (f *failNTool) Call(context.Context, map[string]interface{}) (map[string]interface{}, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if int(n) <= f.failFor {
		return nil, &RetryableError{Message: "transient failure"}
	}
	return map[string]interface{}{"ok": true}, nil
}

func TestRunner_S4_RetryExhaustion_ExactlyThreeInvocations(t *testing.T) {
	ft := &failNTool{name: "flaky", failFor: 100}
	toolNode := NewToolNode("flaky", ft, nil)

	b := NewBuilder("s4")
	b.AddNode(toolNode)
	b.SetEntryPoint("flaky")
	g := buildGraph(t, b)

	runner := New(g, WithRetryPolicy(ExecutionRetryPolicy{
		MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 1,
	}))
	report, err := runner.Run(context.Background(), NewMessage("", "", ""))
	if err == nil {
		t.Fatal("expected retries to exhaust and the run to fail")
	}
	if report.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", report.Status)
	}
	if int(atomic.LoadInt32(&ft.calls)) != 3 {
		t.Fatalf("expected exactly 3 tool invocations, got %d", ft.calls)
	}
	var ee *ExecutionError
	if !errors.As(err, &ee) || !ee.RetriesExhausted {
		t.Fatalf("expected *ExecutionError with RetriesExhausted, got %T: %v", err, err)
	}
}

func TestRunner_Boundary_MaxAttemptsOneExactlyOneInvocation(t *testing.T) {
	ft := &failNTool{name: "flaky", failFor: 100}
	toolNode := NewToolNode("flaky", ft, nil)

	b := NewBuilder("boundary1")
	b.AddNode(toolNode)
	b.SetEntryPoint("flaky")
	g := buildGraph(t, b)

	runner := New(g, WithRetryPolicy(ExecutionRetryPolicy{MaxAttempts: 1}))
	report, err := runner.Run(context.Background(), NewMessage("", "", ""))
	if err == nil {
		t.Fatal("expected failure")
	}
	if report.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", report.Status)
	}
	if int(atomic.LoadInt32(&ft.calls)) != 1 {
		t.Fatalf("expected exactly 1 invocation for MaxAttempts=1, got %d", ft.calls)
	}
}

// --- S5: subgraph with input/output mapping -----------------------------

func TestRunner_S5_SubgraphInputOutputMapping(t *testing.T) {
	childOut := NewOutputNode("childOut", func(m Message) Value {
		n, _ := m.GetData("x").Int()
		return IntValue(n * 2)
	})
	cb := NewBuilder("child")
	cb.AddNode(childOut)
	cb.SetEntryPoint("childOut")
	child := buildGraph(t, cb)

	sub := NewSubgraphNode("doubler", child)
	sub.InputMapping = map[string]string{"x": "{{data.value}}"}
	sub.OutputMapping = map[string]string{"_output": "doubled"}

	parentOut := NewOutputNode("parentOut", func(m Message) Value {
		return m.GetData("doubled")
	})

	b := NewBuilder("s5")
	b.AddNode(sub)
	b.AddNode(parentOut)
	b.SetEntryPoint("doubler")
	b.AddEdge(Edge{From: "doubler", To: "parentOut"})
	g := buildGraph(t, b)

	runner := New(g)
	in := NewMessage("", "", "").WithData("value", IntValue(21))
	report, err := runner.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Status != StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%v)", report.Status, report.Err)
	}
	n, ok := report.Result.Int()
	if !ok || n != 42 {
		t.Fatalf("expected doubled value 42 mapped back to parent, got %v", report.Result)
	}
}

func TestRunner_Subgraph_DepthCeilingExceeded(t *testing.T) {
	// A graph that nests a subgraph referencing itself would recurse
	// forever; approximate the same effect with a 0-depth ceiling so the
	// very first entry already exceeds it.
	leafOut := NewOutputNode("leafOut", func(Message) Value { return StringValue("leaf") })
	lb := NewBuilder("leaf")
	lb.AddNode(leafOut)
	lb.SetEntryPoint("leafOut")
	leaf := buildGraph(t, lb)

	sub := NewSubgraphNode("sub", leaf)
	sub.MaxDepth = 0

	b := NewBuilder("depth")
	b.AddNode(sub)
	b.SetEntryPoint("sub")
	g := buildGraph(t, b)

	runner := New(g)
	report, err := runner.Run(context.Background(), NewMessage("", "", ""))
	if err == nil {
		t.Fatal("expected DepthExceeded")
	}
	if report.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", report.Status)
	}
	var de *DepthExceeded
	if !errors.As(err, &de) {
		t.Fatalf("expected *DepthExceeded, got %T: %v", err, err)
	}
}

// --- Boundary: RateLimitError.retryAfterMs capped at maxDelay -----------

type rateLimitedTool struct {
	calls int32
}

func (r *rateLimitedTool) Name() string { return "ratelimited" }
func (r *rateLimitedTool) Call(context.Context, map[string]interface{}) (map[string]interface{}, error) {
	if atomic.AddInt32(&r.calls, 1) == 1 {
		return nil, &RateLimitError{Message: "slow down", RetryAfterMs: 60000}
	}
	return map[string]interface{}{"ok": true}, nil
}

func TestRunner_Boundary_RateLimitRetryAfterCappedAtMaxDelay(t *testing.T) {
	rt := &rateLimitedTool{}
	toolNode := NewToolNode("ratelimited", rt, nil)
	b := NewBuilder("ratelimit")
	b.AddNode(toolNode)
	b.SetEntryPoint("ratelimited")
	g := buildGraph(t, b)

	runner := New(g, WithRetryPolicy(ExecutionRetryPolicy{
		MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond, BackoffMultiplier: 1,
	}))
	start := time.Now()
	report, err := runner.Run(context.Background(), NewMessage("", "", ""))
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if report.Status != StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", report.Status)
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("RetryAfterMs (60s) was not capped by MaxDelay (20ms): waited %v", elapsed)
	}
}

// --- Boundary: HITL timeout on resume -----------------------------------

func TestRunner_Boundary_HITLExpiredTimeoutAtResumeFailsWithHitlTimeout(t *testing.T) {
	human := NewHumanNode("ask", "pick one", nil, SelectionFreeText, 10*time.Millisecond, nil)
	out := NewOutputNode("out", nil)

	b := NewBuilder("timeout")
	b.AddNode(human)
	b.AddNode(out)
	b.SetEntryPoint("ask")
	b.AddEdge(Edge{From: "ask", To: "out"})
	g := buildGraph(t, b)

	cpStore := store.NewMemoryCheckpointStore()
	runner := New(g, WithCheckpointStore(cpStore))

	report, err := runner.Run(context.Background(), NewMessage("", "", ""))
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusPaused {
		t.Fatalf("expected PAUSED, got %s", report.Status)
	}

	time.Sleep(30 * time.Millisecond)

	resumed, err := runner.Resume(context.Background(), report.RunID, HumanResponse{Text: "too late"})
	if err == nil {
		t.Fatal("expected the expired HITL deadline to fail the resume")
	}
	if resumed.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", resumed.Status)
	}
	if err.Error() != "hitl timeout" {
		t.Fatalf("expected reason %q, got %q", "hitl timeout", err.Error())
	}
}

// --- Boundary: strict dynamic resolver with missing tool rejects at build

func TestRunner_Boundary_StrictDynamicResolverMissingToolRejectsAtBuild(t *testing.T) {
	reg := NewToolRegistry()
	dyn := NewDynamicToolNode("dyn", reg, func(Message) string { return "" }, ResolverStrict)
	dyn.Fallbacks = []string{"does-not-exist"}

	b := NewBuilder("strict")
	b.AddNode(dyn)
	b.SetEntryPoint("dyn")
	_, err := b.Build()
	if err == nil {
		t.Fatal("expected Build to reject a strict dynamic resolver with an unresolvable fallback")
	}
	var rm *ResolverMissing
	if !errors.As(err, &rm) {
		t.Fatalf("expected *ResolverMissing, got %T: %v", err, err)
	}
}

// --- Idempotency: at-most-once per (runId, nodeId, attempt) -------------

func TestGraphRunner_InvokeIdempotent_SecondCallForSameFingerprintReturnsCachedResult(t *testing.T) {
	g := buildGraph(t, NewBuilder("idem").AddNode(NewOutputNode("noop", nil)).SetEntryPoint("noop"))
	idemStore := store.NewMemoryIdempotencyStore()
	runner := New(g, WithIdempotencyStore(idemStore))

	ctx := withRunID(context.Background(), "run-1")
	var invocations int32
	handler := func(_ context.Context, m Message) (Message, error) {
		atomic.AddInt32(&invocations, 1)
		return m.WithData("result", IntValue(1)), nil
	}

	m := NewMessage("", "", "").WithData("input", StringValue("x"))
	out1, err := runner.invokeIdempotent(ctx, "node1", 1, m, handler)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := runner.invokeIdempotent(ctx, "node1", 1, m, handler)
	if err != nil {
		t.Fatal(err)
	}
	if invocations != 1 {
		t.Fatalf("expected the underlying handler invoked exactly once for a repeated fingerprint, got %d", invocations)
	}
	v1, _ := out1.GetData("result").Int()
	v2, _ := out2.GetData("result").Int()
	if v1 != v2 {
		t.Fatalf("expected both calls to observe the same cached result, got %d vs %d", v1, v2)
	}
}

func TestGraphRunner_InvokeIdempotent_DifferentAttemptsAreIndependent(t *testing.T) {
	g := buildGraph(t, NewBuilder("idem2").AddNode(NewOutputNode("noop", nil)).SetEntryPoint("noop"))
	idemStore := store.NewMemoryIdempotencyStore()
	runner := New(g, WithIdempotencyStore(idemStore))

	ctx := withRunID(context.Background(), "run-1")
	var invocations int32
	handler := func(_ context.Context, m Message) (Message, error) {
		atomic.AddInt32(&invocations, 1)
		return m, nil
	}

	m := NewMessage("", "", "")
	if _, err := runner.invokeIdempotent(ctx, "node1", 1, m, handler); err != nil {
		t.Fatal(err)
	}
	if _, err := runner.invokeIdempotent(ctx, "node1", 2, m, handler); err != nil {
		t.Fatal(err)
	}
	if invocations != 2 {
		t.Fatalf("expected a distinct attempt number to produce a distinct fingerprint and re-invoke, got %d", invocations)
	}
}
