package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the terminal (or paused) disposition of a Run or a single
// node attempt within it.
type RunStatus string

const (
	StatusSuccess   RunStatus = "SUCCESS"
	StatusFailed    RunStatus = "FAILED"
	StatusPaused    RunStatus = "PAUSED"
	StatusCancelled RunStatus = "CANCELLED"
)

// NodeReport summarizes one node's execution within a run, including
// retry attempts actually spent.
type NodeReport struct {
	NodeID     string
	Status     RunStatus
	Attempts   int
	DurationMs int64
	Output     Value
	Error      error
}

// RunReport is what GraphRunner.Run/Resume return: the run's outcome plus
// enough detail to inspect what happened at each node.
type RunReport struct {
	RunID              string
	Status             RunStatus
	Result             Value
	NodeReports        []NodeReport
	PendingInteraction *PendingInteraction
	FinalMessage       Message
	Err                error
}

// HumanResponse is what a caller supplies to Resume to answer an
// outstanding HITL prompt.
type HumanResponse struct {
	SelectedIDs []string
	Text        string
	Data        map[string]Value
}

// GraphRunner drives one Graph's traversal: middleware-wrapped node
// execution, retry, idempotency, checkpointing, and edge selection (spec
// §4.2). A Graph is immutable post-build and safe to share across many
// GraphRunners and concurrent runs.
type GraphRunner struct {
	graph *Graph
	cfg   runnerConfig
}

// New builds a GraphRunner for g, applying opts over the library
// defaults (graph/options.go).
func New(g *Graph, opts ...RunnerOption) *GraphRunner {
	cfg := defaultRunnerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	cfg.middleware = buildMiddlewareChain(cfg)
	return &GraphRunner{graph: g, cfg: cfg}
}

// buildMiddlewareChain appends the metrics, logging, and tracing
// middleware automatically when their backing dependency was wired via
// WithMetrics/WithLogging/WithTracing, so callers don't have to remember
// to list them twice.
func buildMiddlewareChain(cfg runnerConfig) []Middleware {
	mws := append([]Middleware{}, cfg.middleware...)
	if cfg.metrics != nil {
		mws = append(mws, &MetricsMiddleware{Metrics: cfg.metrics})
	}
	if cfg.logEmitter != nil {
		mws = append(mws, &LoggingMiddleware{Emitter: cfg.logEmitter})
	}
	if cfg.tracer != nil {
		mws = append(mws, &TracingMiddleware{Tracer: cfg.tracer})
	}
	return mws
}

// Run starts a new execution at the graph's entry point.
func (r *GraphRunner) Run(ctx context.Context, initial Message) (RunReport, error) {
	return r.run(ctx, initial)
}

// run is the shared entry point used both by Run and, recursively, by
// SubgraphNode invoking a child graph. It assigns a run id when the
// message doesn't already carry one (a fresh top-level run), performs
// the READY->RUNNING transition, and drives the traversal loop from the
// graph's entry point.
func (r *GraphRunner) run(ctx context.Context, m Message) (RunReport, error) {
	runID, _ := m.GetMetadata("runId").String()
	if runID == "" {
		runID = uuid.NewString()
		m = m.WithMetadata("runId", StringValue(runID))
	}
	var priorRecordings []RecordedIO
	if r.cfg.replayMode && r.cfg.checkpointStore != nil {
		if cp, found, err := r.cfg.checkpointStore.Load(ctx, runID); err == nil && found {
			priorRecordings = cp.RecordedIOs
		}
	}
	ctx = r.primeContext(ctx, runID, priorRecordings)

	running, err := m.TransitionTo(StateRunning, "run started", "", nowFunc())
	if err != nil {
		return RunReport{RunID: runID, Status: StatusFailed, Err: err, FinalMessage: m}, err
	}

	return r.loop(ctx, runID, running, r.graph.EntryPoint, false)
}

// primeContext installs the run id, a deterministic RNG, replay mode and
// its recording/lookup state, and an optional cost tracker. Only an RNG
// a caller (or an enclosing subgraph run) already set is kept; the run
// id and replay values are always replaced, and so is the cost tracker
// when one is configured.
// priorRecordings seeds the replay lookup table (the RecordedIOs from a
// previously checkpointed run of the same id); it's nil on a fresh,
// never-replayed run.
func (r *GraphRunner) primeContext(ctx context.Context, runID string, priorRecordings []RecordedIO) context.Context {
	ctx = withRunID(ctx, runID)
	if _, ok := ctx.Value(rngKey).(*rand.Rand); !ok {
		ctx = withRNG(ctx, initRNG(runID))
	}
	ctx = withReplayMode(ctx, r.cfg.replayMode)
	ctx = withReplayState(ctx, newReplayState(priorRecordings, r.cfg.strictReplay))
	if r.cfg.costTracker != nil {
		ctx = withCostTracker(ctx, r.cfg.costTracker)
	}
	return ctx
}

// Checkpoint loads the persisted checkpoint for runID without resuming
// it, letting a caller (the HITL Arbiter, most notably) verify a queued
// response still correlates to the run's actual pending interaction
// before calling Resume.
func (r *GraphRunner) Checkpoint(ctx context.Context, runID string) (Checkpoint, bool, error) {
	if r.cfg.checkpointStore == nil {
		return Checkpoint{}, false, &ConfigurationError{Message: "Checkpoint called without a CheckpointStore configured"}
	}
	return r.cfg.checkpointStore.Load(ctx, runID)
}

// Resume answers an outstanding HITL prompt for a paused run, loading its
// checkpoint, applying resp, and continuing traversal from the edge
// leaving the paused node (the paused HumanNode itself is never re-run).
func (r *GraphRunner) Resume(ctx context.Context, runID string, resp HumanResponse) (RunReport, error) {
	if r.cfg.checkpointStore == nil {
		return RunReport{RunID: runID, Status: StatusFailed}, &ConfigurationError{Message: "Resume called without a CheckpointStore configured"}
	}
	cp, found, err := r.cfg.checkpointStore.Load(ctx, runID)
	if err != nil {
		return RunReport{RunID: runID, Status: StatusFailed, Err: err}, err
	}
	if !found {
		err := &ConfigurationError{Message: "no checkpoint found for run " + runID}
		return RunReport{RunID: runID, Status: StatusFailed, Err: err}, err
	}
	if cp.ExecutionState != StateWaiting {
		err := &ConfigurationError{Message: "run " + runID + " is not in WAITING state"}
		return RunReport{RunID: runID, Status: StatusFailed, Err: err}, err
	}
	if cp.PendingInteraction != nil && cp.PendingInteraction.Deadline != nil && nowFunc().After(*cp.PendingInteraction.Deadline) {
		report := RunReport{RunID: runID}
		return r.terminalFail(r.primeContext(ctx, runID, cp.RecordedIOs), report, cp.Message, &TimeoutError{Message: "hitl timeout"})
	}

	ctx = r.primeContext(ctx, runID, cp.RecordedIOs)

	m := cp.Message
	resumed, err := m.TransitionTo(StateRunning, "resumed from human response", cp.NodeID, nowFunc())
	if err != nil {
		return RunReport{RunID: runID, Status: StatusFailed, Err: err, FinalMessage: m}, err
	}
	resumed = applyHumanResponse(resumed, cp.NodeID, resp)

	return r.loop(ctx, runID, resumed, cp.NodeID, true)
}

// applyHumanResponse records resp against the paused node's invocation so
// downstream edge conditions and node logic can read it back out of the
// message, the same dotted-path Data convention the rest of the runtime
// uses for out-of-band signals.
func applyHumanResponse(m Message, nodeID string, resp HumanResponse) Message {
	if resp.Text != "" {
		m = m.WithContent(resp.Text)
	}
	prefix := "_humanResponse." + nodeID
	if len(resp.SelectedIDs) > 0 {
		ids := make([]Value, len(resp.SelectedIDs))
		for i, id := range resp.SelectedIDs {
			ids[i] = StringValue(id)
		}
		m = m.WithData(prefix+".selectedIds", ListValue(ids))
	}
	if resp.Text != "" {
		m = m.WithData(prefix+".text", StringValue(resp.Text))
	}
	for k, v := range resp.Data {
		m = m.WithData(prefix+"."+k, v)
	}
	return m
}

// loop implements the traversal described in spec §4.2: repeatedly
// execute the current node, let it transition into WAITING (pause) or
// stay RUNNING, select the next edge, and stop when a node has no
// outgoing edge (COMPLETED), a node fails terminally, or maxSteps is
// exceeded. When skipFirstExec is true (resuming past a paused node),
// the first iteration only performs edge selection.
func (r *GraphRunner) loop(ctx context.Context, runID string, m Message, nodeID string, skipFirstExec bool) (RunReport, error) {
	report := RunReport{RunID: runID}
	visited := map[string]bool{}

	for step := 0; step < r.cfg.maxSteps; step++ {
		node, ok := r.graph.Nodes[nodeID]
		if !ok {
			return r.terminalFail(ctx, report, m, &ConfigurationError{Message: "node " + nodeID + " not found in graph " + r.graph.ID})
		}

		if skipFirstExec && step == 0 {
			// The paused node already ran before the checkpoint; move past it.
		} else {
			if !r.graph.AllowCycles {
				if visited[nodeID] {
					return r.terminalFail(ctx, report, m, &CycleDetected{NodeID: nodeID})
				}
				visited[nodeID] = true
			}

			stepCtx := withNodeID(withStepID(ctx, step), nodeID)
			out, nr, err := r.execNode(stepCtx, node, nodeID, m)
			report.NodeReports = append(report.NodeReports, nr)
			if err != nil {
				return r.terminalFail(ctx, report, m, err)
			}
			m = out

			if _, isHuman := node.(*HumanNode); isHuman {
				return r.pause(ctx, report, m, nodeID)
			}
			if m.State == StateWaiting {
				return r.pause(ctx, report, m, nodeID)
			}
		}

		edge, ok := selectEdge(r.graph.Edges, nodeID, m)
		if !ok {
			return r.complete(ctx, report, m)
		}
		nodeID = edge.To
	}

	return r.terminalFail(ctx, report, m, ErrMaxStepsExceeded)
}

// complete transitions m into COMPLETED and fills in the run's result
// value, preferring an OutputNode's stamped "_output" slot. In replay
// mode the checkpoint is kept (with its RecordedIOs) instead of deleted,
// so a later replay run has something to rehydrate from.
func (r *GraphRunner) complete(ctx context.Context, report RunReport, m Message) (RunReport, error) {
	done, err := m.TransitionTo(StateCompleted, "no outgoing edge", "", nowFunc())
	if err != nil {
		return r.terminalFail(ctx, report, m, err)
	}
	if r.cfg.checkpointStore != nil {
		if r.cfg.replayMode {
			cp := Checkpoint{
				RunID:          report.RunID,
				GraphID:        r.graph.ID,
				Message:        done,
				ExecutionState: StateCompleted,
				RecordedIOs:    recordedIOsFromContext(ctx),
				ExpiresAt:      nowFunc().Add(DefaultCheckpointTTL),
				CreatedAt:      nowFunc(),
			}
			_ = r.cfg.checkpointStore.Save(ctx, cp)
		} else {
			_ = r.cfg.checkpointStore.Delete(ctx, report.RunID)
		}
	}
	report.Status = StatusSuccess
	report.FinalMessage = done
	if v, ok := done.Data["_output"]; ok {
		report.Result = v
	} else {
		report.Result = StringValue(done.Content)
	}
	return report, nil
}

// pause transitions m into WAITING, persists a checkpoint (if a store is
// wired), and returns StatusPaused.
func (r *GraphRunner) pause(ctx context.Context, report RunReport, m Message, nodeID string) (RunReport, error) {
	waiting := m
	if m.State != StateWaiting {
		w, err := m.TransitionTo(StateWaiting, "awaiting human response", nodeID, nowFunc())
		if err != nil {
			return r.terminalFail(ctx, report, m, err)
		}
		waiting = w
	}

	pending := buildPendingInteraction(report.RunID, nodeID, waiting)
	if r.cfg.checkpointStore != nil {
		cp := Checkpoint{
			RunID:              report.RunID,
			GraphID:            r.graph.ID,
			NodeID:             nodeID,
			Message:            waiting,
			ExecutionState:     StateWaiting,
			PendingInteraction: pending,
			RecordedIOs:        recordedIOsFromContext(ctx),
			ExpiresAt:          nowFunc().Add(DefaultCheckpointTTL),
			CreatedAt:          nowFunc(),
		}
		if err := r.cfg.checkpointStore.Save(ctx, cp); err != nil {
			return r.terminalFail(ctx, report, waiting, err)
		}
	}

	report.Status = StatusPaused
	report.FinalMessage = waiting
	report.PendingInteraction = pending
	return report, nil
}

// buildPendingInteraction reconstructs the HITL prompt description from
// the tool call and data the paused node stamped onto the message,
// rather than threading a parallel out-of-band struct through Run.
func buildPendingInteraction(runID, nodeID string, m Message) *PendingInteraction {
	idx := 0
	if v, ok := m.GetData("_pendingInteraction." + nodeID + ".invocationIndex").Int(); ok {
		idx = int(v)
	}
	var prompt *HITLPrompt
	if len(m.ToolCalls) > 0 {
		last := m.ToolCalls[len(m.ToolCalls)-1]
		p := HITLPrompt{
			Type:            last.Function.Name,
			RunID:           runID,
			NodeID:          nodeID,
			InvocationIndex: idx,
			CorrelationID:   m.CorrelationID,
		}
		if v, ok := last.Function.Arguments["prompt"].String(); ok {
			p.Prompt = v
		}
		if v, ok := last.Function.Arguments["selectionType"].String(); ok {
			p.SelectionType = SelectionType(v)
		}
		prompt = &p
	}
	var deadline *time.Time
	if ms, ok := m.GetData("_pendingInteraction." + nodeID + ".deadlineUnixMs").Int(); ok {
		t := time.UnixMilli(ms)
		deadline = &t
	}
	return &PendingInteraction{
		CheckpointID:    runID,
		NodeID:          nodeID,
		InvocationIndex: idx,
		Prompt:          prompt,
		Deadline:        deadline,
	}
}

// terminalFail transitions m into FAILED (best-effort; a transition error
// here doesn't mask the original failure) and returns a FAILED report.
func (r *GraphRunner) terminalFail(ctx context.Context, report RunReport, m Message, cause error) (RunReport, error) {
	failed := m
	if f, err := m.TransitionTo(StateFailed, cause.Error(), "", nowFunc()); err == nil {
		failed = f
	}
	if r.cfg.checkpointStore != nil {
		cp := Checkpoint{
			RunID:          report.RunID,
			GraphID:        r.graph.ID,
			Message:        failed,
			ExecutionState: StateFailed,
			RecordedIOs:    recordedIOsFromContext(ctx),
			ExpiresAt:      nowFunc().Add(DefaultCheckpointTTL),
			CreatedAt:      nowFunc(),
		}
		_ = r.cfg.checkpointStore.Save(ctx, cp)
	}
	report.Status = StatusFailed
	report.FinalMessage = failed
	report.Err = cause
	return report, cause
}

// execNode runs one node through the middleware chain, timeout
// enforcement, retry, and (when required) idempotency protection.
func (r *GraphRunner) execNode(ctx context.Context, node Node, nodeID string, m Message) (Message, NodeReport, error) {
	policy := NodePolicy{}
	if pp, ok := node.(NodePolicyProvider); ok {
		policy = pp.NodePolicy()
	}

	retryPolicy := r.cfg.retryPolicy
	if r.graph.RetryPolicy != nil {
		retryPolicy = *r.graph.RetryPolicy
	}
	if policy.RetryPolicy != nil {
		retryPolicy = *policy.RetryPolicy
	}
	if !r.cfg.retryEnabled || !r.graph.RetryEnabled {
		retryPolicy = DisabledRetryPolicy
	}

	handler := chain(r.cfg.middleware, nodeID, func(ctx context.Context, in Message) (Message, error) {
		return executeNodeWithTimeout(ctx, node, in, &policy, r.cfg.defaultNodeTimeout)
	})

	rs := NewRetrySupervisor(retryPolicy)
	rng := RNGFromContext(ctx)

	var result Message
	started := time.Now()
	rc, runErr := rs.Do(ctx, rng, func(attempt int) error {
		out, err := r.invokeOnce(ctx, nodeID, attempt, policy, m, handler)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	dur := time.Since(started)
	if r.cfg.metrics != nil {
		for range rc.Attempts {
			r.cfg.metrics.retried()
		}
	}

	nr := NodeReport{NodeID: nodeID, DurationMs: dur.Milliseconds()}
	if runErr != nil {
		nr.Attempts = len(rc.Attempts)
		nr.Status = StatusFailed
		nr.Error = runErr
		return m, nr, runErr
	}
	nr.Attempts = len(rc.Attempts) + 1
	nr.Status = StatusSuccess
	if v, ok := result.Data["_output"]; ok {
		nr.Output = v
	}
	return result, nr, nil
}

// invokeOnce runs handler for a single attempt. When the node is
// Recordable and the run is replay-instrumented (WithReplayMode),
// invokeRecordable either rehydrates the response from a prior run's
// recording or executes and records it, bypassing idempotency entirely
// (a replayed response is a stronger at-most-once guarantee than
// idempotency already provides). Otherwise it routes through the
// idempotency store when the node's policy requires it (spec §4.6).
func (r *GraphRunner) invokeOnce(ctx context.Context, nodeID string, attempt int, policy NodePolicy, m Message, handler NodeHandler) (Message, error) {
	if policy.SideEffect.Recordable && replayModeFromContext(ctx) {
		if out, handled, err := r.invokeRecordable(ctx, nodeID, attempt, m, handler); handled {
			return out, err
		}
	}
	if !policy.SideEffect.RequiresIdempotency || r.cfg.idempotencyStore == nil {
		return handler(ctx, m)
	}
	return r.invokeIdempotent(ctx, nodeID, attempt, m, handler)
}

// invokeRecordable rehydrates nodeID/attempt from a prior recording when
// one exists (and strict verification isn't requested), otherwise runs
// handler live and records the result for a future replay. Under strict
// replay an existing recording is re-verified against the fresh
// response instead of trusted blindly, surfacing ErrReplayMismatch on
// divergence. handled is false only when invoked outside a
// GraphRunner-driven run (no replayState installed).
func (r *GraphRunner) invokeRecordable(ctx context.Context, nodeID string, attempt int, m Message, handler NodeHandler) (Message, bool, error) {
	rs := replayStateFromContext(ctx)
	if rs == nil {
		return m, false, nil
	}

	if rec, found := lookupRecordedIO(rs.recordings, nodeID, attempt); found && !rs.strict {
		out, err := rehydrate(rec, m)
		if err != nil {
			return out, true, err
		}
		rs.add(rec)
		return out, true, nil
	}

	out, err := handler(ctx, m)
	if err != nil {
		return out, true, err
	}
	rio, rerr := recordIO(nodeID, attempt, m.Data, out.Data)
	if rerr != nil {
		return out, true, rerr
	}
	if rs.strict {
		if rec, found := lookupRecordedIO(rs.recordings, nodeID, attempt); found {
			if verr := verifyReplayHash(rec, out.Data); verr != nil {
				return out, true, verr
			}
		}
	}
	rs.add(rio)
	return out, true, nil
}

// rehydrate rebuilds a Message's data from a RecordedIO's response
// without re-invoking the node that produced it.
func rehydrate(rec RecordedIO, m Message) (Message, error) {
	var data map[string]Value
	if err := json.Unmarshal(rec.Response, &data); err != nil {
		return m, fmt.Errorf("unmarshal recorded response for %s: %w", rec.NodeID, err)
	}
	out := m
	for k, v := range data {
		out = out.WithData(k, v)
	}
	return out, nil
}

// invokeIdempotent implements at-most-once execution for a single
// (runId, nodeId, attempt, inputs) fingerprint: a concurrent caller that
// observes an IN_FLIGHT entry waits (bounded by idempotencyWaitLimit)
// rather than re-executing the side effect.
func (r *GraphRunner) invokeIdempotent(ctx context.Context, nodeID string, attempt int, m Message, handler NodeHandler) (Message, error) {
	runID := RunIDFromContext(ctx)
	fp, err := Fingerprint(runID, nodeID, attempt, m.Data)
	if err != nil {
		return m, err
	}
	store := r.cfg.idempotencyStore
	deadline := time.Now().Add(r.cfg.idempotencyWaitLimit)

	for {
		existing, found, err := store.TryBegin(ctx, IdempotencyEntry{
			Fingerprint: fp, RunID: runID, NodeID: nodeID, Attempt: attempt, Status: IdempotencyInFlight,
		})
		if err != nil {
			return m, err
		}
		if !found {
			out, runErr := handler(ctx, m)
			if runErr != nil {
				_ = store.Fail(ctx, fp)
				return m, runErr
			}
			if err := store.Complete(ctx, fp, out.Data, lastToolCall(out)); err != nil {
				return out, err
			}
			return out, nil
		}

		switch existing.Status {
		case IdempotencyDone:
			result := m
			for k, v := range existing.ResultData {
				result = result.WithData(k, v)
			}
			if existing.ResultToolCall != nil {
				result = result.WithToolCall(*existing.ResultToolCall)
			}
			if r.cfg.metrics != nil {
				r.cfg.metrics.IdempotencyConflicts.Inc()
			}
			return result, nil
		case IdempotencyFailed:
			// Same fingerprint retried after a prior failure (e.g. a
			// crash/resume replaying the same attempt): re-execute and
			// record over it, since TryBegin never overwrote it.
			out, runErr := handler(ctx, m)
			if runErr != nil {
				_ = store.Fail(ctx, fp)
				return m, runErr
			}
			if err := store.Complete(ctx, fp, out.Data, lastToolCall(out)); err != nil {
				return out, err
			}
			return out, nil
		default: // IN_FLIGHT
			if time.Now().After(deadline) {
				return m, &ConcurrentAttempt{Fingerprint: fp}
			}
			select {
			case <-ctx.Done():
				return m, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

func lastToolCall(m Message) *ToolCall {
	if len(m.ToolCalls) == 0 {
		return nil
	}
	tc := m.ToolCalls[len(m.ToolCalls)-1]
	return &tc
}
