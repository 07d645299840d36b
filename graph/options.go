package graph

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/arborflow/engine/graph/emit"
)

// runnerConfig is the resolved configuration a GraphRunner is built
// with, populated via the functional-options constructor shape the
// teacher's engine uses (graph/options.go).
type runnerConfig struct {
	maxSteps            int
	defaultNodeTimeout   time.Duration
	subgraphMaxDepth     int
	retryPolicy          ExecutionRetryPolicy
	retryEnabled         bool
	middleware           []Middleware
	checkpointStore      CheckpointStore
	idempotencyStore     IdempotencyStore
	metrics              *PrometheusMetrics
	costTracker          *CostTracker
	replayMode           bool
	strictReplay         bool
	idempotencyWaitLimit time.Duration
	logEmitter           emit.Emitter
	tracer               trace.Tracer
}

func defaultRunnerConfig() runnerConfig {
	return runnerConfig{
		maxSteps:             10000,
		subgraphMaxDepth:     10,
		retryPolicy:          DefaultRetryPolicy,
		retryEnabled:         true,
		idempotencyWaitLimit: 30 * time.Second,
	}
}

// RunnerOption configures a GraphRunner at construction time.
type RunnerOption func(*runnerConfig)

// WithMaxSteps bounds the per-run step count for cyclic graphs (spec
// §4.2.2.e); default 10000.
func WithMaxSteps(n int) RunnerOption {
	return func(c *runnerConfig) { c.maxSteps = n }
}

// WithDefaultNodeTimeout sets the engine-wide node timeout applied when a
// node's own NodePolicy.Timeout is unset.
func WithDefaultNodeTimeout(d time.Duration) RunnerOption {
	return func(c *runnerConfig) { c.defaultNodeTimeout = d }
}

// WithSubgraphMaxDepth stores a runner-wide subgraph recursion ceiling
// (default 10). SubgraphNode does not read it: each node enforces its
// own MaxDepth field, which NewSubgraphNode sets to 10.
func WithSubgraphMaxDepth(n int) RunnerOption {
	return func(c *runnerConfig) { c.subgraphMaxDepth = n }
}

// WithRetryPolicy sets the runner-level ExecutionRetryPolicy; a graph- or
// node-level policy overrides this.
func WithRetryPolicy(p ExecutionRetryPolicy) RunnerOption {
	return func(c *runnerConfig) { c.retryPolicy = p; c.retryEnabled = true }
}

// WithRetryDisabled forces a single attempt for every node, equivalent to
// the source's disableRetry().
func WithRetryDisabled() RunnerOption {
	return func(c *runnerConfig) { c.retryEnabled = false; c.retryPolicy = DisabledRetryPolicy }
}

// WithMiddleware appends middleware in registration order (outermost
// first).
func WithMiddleware(mw ...Middleware) RunnerOption {
	return func(c *runnerConfig) { c.middleware = append(c.middleware, mw...) }
}

// WithCheckpointStore wires a CheckpointStore; without one, WAITING runs
// still pause but Resume and Checkpoint return a ConfigurationError.
func WithCheckpointStore(s CheckpointStore) RunnerOption {
	return func(c *runnerConfig) { c.checkpointStore = s }
}

// WithIdempotencyStore wires an IdempotencyStore; without one, idempotency
// protection (spec §4.6) is skipped and nodes may execute more than once
// on retry.
func WithIdempotencyStore(s IdempotencyStore) RunnerOption {
	return func(c *runnerConfig) { c.idempotencyStore = s }
}

// WithMetrics wires a PrometheusMetrics instance.
func WithMetrics(m *PrometheusMetrics) RunnerOption {
	return func(c *runnerConfig) { c.metrics = m }
}

// WithCostTracker wires an optional per-run CostTracker.
func WithCostTracker(t *CostTracker) RunnerOption {
	return func(c *runnerConfig) { c.costTracker = t }
}

// WithReplayMode enables deterministic replay: recordable node
// invocations are rehydrated from RecordedIOs instead of re-executed.
// With strict set, recorded nodes are re-executed instead and the run
// fails with ErrReplayMismatch on any hash mismatch.
func WithReplayMode(strict bool) RunnerOption {
	return func(c *runnerConfig) { c.replayMode = true; c.strictReplay = strict }
}

// WithIdempotencyWaitLimit bounds how long the runner waits on a prior
// IN_FLIGHT idempotency entry before failing with ConcurrentAttempt.
func WithIdempotencyWaitLimit(d time.Duration) RunnerOption {
	return func(c *runnerConfig) { c.idempotencyWaitLimit = d }
}

// WithLogging wires a LoggingMiddleware backed by emitter, appended to
// the chain automatically (callers don't register it via WithMiddleware
// themselves). emit.NewLogEmitter covers the common stdout/file case.
func WithLogging(emitter emit.Emitter) RunnerOption {
	return func(c *runnerConfig) { c.logEmitter = emitter }
}

// WithTracing wires a TracingMiddleware backed by tracer (e.g.
// otel.Tracer("arborflow")), appended to the chain automatically.
func WithTracing(tracer trace.Tracer) RunnerOption {
	return func(c *runnerConfig) { c.tracer = tracer }
}
