// Package graph provides the core graph execution engine for the runtime:
// message envelopes, the node/edge traversal model, the execution state
// machine, checkpointing, idempotency, and retry.
package graph

import (
	"errors"
	"fmt"
)

// ErrMaxStepsExceeded indicates that the graph execution reached the
// maximum allowed step count without completing. This prevents infinite
// loops and runaway executions in cyclic graphs.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrBackpressure names downstream backpressure. No code path in this
// module returns it: Frontier.Enqueue blocks until space frees up rather
// than rejecting.
var ErrBackpressure = errors.New("downstream backpressure exceeded threshold")

// ErrReplayMismatch is returned by verifyReplayHash when a live response
// hash disagrees with the recorded one during strict replay.
var ErrReplayMismatch = errors.New("replay verification mismatch: node produced a different response than recorded")

// ErrNoProgress names a run with no runnable work left that has not
// reached a terminal state. No code path in this module returns it.
var ErrNoProgress = errors.New("no runnable nodes remain but run is not terminal")

// ErrIdempotencyViolation names a fingerprint collision: a DONE
// idempotency entry whose recorded inputs differ from the current
// attempt's. No code path in this module returns it; the idempotency
// layer does not compare recorded inputs.
var ErrIdempotencyViolation = errors.New("idempotency violation: fingerprint collision across distinct inputs")

// ErrMaxAttemptsExceeded is returned when the retry supervisor has
// exhausted ExecutionRetryPolicy.MaxAttempts.
var ErrMaxAttemptsExceeded = errors.New("retry attempts exhausted")

// InvalidStateTransition is raised whenever a Message.TransitionTo call
// names a (from, to) pair that is not in the allowed transition table.
type InvalidStateTransition struct {
	From ExecutionState
	To   ExecutionState
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// RetryableError is the base marker for transient failures: retrying the
// same operation again has a reasonable chance of succeeding.
type RetryableError struct {
	Message string
	Cause   error
}

func (e *RetryableError) Error() string { return e.Message }
func (e *RetryableError) Unwrap() error { return e.Cause }

// NetworkError represents a transport-level failure carrying an HTTP-style
// status code; retryable iff the status is 408, 429, or 5xx.
type NetworkError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (status %d): %s", e.StatusCode, e.Message)
}
func (e *NetworkError) Unwrap() error { return e.Cause }

func (e *NetworkError) retryable() bool {
	return e.StatusCode == 408 || e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode < 600)
}

// TimeoutError marks a node or tool invocation that exceeded its deadline.
// Always retryable.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// RateLimitError carries a server-supplied Retry-After hint, in
// milliseconds, that overrides computed backoff. Always retryable.
type RateLimitError struct {
	Message      string
	RetryAfterMs int64
}

func (e *RateLimitError) Error() string { return e.Message }

// ValidationError marks a non-retryable input or configuration mistake
// discovered at runtime.
type ValidationError struct {
	Message string
	Field   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return "validation error: " + e.Message
}

// AuthenticationError marks a non-retryable credential/authorization
// failure.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

// ConfigurationError marks a non-retryable misconfiguration of a graph,
// node, or runner.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// ToolError wraps a tool invocation failure; retryability is inferred
// from Status the same way NetworkError's is.
type ToolError struct {
	ToolName string
	Status   int
	Message  string
	Cause    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed (status %d): %s", e.ToolName, e.Status, e.Message)
}
func (e *ToolError) Unwrap() error { return e.Cause }

func (e *ToolError) retryable() bool {
	if e.Status == 0 {
		return false
	}
	return e.Status == 408 || e.Status == 429 || (e.Status >= 500 && e.Status < 600)
}

// RetryHint lets any error opt out of retry regardless of its type, via
// errors.As.
type RetryHint struct {
	SkipRetry bool
}

// ExecutionError is the terminal wrapper surfaced once retries are
// exhausted or a non-retryable failure propagates out of a node.
type ExecutionError struct {
	Cause            error
	RetriesExhausted bool
	TotalAttempts    int
	LastStatusCode   int
	TotalRetryDelay  int64 // milliseconds
	ElapsedMs        int64
}

func (e *ExecutionError) Error() string {
	if e.RetriesExhausted {
		return fmt.Sprintf("execution failed after %d attempts: %v", e.TotalAttempts, e.Cause)
	}
	return fmt.Sprintf("execution failed: %v", e.Cause)
}
func (e *ExecutionError) Unwrap() error { return e.Cause }

// DepthExceeded is raised when subgraph recursion exceeds its configured
// maxDepth.
type DepthExceeded struct {
	MaxDepth int
}

func (e *DepthExceeded) Error() string {
	return fmt.Sprintf("subgraph recursion exceeded max depth %d", e.MaxDepth)
}

// CycleDetected is raised when a node id is revisited in a graph built
// with allowCycles=false.
type CycleDetected struct {
	NodeID string
}

func (e *CycleDetected) Error() string {
	return fmt.Sprintf("cycle detected: node %q already executed in this run", e.NodeID)
}

// ResolverMissing is raised when a strict dynamic tool resolver cannot
// find its tool, either at build time or at resolution time.
type ResolverMissing struct {
	NodeID string
	Reason string
}

func (e *ResolverMissing) Error() string {
	return fmt.Sprintf("dynamic tool resolver for node %q: %s", e.NodeID, e.Reason)
}

// ConcurrentAttempt is raised by the idempotency layer when a prior
// IN_FLIGHT entry never resolves before the waiting caller's timeout.
type ConcurrentAttempt struct {
	Fingerprint string
}

func (e *ConcurrentAttempt) Error() string {
	return fmt.Sprintf("concurrent attempt still in flight for fingerprint %s", e.Fingerprint)
}

// classify determines whether err should be retried under the exact rules
// of spec §4.5. It is the single source of truth the RetrySupervisor and
// the idempotency layer both consult.
func classify(err error) (retryable bool, retryAfterMs int64) {
	var rh *RetryHint
	if errors.As(err, &rh) && rh.SkipRetry {
		return false, 0
	}

	var re *RetryableError
	if errors.As(err, &re) {
		return true, 0
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.retryable(), 0
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true, 0
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true, rl.RetryAfterMs
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.retryable(), 0
	}
	// ValidationError, AuthenticationError, ConfigurationError, and any
	// other 4xx-shaped error fall through to non-retryable.
	return false, 0
}
