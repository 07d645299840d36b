// Package emit provides the Emitter interface for graph execution events
// and LogEmitter, its one implementation (structured text/JSON logging).
package emit

import "context"

// Emitter receives events produced during graph execution. Implementations
// must be non-blocking and safe for concurrent use from multiple node
// executions, and must never panic — a broken sink should degrade
// observability, not the workflow it's observing.
type Emitter interface {
	// Emit sends a single event. Errors are handled internally (logged,
	// dropped, or retried) rather than surfaced to the caller.
	Emit(event Event)

	// EmitBatch sends events in order, amortizing per-event overhead.
	// Individual failures are logged and skipped rather than aborting the
	// batch.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until buffered events are delivered or ctx is done.
	// Safe to call more than once.
	Flush(ctx context.Context) error
}
