package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IdempotencyStatus is the lifecycle of one idempotency entry.
type IdempotencyStatus string

const (
	IdempotencyInFlight IdempotencyStatus = "IN_FLIGHT"
	IdempotencyDone     IdempotencyStatus = "DONE"
	IdempotencyFailed   IdempotencyStatus = "FAILED"
)

// IdempotencyEntry records one attempt at a side-effecting operation.
type IdempotencyEntry struct {
	Fingerprint  string
	RunID        string
	NodeID       string
	Attempt      int
	Status       IdempotencyStatus
	ResultData   map[string]Value
	ResultToolCall *ToolCall
}

// IdempotencyStore deduplicates in-flight operations by fingerprint,
// giving tool/agent side effects at-most-once semantics (spec §4.6).
type IdempotencyStore interface {
	// TryBegin atomically inserts an IN_FLIGHT entry if none exists for
	// fingerprint, or returns the existing entry (found=true) without
	// modifying it.
	TryBegin(ctx context.Context, entry IdempotencyEntry) (existing IdempotencyEntry, found bool, err error)
	Complete(ctx context.Context, fingerprint string, resultData map[string]Value, resultToolCall *ToolCall) error
	Fail(ctx context.Context, fingerprint string) error
	Get(ctx context.Context, fingerprint string) (IdempotencyEntry, bool, error)
}

// Fingerprint computes hash(runId, nodeId, attemptNumber,
// canonicalized(inputs)) as specified in §4.6, using the same canonical
// JSON encoder Value uses for wire serialization so the fingerprint is
// stable regardless of which map implementation produced the inputs.
func Fingerprint(runID, nodeID string, attempt int, inputs map[string]Value) (string, error) {
	canon, err := CanonicalJSON(MapValue(inputs))
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", runID, nodeID, attempt)
	h.Write(canon)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
