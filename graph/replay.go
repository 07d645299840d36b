package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// RecordedIO captures one recordable node's request/response for
// deterministic replay. SideEffectPolicy.Recordable nodes (ToolNode and
// DynamicToolNode, currently) get recorded on a live run; a later replay
// run rehydrates the response instead of re-invoking the node, or — in
// strict mode — re-invokes and checks the fresh response hashes the same.
type RecordedIO struct {
	NodeID string `json:"node_id"`

	// Attempt is the retry attempt this recording belongs to, so a node
	// retried mid-run can have distinct recordings per attempt.
	Attempt int `json:"attempt"`

	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response"`

	// Hash is "sha256:<hex>" over Response, used to detect
	// non-deterministic nodes during strict replay.
	Hash string `json:"hash"`

	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// replayState is the per-run context value a GraphRunner installs around
// replay-aware node execution: recordings to look up against (loaded from
// a checkpoint when replaying) and recordings accumulated this run (to
// persist back into the next checkpoint).
type replayState struct {
	mu         sync.Mutex
	recordings []RecordedIO
	recorded   []RecordedIO
	strict     bool
}

func newReplayState(recordings []RecordedIO, strict bool) *replayState {
	return &replayState{recordings: recordings, strict: strict}
}

// recordedIOsFromContext returns what's been recorded so far this run,
// or nil outside a GraphRunner-driven run.
func recordedIOsFromContext(ctx context.Context) []RecordedIO {
	rs := replayStateFromContext(ctx)
	if rs == nil {
		return nil
	}
	return rs.snapshot()
}

func (s *replayState) add(rio RecordedIO) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, rio)
}

// snapshot returns a copy of everything recorded so far this run, safe to
// hang onto a Checkpoint after the mutex is released.
func (s *replayState) snapshot() []RecordedIO {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedIO, len(s.recorded))
	copy(out, s.recorded)
	return out
}

// recordIO serializes request/response to JSON and hashes the response,
// producing the RecordedIO a recordable node's execution gets captured
// as.
func recordIO(nodeID string, attempt int, request, response interface{}) (RecordedIO, error) {
	start := time.Now()

	requestJSON, err := json.Marshal(request)
	if err != nil {
		return RecordedIO{}, fmt.Errorf("marshal request: %w", err)
	}
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return RecordedIO{}, fmt.Errorf("marshal response: %w", err)
	}

	return RecordedIO{
		NodeID:    nodeID,
		Attempt:   attempt,
		Request:   json.RawMessage(requestJSON),
		Response:  json.RawMessage(responseJSON),
		Hash:      hashJSON(responseJSON),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}, nil
}

func hashJSON(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// lookupRecordedIO finds the recording for (nodeID, attempt), if any.
func lookupRecordedIO(recordings []RecordedIO, nodeID string, attempt int) (RecordedIO, bool) {
	for _, rec := range recordings {
		if rec.NodeID == nodeID && rec.Attempt == attempt {
			return rec, true
		}
	}
	return RecordedIO{}, false
}

// verifyReplayHash reports ErrReplayMismatch when actualResponse doesn't
// hash to recorded.Hash — a strict-replay re-execution that produced a
// different result than the one on file, usually from unseeded
// randomness, wall-clock reads, or map-iteration-order leakage into the
// response.
func verifyReplayHash(recorded RecordedIO, actualResponse interface{}) error {
	actualJSON, err := json.Marshal(actualResponse)
	if err != nil {
		return fmt.Errorf("marshal actual response: %w", err)
	}
	actualHash := hashJSON(actualJSON)
	if actualHash != recorded.Hash {
		return fmt.Errorf("%w: expected %s, got %s", ErrReplayMismatch, recorded.Hash, actualHash)
	}
	return nil
}
