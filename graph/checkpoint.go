package graph

import (
	"context"
	"time"
)

// PendingInteraction describes the outstanding HITL prompt a PAUSED run is
// waiting on.
type PendingInteraction struct {
	CheckpointID    string
	NodeID          string
	InvocationIndex int
	Prompt          *HITLPrompt
	// Deadline is when this HITL prompt's per-node timeout expires, nil
	// if the node declared no timeout. Resume checks it before honoring
	// a late response (spec §5, "HITL nodes honor per-node timeout").
	Deadline *time.Time
}

// Checkpoint is a persisted snapshot of a run, enough to resume it after a
// crash or an external HITL response arrives (spec §3, "Checkpoint").
type Checkpoint struct {
	RunID              string
	GraphID            string
	ParentRunID        string
	NodeID             string // the paused/last-completed node
	Message            Message
	ExecutionState     ExecutionState
	PendingInteraction *PendingInteraction
	RecordedIOs        []RecordedIO
	ExpiresAt          time.Time
	CreatedAt          time.Time
}

// CheckpointStore persists run state at node boundaries. Implementations
// own their own locking and must be safe for concurrent use (spec §5,
// "shared-resource policy").
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, runID string) (Checkpoint, bool, error)
	// ListWaiting returns checkpoints for graphID currently in WAITING,
	// the index spec §6 calls for "(graphId, state)".
	ListWaiting(ctx context.Context, graphID string) ([]Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}

// DefaultCheckpointTTL matches spec §6's "default 7 days".
const DefaultCheckpointTTL = 7 * 24 * time.Hour

var nowFunc = time.Now
