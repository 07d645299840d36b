package graph

import (
	"context"
	"math/rand"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stepIDKey
	nodeIDKey
	depthKey
	rngKey
	costTrackerKey
	replayModeKey
	replayStateKey
)

// RunIDFromContext returns the run id carried by ctx, or "" if none.
func RunIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

func withRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func withStepID(ctx context.Context, step int) context.Context {
	return context.WithValue(ctx, stepIDKey, step)
}

func withNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey, nodeID)
}

func currentDepth(ctx context.Context) int {
	v, _ := ctx.Value(depthKey).(int)
	return v
}

func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey, depth)
}

// initRNG seeds a deterministic RNG from the run id (SHA-256-derived),
// the same approach the teacher uses so that any node consulting
// RNGFromContext reproduces identical values on replay.
func initRNG(runID string) *rand.Rand {
	seed := int64(0)
	for i := 0; i < len(runID); i++ {
		seed = seed*131 + int64(runID[i])
	}
	h := deterministicHex(runID, 16)
	var v int64
	for i := 0; i < len(h); i++ {
		c := h[i]
		var d int64
		switch {
		case c >= '0' && c <= '9':
			d = int64(c - '0')
		default:
			d = int64(c-'a') + 10
		}
		v = v*16 + d
	}
	if v == 0 {
		v = seed + 1
	}
	return rand.New(rand.NewSource(v))
}

func withRNG(ctx context.Context, r *rand.Rand) context.Context {
	return context.WithValue(ctx, rngKey, r)
}

// RNGFromContext returns the run's seeded RNG, or a fresh unseeded one if
// none was installed (e.g. in a unit test calling a node directly).
func RNGFromContext(ctx context.Context) *rand.Rand {
	if r, ok := ctx.Value(rngKey).(*rand.Rand); ok {
		return r
	}
	return rand.New(rand.NewSource(1))
}

func withCostTracker(ctx context.Context, t *CostTracker) context.Context {
	if t == nil {
		return ctx
	}
	return context.WithValue(ctx, costTrackerKey, t)
}

func costTrackerFromContext(ctx context.Context) *CostTracker {
	t, _ := ctx.Value(costTrackerKey).(*CostTracker)
	return t
}

func withReplayMode(ctx context.Context, on bool) context.Context {
	return context.WithValue(ctx, replayModeKey, on)
}

func replayModeFromContext(ctx context.Context) bool {
	v, _ := ctx.Value(replayModeKey).(bool)
	return v
}

func withReplayState(ctx context.Context, s *replayState) context.Context {
	return context.WithValue(ctx, replayStateKey, s)
}

// replayStateFromContext returns the run's replay accumulator/lookup
// table, or nil outside a GraphRunner-driven run (e.g. a node invoked
// directly in a unit test).
func replayStateFromContext(ctx context.Context) *replayState {
	s, _ := ctx.Value(replayStateKey).(*replayState)
	return s
}
