package store

import (
	"context"
	"testing"
	"time"

	"github.com/arborflow/engine/graph"
)

func openTestSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStore_CheckpointSaveLoadRoundTrip(t *testing.T) {
	s := openTestSQLiteStore(t)
	ctx := context.Background()

	cp := graph.Checkpoint{
		RunID:          "run-1",
		GraphID:        "g1",
		NodeID:         "ask",
		Message:        graph.NewMessage("hi", "user", "corr-1"),
		ExecutionState: graph.StateWaiting,
		PendingInteraction: &graph.PendingInteraction{
			CheckpointID:    "run-1",
			NodeID:          "ask",
			InvocationIndex: 1,
			Prompt:          &graph.HITLPrompt{Type: "request_user_input", NodeID: "ask", Prompt: "pick one"},
		},
		CreatedAt: time.Now().Truncate(time.Second),
		ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second),
	}
	if err := s.Save(ctx, cp); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.Load(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected the checkpoint to round-trip")
	}
	if got.GraphID != "g1" || got.NodeID != "ask" || got.Message.Content != "hi" {
		t.Fatalf("round-tripped checkpoint mismatch: %+v", got)
	}
	if got.PendingInteraction == nil || got.PendingInteraction.Prompt == nil || got.PendingInteraction.Prompt.Prompt != "pick one" {
		t.Fatalf("expected the pending interaction to round-trip, got %+v", got.PendingInteraction)
	}
}

func TestSQLStore_SaveUpsertsOnRepeatedRunID(t *testing.T) {
	s := openTestSQLiteStore(t)
	ctx := context.Background()

	base := graph.Checkpoint{RunID: "run-1", GraphID: "g1", ExecutionState: graph.StateWaiting, Message: graph.NewMessage("a", "", "")}
	if err := s.Save(ctx, base); err != nil {
		t.Fatal(err)
	}
	updated := base
	updated.ExecutionState = graph.StateCompleted
	updated.Message = graph.NewMessage("b", "", "")
	if err := s.Save(ctx, updated); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.Load(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || got.ExecutionState != graph.StateCompleted || got.Message.Content != "b" {
		t.Fatalf("expected the second Save to overwrite the first, got %+v", got)
	}
}

func TestSQLStore_LoadMissingReturnsNotFound(t *testing.T) {
	s := openTestSQLiteStore(t)
	_, found, err := s.Load(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected found=false for a missing run id")
	}
}

func TestSQLStore_ListWaitingFiltersByGraphAndState(t *testing.T) {
	s := openTestSQLiteStore(t)
	ctx := context.Background()
	_ = s.Save(ctx, graph.Checkpoint{RunID: "r1", GraphID: "g1", ExecutionState: graph.StateWaiting, Message: graph.NewMessage("", "", "")})
	_ = s.Save(ctx, graph.Checkpoint{RunID: "r2", GraphID: "g1", ExecutionState: graph.StateCompleted, Message: graph.NewMessage("", "", "")})
	_ = s.Save(ctx, graph.Checkpoint{RunID: "r3", GraphID: "g2", ExecutionState: graph.StateWaiting, Message: graph.NewMessage("", "", "")})

	waiting, err := s.ListWaiting(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(waiting) != 1 || waiting[0].RunID != "r1" {
		t.Fatalf("expected only r1 (g1, WAITING), got %+v", waiting)
	}
}

func TestSQLStore_DeleteRemovesEntry(t *testing.T) {
	s := openTestSQLiteStore(t)
	ctx := context.Background()
	_ = s.Save(ctx, graph.Checkpoint{RunID: "run-1", ExecutionState: graph.StateWaiting, Message: graph.NewMessage("", "", "")})
	if err := s.Delete(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	_, found, _ := s.Load(ctx, "run-1")
	if found {
		t.Fatal("expected the checkpoint to be gone after Delete")
	}
}

func TestSQLStore_IdempotencyTryBeginIsCheckAndInsertAtomic(t *testing.T) {
	s := openTestSQLiteStore(t)
	ctx := context.Background()
	entry := graph.IdempotencyEntry{Fingerprint: "fp1", RunID: "r1", NodeID: "n1", Attempt: 1, Status: graph.IdempotencyInFlight}

	_, found, err := s.TryBegin(ctx, entry)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected the first TryBegin to insert, not find an existing entry")
	}

	existing, found, err := s.TryBegin(ctx, entry)
	if err != nil {
		t.Fatal(err)
	}
	if !found || existing.Status != graph.IdempotencyInFlight {
		t.Fatalf("expected the second TryBegin to find the in-flight entry, got found=%v status=%s", found, existing.Status)
	}
}

func TestSQLStore_CompleteThenGetReturnsResultData(t *testing.T) {
	s := openTestSQLiteStore(t)
	ctx := context.Background()
	entry := graph.IdempotencyEntry{Fingerprint: "fp1", RunID: "r1", NodeID: "n1", Attempt: 1, Status: graph.IdempotencyInFlight}
	if _, _, err := s.TryBegin(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(ctx, "fp1", map[string]graph.Value{"x": graph.IntValue(42)}, nil); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.Get(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || got.Status != graph.IdempotencyDone {
		t.Fatalf("expected DONE, got found=%v status=%s", found, got.Status)
	}
	if n, ok := got.ResultData["x"].Int(); !ok || n != 42 {
		t.Fatalf("expected the completed result data preserved, got %+v", got.ResultData)
	}
}

func TestSQLStore_FailMarksEntryFailed(t *testing.T) {
	s := openTestSQLiteStore(t)
	ctx := context.Background()
	entry := graph.IdempotencyEntry{Fingerprint: "fp1", RunID: "r1", NodeID: "n1", Attempt: 1, Status: graph.IdempotencyInFlight}
	if _, _, err := s.TryBegin(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if err := s.Fail(ctx, "fp1"); err != nil {
		t.Fatal(err)
	}
	got, found, err := s.Get(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || got.Status != graph.IdempotencyFailed {
		t.Fatalf("expected FAILED, got found=%v status=%s", found, got.Status)
	}
}
