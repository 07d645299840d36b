// Package store provides CheckpointStore and IdempotencyStore
// implementations for the graph runtime: an in-memory pair for tests and
// single-process use, and SQL-backed pairs (SQLite, MySQL) for durable
// multi-process deployments.
package store

import (
	"context"
	"sync"

	"github.com/arborflow/engine/graph"
)

// MemoryCheckpointStore is a mutex-guarded map, adequate for tests and
// single-process runners. It does not honor ExpiresAt; callers that need
// TTL eviction should prefer a SQL-backed store.
type MemoryCheckpointStore struct {
	mu    sync.RWMutex
	byRun map[string]graph.Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{byRun: map[string]graph.Checkpoint{}}
}

func (s *MemoryCheckpointStore) Save(_ context.Context, cp graph.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRun[cp.RunID] = cp
	return nil
}

func (s *MemoryCheckpointStore) Load(_ context.Context, runID string) (graph.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byRun[runID]
	return cp, ok, nil
}

func (s *MemoryCheckpointStore) ListWaiting(_ context.Context, graphID string) ([]graph.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []graph.Checkpoint
	for _, cp := range s.byRun {
		if cp.GraphID == graphID && cp.ExecutionState == graph.StateWaiting {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *MemoryCheckpointStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRun, runID)
	return nil
}

// MemoryIdempotencyStore guards a single map with a mutex so TryBegin can
// perform its check-and-insert atomically.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]graph.IdempotencyEntry
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: map[string]graph.IdempotencyEntry{}}
}

func (s *MemoryIdempotencyStore) TryBegin(_ context.Context, entry graph.IdempotencyEntry) (graph.IdempotencyEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[entry.Fingerprint]; ok {
		return existing, true, nil
	}
	s.entries[entry.Fingerprint] = entry
	return graph.IdempotencyEntry{}, false, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, fingerprint string, resultData map[string]graph.Value, resultToolCall *graph.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[fingerprint]
	entry.Fingerprint = fingerprint
	entry.Status = graph.IdempotencyDone
	entry.ResultData = resultData
	entry.ResultToolCall = resultToolCall
	s.entries[fingerprint] = entry
	return nil
}

func (s *MemoryIdempotencyStore) Fail(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[fingerprint]
	entry.Fingerprint = fingerprint
	entry.Status = graph.IdempotencyFailed
	s.entries[fingerprint] = entry
	return nil
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, fingerprint string) (graph.IdempotencyEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[fingerprint]
	return entry, ok, nil
}
