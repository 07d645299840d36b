package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/arborflow/engine/graph"
)

// SQLStore implements both CheckpointStore and IdempotencyStore over a
// database/sql connection. The schema is deliberately dialect-neutral
// (TEXT/BLOB columns, "?" placeholders) so the same code serves both the
// SQLite and MySQL constructors below; driver-specific DSN handling lives
// in sqlite.go and mysql.go.
type SQLStore struct {
	db               *sql.DB
	upsertCheckpoint string
	isUniqueErr      func(error) bool
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id TEXT PRIMARY KEY,
	graph_id TEXT NOT NULL,
	parent_run_id TEXT,
	node_id TEXT,
	message_json BLOB NOT NULL,
	execution_state TEXT NOT NULL,
	pending_interaction_json BLOB,
	recorded_ios_json BLOB,
	expires_at TIMESTAMP,
	created_at TIMESTAMP
)`

const checkpointGraphStateIndex = `
CREATE INDEX IF NOT EXISTS idx_checkpoints_graph_state ON checkpoints (graph_id, execution_state)`

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_entries (
	fingerprint TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	result_data_json BLOB,
	result_tool_call_json BLOB
)`

// newSQLStore runs migrations and wraps db. Both constructors below call
// this once they've opened their driver-specific connection, supplying
// the dialect-specific upsert statement and unique-violation detector
// (SQLite's "ON CONFLICT" and MySQL's "ON DUPLICATE KEY UPDATE" aren't
// interchangeable, so that one statement is the only part of Save that
// varies by driver).
func newSQLStore(db *sql.DB, upsertCheckpoint string, isUniqueErr func(error) bool) (*SQLStore, error) {
	for _, stmt := range []string{checkpointSchema, checkpointGraphStateIndex, idempotencySchema} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return &SQLStore{db: db, upsertCheckpoint: upsertCheckpoint, isUniqueErr: isUniqueErr}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Save(ctx context.Context, cp graph.Checkpoint) error {
	msgJSON, err := json.Marshal(cp.Message)
	if err != nil {
		return err
	}
	var pendingJSON, recordedJSON []byte
	if cp.PendingInteraction != nil {
		if pendingJSON, err = json.Marshal(cp.PendingInteraction); err != nil {
			return err
		}
	}
	if len(cp.RecordedIOs) > 0 {
		if recordedJSON, err = json.Marshal(cp.RecordedIOs); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx, s.upsertCheckpoint,
		cp.RunID, cp.GraphID, cp.ParentRunID, cp.NodeID, msgJSON, string(cp.ExecutionState),
		pendingJSON, recordedJSON, cp.ExpiresAt, cp.CreatedAt)
	return err
}

func (s *SQLStore) Load(ctx context.Context, runID string) (graph.Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT graph_id, parent_run_id, node_id, message_json, execution_state, pending_interaction_json, recorded_ios_json, expires_at, created_at
		FROM checkpoints WHERE run_id = ?`, runID)
	cp, err := scanCheckpoint(row, runID)
	if err == sql.ErrNoRows {
		return graph.Checkpoint{}, false, nil
	}
	if err != nil {
		return graph.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *SQLStore) ListWaiting(ctx context.Context, graphID string) ([]graph.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, graph_id, parent_run_id, node_id, message_json, execution_state, pending_interaction_json, recorded_ios_json, expires_at, created_at
		FROM checkpoints WHERE graph_id = ? AND execution_state = ?`, graphID, string(graph.StateWaiting))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []graph.Checkpoint
	for rows.Next() {
		var runID string
		cp, err := scanCheckpointRow(rows, &runID)
		if err != nil {
			return nil, err
		}
		cp.RunID = runID
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	return err
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row scannable, runID string) (graph.Checkpoint, error) {
	cp, err := scanCheckpointRow(row, nil)
	if err != nil {
		return graph.Checkpoint{}, err
	}
	cp.RunID = runID
	return cp, nil
}

// scanCheckpointRow scans every column except run_id (which the two call
// sites read differently: Load already knows it, ListWaiting must scan it
// into runIDOut).
func scanCheckpointRow(row scannable, runIDOut *string) (graph.Checkpoint, error) {
	var (
		cp                        graph.Checkpoint
		parentRunID, nodeID       sql.NullString
		executionState            string
		msgJSON                   []byte
		pendingJSON, recordedJSON []byte
		expiresAt, createdAt      time.Time
	)

	var err error
	if runIDOut != nil {
		err = row.Scan(runIDOut, &cp.GraphID, &parentRunID, &nodeID, &msgJSON, &executionState, &pendingJSON, &recordedJSON, &expiresAt, &createdAt)
	} else {
		err = row.Scan(&cp.GraphID, &parentRunID, &nodeID, &msgJSON, &executionState, &pendingJSON, &recordedJSON, &expiresAt, &createdAt)
	}
	if err != nil {
		return graph.Checkpoint{}, err
	}

	cp.ParentRunID = parentRunID.String
	cp.NodeID = nodeID.String
	cp.ExecutionState = graph.ExecutionState(executionState)
	cp.ExpiresAt = expiresAt
	cp.CreatedAt = createdAt
	if err := json.Unmarshal(msgJSON, &cp.Message); err != nil {
		return graph.Checkpoint{}, err
	}
	if len(pendingJSON) > 0 {
		cp.PendingInteraction = &graph.PendingInteraction{}
		if err := json.Unmarshal(pendingJSON, cp.PendingInteraction); err != nil {
			return graph.Checkpoint{}, err
		}
	}
	if len(recordedJSON) > 0 {
		if err := json.Unmarshal(recordedJSON, &cp.RecordedIOs); err != nil {
			return graph.Checkpoint{}, err
		}
	}
	return cp, nil
}

func (s *SQLStore) TryBegin(ctx context.Context, entry graph.IdempotencyEntry) (graph.IdempotencyEntry, bool, error) {
	existing, found, err := s.Get(ctx, entry.Fingerprint)
	if err != nil {
		return graph.IdempotencyEntry{}, false, err
	}
	if found {
		return existing, true, nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_entries (fingerprint, run_id, node_id, attempt, status)
		VALUES (?, ?, ?, ?, ?)`,
		entry.Fingerprint, entry.RunID, entry.NodeID, entry.Attempt, string(graph.IdempotencyInFlight))
	if err != nil && s.isUniqueErr(err) {
		existing, found, gerr := s.Get(ctx, entry.Fingerprint)
		if gerr != nil {
			return graph.IdempotencyEntry{}, false, gerr
		}
		return existing, found, nil
	}
	return graph.IdempotencyEntry{}, false, err
}

func (s *SQLStore) Complete(ctx context.Context, fingerprint string, resultData map[string]graph.Value, resultToolCall *graph.ToolCall) error {
	dataJSON, err := json.Marshal(resultData)
	if err != nil {
		return err
	}
	var tcJSON []byte
	if resultToolCall != nil {
		if tcJSON, err = json.Marshal(resultToolCall); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE idempotency_entries SET status = ?, result_data_json = ?, result_tool_call_json = ?
		WHERE fingerprint = ?`, string(graph.IdempotencyDone), dataJSON, tcJSON, fingerprint)
	return err
}

func (s *SQLStore) Fail(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE idempotency_entries SET status = ? WHERE fingerprint = ?`,
		string(graph.IdempotencyFailed), fingerprint)
	return err
}

func (s *SQLStore) Get(ctx context.Context, fingerprint string) (graph.IdempotencyEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, node_id, attempt, status, result_data_json, result_tool_call_json
		FROM idempotency_entries WHERE fingerprint = ?`, fingerprint)

	var (
		entry           graph.IdempotencyEntry
		status          string
		dataJSON, tcJSON []byte
	)
	err := row.Scan(&entry.RunID, &entry.NodeID, &entry.Attempt, &status, &dataJSON, &tcJSON)
	if err == sql.ErrNoRows {
		return graph.IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return graph.IdempotencyEntry{}, false, err
	}
	entry.Fingerprint = fingerprint
	entry.Status = graph.IdempotencyStatus(status)
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &entry.ResultData); err != nil {
			return graph.IdempotencyEntry{}, false, err
		}
	}
	if len(tcJSON) > 0 {
		entry.ResultToolCall = &graph.ToolCall{}
		if err := json.Unmarshal(tcJSON, entry.ResultToolCall); err != nil {
			return graph.IdempotencyEntry{}, false, err
		}
	}
	return entry, true, nil
}
