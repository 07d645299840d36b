package store

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteUpsertCheckpoint = `
INSERT INTO checkpoints (run_id, graph_id, parent_run_id, node_id, message_json, execution_state, pending_interaction_json, recorded_ios_json, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id) DO UPDATE SET
	graph_id = excluded.graph_id,
	parent_run_id = excluded.parent_run_id,
	node_id = excluded.node_id,
	message_json = excluded.message_json,
	execution_state = excluded.execution_state,
	pending_interaction_json = excluded.pending_interaction_json,
	recorded_ios_json = excluded.recorded_ios_json,
	expires_at = excluded.expires_at`

// NewSQLiteStore opens (creating if needed) a SQLite database at path,
// using modernc.org/sqlite's pure-Go driver (no cgo), and runs migrations.
// Pass ":memory:" for an ephemeral, process-local store with durable-store
// semantics (still useful for tests that exercise the SQL code paths).
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // WAL mode still serializes writers; avoid SQLITE_BUSY under our own pool.
	return newSQLStore(db, sqliteUpsertCheckpoint, isSQLiteUniqueErr)
}

func isSQLiteUniqueErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
