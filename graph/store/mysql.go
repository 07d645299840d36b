package store

import (
	"database/sql"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

const mysqlUpsertCheckpoint = `
INSERT INTO checkpoints (run_id, graph_id, parent_run_id, node_id, message_json, execution_state, pending_interaction_json, recorded_ios_json, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	graph_id = VALUES(graph_id),
	parent_run_id = VALUES(parent_run_id),
	node_id = VALUES(node_id),
	message_json = VALUES(message_json),
	execution_state = VALUES(execution_state),
	pending_interaction_json = VALUES(pending_interaction_json),
	recorded_ios_json = VALUES(recorded_ios_json),
	expires_at = VALUES(expires_at)`

// NewMySQLStore opens a MySQL connection via dsn (see go-sql-driver/mysql's
// DSN format, e.g. "user:pass@tcp(host:3306)/dbname?parseTime=true") and
// runs migrations. parseTime=true is required so expires_at/created_at
// scan directly into time.Time.
func NewMySQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, mysqlUpsertCheckpoint, isMySQLUniqueErr)
}

func isMySQLUniqueErr(err error) bool {
	// go-sql-driver/mysql wraps the duplicate-key error (1062) as a
	// *mysql.MySQLError; matching on the message avoids importing the
	// driver's internal error type just for this check.
	return strings.Contains(err.Error(), "Error 1062")
}
