// Package migrations holds the numbered, idempotent schema migrations for
// the sqlite backend, in the teacher's own one-function-per-file style
// (internal/storage/sqlite/migrations/*.go): each Migrate* function
// checks current state before acting so re-running it is a no-op.
package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateRecordHash creates the record_hash table (spec §3 RecordHash):
// one opaque blob per record, keyed by its id.
func MigrateRecordHash(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS record_hash (
			record_id TEXT PRIMARY KEY,
			blob      BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create record_hash table: %w", err)
	}
	return nil
}
