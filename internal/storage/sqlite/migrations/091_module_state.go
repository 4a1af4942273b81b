package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateModuleState creates the module_state table (spec §4.G): opaque
// blobs keyed by state_key. The registry stores its snapshot of every
// view's bookkeeping as one blob under a well-known key.
func MigrateModuleState(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS module_state (
			state_key TEXT PRIMARY KEY,
			blob      BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create module_state table: %w", err)
	}
	return nil
}
