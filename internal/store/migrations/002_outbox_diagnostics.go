package migrations

import (
	"database/sql"
	"fmt"
)

// AddOutboxDiagnosticsColumn adds a dead_letter_reason column to outbox,
// following the teacher's pragma_table_info-guarded ALTER TABLE pattern
// (internal/storage/sqlite/migrations/053_pod_fields.go) so the migration
// is safe to run again against an already-migrated database.
func AddOutboxDiagnosticsColumn(db *sql.DB) error {
	var exists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0 FROM pragma_table_info('outbox') WHERE name = 'dead_letter_reason'
	`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check dead_letter_reason column: %w", err)
	}
	if exists {
		return nil
	}
	_, err = db.Exec(`ALTER TABLE outbox ADD COLUMN dead_letter_reason TEXT NOT NULL DEFAULT ''`)
	if err != nil {
		return fmt.Errorf("add dead_letter_reason column: %w", err)
	}
	return nil
}
