// Package migrations holds one file per schema migration, each an
// idempotent function over *sql.DB, following the teacher's
// internal/storage/sqlite/migrations convention (e.g. 053_pod_fields.go):
// check current state via pragma_table_info before mutating, so re-running
// a migration against an already-migrated database is a no-op.
package migrations

import "database/sql"

// CreateInitialSchema creates every table the state store needs. Columns
// line up with spec.md §3's data model (OutboxEvent, IndexState,
// SearchDocument, TraceIndexEntry, OmRecord, OmObservationChunk,
// PromotionCheckpoint).
func CreateInitialSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			uri TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'new',
			next_attempt_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			lane TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(status, lane, next_attempt_at, id)`,

		`CREATE TABLE IF NOT EXISTS index_state (
			uri TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			mtime_nanos INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'ok'
		)`,

		`CREATE TABLE IF NOT EXISTS search_documents (
			uri TEXT PRIMARY KEY,
			parent_uri TEXT NOT NULL DEFAULT '',
			is_leaf INTEGER NOT NULL DEFAULT 1,
			context_type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			abstract_text TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			depth INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_documents_parent ON search_documents(parent_uri)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			name TEXT PRIMARY KEY,
			last_event_id INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS trace_index (
			trace_id TEXT PRIMARY KEY,
			uri TEXT NOT NULL DEFAULT '',
			request_type TEXT NOT NULL,
			query TEXT NOT NULL DEFAULT '',
			target_uri TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS om_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope_key TEXT NOT NULL UNIQUE,
			generation_count INTEGER NOT NULL DEFAULT 0,
			last_applied_outbox_event_id INTEGER,
			origin_type TEXT NOT NULL DEFAULT 'initial',
			active_observations TEXT NOT NULL DEFAULT '',
			observation_token_count INTEGER NOT NULL DEFAULT 0,
			pending_message_tokens INTEGER NOT NULL DEFAULT 0,
			last_activated_message_ids TEXT NOT NULL DEFAULT '[]',
			is_observing INTEGER NOT NULL DEFAULT 0,
			is_reflecting INTEGER NOT NULL DEFAULT 0,
			is_buffering_reflection INTEGER NOT NULL DEFAULT 0,
			buffered_reflection TEXT,
			buffered_reflection_tokens INTEGER,
			reflected_observation_line_count INTEGER,
			last_buffered_at_tokens INTEGER NOT NULL DEFAULT 0,
			observer_trigger_count_total INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS om_observation_chunks (
			record_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			event_id INTEGER NOT NULL,
			chunk_text TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (record_id, seq)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_om_chunks_event ON om_observation_chunks(record_id, event_id)`,

		`CREATE TABLE IF NOT EXISTS promotion_checkpoints (
			session_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			request_json TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT 'pending',
			result_json TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, checkpoint_id)
		)`,

		`CREATE TABLE IF NOT EXISTS reconcile_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME,
			dry_run INTEGER NOT NULL DEFAULT 0,
			scopes TEXT NOT NULL DEFAULT '[]',
			ok_count INTEGER NOT NULL DEFAULT 0,
			drift_hash_count INTEGER NOT NULL DEFAULT 0,
			drift_missing_file_count INTEGER NOT NULL DEFAULT 0,
			drift_missing_record_count INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS request_log (
			request_id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			status TEXT NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			trace_id TEXT NOT NULL DEFAULT '',
			target_uri TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_log_op_status ON request_log(operation, status)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
