// Package store implements the state store (spec.md §4.2, C2): a
// SQLite-backed database of queues and metadata opened with hardened file
// permissions, migrated on open, and rejected outright if its schema is
// missing required columns or carries out-of-domain status values.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/axiomme/axiomme/internal/corelog"
	"github.com/axiomme/axiomme/internal/store/migrations"
)

// migration is one ordered, idempotent schema step, mirroring the
// teacher's one-function-per-file migrations/*.go layout.
type migration struct {
	name string
	fn   func(*sql.DB) error
}

var orderedMigrations = []migration{
	{"001_initial_schema", migrations.CreateInitialSchema},
	{"002_outbox_diagnostics", migrations.AddOutboxDiagnosticsColumn},
}

// requiredOutboxColumns and the domain of legal status values gate schema
// acceptance: a database missing any of these, or containing an
// out-of-domain outbox.status value, is rejected rather than silently
// migrated (spec.md §4.2).
var requiredOutboxColumns = []string{
	"id", "event_type", "uri", "payload_json", "created_at",
	"attempt_count", "status", "next_attempt_at", "lane",
}

var validOutboxStatuses = map[string]bool{
	"new": true, "processing": true, "done": true, "dead_letter": true,
}

// Store wraps the SQLite connection and a reader/writer discipline that
// matches the teacher's reconnectMu pattern: an exclusive lock serializes
// transactions run through withTx, while single-statement operations
// take no lock and rely on the one-connection pool (spec.md §5).
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if absent) the database at path, hardens its file
// permissions to owner-only on POSIX, runs migrations, and validates the
// resulting schema.
func Open(ctx context.Context, path string) (*Store, error) {
	isNew := false
	if path != ":memory:" && !isMemoryDSN(path) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			isNew = true
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; matches single-process model (spec.md §5)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		corelog.Warnf("state store: could not enable WAL mode: %v", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		corelog.Warnf("state store: could not enable foreign keys: %v", err)
	}

	for _, m := range orderedMigrations {
		if err := m.fn(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migration %s: %w", m.name, err)
		}
	}

	if err := validateSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if isNew {
		if err := hardenPermissions(path); err != nil {
			corelog.Warnf("state store: could not harden permissions on %s: %v", path, err)
		}
	}

	return &Store{db: db, path: path}, nil
}

func isMemoryDSN(path string) bool {
	return len(path) >= 5 && path[:5] == "file:" // e.g. file::memory:?mode=memory&cache=private
}

// hardenPermissions sets owner-only POSIX permissions (0600) on the
// database file and its WAL/SHM sidecars when present (spec.md §6).
func hardenPermissions(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.Chmod(p, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// validateSchema rejects a database whose schema is missing required
// columns or contains out-of-domain status values, preferring rejection
// over silent migration for safety (spec.md §4.2).
func validateSchema(ctx context.Context, db *sql.DB) error {
	cols, err := tableColumns(ctx, db, "outbox")
	if err != nil {
		return fmt.Errorf("%w: inspect outbox schema: %v", ErrSchemaRejected, err)
	}
	colSet := make(map[string]bool, len(cols))
	for _, c := range cols {
		colSet[c] = true
	}
	for _, required := range requiredOutboxColumns {
		if !colSet[required] {
			return fmt.Errorf("%w: outbox table missing required column %q", ErrSchemaRejected, required)
		}
	}

	rows, err := db.QueryContext(ctx, `SELECT DISTINCT status FROM outbox`)
	if err != nil {
		return fmt.Errorf("%w: inspect outbox status domain: %v", ErrSchemaRejected, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return fmt.Errorf("%w: scan outbox status: %v", ErrSchemaRejected, err)
		}
		if !validOutboxStatuses[status] {
			return fmt.Errorf("%w: outbox contains out-of-domain status %q", ErrSchemaRejected, status)
		}
	}
	return rows.Err()
}

func tableColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic, matching the teacher's
// internal/storage/sqlite withTx helper shape (e.g. dirty.go's
// MarkIssuesDirty). All schema mutations that must be atomic go through
// this helper.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
