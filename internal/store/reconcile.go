package store

import (
	"context"
	"encoding/json"
)

// ReconcileRun summarizes one invocation of reconcile_state_with_options
// (spec.md §4.5), persisted for audit.
type ReconcileRun struct {
	ID                      int64
	DryRun                  bool
	Scopes                  []string
	OKCount                 int
	DriftHashCount          int
	DriftMissingFileCount   int
	DriftMissingRecordCount int
}

// RecordReconcileRun persists a completed reconcile pass.
func (s *Store) RecordReconcileRun(ctx context.Context, run ReconcileRun) (int64, error) {
	scopes, err := json.Marshal(run.Scopes)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reconcile_runs (finished_at, dry_run, scopes, ok_count, drift_hash_count, drift_missing_file_count, drift_missing_record_count)
		VALUES (CURRENT_TIMESTAMP, ?, ?, ?, ?, ?, ?)
	`, run.DryRun, string(scopes), run.OKCount, run.DriftHashCount, run.DriftMissingFileCount, run.DriftMissingRecordCount)
	if err != nil {
		return 0, wrapDBError("record reconcile run", err)
	}
	return res.LastInsertId()
}
