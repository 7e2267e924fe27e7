package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/axiomme/axiomme/internal/axiomtypes"
)

// eventLanes maps an event_type to its fixed lane at insert time
// (spec.md §3, §4.3). Unknown event types default to the semantic lane,
// matching "unknown lane on read is treated as semantic for counting".
var eventLanes = map[string]axiomtypes.Lane{
	"semantic_scan":                  axiomtypes.LaneSemantic,
	"upsert":                         axiomtypes.LaneSemantic,
	"om_observe_buffer_requested":    axiomtypes.LaneSemantic,
	"om_reflect_buffer_requested":    axiomtypes.LaneSemantic,
	"om_reflect_requested":           axiomtypes.LaneSemantic,
	"leaf_reindex":                   axiomtypes.LaneEmbedding,
	"vector_mirror":                  axiomtypes.LaneEmbedding,
	"qdrant_search_failed":           axiomtypes.LaneSemantic,
	"sqlite_search_failed":           axiomtypes.LaneSemantic,
	"memory_extract_fallback":        axiomtypes.LaneSemantic,
}

// LaneForEventType returns the lane an event_type is dispatched on.
func LaneForEventType(eventType string) axiomtypes.Lane {
	if lane, ok := eventLanes[eventType]; ok {
		return lane
	}
	return axiomtypes.LaneSemantic
}

// Enqueue inserts a new outbox row with a fresh monotonic id, status=new,
// and next_attempt_at=now (spec.md §3: "every row has a non-null lane
// derived from event_type at insert time").
func (s *Store) Enqueue(ctx context.Context, eventType, uri string, payload any) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal outbox payload: %w", err)
	}
	lane := LaneForEventType(eventType)

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (event_type, uri, payload_json, status, next_attempt_at, lane)
			VALUES (?, ?, ?, 'new', CURRENT_TIMESTAMP, ?)
		`, eventType, uri, string(payloadJSON), lane)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, wrapDBError("enqueue outbox event", err)
	}
	return id, nil
}

// Fetch returns up to limit due-now events with the given status,
// ordered by ascending id (spec.md §3, §5: "within a lane, outbox events
// are dispatched in ascending id order of due events").
func (s *Store) Fetch(ctx context.Context, lane axiomtypes.Lane, status axiomtypes.OutboxStatus, limit int) ([]axiomtypes.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, uri, payload_json, created_at, attempt_count, status, next_attempt_at, lane, last_error
		FROM outbox
		WHERE status = ? AND lane = ? AND next_attempt_at <= CURRENT_TIMESTAMP
		ORDER BY id ASC
		LIMIT ?
	`, status, lane, limit)
	if err != nil {
		return nil, wrapDBError("fetch outbox events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []axiomtypes.OutboxEvent
	for rows.Next() {
		var e axiomtypes.OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.URI, &e.PayloadJSON, &e.CreatedAt,
			&e.AttemptCount, &e.Status, &e.NextAttemptAt, &e.Lane, &e.LastError); err != nil {
			return nil, wrapDBError("scan outbox event", err)
		}
		out = append(out, e)
	}
	return out, wrapDBError("iterate outbox events", rows.Err())
}

// FetchDeadLetters returns up to limit dead_letter rows for a lane in
// ascending id order, without the due-window filter Fetch applies — a
// dead-lettered row's next_attempt_at is whatever its last requeue left
// behind. Used by replay_outbox(include_dead_letter=true) to re-dispatch
// retained rows diagnostically.
func (s *Store) FetchDeadLetters(ctx context.Context, lane axiomtypes.Lane, limit int) ([]axiomtypes.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, uri, payload_json, created_at, attempt_count, status, next_attempt_at, lane, last_error
		FROM outbox
		WHERE status = 'dead_letter' AND lane = ?
		ORDER BY id ASC
		LIMIT ?
	`, lane, limit)
	if err != nil {
		return nil, wrapDBError("fetch dead-letter events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []axiomtypes.OutboxEvent
	for rows.Next() {
		var e axiomtypes.OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.URI, &e.PayloadJSON, &e.CreatedAt,
			&e.AttemptCount, &e.Status, &e.NextAttemptAt, &e.Lane, &e.LastError); err != nil {
			return nil, wrapDBError("scan dead-letter event", err)
		}
		out = append(out, e)
	}
	return out, wrapDBError("iterate dead-letter events", rows.Err())
}

// terminalStatuses never transition to any other status (spec.md §3,
// invariant: "terminal absorption").
var terminalStatuses = map[axiomtypes.OutboxStatus]bool{
	axiomtypes.StatusDone:       true,
	axiomtypes.StatusDeadLetter: true,
}

// MarkStatus transitions an outbox row's status. Transitions out of a
// terminal status are rejected rather than silently applied.
func (s *Store) MarkStatus(ctx context.Context, id int64, status axiomtypes.OutboxStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current axiomtypes.OutboxStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM outbox WHERE id = ?`, id).Scan(&current); err != nil {
			return wrapDBErrorf(err, "mark outbox %d status", id)
		}
		if terminalStatuses[current] && current != status {
			return fmt.Errorf("outbox %d: %w: cannot leave terminal status %q", id, ErrConflict, current)
		}
		_, err := tx.ExecContext(ctx, `UPDATE outbox SET status = ? WHERE id = ?`, status, id)
		return err
	})
}

// RequeueWithDelay sets next_attempt_at = now+seconds and status=new,
// incrementing attempt_count (spec.md §4.3 step 4).
func (s *Store) RequeueWithDelay(ctx context.Context, id int64, seconds int, lastError string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current axiomtypes.OutboxStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM outbox WHERE id = ?`, id).Scan(&current); err != nil {
			return wrapDBErrorf(err, "requeue outbox %d", id)
		}
		if terminalStatuses[current] {
			return fmt.Errorf("outbox %d: %w: cannot requeue terminal status %q", id, ErrConflict, current)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE outbox
			SET status = 'new',
			    next_attempt_at = datetime(CURRENT_TIMESTAMP, ? || ' seconds'),
			    attempt_count = attempt_count + 1,
			    last_error = ?
			WHERE id = ?
		`, seconds, lastError, id)
		return err
	})
}

// DeadLetter marks an outbox row dead_letter with a diagnostic reason,
// a terminal transition that is retained for audit rather than deleted
// (spec.md §5 "Resource lifecycle").
func (s *Store) DeadLetter(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'dead_letter', dead_letter_reason = ? WHERE id = ?
	`, reason, id)
	return wrapDBErrorf(err, "dead-letter outbox %d", id)
}

// UpdateOutboxPayload replaces a non-terminal row's payload, the repair
// hook operators use on malformed events before forcing them due again
// (spec.md §8 scenario S4).
func (s *Store) UpdateOutboxPayload(ctx context.Context, id int64, payloadJSON string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current axiomtypes.OutboxStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM outbox WHERE id = ?`, id).Scan(&current); err != nil {
			return wrapDBErrorf(err, "update outbox %d payload", id)
		}
		if terminalStatuses[current] {
			return fmt.Errorf("outbox %d: %w: cannot repair terminal status %q", id, ErrConflict, current)
		}
		_, err := tx.ExecContext(ctx, `UPDATE outbox SET payload_json = ? WHERE id = ?`, payloadJSON, id)
		return err
	})
}

// ForceDueNow sets next_attempt_at to the current time, used by tests
// and operators to skip a backoff window (spec.md §8 scenario S4).
func (s *Store) ForceDueNow(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET next_attempt_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return wrapDBErrorf(err, "force outbox %d due now", id)
}

// RecoverTimedOutProcessingEvents flips abandoned processing rows (older
// than timeoutSecs) back to new with a small backoff, run on restart
// before accepting new work (spec.md §4.3 "Recovery").
func (s *Store) RecoverTimedOutProcessingEvents(ctx context.Context, timeoutSecs int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'new',
		    next_attempt_at = datetime(CURRENT_TIMESTAMP, '+1 seconds'),
		    attempt_count = attempt_count + 1
		WHERE status = 'processing'
		  AND next_attempt_at <= datetime(CURRENT_TIMESTAMP, ? || ' seconds')
	`, -timeoutSecs, )
	if err != nil {
		return 0, wrapDBError("recover timed-out processing events", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetCheckpoint and SetCheckpoint manage (worker_name -> last_event_id)
// checkpoints (spec.md §3, §4.3 step 6).
func (s *Store) GetCheckpoint(ctx context.Context, name string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT last_event_id FROM checkpoints WHERE name = ?`, name).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return last, wrapDBError("get checkpoint", err)
}

func (s *Store) SetCheckpoint(ctx context.Context, name string, lastEventID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, last_event_id) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET last_event_id = excluded.last_event_id
	`, name, lastEventID)
	return wrapDBError("set checkpoint", err)
}

// QueueCounts returns per-lane new/due/processing/done/dead_letter
// counts for QueueOverview (spec.md §6).
func (s *Store) QueueCounts(ctx context.Context) (axiomtypes.QueueOverview, error) {
	overview := axiomtypes.QueueOverview{
		Lanes:       map[axiomtypes.Lane]axiomtypes.LaneCounts{},
		Checkpoints: map[string]int64{},
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT lane,
		       SUM(CASE WHEN status = 'new' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'new' AND next_attempt_at <= CURRENT_TIMESTAMP THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'dead_letter' THEN 1 ELSE 0 END)
		FROM outbox
		GROUP BY lane
	`)
	if err != nil {
		return overview, wrapDBError("query queue counts", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var lane axiomtypes.Lane
		var newTotal, newDue, processing, processed, deadLetter int
		if err := rows.Scan(&lane, &newTotal, &newDue, &processing, &processed, &deadLetter); err != nil {
			return overview, wrapDBError("scan queue counts", err)
		}
		overview.Lanes[lane] = axiomtypes.LaneCounts{
			NewTotal: newTotal, NewDue: newDue, Processing: processing,
			Processed: processed, ErrorCount: deadLetter, DeadLetterTotal: deadLetter,
		}
	}
	if err := rows.Err(); err != nil {
		return overview, wrapDBError("iterate queue counts", err)
	}

	cpRows, err := s.db.QueryContext(ctx, `SELECT name, last_event_id FROM checkpoints`)
	if err != nil {
		return overview, wrapDBError("query checkpoints", err)
	}
	defer func() { _ = cpRows.Close() }()
	for cpRows.Next() {
		var name string
		var last int64
		if err := cpRows.Scan(&name, &last); err != nil {
			return overview, wrapDBError("scan checkpoint", err)
		}
		overview.Checkpoints[name] = last
	}
	return overview, wrapDBError("iterate checkpoints", cpRows.Err())
}
