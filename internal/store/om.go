package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/axiomme/axiomme/internal/axiomtypes"
)

// UpsertOMRecord creates or refreshes the static fields of an OmRecord.
// Generation/event-id fields are only ever advanced through the CAS
// helpers below (spec.md §3 invariants).
func (s *Store) UpsertOMRecord(ctx context.Context, scopeKey string, origin axiomtypes.OMOrigin) (axiomtypes.OmRecord, error) {
	var rec axiomtypes.OmRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO om_records (scope_key, origin_type)
			VALUES (?, ?)
			ON CONFLICT (scope_key) DO NOTHING
		`, scopeKey, origin)
		if err != nil {
			return err
		}
		rec, err = scanOMRecordTx(ctx, tx, scopeKey)
		return err
	})
	return rec, err
}

func scanOMRecordTx(ctx context.Context, tx *sql.Tx, scopeKey string) (axiomtypes.OmRecord, error) {
	return scanOMRecordRow(tx.QueryRowContext(ctx, omRecordSelect+` WHERE scope_key = ?`, scopeKey))
}

const omRecordSelect = `
	SELECT id, scope_key, generation_count, last_applied_outbox_event_id, origin_type,
	       active_observations, observation_token_count, pending_message_tokens,
	       last_activated_message_ids, is_observing, is_reflecting, is_buffering_reflection,
	       buffered_reflection, buffered_reflection_tokens, reflected_observation_line_count,
	       last_buffered_at_tokens, observer_trigger_count_total, created_at, updated_at
	FROM om_records
`

func scanOMRecordRow(row *sql.Row) (axiomtypes.OmRecord, error) {
	var rec axiomtypes.OmRecord
	var lastEventID sql.NullInt64
	var bufferedReflection sql.NullString
	var bufferedReflectionTokens sql.NullInt64
	var reflectedLineCount sql.NullInt64
	var activatedIDs string
	err := row.Scan(
		&rec.ID, &rec.ScopeKey, &rec.GenerationCount, &lastEventID, &rec.OriginType,
		&rec.ActiveObservations, &rec.ObservationTokenCount, &rec.PendingMessageTokens,
		&activatedIDs, &rec.IsObserving, &rec.IsReflecting, &rec.IsBufferingReflection,
		&bufferedReflection, &bufferedReflectionTokens, &reflectedLineCount,
		&rec.LastBufferedAtTokens, &rec.ObserverTriggerCountTotal, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return rec, err
	}
	if lastEventID.Valid {
		v := lastEventID.Int64
		rec.LastAppliedOutboxEventID = &v
	}
	if bufferedReflection.Valid {
		v := bufferedReflection.String
		rec.BufferedReflection = &v
	}
	if bufferedReflectionTokens.Valid {
		v := int(bufferedReflectionTokens.Int64)
		rec.BufferedReflectionTokens = &v
	}
	if reflectedLineCount.Valid {
		v := int(reflectedLineCount.Int64)
		rec.ReflectedObservationLineCount = &v
	}
	_ = json.Unmarshal([]byte(activatedIDs), &rec.LastActivatedMessageIDs)
	return rec, nil
}

// GetOMRecordByScopeKey returns the OmRecord for scopeKey, or ErrNotFound.
func (s *Store) GetOMRecordByScopeKey(ctx context.Context, scopeKey string) (axiomtypes.OmRecord, error) {
	rec, err := scanOMRecordRow(s.db.QueryRowContext(ctx, omRecordSelect+` WHERE scope_key = ?`, scopeKey))
	return rec, wrapDBErrorf(err, "get om record %s", scopeKey)
}

// ApplyOMReflectionWithCAS materializes a reflection into a record's
// active_observations, guarded by (expected_generation, event_id)
// (spec.md §4.2). It returns ApplyApplied, ApplyIdempotent, or
// ApplyStaleGeneration — all non-error outcomes the caller must not retry.
func (s *Store) ApplyOMReflectionWithCAS(ctx context.Context, scopeKey string, expectedGeneration, eventID int64, newObservations string, lineCount int) (axiomtypes.ApplyOutcome, error) {
	var outcome axiomtypes.ApplyOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanOMRecordTx(ctx, tx, scopeKey)
		if err != nil {
			return err
		}
		if rec.LastAppliedOutboxEventID != nil && *rec.LastAppliedOutboxEventID == eventID {
			outcome = axiomtypes.ApplyIdempotent
			return nil
		}
		if rec.GenerationCount != expectedGeneration {
			outcome = axiomtypes.ApplyStaleGeneration
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE om_records SET
				generation_count = generation_count + 1,
				last_applied_outbox_event_id = ?,
				origin_type = 'reflection',
				active_observations = ?,
				reflected_observation_line_count = ?,
				is_reflecting = 0,
				is_buffering_reflection = 0,
				buffered_reflection = NULL,
				buffered_reflection_tokens = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE scope_key = ?
		`, eventID, newObservations, lineCount, scopeKey)
		if err != nil {
			return err
		}
		outcome = axiomtypes.ApplyApplied
		return nil
	})
	return outcome, wrapDBErrorf(err, "apply om reflection for %s", scopeKey)
}

// BufferOMReflectionWithCAS stages a freshly-produced reflection without
// materializing it, guarded by the same (expected_generation, event_id)
// rule as ApplyOMReflectionWithCAS (spec.md §4.3
// om_reflect_buffer_requested handler).
func (s *Store) BufferOMReflectionWithCAS(ctx context.Context, scopeKey string, expectedGeneration, eventID int64, buffered string, tokens int) (axiomtypes.ApplyOutcome, error) {
	var outcome axiomtypes.ApplyOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanOMRecordTx(ctx, tx, scopeKey)
		if err != nil {
			return err
		}
		if rec.LastAppliedOutboxEventID != nil && *rec.LastAppliedOutboxEventID == eventID {
			outcome = axiomtypes.ApplyIdempotent
			return nil
		}
		if rec.GenerationCount != expectedGeneration {
			outcome = axiomtypes.ApplyStaleGeneration
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE om_records SET
				is_buffering_reflection = 1,
				buffered_reflection = ?,
				buffered_reflection_tokens = ?,
				last_buffered_at_tokens = observation_token_count,
				updated_at = CURRENT_TIMESTAMP
			WHERE scope_key = ?
		`, buffered, tokens, scopeKey)
		if err != nil {
			return err
		}
		outcome = axiomtypes.ApplyApplied
		return nil
	})
	return outcome, wrapDBErrorf(err, "buffer om reflection for %s", scopeKey)
}

// AppendOMObservationChunkWithEventCAS appends an observation chunk
// contributed by eventID, returning false (no error) if that event
// already contributed a chunk to this record — the at-most-one-chunk-
// per-event guarantee (spec.md §3 OmObservationChunk invariant).
func (s *Store) AppendOMObservationChunkWithEventCAS(ctx context.Context, scopeKey string, expectedGeneration, eventID int64, chunkText string) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanOMRecordTx(ctx, tx, scopeKey)
		if err != nil {
			return err
		}
		if rec.GenerationCount != expectedGeneration {
			applied = false
			return nil
		}
		var already bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM om_observation_chunks WHERE record_id = ? AND event_id = ?)
		`, rec.ID, eventID).Scan(&already); err != nil {
			return err
		}
		if already {
			applied = false
			return nil
		}
		var nextSeq int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM om_observation_chunks WHERE record_id = ?
		`, rec.ID).Scan(&nextSeq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO om_observation_chunks (record_id, seq, event_id, chunk_text) VALUES (?, ?, ?, ?)
		`, rec.ID, nextSeq, eventID, chunkText); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE om_records SET
				is_observing = 0,
				observer_trigger_count_total = observer_trigger_count_total + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, rec.ID)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, wrapDBErrorf(err, "append om observation chunk for %s", scopeKey)
}

// OMObserverEventApplied reports whether eventID already contributed a
// chunk to scopeKey's record, used by the observer handler to no-op on
// redelivery (spec.md §4.3).
func (s *Store) OMObserverEventApplied(ctx context.Context, scopeKey string, eventID int64) (bool, error) {
	rec, err := s.GetOMRecordByScopeKey(ctx, scopeKey)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	var applied bool
	err = s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM om_observation_chunks WHERE record_id = ? AND event_id = ?)
	`, rec.ID, eventID).Scan(&applied)
	return applied, wrapDBError("check om observer event applied", err)
}

// ListOMObservationChunks returns all chunks for scopeKey in seq order,
// used to assemble the text fed to the reflector oracle.
func (s *Store) ListOMObservationChunks(ctx context.Context, scopeKey string) ([]axiomtypes.OmObservationChunk, error) {
	rec, err := s.GetOMRecordByScopeKey(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, seq, event_id, chunk_text, created_at
		FROM om_observation_chunks WHERE record_id = ? ORDER BY seq ASC
	`, rec.ID)
	if err != nil {
		return nil, wrapDBError("list om observation chunks", err)
	}
	defer func() { _ = rows.Close() }()
	var out []axiomtypes.OmObservationChunk
	for rows.Next() {
		var c axiomtypes.OmObservationChunk
		if err := rows.Scan(&c.RecordID, &c.Seq, &c.EventID, &c.ChunkText, &c.CreatedAt); err != nil {
			return nil, wrapDBError("scan om observation chunk", err)
		}
		out = append(out, c)
	}
	return out, wrapDBError("iterate om observation chunks", rows.Err())
}

// SetOMObservationTokenCount updates the rolling token counters used to
// decide when add_message's write path should enqueue buffer/reflect
// events (spec.md §4.7).
func (s *Store) SetOMObservationTokenCount(ctx context.Context, scopeKey string, observationTokens, pendingTokens int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE om_records SET
			observation_token_count = ?,
			pending_message_tokens = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE scope_key = ?
	`, observationTokens, pendingTokens, scopeKey)
	return wrapDBErrorf(err, "set om token counts for %s", scopeKey)
}

// MarkOMActivated records which message ids an observer event consumed
// along with the post-activation token counters, so the next observer
// event starts from the unactivated tail (spec.md §4.3
// om_observe_buffer_requested handler).
func (s *Store) MarkOMActivated(ctx context.Context, scopeKey string, messageIDs []string, observationTokens, pendingTokens, lastBufferedAtTokens int) error {
	ids, err := json.Marshal(messageIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE om_records SET
			last_activated_message_ids = ?,
			observation_token_count = ?,
			pending_message_tokens = ?,
			last_buffered_at_tokens = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE scope_key = ?
	`, string(ids), observationTokens, pendingTokens, lastBufferedAtTokens, scopeKey)
	return wrapDBErrorf(err, "mark om activated for %s", scopeKey)
}

// MarkOMObserving flags the record as actively observing (an observer
// event has been enqueued and is not yet applied); used to avoid
// duplicate concurrent enqueues from add_message's write path.
func (s *Store) MarkOMObserving(ctx context.Context, scopeKey string, observing bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE om_records SET is_observing = ?, updated_at = CURRENT_TIMESTAMP WHERE scope_key = ?
	`, observing, scopeKey)
	return wrapDBErrorf(err, "mark om observing for %s", scopeKey)
}
