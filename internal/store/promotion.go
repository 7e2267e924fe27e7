package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/axiomme/axiomme/internal/axiomtypes"
)

const promotionSelect = `
	SELECT session_id, checkpoint_id, request_hash, request_json, phase, result_json, updated_at
	FROM promotion_checkpoints
`

func scanPromotion(scan func(dest ...any) error) (axiomtypes.PromotionCheckpoint, error) {
	var cp axiomtypes.PromotionCheckpoint
	var result sql.NullString
	if err := scan(&cp.SessionID, &cp.CheckpointID, &cp.RequestHash, &cp.RequestJSON, &cp.Phase, &result, &cp.UpdatedAt); err != nil {
		return cp, err
	}
	if result.Valid {
		v := result.String
		cp.ResultJSON = &v
	}
	return cp, nil
}

// GetPromotionCheckpoint returns the checkpoint for (sessionID, checkpointID), or ErrNotFound.
func (s *Store) GetPromotionCheckpoint(ctx context.Context, sessionID, checkpointID string) (axiomtypes.PromotionCheckpoint, error) {
	cp, err := scanPromotion(s.db.QueryRowContext(ctx, promotionSelect+` WHERE session_id = ? AND checkpoint_id = ?`, sessionID, checkpointID).Scan)
	return cp, wrapDBErrorf(err, "get promotion checkpoint %s/%s", sessionID, checkpointID)
}

// InsertPendingPromotion creates a new checkpoint row in phase=pending,
// the entry point of the promotion protocol (spec.md §4.7). If a row for
// (sessionID, checkpointID) already exists, the error wraps ErrConflict.
func (s *Store) InsertPendingPromotion(ctx context.Context, sessionID, checkpointID, requestHash, requestJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotion_checkpoints (session_id, checkpoint_id, request_hash, request_json, phase)
		VALUES (?, ?, ?, ?, 'pending')
	`, sessionID, checkpointID, requestHash, requestJSON)
	if err != nil {
		if _, gerr := s.GetPromotionCheckpoint(ctx, sessionID, checkpointID); gerr == nil {
			return fmt.Errorf("insert pending promotion %s/%s: %w", sessionID, checkpointID, ErrConflict)
		}
	}
	return wrapDBErrorf(err, "insert pending promotion %s/%s", sessionID, checkpointID)
}

// SetPendingPromotion resets a checkpoint row back to phase=pending,
// used by the promotion protocol when applying fails (in either apply
// mode) to reopen the checkpoint for retry. DemoteStaleApplying runs its
// own bulk UPDATE and does not call it.
func (s *Store) SetPendingPromotion(ctx context.Context, sessionID, checkpointID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE promotion_checkpoints SET phase = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND checkpoint_id = ? AND phase != 'applied'
	`, sessionID, checkpointID)
	return wrapDBErrorf(err, "set pending promotion %s/%s", sessionID, checkpointID)
}

// ClaimApplying atomically transitions pending -> applying keyed on
// request_hash; exactly one concurrent claimant succeeds (spec.md §4.7).
func (s *Store) ClaimApplying(ctx context.Context, sessionID, checkpointID, requestHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE promotion_checkpoints
		SET phase = 'applying', updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND checkpoint_id = ? AND request_hash = ? AND phase = 'pending'
	`, sessionID, checkpointID, requestHash)
	if err != nil {
		return false, wrapDBErrorf(err, "claim applying %s/%s", sessionID, checkpointID)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinalizeApplied transitions applying -> applied and writes the result,
// keyed on request_hash so a stale claimant cannot finalize after a
// concurrent winner already did (spec.md §4.7). Returns false if the CAS
// lost (row was not in phase=applying with this hash).
func (s *Store) FinalizeApplied(ctx context.Context, sessionID, checkpointID, requestHash, resultJSON string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE promotion_checkpoints
		SET phase = 'applied', result_json = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND checkpoint_id = ? AND request_hash = ? AND phase = 'applying'
	`, resultJSON, sessionID, checkpointID, requestHash)
	if err != nil {
		return false, wrapDBErrorf(err, "finalize applied %s/%s", sessionID, checkpointID)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DemoteStaleApplying resets any row stuck in phase=applying for longer
// than staleAfter back to pending, reclaiming checkpoints abandoned by a
// crashed applier (spec.md §3 PromotionCheckpoint invariants).
func (s *Store) DemoteStaleApplying(ctx context.Context, staleAfter time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE promotion_checkpoints
		SET phase = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE phase = 'applying' AND updated_at <= datetime(CURRENT_TIMESTAMP, ? || ' seconds')
	`, -int64(staleAfter.Seconds()))
	if err != nil {
		return 0, wrapDBError("demote stale applying promotions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteSessionPromotions removes every promotion checkpoint for a
// session, used by delete_session's explicit cleanup (spec.md §3
// "Lifecycles").
func (s *Store) DeleteSessionPromotions(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM promotion_checkpoints WHERE session_id = ?`, sessionID)
	return wrapDBErrorf(err, "delete promotions for session %s", sessionID)
}
