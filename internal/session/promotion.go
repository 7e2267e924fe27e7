package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/config"
	"github.com/axiomme/axiomme/internal/extractor"
	"github.com/axiomme/axiomme/internal/store"
)

// Promotion protocol errors (spec.md §4.7).
var (
	ErrCheckpointConflict = errors.New("checkpoint_id conflict")
	ErrCheckpointBusy     = errors.New("checkpoint_busy")
	ErrPromotionInvalid   = errors.New("promotion validation failed")
)

// ApplyMode selects the promotion failure policy.
type ApplyMode string

const (
	ApplyAllOrNothing ApplyMode = "all_or_nothing"
	ApplyBestEffort   ApplyMode = "best_effort"
)

// PromotedFact is one memory fact in a promotion request.
type PromotedFact struct {
	Category        extractor.Category `json:"category"`
	Text            string             `json:"text"`
	SourceIDs       []string           `json:"source_ids"`
	ConfidenceMilli int                `json:"confidence_milli"`
}

// MemoryPromotionRequest is the checkpointed promotion input
// (spec.md §6).
type MemoryPromotionRequest struct {
	SessionID    string         `json:"session_id"`
	CheckpointID string         `json:"checkpoint_id"`
	ApplyMode    ApplyMode      `json:"apply_mode"`
	Facts        []PromotedFact `json:"facts"`
}

// MemoryPromotionResult is the idempotent promotion output (spec.md §6).
type MemoryPromotionResult struct {
	SessionID         string `json:"session_id"`
	CheckpointID      string `json:"checkpoint_id"`
	Accepted          int    `json:"accepted"`
	Persisted         int    `json:"persisted"`
	SkippedDuplicates int    `json:"skipped_duplicates"`
	Rejected          int    `json:"rejected"`
}

// Request bounds (spec.md §4.7).
const (
	maxPromotionFacts      = 64
	maxPromotionTextLen    = 512
	maxPromotionSources    = 32
	maxPromotionConfidence = 1000
)

func validatePromotionRequest(req MemoryPromotionRequest) error {
	if req.SessionID == "" || req.CheckpointID == "" {
		return fmt.Errorf("%w: session_id and checkpoint_id are required", ErrPromotionInvalid)
	}
	if len(req.Facts) == 0 || len(req.Facts) > maxPromotionFacts {
		return fmt.Errorf("%w: facts count must be in [1, %d]", ErrPromotionInvalid, maxPromotionFacts)
	}
	switch req.ApplyMode {
	case ApplyAllOrNothing, ApplyBestEffort, "":
	default:
		return fmt.Errorf("%w: unknown apply_mode %q", ErrPromotionInvalid, req.ApplyMode)
	}
	for i, f := range req.Facts {
		if strings.TrimSpace(f.Text) == "" || len(f.Text) > maxPromotionTextLen {
			return fmt.Errorf("%w: fact %d text length must be in [1, %d]", ErrPromotionInvalid, i, maxPromotionTextLen)
		}
		if len(f.SourceIDs) > maxPromotionSources {
			return fmt.Errorf("%w: fact %d has more than %d source ids", ErrPromotionInvalid, i, maxPromotionSources)
		}
		if f.ConfidenceMilli < 0 || f.ConfidenceMilli > maxPromotionConfidence {
			return fmt.Errorf("%w: fact %d confidence_milli must be in [0, %d]", ErrPromotionInvalid, i, maxPromotionConfidence)
		}
	}
	return nil
}

// canonicalizeRequest sorts facts by (category, text, sources) and each
// fact's sources, producing the canonically-ordered serialization whose
// hash keys the checkpoint (spec.md §3, §4.7).
func canonicalizeRequest(req MemoryPromotionRequest) MemoryPromotionRequest {
	canon := req
	if canon.ApplyMode == "" {
		canon.ApplyMode = ApplyAllOrNothing
	}
	canon.Facts = make([]PromotedFact, len(req.Facts))
	for i, f := range req.Facts {
		cf := f
		cf.SourceIDs = append([]string{}, f.SourceIDs...)
		sort.Strings(cf.SourceIDs)
		canon.Facts[i] = cf
	}
	sort.SliceStable(canon.Facts, func(i, j int) bool {
		a, b := canon.Facts[i], canon.Facts[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Text != b.Text {
			return a.Text < b.Text
		}
		return strings.Join(a.SourceIDs, ",") < strings.Join(b.SourceIDs, ",")
	})
	return canon
}

func hashRequestJSON(requestJSON []byte) string {
	sum := sha256.Sum256(requestJSON)
	return hex.EncodeToString(sum[:])
}

// PromoteMemories runs the checkpointed idempotent promotion protocol
// (spec.md §4.7): validate, canonicalize+hash, reclaim stale applying
// rows, replay or conflict on an existing checkpoint, claim
// pending->applying, apply with snapshot+rollback, finalize to applied.
func (m *Manager) PromoteMemories(ctx context.Context, req MemoryPromotionRequest) (MemoryPromotionResult, error) {
	var res MemoryPromotionResult
	if err := validatePromotionRequest(req); err != nil {
		return res, err
	}
	canon := canonicalizeRequest(req)
	requestJSON, err := json.Marshal(canon)
	if err != nil {
		return res, err
	}
	requestHash := hashRequestJSON(requestJSON)

	if _, err := m.store.DemoteStaleApplying(ctx, config.DefaultPromotionStaleWindow); err != nil {
		return res, err
	}

	cp, err := m.store.GetPromotionCheckpoint(ctx, canon.SessionID, canon.CheckpointID)
	switch {
	case err == nil:
		if cp.RequestHash != requestHash {
			return res, fmt.Errorf("%w: checkpoint %s already carries a different request", ErrCheckpointConflict, canon.CheckpointID)
		}
		switch cp.Phase {
		case "applied":
			if cp.ResultJSON == nil {
				return res, fmt.Errorf("applied checkpoint %s has no result", canon.CheckpointID)
			}
			// Idempotence law: the cached result is returned verbatim.
			err := json.Unmarshal([]byte(*cp.ResultJSON), &res)
			return res, err
		case "applying":
			return res, fmt.Errorf("%w: checkpoint %s is being applied", ErrCheckpointBusy, canon.CheckpointID)
		case "pending":
			// Replay from the stored request with a secondary hash check.
			var stored MemoryPromotionRequest
			if err := json.Unmarshal([]byte(cp.RequestJSON), &stored); err != nil {
				return res, err
			}
			storedJSON, err := json.Marshal(canonicalizeRequest(stored))
			if err != nil {
				return res, err
			}
			if hashRequestJSON(storedJSON) != requestHash {
				return res, fmt.Errorf("%w: stored request diverges from hash", ErrCheckpointConflict)
			}
			canon = canonicalizeRequest(stored)
		}
	case store.IsNotFound(err):
		if err := m.store.InsertPendingPromotion(ctx, canon.SessionID, canon.CheckpointID, requestHash, string(requestJSON)); err != nil {
			// A concurrent claimant may have inserted first; re-read and
			// let the conflict rules above decide on retry.
			if store.IsConflict(err) {
				return res, fmt.Errorf("%w: concurrent insert", ErrCheckpointBusy)
			}
			return res, err
		}
	default:
		return res, err
	}

	claimed, err := m.store.ClaimApplying(ctx, canon.SessionID, canon.CheckpointID, requestHash)
	if err != nil {
		return res, err
	}
	if !claimed {
		return res, fmt.Errorf("%w: lost the applying claim", ErrCheckpointBusy)
	}

	res, applyErr := m.applyPromotion(ctx, canon)
	if applyErr != nil {
		// Reopen the checkpoint so a later retry can run (spec.md §4.7:
		// "set the checkpoint back to pending and propagate the error").
		if perr := m.store.SetPendingPromotion(ctx, canon.SessionID, canon.CheckpointID); perr != nil {
			return res, fmt.Errorf("apply failed (%v) and checkpoint reopen failed: %w", applyErr, perr)
		}
		return res, applyErr
	}

	resultJSON, err := json.Marshal(res)
	if err != nil {
		return res, err
	}
	finalized, err := m.store.FinalizeApplied(ctx, canon.SessionID, canon.CheckpointID, requestHash, string(resultJSON))
	if err != nil {
		return res, err
	}
	if !finalized {
		return res, fmt.Errorf("%w: lost the finalize race", ErrCheckpointBusy)
	}
	return res, nil
}

// applyPromotion persists the request's facts under the snapshot+
// rollback rule (spec.md §4.7 Apply).
func (m *Manager) applyPromotion(ctx context.Context, req MemoryPromotionRequest) (MemoryPromotionResult, error) {
	res := MemoryPromotionResult{SessionID: req.SessionID, CheckpointID: req.CheckpointID}
	mode := req.ApplyMode
	if mode == "" {
		mode = ApplyAllOrNothing
	}

	type accepted struct {
		fact PromotedFact
	}
	var valid []accepted
	for _, f := range req.Facts {
		if !extractor.ValidCategory(f.Category) {
			if mode == ApplyAllOrNothing {
				return res, fmt.Errorf("%w: unknown category %q", ErrPromotionInvalid, f.Category)
			}
			res.Rejected++
			continue
		}
		valid = append(valid, accepted{fact: f})
	}
	res.Accepted = len(valid)

	// Snapshot every affected category directory's existing files before
	// writing anything.
	var affected []axiomuri.URI
	seenDir := map[string]bool{}
	for _, a := range valid {
		dir, err := memoryCategoryURI(a.fact.Category)
		if err != nil {
			return res, err
		}
		// New files land at deterministic slugs; snapshot those too so a
		// rollback removes half-written additions.
		slugURI, err := dir.Join(memorySlug(a.fact.Text))
		if err != nil {
			return res, err
		}
		affected = append(affected, slugURI)
		if seenDir[dir.String()] {
			continue
		}
		seenDir[dir.String()] = true
		entries, err := m.fs.List(dir, false, false)
		if err != nil {
			return res, err
		}
		for _, e := range entries {
			if !e.IsDir {
				affected = append(affected, e.URI)
			}
		}
	}
	snapshots, err := m.snapshotFiles(affected)
	if err != nil {
		return res, err
	}

	rollback := func(cause error) error {
		if rbErr := m.restoreSnapshots(ctx, snapshots); rbErr != nil {
			return fmt.Errorf("%v (rollback also failed: %v)", cause, rbErr)
		}
		return cause
	}

	var written []axiomuri.URI
	for _, a := range valid {
		outcome, err := m.persistMemory(ctx, extractor.Candidate{
			Category:  a.fact.Category,
			Text:      a.fact.Text,
			SourceIDs: a.fact.SourceIDs,
		})
		if err != nil {
			if mode == ApplyAllOrNothing {
				return res, rollback(err)
			}
			res.Rejected++
			res.Accepted--
			continue
		}
		if outcome.Duplicate {
			res.SkippedDuplicates++
		} else {
			res.Persisted++
		}
		written = append(written, outcome.URI)
	}

	for _, u := range written {
		if err := m.ingest.ReindexURI(ctx, u); err != nil {
			return res, rollback(fmt.Errorf("reindex %s: %w", u, err))
		}
	}
	return res, nil
}
