package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/axiomme/axiomme/internal/corelog"
	"github.com/axiomme/axiomme/internal/extractor"
)

// CommitMode selects what commit does after archiving (spec.md §4.7).
type CommitMode string

const (
	CommitArchiveOnly       CommitMode = "archive_only"
	CommitArchiveAndExtract CommitMode = "archive_and_extract"
)

// CommitResult reports a session commit.
type CommitResult struct {
	SessionID     string `json:"session_id"`
	ArchiveIndex  int    `json:"archive_index"`
	ArchivedCount int    `json:"archived_count"`
	Extracted     int    `json:"extracted"`
	Persisted     int    `json:"persisted"`
	Duplicates    int    `json:"duplicates"`
}

// Commit rotates the active messages into history/archive_NNN, truncates
// the active log, updates session tiers, and (in ArchiveAndExtract mode)
// extracts candidate memories from the just-archived turns, dedups them
// against existing per-category memories, persists with provenance
// merging, and synchronously reindexes the persisted URIs (spec.md §4.7).
func (m *Manager) Commit(ctx context.Context, sessionID string, mode CommitMode) (CommitResult, error) {
	if mode == "" {
		mode = CommitArchiveAndExtract
	}
	res := CommitResult{SessionID: sessionID}

	active, err := m.Messages(sessionID)
	if err != nil {
		return res, err
	}
	if len(active) == 0 {
		return res, nil
	}

	meta, err := m.readMeta(sessionID)
	if err != nil {
		return res, err
	}
	next := meta.ArchiveCount + 1
	archiveURI, err := m.archiveDirURI(sessionID, next)
	if err != nil {
		return res, err
	}

	var blob []byte
	for _, msg := range active {
		line, err := json.Marshal(msg)
		if err != nil {
			return res, err
		}
		blob = append(blob, line...)
		blob = append(blob, '\n')
	}
	if err := m.fs.Write(archiveURI, blob, true); err != nil {
		return res, err
	}

	// Truncate the active log only after the archive is durable.
	mu, err := m.messagesURI(sessionID)
	if err != nil {
		return res, err
	}
	if err := m.fs.Write(mu, nil, false); err != nil {
		return res, err
	}

	meta.ArchiveCount = next
	meta.MessageCount = 0
	meta.UpdatedAt = time.Now().UTC()
	if err := m.writeMeta(sessionID, meta); err != nil {
		return res, err
	}

	su, err := sessionURI(sessionID)
	if err != nil {
		return res, err
	}
	abstract := fmt.Sprintf("session %s: %d archives", sessionID, next)
	if err := m.fs.WriteTiers(su, abstract, abstract); err != nil {
		return res, err
	}

	res.ArchiveIndex = next
	res.ArchivedCount = len(active)

	if mode == CommitArchiveOnly {
		return res, nil
	}

	oracleMsgs := make([]extractor.Message, 0, len(active))
	for _, msg := range active {
		oracleMsgs = append(oracleMsgs, extractor.Message{ID: msg.ID, Role: msg.Role, Text: msg.Text})
	}
	extraction, err := m.extract(ctx, oracleMsgs)
	if err != nil {
		return res, err
	}
	res.Extracted = len(extraction.Candidates)

	for _, cand := range extraction.Candidates {
		outcome, err := m.persistMemory(ctx, cand)
		if err != nil {
			corelog.Warnf("session: persist memory %q: %v", cand.Text, err)
			continue
		}
		if outcome.Duplicate {
			res.Duplicates++
		} else {
			res.Persisted++
		}
		if err := m.ingest.ReindexURI(ctx, outcome.URI); err != nil {
			corelog.Warnf("session: reindex memory %s: %v", outcome.URI, err)
		}
	}
	return res, nil
}

// extract runs the LLM oracle with deterministic fallback; an LLM
// failure logs a memory_extract_fallback dead-letter for audit
// (spec.md §4.7).
func (m *Manager) extract(ctx context.Context, msgs []extractor.Message) (extractor.Extraction, error) {
	if m.oracle != nil {
		ext, err := m.oracle.Extract(ctx, msgs)
		if err == nil {
			return ext, nil
		}
		corelog.Warnf("session: llm extractor failed, falling back to heuristic: %v", err)
		if _, qerr := m.store.Enqueue(ctx, "memory_extract_fallback", "", map[string]any{
			"schema_version": 1,
			"error":          err.Error(),
		}); qerr != nil {
			corelog.Errorf("session: audit memory_extract_fallback: %v", qerr)
		}
	}
	return m.heuristic.Extract(ctx, msgs)
}
