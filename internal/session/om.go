package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/axiomme/axiomme/internal/axiomtypes"
	"github.com/axiomme/axiomme/internal/config"
	"github.com/axiomme/axiomme/internal/corelog"
	"github.com/axiomme/axiomme/internal/extractor"
	"github.com/axiomme/axiomme/internal/outbox"
	"github.com/axiomme/axiomme/internal/store"
)

// ScopeKeyForSession builds the OM scope key for a session id.
func ScopeKeyForSession(sessionID string) string { return "session:" + sessionID }

// omEventPayload is the wire shape shared by the three OM event types
// (spec.md §4.3). The observer event's at-most-once guarantee comes from
// the outbox row's own id, stamped by the CAS helpers.
type omEventPayload struct {
	SchemaVersion      int    `json:"schema_version"`
	ScopeKey           string `json:"scope_key"`
	ExpectedGeneration int64  `json:"expected_generation"`
	SessionID          string `json:"session_id,omitempty"`
}

// runOMWritePath applies spec.md §4.7's add_message rules: bump pending
// tokens, then enqueue observer/reflector events as thresholds trip. The
// observer event carries expected_generation = current generation so the
// handler CAS'es safely.
func (m *Manager) runOMWritePath(ctx context.Context, sessionID, text string) error {
	scopeKey := ScopeKeyForSession(sessionID)
	rec, err := m.store.UpsertOMRecord(ctx, scopeKey, axiomtypes.OMOriginInitial)
	if err != nil {
		return err
	}

	pending := rec.PendingMessageTokens + extractor.EstimateTokens(text)
	if err := m.store.SetOMObservationTokenCount(ctx, scopeKey, rec.ObservationTokenCount, pending); err != nil {
		return err
	}

	payload := omEventPayload{
		SchemaVersion:      1,
		ScopeKey:           scopeKey,
		ExpectedGeneration: rec.GenerationCount,
		SessionID:          sessionID,
	}

	if pending-rec.LastBufferedAtTokens >= config.ObserverIntervalTokens() && !rec.IsObserving {
		if _, err := m.store.Enqueue(ctx, "om_observe_buffer_requested", "", payload); err != nil {
			return err
		}
		if err := m.store.MarkOMObserving(ctx, scopeKey, true); err != nil {
			return err
		}
	}
	if rec.ObservationTokenCount >= config.ReflectorBufferThreshold() && !rec.IsBufferingReflection {
		if _, err := m.store.Enqueue(ctx, "om_reflect_buffer_requested", "", payload); err != nil {
			return err
		}
	}
	if rec.ObservationTokenCount >= config.ReflectorApplyThreshold() {
		if _, err := m.store.Enqueue(ctx, "om_reflect_requested", "", payload); err != nil {
			return err
		}
	}
	return nil
}

// RegisterOMHandlers wires the OM event handlers onto the scheduler
// (spec.md §4.3 "Event handlers").
func (m *Manager) RegisterOMHandlers(s *outbox.Scheduler) {
	s.Register("om_observe_buffer_requested", 1, 5, m.handleObserve)
	s.Register("om_reflect_buffer_requested", 1, 5, m.handleReflectBuffer)
	s.Register("om_reflect_requested", 1, 5, m.handleReflect)
}

func decodeOMPayload(ev axiomtypes.OutboxEvent) (omEventPayload, error) {
	var p omEventPayload
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &p); err != nil {
		return p, outbox.Permanent(fmt.Errorf("malformed om payload: %w", err))
	}
	if p.ScopeKey == "" {
		return p, outbox.Permanent(fmt.Errorf("om payload missing scope_key"))
	}
	return p, nil
}

// handleObserve extracts a new observation chunk from as-yet-unactivated
// messages and appends it with the event-id CAS; a redelivered event is
// a no-op (spec.md §4.3).
func (m *Manager) handleObserve(ctx context.Context, ev axiomtypes.OutboxEvent) error {
	p, err := decodeOMPayload(ev)
	if err != nil {
		return err
	}

	applied, err := m.store.OMObserverEventApplied(ctx, p.ScopeKey, ev.ID)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = strings.TrimPrefix(p.ScopeKey, "session:")
	}
	// A traversal-bait session id fails URI validation here; the error is
	// transient from the scheduler's perspective so an operator can
	// repair the payload and force the event due again (spec.md §8 S4).
	mu, err := m.messagesURI(sessionID)
	if err != nil {
		return fmt.Errorf("observer: resolve session %q: %w", sessionID, err)
	}
	msgs, err := m.readMessagesAt(mu)
	if err != nil {
		return err
	}

	rec, err := m.store.GetOMRecordByScopeKey(ctx, p.ScopeKey)
	if err != nil {
		return err
	}
	activated := map[string]bool{}
	for _, id := range rec.LastActivatedMessageIDs {
		activated[id] = true
	}

	var chunkLines []string
	var newIDs []string
	chunkTokens := 0
	for _, msg := range msgs {
		if activated[msg.ID] {
			continue
		}
		chunkLines = append(chunkLines, fmt.Sprintf("%s: %s", msg.Role, msg.Text))
		newIDs = append(newIDs, msg.ID)
		chunkTokens += extractor.EstimateTokens(msg.Text)
	}
	if len(chunkLines) == 0 {
		return m.store.MarkOMObserving(ctx, p.ScopeKey, false)
	}
	chunk := strings.Join(chunkLines, "\n")

	ok, err := m.store.AppendOMObservationChunkWithEventCAS(ctx, p.ScopeKey, p.ExpectedGeneration, ev.ID, chunk)
	if err != nil {
		return err
	}
	if !ok {
		// Already applied or stale generation; either way, not ours to
		// retry (spec.md §4.2).
		return nil
	}

	allIDs := append(append([]string{}, rec.LastActivatedMessageIDs...), newIDs...)
	obsTokens := rec.ObservationTokenCount + chunkTokens
	pending := rec.PendingMessageTokens - chunkTokens
	if pending < 0 {
		pending = 0
	}
	return m.store.MarkOMActivated(ctx, p.ScopeKey, allIDs, obsTokens, pending, pending)
}

// assembleObservations joins the record's materialized observations with
// its pending chunks, the text the reflector compacts.
func (m *Manager) assembleObservations(ctx context.Context, scopeKey string) (string, error) {
	rec, err := m.store.GetOMRecordByScopeKey(ctx, scopeKey)
	if err != nil {
		return "", err
	}
	chunks, err := m.store.ListOMObservationChunks(ctx, scopeKey)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(chunks)+1)
	if rec.ActiveObservations != "" {
		parts = append(parts, rec.ActiveObservations)
	}
	for _, c := range chunks {
		parts = append(parts, c.ChunkText)
	}
	return strings.Join(parts, "\n"), nil
}

// reflect produces the compacted observation text: the LLM oracle when
// configured, the deterministic summarizer otherwise. An oracle error
// (or an empty oracle result) falls back to the summarizer; the error is
// logged, and no audit event is enqueued.
func (m *Manager) reflect(ctx context.Context, observations string) (string, int) {
	const maxLines = 40
	if m.oracle != nil {
		ext, err := m.oracle.Extract(ctx, []extractor.Message{{ID: "om", Role: "observer", Text: observations}})
		if err == nil && len(ext.Candidates) > 0 {
			var lines []string
			for _, c := range ext.Candidates {
				lines = append(lines, c.Text)
			}
			return strings.Join(lines, "\n"), len(lines)
		}
		if err != nil {
			corelog.Warnf("session: reflector oracle failed, falling back: %v", err)
		}
	}
	return extractor.SummarizeObservations(observations, maxLines)
}

// handleReflectBuffer generates a buffered reflection and stages it with
// CAS (spec.md §4.3 om_reflect_buffer_requested).
func (m *Manager) handleReflectBuffer(ctx context.Context, ev axiomtypes.OutboxEvent) error {
	p, err := decodeOMPayload(ev)
	if err != nil {
		return err
	}
	observations, err := m.assembleObservations(ctx, p.ScopeKey)
	if err != nil {
		return err
	}
	buffered, _ := m.reflect(ctx, observations)
	_, err = m.store.BufferOMReflectionWithCAS(ctx, p.ScopeKey, p.ExpectedGeneration, ev.ID,
		buffered, extractor.EstimateTokens(buffered))
	return err
}

// handleReflect materializes the buffered (or freshly produced)
// reflection via apply_om_reflection_with_cas; Idempotent and Stale are
// non-error outcomes marked done without state change (spec.md §4.2,
// §8 S5).
func (m *Manager) handleReflect(ctx context.Context, ev axiomtypes.OutboxEvent) error {
	p, err := decodeOMPayload(ev)
	if err != nil {
		return err
	}
	rec, err := m.store.GetOMRecordByScopeKey(ctx, p.ScopeKey)
	if err != nil {
		if store.IsNotFound(err) {
			return outbox.Permanent(err)
		}
		return err
	}

	var reflection string
	var lineCount int
	if rec.BufferedReflection != nil && *rec.BufferedReflection != "" {
		reflection = *rec.BufferedReflection
		lineCount = len(strings.Split(reflection, "\n"))
	} else {
		observations, err := m.assembleObservations(ctx, p.ScopeKey)
		if err != nil {
			return err
		}
		reflection, lineCount = m.reflect(ctx, observations)
	}

	outcome, err := m.store.ApplyOMReflectionWithCAS(ctx, p.ScopeKey, p.ExpectedGeneration, ev.ID, reflection, lineCount)
	if err != nil {
		return err
	}
	switch outcome {
	case axiomtypes.ApplyApplied, axiomtypes.ApplyIdempotent, axiomtypes.ApplyStaleGeneration:
		return nil
	default:
		return fmt.Errorf("unexpected apply outcome %q", outcome)
	}
}
