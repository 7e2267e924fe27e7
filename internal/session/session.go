// Package session implements the session core (spec.md §4.7, C7): the
// append-only message log, the relevance-ranked archive, commit
// (archive + extract), the OM observer/reflector write path, and the
// checkpointed memory-promotion protocol.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/corelog"
	"github.com/axiomme/axiomme/internal/extractor"
	"github.com/axiomme/axiomme/internal/fsstore"
	"github.com/axiomme/axiomme/internal/ingest"
	"github.com/axiomme/axiomme/internal/relations"
	"github.com/axiomme/axiomme/internal/store"
)

// Message is one conversational turn in messages.jsonl.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Meta is the per-session .meta.json sidecar.
type Meta struct {
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	MessageCount  int       `json:"message_count"`
	ContextTokens int       `json:"context_tokens"`
	ArchiveCount  int       `json:"archive_count"`
}

// Manager is the session core.
type Manager struct {
	fs     *fsstore.FS
	store  *store.Store
	ingest *ingest.Coordinator
	rels   *relations.Store

	// oracle may be nil; heuristic is the always-available fallback
	// (spec.md §9 "Fallible oracles").
	oracle    extractor.Oracle
	heuristic *extractor.Heuristic
}

// New returns a session Manager. oracle may be nil to run purely on the
// deterministic heuristic.
func New(fs *fsstore.FS, st *store.Store, ing *ingest.Coordinator, rels *relations.Store, oracle extractor.Oracle) *Manager {
	return &Manager{
		fs: fs, store: st, ingest: ing, rels: rels,
		oracle:    oracle,
		heuristic: extractor.NewHeuristic(),
	}
}

func sessionURI(sessionID string) (axiomuri.URI, error) {
	return axiomuri.URI{Scope: axiomuri.ScopeSession}.Join(sessionID)
}

func (m *Manager) messagesURI(sessionID string) (axiomuri.URI, error) {
	u, err := sessionURI(sessionID)
	if err != nil {
		return axiomuri.URI{}, err
	}
	return u.Join("messages.jsonl")
}

func (m *Manager) metaURI(sessionID string) (axiomuri.URI, error) {
	u, err := sessionURI(sessionID)
	if err != nil {
		return axiomuri.URI{}, err
	}
	return u.Join(".meta.json")
}

func (m *Manager) readMeta(sessionID string) (Meta, error) {
	mu, err := m.metaURI(sessionID)
	if err != nil {
		return Meta{}, err
	}
	data, err := m.fs.Read(mu)
	if err != nil {
		if fsstore.IsNotFound(err) {
			now := time.Now().UTC()
			return Meta{CreatedAt: now, UpdatedAt: now}, nil
		}
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		corelog.Warnf("session: malformed meta for %s, resetting: %v", sessionID, err)
		now := time.Now().UTC()
		return Meta{CreatedAt: now, UpdatedAt: now}, nil
	}
	return meta, nil
}

func (m *Manager) writeMeta(sessionID string, meta Meta) error {
	mu, err := m.metaURI(sessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return m.fs.Write(mu, data, true)
}

// readMessagesAt decodes a messages.jsonl, skipping any malformed line
// such as a torn trailing one (Append is not rename-atomic; the decoder is the tear detector).
func (m *Manager) readMessagesAt(u axiomuri.URI) ([]Message, error) {
	data, err := m.fs.Read(u)
	if err != nil {
		if fsstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Message
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			corelog.Warnf("session: skipping malformed message line in %s: %v", u, err)
			continue
		}
		out = append(out, msg)
	}
	return out, sc.Err()
}

// Messages returns the active (unarchived) messages for sessionID.
func (m *Manager) Messages(sessionID string) ([]Message, error) {
	mu, err := m.messagesURI(sessionID)
	if err != nil {
		return nil, err
	}
	return m.readMessagesAt(mu)
}

// AddMessage appends one turn to the session's active log, updates meta,
// and runs the OM write path (spec.md §4.7).
func (m *Manager) AddMessage(ctx context.Context, sessionID, role, text string) (Message, error) {
	if sessionID == "" {
		return Message{}, fmt.Errorf("session id must be non-empty")
	}
	mu, err := m.messagesURI(sessionID)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}
	if err := m.fs.Append(mu, append(line, '\n'), true); err != nil {
		return Message{}, err
	}

	meta, err := m.readMeta(sessionID)
	if err != nil {
		return Message{}, err
	}
	meta.UpdatedAt = time.Now().UTC()
	meta.MessageCount++
	meta.ContextTokens += extractor.EstimateTokens(text)
	if err := m.writeMeta(sessionID, meta); err != nil {
		return Message{}, err
	}

	if err := m.runOMWritePath(ctx, sessionID, text); err != nil {
		// The message is durably appended; OM bookkeeping failures are
		// logged, not propagated.
		corelog.Errorf("session: om write path for %s: %v", sessionID, err)
	}
	return msg, nil
}

// archiveDirURI returns history/archive_NNN for index n.
func (m *Manager) archiveDirURI(sessionID string, n int) (axiomuri.URI, error) {
	u, err := sessionURI(sessionID)
	if err != nil {
		return axiomuri.URI{}, err
	}
	return u.Join("history", fmt.Sprintf("archive_%03d", n), "messages.jsonl")
}

// archiveMessages lists each archive's messages, oldest archive first.
func (m *Manager) archiveMessages(sessionID string, maxArchives int) ([][]Message, error) {
	meta, err := m.readMeta(sessionID)
	if err != nil {
		return nil, err
	}
	var out [][]Message
	start := 1
	if maxArchives > 0 && meta.ArchiveCount > maxArchives {
		start = meta.ArchiveCount - maxArchives + 1
	}
	for i := start; i <= meta.ArchiveCount; i++ {
		au, err := m.archiveDirURI(sessionID, i)
		if err != nil {
			return nil, err
		}
		msgs, err := m.readMessagesAt(au)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs)
	}
	return out, nil
}

// overlapScore is the token-overlap relevance used to rank archives and
// messages against a query (spec.md §4.7 get_context_for_search).
func overlapScore(query, text string) int {
	qset := map[string]bool{}
	for _, t := range strings.Fields(strings.ToLower(query)) {
		qset[t] = true
	}
	n := 0
	for _, t := range strings.Fields(strings.ToLower(text)) {
		if qset[t] {
			n++
			delete(qset, t) // count each query token once
		}
	}
	return n
}

// GetContextForSearch returns up to maxMessages messages: all active
// turns plus archive messages ranked by per-archive then per-message
// relevance, stable tie-break on created_at (spec.md §4.7).
func (m *Manager) GetContextForSearch(ctx context.Context, sessionID, query string, maxArchives, maxMessages int) ([]Message, error) {
	active, err := m.Messages(sessionID)
	if err != nil {
		return nil, err
	}
	archives, err := m.archiveMessages(sessionID, maxArchives)
	if err != nil {
		return nil, err
	}

	type rankedArchive struct {
		msgs  []Message
		score int
	}
	var ranked []rankedArchive
	anyPositive := false
	for _, msgs := range archives {
		score := 0
		for _, msg := range msgs {
			score += overlapScore(query, msg.Text)
		}
		if score > 0 {
			anyPositive = true
		}
		ranked = append(ranked, rankedArchive{msgs: msgs, score: score})
	}
	// 0-overlap archives are filtered when any archive scored positive.
	if anyPositive {
		kept := ranked[:0]
		for _, ra := range ranked {
			if ra.score > 0 {
				kept = append(kept, ra)
			}
		}
		ranked = kept
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var archived []Message
	for _, ra := range ranked {
		msgs := append([]Message{}, ra.msgs...)
		sort.SliceStable(msgs, func(i, j int) bool {
			si, sj := overlapScore(query, msgs[i].Text), overlapScore(query, msgs[j].Text)
			if si != sj {
				return si > sj
			}
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		})
		archived = append(archived, msgs...)
	}

	out := append(append([]Message{}, active...), archived...)
	if maxMessages > 0 && len(out) > maxMessages {
		out = out[:maxMessages]
	}
	return out, nil
}

// ContextHints implements retrieval.SessionHinter: the texts of the most
// archive-relevant messages for a query (spec.md §4.6 step 2).
func (m *Manager) ContextHints(ctx context.Context, sessionID, query string, max int) []string {
	msgs, err := m.GetContextForSearch(ctx, sessionID, query, 0, max)
	if err != nil {
		corelog.Warnf("session: context hints for %s: %v", sessionID, err)
		return nil
	}
	var out []string
	for _, msg := range msgs {
		out = append(out, msg.Text)
	}
	return out
}

// DeleteSession removes the session tree, its index entries, and its
// promotion checkpoints (spec.md §3 "Lifecycles": checkpoints survive
// session deletion only by explicit cleanup in delete_session).
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	u, err := sessionURI(sessionID)
	if err != nil {
		return err
	}
	if err := m.ingest.RemoveDocument(ctx, u); err != nil {
		return err
	}
	return m.store.DeleteSessionPromotions(ctx, sessionID)
}
