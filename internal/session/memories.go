package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/extractor"
	"github.com/axiomme/axiomme/internal/fsstore"
)

// memoryCategoryURI maps a category to its directory (spec.md §4.7:
// axiom://user/memories/{profile,preferences,entities,events} or
// axiom://agent/memories/{cases,patterns}).
func memoryCategoryURI(category extractor.Category) (axiomuri.URI, error) {
	if !extractor.ValidCategory(category) {
		return axiomuri.URI{}, fmt.Errorf("unknown memory category %q", category)
	}
	scope := axiomuri.ScopeAgent
	if extractor.UserCategories[category] {
		scope = axiomuri.ScopeUser
	}
	return axiomuri.URI{Scope: scope}.Join("memories", string(category))
}

// memorySlug derives a stable filename for a memory text.
func memorySlug(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(text))))
	return "mem-" + hex.EncodeToString(sum[:8]) + ".md"
}

// memoryFile is the parsed form of one persisted memory markdown file:
// the memory text followed by a provenance line.
type memoryFile struct {
	Text    string
	Sources []string
}

func parseMemoryFile(data []byte) memoryFile {
	var mf memoryFile
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "sources:") {
			for _, s := range strings.Split(trimmed[len("sources:"):], ",") {
				if s = strings.TrimSpace(s); s != "" {
					mf.Sources = append(mf.Sources, s)
				}
			}
			continue
		}
		if trimmed != "" && mf.Text == "" {
			mf.Text = trimmed
		}
	}
	return mf
}

func renderMemoryFile(mf memoryFile) []byte {
	sources := append([]string{}, mf.Sources...)
	sort.Strings(sources)
	var b strings.Builder
	b.WriteString(mf.Text)
	b.WriteString("\n")
	if len(sources) > 0 {
		b.WriteString("\nsources: " + strings.Join(sources, ", ") + "\n")
	}
	return []byte(b.String())
}

// listCategoryMemories reads every memory file in a category directory.
// Keyed by the URI's string form since axiomuri.URI is not comparable.
func (m *Manager) listCategoryMemories(category extractor.Category) (map[string]memoryFile, error) {
	dir, err := memoryCategoryURI(category)
	if err != nil {
		return nil, err
	}
	entries, err := m.fs.List(dir, false, false)
	if err != nil {
		return nil, err
	}
	out := map[string]memoryFile{}
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		data, err := m.fs.Read(e.URI)
		if err != nil {
			continue
		}
		out[e.URI.String()] = parseMemoryFile(data)
	}
	return out, nil
}

// persistOutcome reports what persistMemory did with a candidate.
type persistOutcome struct {
	URI       axiomuri.URI
	Duplicate bool
}

// persistMemory writes a candidate into its category path, merging
// provenance into an existing duplicate rather than creating a second
// file (spec.md §4.7). Dedup consults the LLM oracle when configured,
// the similarity heuristic otherwise.
func (m *Manager) persistMemory(ctx context.Context, cand extractor.Candidate) (persistOutcome, error) {
	existing, err := m.listCategoryMemories(cand.Category)
	if err != nil {
		return persistOutcome{}, err
	}

	uris := make([]string, 0, len(existing))
	texts := make([]string, 0, len(existing))
	for u, mf := range existing {
		uris = append(uris, u)
		texts = append(texts, mf.Text)
	}
	sort.Strings(uris)
	texts = texts[:0]
	for _, u := range uris {
		texts = append(texts, existing[u].Text)
	}

	decision, err := m.dedup(ctx, cand.Text, texts)
	if err != nil {
		return persistOutcome{}, err
	}

	if decision.Duplicate {
		targetStr := uris[decision.MatchIndex]
		target, err := axiomuri.Parse(targetStr)
		if err != nil {
			return persistOutcome{}, err
		}
		mf := existing[targetStr]
		merged := map[string]bool{}
		for _, s := range mf.Sources {
			merged[s] = true
		}
		for _, s := range cand.SourceIDs {
			merged[s] = true
		}
		mf.Sources = mf.Sources[:0]
		for s := range merged {
			mf.Sources = append(mf.Sources, s)
		}
		if err := m.fs.Write(target, renderMemoryFile(mf), true); err != nil {
			return persistOutcome{}, err
		}
		return persistOutcome{URI: target, Duplicate: true}, nil
	}

	dir, err := memoryCategoryURI(cand.Category)
	if err != nil {
		return persistOutcome{}, err
	}
	target, err := dir.Join(memorySlug(cand.Text))
	if err != nil {
		return persistOutcome{}, err
	}
	mf := memoryFile{Text: strings.TrimSpace(cand.Text), Sources: cand.SourceIDs}
	if err := m.fs.Write(target, renderMemoryFile(mf), true); err != nil {
		return persistOutcome{}, err
	}
	return persistOutcome{URI: target}, nil
}

// dedup runs the oracle's dedup with heuristic fallback.
func (m *Manager) dedup(ctx context.Context, candidate string, matches []string) (extractor.Decision, error) {
	if len(matches) == 0 {
		return extractor.Decision{}, nil
	}
	if m.oracle != nil {
		d, err := m.oracle.Dedup(ctx, candidate, matches)
		if err == nil {
			return d, nil
		}
	}
	return m.heuristic.Dedup(ctx, candidate, matches)
}

// snapshotFiles captures current bytes for each URI; missing files are
// recorded as nil so rollback can remove them (spec.md §4.7 AllOrNothing
// snapshot rule).
func (m *Manager) snapshotFiles(uris []axiomuri.URI) (map[string][]byte, error) {
	snap := map[string][]byte{}
	for _, u := range uris {
		data, err := m.fs.Read(u)
		if err != nil {
			if fsstore.IsNotFound(err) {
				snap[u.String()] = nil
				continue
			}
			return nil, err
		}
		snap[u.String()] = data
	}
	return snap, nil
}

// restoreSnapshots puts every snapshotted URI back to its captured bytes
// and reruns reindex for them (spec.md §4.7 rollback rule).
func (m *Manager) restoreSnapshots(ctx context.Context, snap map[string][]byte) error {
	var firstErr error
	for uriStr, data := range snap {
		u, err := axiomuri.Parse(uriStr)
		if err != nil {
			continue
		}
		if data == nil {
			if err := m.ingest.RemoveDocument(ctx, u); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := m.fs.Write(u, data, true); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := m.ingest.ReindexURI(ctx, u); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
