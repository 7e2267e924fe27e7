// Package extractor provides the fallible memory-extraction oracle used
// by session commit and the OM reflector (spec.md §9 "Fallible
// oracles"): extract(messages) -> Extraction and dedup(candidate,
// matches) -> Decision, with a deterministic heuristic implementation
// that is always available and an opt-in Anthropic-backed one that
// falls back on failure.
package extractor

import (
	"context"
	"errors"
	"strings"
)

// Category is a memory bucket under axiom://user/memories or
// axiom://agent/memories (spec.md §4.7).
type Category string

const (
	CategoryProfile     Category = "profile"
	CategoryPreferences Category = "preferences"
	CategoryEntities    Category = "entities"
	CategoryEvents      Category = "events"
	CategoryCases       Category = "cases"
	CategoryPatterns    Category = "patterns"
)

// UserCategories live under axiom://user/memories; the rest under
// axiom://agent/memories.
var UserCategories = map[Category]bool{
	CategoryProfile:     true,
	CategoryPreferences: true,
	CategoryEntities:    true,
	CategoryEvents:      true,
}

// ValidCategory reports whether c is a known memory category.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryProfile, CategoryPreferences, CategoryEntities, CategoryEvents, CategoryCases, CategoryPatterns:
		return true
	}
	return false
}

// Message is one conversational turn handed to the oracle.
type Message struct {
	ID   string
	Role string
	Text string
}

// Candidate is one extracted memory.
type Candidate struct {
	Category  Category
	Text      string
	SourceIDs []string
}

// Extraction is the oracle's extract output.
type Extraction struct {
	Candidates []Candidate
}

// Decision is the oracle's dedup output: either the candidate is new, or
// it duplicates an existing memory identified by MatchIndex into which
// provenance should be merged.
type Decision struct {
	Duplicate  bool
	MatchIndex int
}

// Oracle is the extract/dedup capability. Implementations may fail;
// callers always hold a Heuristic to fall back to.
type Oracle interface {
	Extract(ctx context.Context, messages []Message) (Extraction, error)
	Dedup(ctx context.Context, candidate string, matches []string) (Decision, error)
}

// Heuristic is the deterministic, always-available oracle.
type Heuristic struct {
	// SimilarityThreshold above which dedup declares a duplicate;
	// defaults to 0.6 token-overlap (Jaccard).
	SimilarityThreshold float64
}

// NewHeuristic returns the deterministic oracle with defaults.
func NewHeuristic() *Heuristic { return &Heuristic{SimilarityThreshold: 0.6} }

// markers that promote a sentence to a memory candidate, keyed to the
// category it lands in. Matching is lowercase substring.
var extractionMarkers = []struct {
	marker   string
	category Category
}{
	{"i prefer", CategoryPreferences},
	{"i like", CategoryPreferences},
	{"i don't like", CategoryPreferences},
	{"always", CategoryPatterns},
	{"never", CategoryPatterns},
	{"my name is", CategoryProfile},
	{"i am ", CategoryProfile},
	{"i work", CategoryProfile},
	{"remember", CategoryEvents},
	{"we decided", CategoryEvents},
	{"happened", CategoryEvents},
}

// Extract scans messages for marker phrases and emits one candidate per
// matching sentence, attributing the source message id. Deterministic:
// same messages, same extraction.
func (h *Heuristic) Extract(_ context.Context, messages []Message) (Extraction, error) {
	var out Extraction
	seen := map[string]bool{}
	for _, m := range messages {
		for _, sentence := range splitSentences(m.Text) {
			lower := strings.ToLower(sentence)
			for _, em := range extractionMarkers {
				if !strings.Contains(lower, em.marker) {
					continue
				}
				key := string(em.category) + "\x00" + sentence
				if seen[key] {
					continue
				}
				seen[key] = true
				out.Candidates = append(out.Candidates, Candidate{
					Category:  em.category,
					Text:      sentence,
					SourceIDs: []string{m.ID},
				})
				break
			}
		}
	}
	return out, nil
}

// Dedup compares candidate against matches with token-set Jaccard
// similarity, returning the best match above the threshold.
func (h *Heuristic) Dedup(_ context.Context, candidate string, matches []string) (Decision, error) {
	threshold := h.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.6
	}
	candTokens := tokenSet(candidate)
	best, bestIdx := 0.0, -1
	for i, m := range matches {
		sim := jaccard(candTokens, tokenSet(m))
		if sim > best {
			best, bestIdx = sim, i
		}
	}
	if bestIdx >= 0 && best >= threshold {
		return Decision{Duplicate: true, MatchIndex: bestIdx}, nil
	}
	return Decision{}, nil
}

func splitSentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for _, s := range strings.FieldsFunc(line, func(r rune) bool {
			return r == '.' || r == '!' || r == '?'
		}) {
			s = strings.TrimSpace(s)
			if len(s) >= 8 {
				out = append(out, s)
			}
		}
	}
	return out
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, t := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(t, ".,!?;:\"'()")] = true
	}
	delete(set, "")
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// ErrUnavailable is returned by an oracle that cannot serve (no API key,
// exhausted retries); callers fall back to the Heuristic and audit the
// failure (spec.md §4.7 "on LLM failure, fallback to deterministic").
var ErrUnavailable = errors.New("extractor oracle unavailable")

// SummarizeObservations produces the reflector's compacted rewrite of an
// observation transcript: the deterministic reduction keeps the last
// maxLines distinct non-empty lines, newest last. Used by the OM
// reflect handlers when no LLM oracle is configured.
func SummarizeObservations(observations string, maxLines int) (string, int) {
	lines := strings.Split(observations, "\n")
	var kept []string
	seen := map[string]bool{}
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		kept = append(kept, l)
		if maxLines > 0 && len(kept) >= maxLines {
			break
		}
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i] // collected newest-first; restore original order
	}
	return strings.Join(kept, "\n"), len(kept)
}

// EstimateTokens approximates a token count for threshold bookkeeping
// (spec.md §4.7's observer/reflector thresholds): one token per four
// bytes, minimum one per non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
