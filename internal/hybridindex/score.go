package hybridindex

import (
	"math"
	"time"

	"github.com/axiomme/axiomme/internal/axiomtypes"
)

// Signal weights from spec.md §4.4's scoring table.
const (
	weightExact        = 0.42
	weightExactBonus   = 0.20
	weightDense        = 0.33
	weightSparse       = 0.20
	weightRecency      = 0.03
	weightPath         = 0.02
)

// Query describes one hybrid-index lookup (spec.md §4.4, §4.6).
type Query struct {
	Text         string
	Vector       []float32
	Filter       axiomtypes.SearchFilter
	TargetPrefix string // path-hint for the "path" signal and scope restriction
	Limit        int
	Now          time.Time // injected for deterministic tests; zero means time.Now()
}

// ScoredHit is one scored search result.
type ScoredHit struct {
	Record axiomtypes.IndexRecord
	Score  float64
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return clamp01((sim + 1) / 2) // cosine in [-1,1] -> [0,1]
}

// Search scores every record under TargetPrefix (or the whole index if
// empty) matching Filter against Query, combining the five clamped
// signals per spec.md §4.4, truncating to Limit after tie-break sort.
func (idx *Index) Search(q Query) []ScoredHit {
	idx.mu.RLock()
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	var hits []ScoredHit
	for uri, e := range idx.entries {
		if q.TargetPrefix != "" && !pathHintMatch(uri, q.TargetPrefix) && uri != q.TargetPrefix {
			continue
		}
		if !idx.matchesFilterLocked(uri, q.Filter) {
			continue
		}
		score := idx.combineScore(q, e, now)
		hits = append(hits, ScoredHit{Record: e.rec, Score: score})
	}
	idx.mu.RUnlock()

	sortScoredHits(hits)
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits
}

func (idx *Index) combineScore(q Query, e *entry, now time.Time) float64 {
	exact, highConf := exactScore(q.Text, e)
	dense := cosineSimilarity(q.Vector, e.vector)
	qTokens := tokenize(normalizeText(q.Text))
	sparse := idx.bm25Score(qTokens, e)
	recency := recencyScore(e.rec.UpdatedAt, now)
	pathSig := 0.0
	if pathHintMatch(e.rec.URI, q.TargetPrefix) {
		pathSig = 1.0
	}

	score := clamp01(exact)*weightExact + clamp01(dense)*weightDense +
		clamp01(sparse)*weightSparse + clamp01(recency)*weightRecency +
		pathSig*weightPath
	if highConf {
		score += weightExactBonus
	}
	return score
}

func sortScoredHits(hits []ScoredHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0; j-- {
			a, b := hits[j-1], hits[j]
			less := a.Score < b.Score || (a.Score == b.Score && a.Record.URI > b.Record.URI)
			if !less {
				break
			}
			hits[j-1], hits[j] = hits[j], hits[j-1]
		}
	}
}
