package retrieval

// rrfK is the reciprocal-rank-fusion constant (spec.md glossary: k=60).
const rrfK = 60.0

// rrfFuse merges the primary and secondary hit lists with reciprocal-
// rank fusion, preserving the better per-URI score as the out-score
// (spec.md §4.6 step 5). The fused ordering follows the summed RRF
// contributions; the reported score is max(primary, secondary) so
// downstream reranking and display see a real backend score rather
// than an opaque fusion rank.
func rrfFuse(primary, secondary []scoredRec) []scoredRec {
	type fused struct {
		rec      scoredRec
		rrfScore float64
	}
	byURI := map[string]*fused{}
	accumulate := func(list []scoredRec) {
		for rank, h := range list {
			f, ok := byURI[h.rec.URI]
			if !ok {
				f = &fused{rec: h}
				byURI[h.rec.URI] = f
			} else if h.score > f.rec.score {
				f.rec.score = h.score
			}
			f.rrfScore += 1.0 / (rrfK + float64(rank+1))
		}
	}
	accumulate(primary)
	accumulate(secondary)

	out := make([]scoredRec, 0, len(byURI))
	order := make(map[string]float64, len(byURI))
	for uri, f := range byURI {
		out = append(out, f.rec)
		order[uri] = f.rrfScore
	}
	// Sort by fused rank, URI tie-break.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			aKey, bKey := order[a.rec.URI], order[b.rec.URI]
			if aKey > bKey || (aKey == bKey && a.rec.URI < b.rec.URI) {
				break
			}
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
