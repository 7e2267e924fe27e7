package hybridindex

import "github.com/axiomme/axiomme/internal/axiomtypes"

// leafMatches reports whether a leaf entry satisfies filter: its tag set
// contains every required tag, and (when filter.Mime is set) its mime
// equals the requested mime (spec.md §4.4 "Filter semantics").
func leafMatches(e *entry, filter axiomtypes.SearchFilter) bool {
	if len(filter.Tags) > 0 {
		have := map[string]bool{}
		for _, t := range e.rec.Tags {
			have[t] = true
		}
		for _, want := range filter.Tags {
			if !have[want] {
				return false
			}
		}
	}
	if filter.Mime != "" && MimeForURI(e.rec.URI) != filter.Mime {
		return false
	}
	return true
}

// matchesFilter evaluates filter for uri: a leaf must satisfy
// leafMatches directly; a directory matches when any leaf descendant
// matches, computed by walking idx.children rather than a URI prefix
// scan so reparented leaves behave correctly (spec.md §4.4).
func (idx *Index) matchesFilter(uri string, filter axiomtypes.SearchFilter) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.matchesFilterLocked(uri, filter)
}

func (idx *Index) matchesFilterLocked(uri string, filter axiomtypes.SearchFilter) bool {
	e, ok := idx.entries[uri]
	if !ok {
		return false
	}
	if e.rec.IsLeaf {
		return leafMatches(e, filter)
	}
	for _, child := range idx.children[uri] {
		if idx.matchesFilterLocked(child, filter) {
			return true
		}
	}
	return false
}
