package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/axiomme/axiomme/internal/axiomtypes"
	"github.com/axiomme/axiomme/internal/axiomuri"
)

// ContentHash is the stable content hash recorded in index_state and
// compared during drift detection.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// contextTypeFor maps a URI's scope and path to the record's
// context_type (spec.md §3).
func contextTypeFor(u axiomuri.URI) axiomtypes.ContextType {
	switch u.Scope {
	case axiomuri.ScopeSession:
		return axiomtypes.ContextSession
	case axiomuri.ScopeUser, axiomuri.ScopeAgent:
		if len(u.Segments) > 0 && u.Segments[0] == "skills" {
			return axiomtypes.ContextSkill
		}
		return axiomtypes.ContextMemory
	default:
		return axiomtypes.ContextResource
	}
}

// abstractOf derives the short abstract text for a leaf: the first
// heading if present, else the first non-empty line, truncated.
func abstractOf(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(strings.TrimLeft(line, "# "))
		if trimmed != "" {
			if len(trimmed) > 200 {
				return trimmed[:200]
			}
			return trimmed
		}
	}
	return ""
}

// tagsOf pulls tags from a minimal "tags: a, b" line near the top of a
// document, the only tag syntax ingest recognizes.
func tagsOf(content string) []string {
	for i, line := range strings.Split(content, "\n") {
		if i > 10 {
			break
		}
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(trimmed), "tags:") {
			continue
		}
		var tags []string
		for _, t := range strings.Split(trimmed[len("tags:"):], ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				tags = append(tags, t)
			}
		}
		return tags
	}
	return nil
}

// DeriveLeafRecord builds the IndexRecord for a leaf file.
func DeriveLeafRecord(u axiomuri.URI, content []byte, updatedAt time.Time) axiomtypes.IndexRecord {
	parent := ""
	if p, ok := u.Parent(); ok {
		parent = p.String()
	} else {
		parent = (axiomuri.URI{Scope: u.Scope}).String()
	}
	text := string(content)
	return axiomtypes.IndexRecord{
		ID:           u.String(),
		URI:          u.String(),
		ParentURI:    parent,
		IsLeaf:       true,
		ContextType:  contextTypeFor(u),
		Name:         u.Name(),
		AbstractText: abstractOf(text),
		Content:      text,
		Tags:         tagsOf(text),
		UpdatedAt:    updatedAt.UTC(),
		Depth:        u.Depth(),
	}
}

// DeriveDirRecord builds the IndexRecord for a directory node; abstract
// comes from its tier artifact when present.
func DeriveDirRecord(u axiomuri.URI, abstract string, updatedAt time.Time) axiomtypes.IndexRecord {
	parent := ""
	if p, ok := u.Parent(); ok {
		parent = p.String()
	} else if u.Depth() > 0 {
		parent = (axiomuri.URI{Scope: u.Scope}).String()
	}
	return axiomtypes.IndexRecord{
		ID:           u.String(),
		URI:          u.String(),
		ParentURI:    parent,
		IsLeaf:       false,
		ContextType:  contextTypeFor(u),
		Name:         u.Name(),
		AbstractText: abstract,
		UpdatedAt:    updatedAt.UTC(),
		Depth:        u.Depth(),
	}
}

// recordOfSearchDocument reverses searchDocumentOf, used when rebuilding
// the in-memory index from the mirror at startup.
func recordOfSearchDocument(d axiomtypes.SearchDocument) axiomtypes.IndexRecord {
	return axiomtypes.IndexRecord{
		ID:           d.URI,
		URI:          d.URI,
		ParentURI:    d.ParentURI,
		IsLeaf:       d.IsLeaf,
		ContextType:  d.ContextType,
		Name:         d.Name,
		AbstractText: d.AbstractText,
		Content:      d.Content,
		Tags:         d.Tags,
		UpdatedAt:    d.UpdatedAt,
		Depth:        d.Depth,
	}
}

// searchDocumentOf mirrors an IndexRecord into its SQLite shape.
func searchDocumentOf(rec axiomtypes.IndexRecord) axiomtypes.SearchDocument {
	return axiomtypes.SearchDocument{
		URI:          rec.URI,
		ParentURI:    rec.ParentURI,
		IsLeaf:       rec.IsLeaf,
		ContextType:  rec.ContextType,
		Name:         rec.Name,
		AbstractText: rec.AbstractText,
		Content:      rec.Content,
		Tags:         rec.Tags,
		UpdatedAt:    rec.UpdatedAt,
		Depth:        rec.Depth,
	}
}
