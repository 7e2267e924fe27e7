// Package relations implements the relation store (spec.md §4.8, C8):
// per-owner declared link graphs stored in a .relations.json beside each
// owner directory, written atomically through the scoped filesystem and
// read with soft-fail semantics so retrieval enrichment never blocks on
// a corrupt file.
package relations

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/axiomme/axiomme/internal/axiomtypes"
	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/corelog"
	"github.com/axiomme/axiomme/internal/fsstore"
)

const relationsFile = ".relations.json"

// ErrInternalScope is returned when a write targets the queue or temp
// scope, which are forbidden relation owners (spec.md §4.8).
var ErrInternalScope = errors.New("relations forbidden in internal scope")

// Store reads and writes per-owner relation files.
type Store struct {
	fs *fsstore.FS
}

// New returns a relation store over fs.
func New(fs *fsstore.FS) *Store { return &Store{fs: fs} }

func (s *Store) fileURI(owner axiomuri.URI) (axiomuri.URI, error) {
	return owner.Join(relationsFile)
}

// Relations returns the declared relations for owner. A missing or
// malformed .relations.json yields an empty list, never an error — the
// corruption is logged and the read path proceeds (spec.md §7
// "User-visible failure").
func (s *Store) Relations(owner axiomuri.URI) []axiomtypes.Relation {
	fu, err := s.fileURI(owner)
	if err != nil {
		return nil
	}
	data, err := s.fs.Read(fu)
	if err != nil {
		if !fsstore.IsNotFound(err) {
			corelog.Warnf("relations: read %s: %v", fu, err)
		}
		return nil
	}
	var out []axiomtypes.Relation
	if err := json.Unmarshal(data, &out); err != nil {
		corelog.Warnf("relations: malformed %s, returning empty: %v", fu, err)
		return nil
	}
	return out
}

// Link upserts a relation by id under owner, creating the relations file
// if absent. Members must be parseable axiom:// URIs; writing into the
// queue or temp scope is forbidden.
func (s *Store) Link(owner axiomuri.URI, id string, members []string, reason string) (axiomtypes.Relation, error) {
	if owner.Scope.IsInternal() {
		return axiomtypes.Relation{}, fmt.Errorf("%w: %s", ErrInternalScope, owner)
	}
	if id == "" {
		return axiomtypes.Relation{}, errors.New("relation id must be non-empty")
	}
	for _, m := range members {
		if _, err := axiomuri.Parse(m); err != nil {
			return axiomtypes.Relation{}, fmt.Errorf("relation member %q: %w", m, err)
		}
	}
	sorted := append([]string{}, members...)
	sort.Strings(sorted)

	rel := axiomtypes.Relation{ID: id, Members: sorted, Reason: reason, CreatedAt: time.Now().UTC()}

	existing := s.Relations(owner)
	replaced := false
	for i, r := range existing {
		if r.ID == id {
			rel.CreatedAt = r.CreatedAt
			existing[i] = rel
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, rel)
	}
	return rel, s.write(owner, existing)
}

// Unlink removes the relation with id from owner, reporting whether a
// relation was actually removed.
func (s *Store) Unlink(owner axiomuri.URI, id string) (bool, error) {
	if owner.Scope.IsInternal() {
		return false, fmt.Errorf("%w: %s", ErrInternalScope, owner)
	}
	existing := s.Relations(owner)
	kept := existing[:0]
	removed := false
	for _, r := range existing {
		if r.ID == id {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return false, nil
	}
	return true, s.write(owner, kept)
}

func (s *Store) write(owner axiomuri.URI, rels []axiomtypes.Relation) error {
	fu, err := s.fileURI(owner)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rels, "", "  ")
	if err != nil {
		return err
	}
	return s.fs.Write(fu, data, true)
}

// PeersOf returns up to limit relation peer URIs for hit (every member
// of every relation declared by hit's owner directory, minus hit
// itself), the enrichment step of the retrieval pipeline (spec.md §4.6
// step 7).
func (s *Store) PeersOf(hit axiomuri.URI, limit int) []string {
	owner, ok := hit.Parent()
	if !ok {
		owner = axiomuri.URI{Scope: hit.Scope}
	}
	var peers []string
	seen := map[string]bool{hit.String(): true}
	for _, rel := range s.Relations(owner) {
		for _, m := range rel.Members {
			if seen[m] {
				continue
			}
			seen[m] = true
			peers = append(peers, m)
			if limit > 0 && len(peers) >= limit {
				return peers
			}
		}
	}
	return peers
}
