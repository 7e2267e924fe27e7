// Package ingest implements the ingest/reindex coordinator (spec.md
// §4.5, C5): it orchestrates add/save/delete across the scoped
// filesystem, the state store, and the in-memory hybrid index, with the
// save->reindex rollback protocol, startup drift detection, and scope
// reconciliation.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/axiomme/axiomme/internal/axiomtypes"
	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/corelog"
	"github.com/axiomme/axiomme/internal/embedder"
	"github.com/axiomme/axiomme/internal/fsstore"
	"github.com/axiomme/axiomme/internal/hybridindex"
	"github.com/axiomme/axiomme/internal/outbox"
	"github.com/axiomme/axiomme/internal/store"
)

// Sentinel errors surfaced to the API boundary (spec.md §7).
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal")
)

// Coordinator wires C1, C2, and C4 together for the write paths.
type Coordinator struct {
	fs    *fsstore.FS
	store *store.Store
	index *hybridindex.Index
	embed embedder.Embedder
	sched *outbox.Scheduler

	waits singleflight.Group
}

// New returns a Coordinator. The scheduler may be attached later via
// SetScheduler, since the scheduler's handlers in turn need the
// coordinator.
func New(fs *fsstore.FS, st *store.Store, idx *hybridindex.Index, emb embedder.Embedder) *Coordinator {
	return &Coordinator{fs: fs, store: st, index: idx, embed: emb}
}

// SetScheduler attaches the outbox scheduler used for wait=true drains.
func (c *Coordinator) SetScheduler(s *outbox.Scheduler) { c.sched = s }

// RegisterHandlers wires the coordinator's event handlers onto the
// scheduler (spec.md §4.3 "Event handlers").
func (c *Coordinator) RegisterHandlers(s *outbox.Scheduler) {
	s.Register("semantic_scan", 1, 5, func(ctx context.Context, ev axiomtypes.OutboxEvent) error {
		u, err := axiomuri.Parse(ev.URI)
		if err != nil {
			return outbox.Permanent(err)
		}
		return c.ScanTree(ctx, u)
	})
	s.Register("upsert", 1, 5, func(ctx context.Context, ev axiomtypes.OutboxEvent) error {
		u, err := axiomuri.Parse(ev.URI)
		if err != nil {
			return outbox.Permanent(err)
		}
		return c.ReindexURI(ctx, u)
	})
	s.Register("leaf_reindex", 1, 5, func(ctx context.Context, ev axiomtypes.OutboxEvent) error {
		u, err := axiomuri.Parse(ev.URI)
		if err != nil {
			return outbox.Permanent(err)
		}
		return c.ReindexURI(ctx, u)
	})
	s.Register("vector_mirror", 1, 5, func(ctx context.Context, ev axiomtypes.OutboxEvent) error {
		u, err := axiomuri.Parse(ev.URI)
		if err != nil {
			return outbox.Permanent(err)
		}
		return c.ReindexURI(ctx, u)
	})
	// Audit-only dead-letter markers: the handler immediately
	// dead-letters with the payload as diagnostic evidence (spec.md §4.3,
	// §9 "Dead-letter-as-audit").
	for _, audit := range []string{"qdrant_search_failed", "sqlite_search_failed", "memory_extract_fallback"} {
		s.Register(audit, 1, 1, func(ctx context.Context, ev axiomtypes.OutboxEvent) error {
			return outbox.Permanent(fmt.Errorf("audit marker: %s", ev.EventType))
		})
	}
}

// indexOne pushes one record through all three stores: in-memory index,
// SQLite mirror, and index_state.
func (c *Coordinator) indexOne(ctx context.Context, rec axiomtypes.IndexRecord, contentHash string, mtimeNanos int64) error {
	var vec []float32
	if rec.IsLeaf {
		vec = c.embed.Embed(rec.Name + " " + rec.Content)
	} else if rec.AbstractText != "" {
		vec = c.embed.Embed(rec.Name + " " + rec.AbstractText)
	}
	if err := c.index.Upsert(rec, vec); err != nil {
		return err
	}
	if err := c.store.UpsertSearchDocument(ctx, searchDocumentOf(rec)); err != nil {
		return err
	}
	return c.store.UpsertIndexState(ctx, axiomtypes.IndexState{
		URI: rec.URI, ContentHash: contentHash, MtimeNanos: mtimeNanos, Status: "ok",
	})
}

// ensureAncestors upserts directory records for every ancestor of u up
// to the scope root (spec.md §3 invariant: "directory records exist for
// every ancestor referenced by at least one leaf").
func (c *Coordinator) ensureAncestors(ctx context.Context, u axiomuri.URI, now time.Time) error {
	cur, ok := u.Parent()
	for ok {
		abstract, _, err := c.fs.ReadTiers(cur)
		if err != nil {
			return err
		}
		rec := DeriveDirRecord(cur, abstract, now)
		if err := c.indexOne(ctx, rec, "", 0); err != nil {
			return err
		}
		cur, ok = cur.Parent()
	}
	if u.Depth() > 0 {
		root := axiomuri.URI{Scope: u.Scope}
		rec := DeriveDirRecord(root, "", now)
		return c.indexOne(ctx, rec, "", 0)
	}
	return nil
}

// ReindexURI re-reads a single leaf from disk and mirrors it (the
// upsert / leaf_reindex handlers).
func (c *Coordinator) ReindexURI(ctx context.Context, u axiomuri.URI) error {
	data, err := c.fs.Read(u)
	if err != nil {
		return err
	}
	now := time.Now()
	rec := DeriveLeafRecord(u, data, now)
	if err := c.ensureAncestors(ctx, u, now); err != nil {
		return err
	}
	return c.indexOne(ctx, rec, ContentHash(data), now.UnixNano())
}

// tierTextFor derives the abstract/overview tier text for a directory
// from its children's names.
func tierTextFor(u axiomuri.URI, children []fsstore.Entry) (abstract, overview string) {
	var names []string
	for _, ch := range children {
		names = append(names, ch.URI.Name())
	}
	abstract = fmt.Sprintf("%s: %d items", u.Name(), len(children))
	overview = abstract
	if len(names) > 0 {
		overview += "\n\n- " + strings.Join(names, "\n- ")
	}
	return abstract, overview
}

// ScanTree re-walks the content tree rooted at u, upserting index
// records and the search mirror, writing tier artifacts for every
// directory visited (the semantic_scan handler, spec.md §4.3).
func (c *Coordinator) ScanTree(ctx context.Context, u axiomuri.URI) error {
	now := time.Now()
	exists, err := c.fs.Exists(u)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	isDir, err := c.fs.IsDir(u)
	if err != nil {
		return err
	}
	if !isDir {
		return c.ReindexURI(ctx, u)
	}

	children, err := c.fs.List(u, false, false)
	if err != nil {
		return err
	}
	abstract, overview := tierTextFor(u, children)
	if err := c.fs.WriteTiers(u, abstract, overview); err != nil {
		return err
	}
	if err := c.indexOne(ctx, DeriveDirRecord(u, abstract, now), "", 0); err != nil {
		return err
	}
	if err := c.ensureAncestors(ctx, u, now); err != nil {
		return err
	}
	for _, ch := range children {
		if ch.IsDir {
			if err := c.ScanTree(ctx, ch.URI); err != nil {
				return err
			}
			continue
		}
		data, err := c.fs.Read(ch.URI)
		if err != nil {
			return err
		}
		rec := DeriveLeafRecord(ch.URI, data, now)
		if err := c.indexOne(ctx, rec, ContentHash(data), now.UnixNano()); err != nil {
			return err
		}
	}
	return nil
}

// AddResourceResult reports an add_resource outcome (spec.md §6).
type AddResourceResult struct {
	Queued    bool   `json:"queued"`
	TargetURI string `json:"target_uri"`
	EventID   int64  `json:"event_id"`
	SaveMs    int64  `json:"save_ms"`
	ReindexMs int64  `json:"reindex_ms"`
	TotalMs   int64  `json:"total_ms"`
}

// AddResource stages sourcePath into axiom://temp/ingest/<uuid>, renames
// into targetURI, enqueues a semantic_scan, and (when wait is true)
// drains the scheduler until idle (spec.md §4.5).
func (c *Coordinator) AddResource(ctx context.Context, sourcePath string, target axiomuri.URI, wait bool) (AddResourceResult, error) {
	start := time.Now()
	res := AddResourceResult{TargetURI: target.String()}
	if target.Scope.IsInternal() {
		return res, fmt.Errorf("%w: cannot add resources into scope %q", ErrValidation, target.Scope)
	}
	if target.Depth() == 0 {
		return res, fmt.Errorf("%w: target must name a node under a scope", ErrValidation)
	}

	stage, _, err := c.fs.CopyFile(sourcePath)
	if err != nil {
		return res, err
	}
	cleanup := func() {
		if rmErr := c.fs.Rm(stage); rmErr != nil {
			corelog.Warnf("ingest: cleanup temp stage %s: %v", stage, rmErr)
		}
	}

	// The target is a directory; the staged file lands as a leaf named
	// after the source file under it.
	leaf, err := target.Join(path.Base(sourcePath))
	if err != nil {
		cleanup()
		return res, err
	}
	if err := c.fs.CreateDirAll(target); err != nil {
		cleanup()
		return res, err
	}
	if err := c.fs.Mv(stage, leaf); err != nil {
		cleanup()
		return res, err
	}
	res.SaveMs = time.Since(start).Milliseconds()

	eventID, err := c.store.Enqueue(ctx, "semantic_scan", target.String(), map[string]any{"schema_version": 1})
	if err != nil {
		return res, err
	}
	res.EventID = eventID
	res.Queued = true

	if wait {
		reindexStart := time.Now()
		if c.sched == nil {
			return res, fmt.Errorf("%w: no scheduler attached for wait=true", ErrInternal)
		}
		// Concurrent wait=true callers for the same target share one
		// drain (singleflight, matching the pack-wide x/sync idiom).
		_, err, _ := c.waits.Do(target.String(), func() (any, error) {
			_, derr := c.sched.ReplayOutbox(ctx, 50, false)
			return nil, derr
		})
		if err != nil {
			return res, err
		}
		res.Queued = false
		res.ReindexMs = time.Since(reindexStart).Milliseconds()
	}
	res.TotalMs = time.Since(start).Milliseconds()
	return res, nil
}

// SaveResult reports a save_document outcome (spec.md §4.5).
type SaveResult struct {
	URI           string `json:"uri"`
	Etag          string `json:"etag"`
	UpdatedAt     string `json:"updated_at"`
	ReindexedRoot string `json:"reindexed_root"`
	SaveMs        int64  `json:"save_ms"`
	ReindexMs     int64  `json:"reindex_ms"`
	TotalMs       int64  `json:"total_ms"`
}

// RollbackDetails is carried inside the INTERNAL error payload when a
// reindex after a successful write forces a rollback (spec.md §4.5, §8
// invariant 5).
type RollbackDetails struct {
	ReindexErr      string `json:"reindex_err"`
	RollbackWrite   string `json:"rollback_write"`
	RollbackReindex string `json:"rollback_reindex"`
}

// SaveReindexError is the INTERNAL error produced when save succeeded
// but reindex failed and the write was rolled back.
type SaveReindexError struct {
	Details RollbackDetails
}

func (e *SaveReindexError) Error() string {
	return fmt.Sprintf("reindex failed after save: %s", e.Details.ReindexErr)
}

func (e *SaveReindexError) Unwrap() error { return ErrInternal }

// editableFormats gates save_document's upfront format validation.
var editableFormats = map[string]bool{
	".md": true, ".markdown": true, ".json": true, ".jsonl": true,
	".yaml": true, ".yml": true, ".txt": true, ".xml": true, "": true,
}

func validateFormat(u axiomuri.URI, content []byte) error {
	ext := strings.ToLower(path.Ext(u.Name()))
	if !editableFormats[ext] {
		return fmt.Errorf("%w: unsupported format %q", ErrValidation, ext)
	}
	switch ext {
	case ".json":
		if !json.Valid(content) {
			return fmt.Errorf("%w: invalid JSON", ErrValidation)
		}
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(content, &v); err != nil {
			return fmt.Errorf("%w: invalid YAML: %v", ErrValidation, err)
		}
	}
	return nil
}

// Etag computes the document etag from file bytes.
func Etag(data []byte) string { return ContentHash(data) }

// SaveDocument validates, writes, and reindexes a document (spec.md
// §4.5): scope and tier-filename checks, syntactic format validation,
// etag conflict detection, atomic write, then a synchronous reindex with
// rollback to the prior bytes on reindex failure.
func (c *Coordinator) SaveDocument(ctx context.Context, u axiomuri.URI, content []byte, expectedEtag string) (SaveResult, error) {
	start := time.Now()
	var res SaveResult
	res.URI = u.String()

	if u.Scope.IsInternal() {
		return res, fmt.Errorf("%w: scope %q is not writable", fsstore.ErrPermission, u.Scope)
	}
	if fsstore.IsHiddenTierFilename(u.Name()) {
		return res, fmt.Errorf("%w: %q is a reserved tier file", fsstore.ErrPermission, u.Name())
	}
	if err := validateFormat(u, content); err != nil {
		return res, err
	}

	prior, err := c.fs.Read(u)
	priorExists := err == nil
	if err != nil && !fsstore.IsNotFound(err) {
		return res, err
	}
	if expectedEtag != "" {
		if !priorExists {
			return res, fmt.Errorf("%w: etag supplied but document does not exist", ErrConflict)
		}
		if Etag(prior) != expectedEtag {
			return res, fmt.Errorf("%w: etag mismatch", ErrConflict)
		}
	}

	if err := c.fs.Write(u, content, true); err != nil {
		return res, err
	}
	res.SaveMs = time.Since(start).Milliseconds()

	reindexStart := time.Now()
	reindexErr := c.ReindexURI(ctx, u)
	res.ReindexMs = time.Since(reindexStart).Milliseconds()
	if reindexErr != nil {
		details := RollbackDetails{ReindexErr: reindexErr.Error()}
		if priorExists {
			if rbErr := c.fs.Write(u, prior, false); rbErr != nil {
				details.RollbackWrite = "failed: " + rbErr.Error()
			} else {
				details.RollbackWrite = "ok"
			}
		} else {
			if rbErr := c.fs.Rm(u); rbErr != nil {
				details.RollbackWrite = "failed: " + rbErr.Error()
			} else {
				details.RollbackWrite = "ok (removed)"
			}
		}
		if priorExists {
			if rrErr := c.ReindexURI(ctx, u); rrErr != nil {
				details.RollbackReindex = "failed: " + rrErr.Error()
			} else {
				details.RollbackReindex = "ok"
			}
		} else {
			c.index.Remove(u.String())
			if dErr := c.store.DeleteSearchDocument(ctx, u.String()); dErr != nil {
				details.RollbackReindex = "failed: " + dErr.Error()
			} else if sErr := c.store.RemoveIndexState(ctx, u.String()); sErr != nil {
				details.RollbackReindex = "failed: " + sErr.Error()
			} else {
				details.RollbackReindex = "ok (removed)"
			}
		}
		return res, &SaveReindexError{Details: details}
	}

	res.Etag = Etag(content)
	res.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	res.ReindexedRoot = u.String()
	res.TotalMs = time.Since(start).Milliseconds()
	return res, nil
}

// RemoveDocument deletes a leaf or subtree from all three stores.
func (c *Coordinator) RemoveDocument(ctx context.Context, u axiomuri.URI) error {
	if u.Scope.IsInternal() {
		return fmt.Errorf("%w: scope %q is not writable", fsstore.ErrPermission, u.Scope)
	}
	if err := c.fs.Rm(u); err != nil {
		return err
	}
	c.index.RemoveSubtree(u.String())
	if _, err := c.store.DeleteSearchDocumentsByPrefix(ctx, u.String()); err != nil {
		return err
	}
	_, err := c.store.RemoveIndexStateByPrefix(ctx, u.String())
	return err
}
