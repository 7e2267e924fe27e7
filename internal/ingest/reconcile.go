package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/corelog"
	"github.com/axiomme/axiomme/internal/fsstore"
	"github.com/axiomme/axiomme/internal/store"
)

// DriftClass classifies one reconciled URI (spec.md §4.5).
type DriftClass string

const (
	DriftOK            DriftClass = "ok"
	DriftHash          DriftClass = "drift_hash"
	DriftMissingFile   DriftClass = "drift_missing_file"
	DriftMissingRecord DriftClass = "drift_missing_record"
)

// ReconcileOptions selects scopes and mode for a reconcile pass.
type ReconcileOptions struct {
	DryRun         bool
	Scopes         []axiomuri.Scope // empty = all content scopes
	MaxDriftSample int
}

// DriftSample is one sampled drifted URI in a reconcile report.
type DriftSample struct {
	URI   string     `json:"uri"`
	Class DriftClass `json:"class"`
}

// ReconcileReport summarizes a reconcile pass (spec.md §4.5).
type ReconcileReport struct {
	DryRun             bool          `json:"dry_run"`
	OK                 int           `json:"ok"`
	DriftHash          int           `json:"drift_hash"`
	DriftMissingFile   int           `json:"drift_missing_file"`
	DriftMissingRecord int           `json:"drift_missing_record"`
	Sample             []DriftSample `json:"sample,omitempty"`
	Repaired           int           `json:"repaired"`
}

// contentScopes are the scopes reconcile walks by default; queue and
// temp carry no index state.
var contentScopes = []axiomuri.Scope{
	axiomuri.ScopeResources, axiomuri.ScopeUser, axiomuri.ScopeAgent, axiomuri.ScopeSession,
}

// ReconcileStateWithOptions walks the selected scopes' index state,
// classifying each URI as ok / drift_hash / drift_missing_file /
// drift_missing_record, then (unless dry-run) prunes missing-file rows,
// upserts missing-record rows, and reindexes drift-hash rows
// (spec.md §4.5).
func (c *Coordinator) ReconcileStateWithOptions(ctx context.Context, opts ReconcileOptions) (ReconcileReport, error) {
	report := ReconcileReport{DryRun: opts.DryRun}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = contentScopes
	}
	sampleCap := opts.MaxDriftSample
	if sampleCap <= 0 {
		sampleCap = 20
	}

	type drifted struct {
		uri    axiomuri.URI
		rawURI string
		class  DriftClass
	}
	var repairs []drifted

	for _, scope := range scopes {
		prefix := (axiomuri.URI{Scope: scope}).String()
		states, err := c.store.ListIndexState(ctx, prefix)
		if err != nil {
			return report, err
		}
		known := map[string]bool{}
		for _, st := range states {
			known[st.URI] = true
			u, err := axiomuri.Parse(st.URI)
			if err != nil {
				corelog.Warnf("reconcile: unparseable index-state uri %q, pruning", st.URI)
				report.DriftMissingFile++
				repairs = append(repairs, drifted{rawURI: st.URI, class: DriftMissingFile})
				continue
			}
			// Directory records carry no content hash; only leaves drift.
			if st.ContentHash == "" {
				report.OK++
				continue
			}
			data, err := c.fs.Read(u)
			if err != nil {
				if fsstore.IsNotFound(err) {
					report.DriftMissingFile++
					repairs = append(repairs, drifted{uri: u, rawURI: st.URI, class: DriftMissingFile})
					c.sampleInto(&report, sampleCap, st.URI, DriftMissingFile)
					continue
				}
				return report, err
			}
			if ContentHash(data) != st.ContentHash {
				report.DriftHash++
				repairs = append(repairs, drifted{uri: u, rawURI: st.URI, class: DriftHash})
				c.sampleInto(&report, sampleCap, st.URI, DriftHash)
				continue
			}
			report.OK++
		}

		// Files on disk with no index_state row are missing records.
		scopeRoot := axiomuri.URI{Scope: scope}
		entries, err := c.fs.List(scopeRoot, true, false)
		if err != nil {
			return report, err
		}
		for _, e := range entries {
			if e.IsDir || known[e.URI.String()] {
				continue
			}
			report.DriftMissingRecord++
			repairs = append(repairs, drifted{uri: e.URI, rawURI: e.URI.String(), class: DriftMissingRecord})
			c.sampleInto(&report, sampleCap, e.URI.String(), DriftMissingRecord)
		}
	}

	if !opts.DryRun {
		for _, r := range repairs {
			switch r.class {
			case DriftMissingFile:
				c.index.Remove(r.rawURI)
				if err := c.store.DeleteSearchDocument(ctx, r.rawURI); err != nil {
					return report, err
				}
				if err := c.store.RemoveIndexState(ctx, r.rawURI); err != nil {
					return report, err
				}
				report.Repaired++
			case DriftHash, DriftMissingRecord:
				if err := c.ReindexURI(ctx, r.uri); err != nil {
					corelog.Warnf("reconcile: reindex %s: %v", r.uri, err)
					continue
				}
				report.Repaired++
			}
		}
	}

	var scopeNames []string
	for _, s := range scopes {
		scopeNames = append(scopeNames, string(s))
	}
	if _, err := c.store.RecordReconcileRun(ctx, store.ReconcileRun{
		DryRun:                  opts.DryRun,
		Scopes:                  scopeNames,
		OKCount:                 report.OK,
		DriftHashCount:          report.DriftHash,
		DriftMissingFileCount:   report.DriftMissingFile,
		DriftMissingRecordCount: report.DriftMissingRecord,
	}); err != nil {
		corelog.Warnf("reconcile: record run: %v", err)
	}
	return report, nil
}

func (c *Coordinator) sampleInto(report *ReconcileReport, limit int, uri string, class DriftClass) {
	if len(report.Sample) < limit {
		report.Sample = append(report.Sample, DriftSample{URI: uri, Class: class})
	}
}

const profileStampKey = "index_profile_stamp"

// Initialize rebuilds the in-memory index from the SQLite search mirror,
// forces a full reindex when the persisted index_profile_stamp differs
// from the current embedder profile, and reconciles any filesystem drift
// detected against index_state (spec.md §4.5, §8 invariant 4).
func (c *Coordinator) Initialize(ctx context.Context) error {
	stamp, err := c.store.GetMetadata(ctx, profileStampKey)
	if err != nil {
		return err
	}
	profile := c.embed.Profile()

	if stamp != "" && stamp != profile {
		corelog.Printf("ingest: index profile changed (%s -> %s), forcing full reindex", stamp, profile)
		c.index.Clear()
		for _, scope := range contentScopes {
			if err := c.ScanTree(ctx, axiomuri.URI{Scope: scope}); err != nil {
				return fmt.Errorf("full reindex of %s: %w", scope, err)
			}
		}
		return c.store.SetMetadata(ctx, profileStampKey, profile)
	}

	// Rebuild the in-memory index from the mirror.
	start := time.Now()
	docs, err := c.store.ListSearchDocuments(ctx, "")
	if err != nil {
		return err
	}
	for _, d := range docs {
		rec := recordOfSearchDocument(d)
		var vec []float32
		if rec.IsLeaf {
			vec = c.embed.Embed(rec.Name + " " + rec.Content)
		} else if rec.AbstractText != "" {
			vec = c.embed.Embed(rec.Name + " " + rec.AbstractText)
		}
		if err := c.index.Upsert(rec, vec); err != nil {
			return err
		}
	}
	if len(docs) > 0 {
		corelog.Printf("ingest: rebuilt in-memory index (%d records) in %s", len(docs), time.Since(start).Round(time.Millisecond))
	}

	// Drift-hash detected at startup triggers automatic reconcile of the
	// affected scopes (spec.md §4.5).
	probe, err := c.ReconcileStateWithOptions(ctx, ReconcileOptions{DryRun: true})
	if err != nil {
		return err
	}
	if probe.DriftHash+probe.DriftMissingFile+probe.DriftMissingRecord > 0 {
		if _, err := c.ReconcileStateWithOptions(ctx, ReconcileOptions{}); err != nil {
			return err
		}
	}

	if stamp == "" {
		return c.store.SetMetadata(ctx, profileStampKey, profile)
	}
	return nil
}
