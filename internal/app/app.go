// Package app is the composition root (spec.md §9 "Global singletons"):
// it constructs the scoped filesystem, state store, in-memory index,
// outbox scheduler, coordinators, and pipelines once at startup and
// hands them around as explicit handles. Nothing here is a process-wide
// static.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/axiomme/axiomme/internal/config"
	"github.com/axiomme/axiomme/internal/corelog"
	"github.com/axiomme/axiomme/internal/editor"
	"github.com/axiomme/axiomme/internal/embedder"
	"github.com/axiomme/axiomme/internal/extractor"
	"github.com/axiomme/axiomme/internal/fsstore"
	"github.com/axiomme/axiomme/internal/hybridindex"
	"github.com/axiomme/axiomme/internal/ingest"
	"github.com/axiomme/axiomme/internal/outbox"
	"github.com/axiomme/axiomme/internal/relations"
	"github.com/axiomme/axiomme/internal/retrieval"
	"github.com/axiomme/axiomme/internal/session"
	"github.com/axiomme/axiomme/internal/store"
	"github.com/axiomme/axiomme/internal/tracelog"
)

// App bundles every component handle. Construct with Open, share by
// pointer.
type App struct {
	FS        *fsstore.FS
	Store     *store.Store
	Index     *hybridindex.Index
	Embedder  embedder.Embedder
	Scheduler *outbox.Scheduler
	Ingest    *ingest.Coordinator
	Relations *relations.Store
	Tracelog  *tracelog.Recorder
	Retrieval *retrieval.Engine
	Sessions  *session.Manager
	Editor    *editor.Server
}

// Open builds the full composition over the install root: filesystem,
// state database, index, scheduler with all handlers registered, and
// the retrieval/session layers. It runs outbox crash recovery and the
// coordinator's startup drift detection before returning (spec.md §4.3
// "Recovery", §4.5 initialize).
func Open(ctx context.Context, root string) (*App, error) {
	if err := config.Initialize(root); err != nil {
		return nil, fmt.Errorf("initialize config: %w", err)
	}

	fs, err := fsstore.Open(root)
	if err != nil {
		return nil, err
	}
	dbPath := config.DBPath()
	if dbPath == "" {
		dbPath = filepath.Join(root, "state.db")
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	idx := hybridindex.New()
	emb := embedder.NewHashing()
	coord := ingest.New(fs, st, idx, emb)
	sched := outbox.New(st)
	coord.SetScheduler(sched)
	coord.RegisterHandlers(sched)

	rels := relations.New(fs)
	traces := tracelog.New(st, fs)

	var oracle extractor.Oracle
	if key := config.AnthropicAPIKey(); key != "" {
		llm, err := extractor.NewAnthropic(key, config.AnthropicModel())
		if err != nil {
			corelog.Warnf("app: anthropic oracle unavailable, using heuristic: %v", err)
		} else {
			oracle = llm
		}
	}
	sessions := session.New(fs, st, coord, rels, oracle)
	sessions.RegisterOMHandlers(sched)

	engine := retrieval.New(idx, st, emb, rels, traces, sessions)
	ed := editor.New(fs, coord)

	app := &App{
		FS: fs, Store: st, Index: idx, Embedder: emb,
		Scheduler: sched, Ingest: coord, Relations: rels,
		Tracelog: traces, Retrieval: engine, Sessions: sessions, Editor: ed,
	}

	if n, err := sched.RecoverOnStartup(ctx); err != nil {
		corelog.Warnf("app: outbox recovery: %v", err)
	} else if n > 0 {
		corelog.Printf("app: recovered %d abandoned outbox events", n)
	}
	if err := coord.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize coordinator: %w", err)
	}
	return app, nil
}

// Close releases the state store.
func (a *App) Close() error {
	return a.Store.Close()
}
