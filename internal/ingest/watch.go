package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/corelog"
)

// WatchForDrift watches the content scopes for external edits and
// enqueues an upsert for each changed file, supplementing the startup
// drift scan with proactive detection while the process is running. It
// blocks until ctx is cancelled. An error creating the watcher is
// returned; a directory that cannot be watched is logged and skipped.
func (c *Coordinator) WatchForDrift(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	root := c.fs.Root()
	for _, scope := range contentScopes {
		dir := filepath.Join(root, string(scope))
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := addWatchRecursive(watcher, dir); err != nil {
			corelog.Warnf("ingest: watch %s: %v", dir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			c.handleWatchEvent(ctx, watcher, root, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			corelog.Warnf("ingest: watcher: %v", err)
		}
	}
}

func addWatchRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(path)
	})
}

func (c *Coordinator) handleWatchEvent(ctx context.Context, watcher *fsnotify.Watcher, root string, ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil {
		return
	}
	base := filepath.Base(rel)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, ".tmp-") {
		return // tier artifacts and atomic-write temp files are our own
	}

	if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
		if err := watcher.Add(ev.Name); err != nil {
			corelog.Warnf("ingest: watch new dir %s: %v", ev.Name, err)
		}
		return
	}

	segs := strings.Split(filepath.ToSlash(rel), "/")
	u := axiomuri.URI{Scope: axiomuri.Scope(segs[0])}
	joined, err := u.Join(segs[1:]...)
	if err != nil {
		return
	}

	// Only enqueue when the bytes actually diverge from index state.
	data, err := c.fs.Read(joined)
	if err != nil {
		return
	}
	state, err := c.store.GetIndexState(ctx, joined.String())
	if err == nil && state.ContentHash == ContentHash(data) {
		return
	}
	if _, err := c.store.Enqueue(ctx, "upsert", joined.String(), map[string]any{"schema_version": 1}); err != nil {
		corelog.Warnf("ingest: enqueue drift upsert for %s: %v", joined, err)
	}
}
