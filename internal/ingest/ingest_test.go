package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/embedder"
	"github.com/axiomme/axiomme/internal/fsstore"
	"github.com/axiomme/axiomme/internal/hybridindex"
	"github.com/axiomme/axiomme/internal/outbox"
	"github.com/axiomme/axiomme/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *fsstore.FS, *store.Store, *hybridindex.Index) {
	t.Helper()
	fs, err := fsstore.Open(t.TempDir())
	require.NoError(t, err)
	st, err := store.Open(context.Background(), "file::memory:?mode=memory&cache=private")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx := hybridindex.New()
	coord := New(fs, st, idx, embedder.NewHashing())
	sched := outbox.New(st)
	coord.SetScheduler(sched)
	coord.RegisterHandlers(sched)
	return coord, fs, st, idx
}

func writeSourceFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAddResourceWaitTrueIndexesSynchronously(t *testing.T) {
	coord, _, st, idx := newTestCoordinator(t)
	ctx := context.Background()

	src := writeSourceFile(t, "oauth.md", "# OAuth\n\nOAuth flow with auth code.")
	target := axiomuri.MustParse("axiom://resources/demo")

	res, err := coord.AddResource(ctx, src, target, true)
	require.NoError(t, err)
	require.False(t, res.Queued)
	require.Equal(t, "axiom://resources/demo", res.TargetURI)

	rec, ok := idx.Get("axiom://resources/demo/oauth.md")
	require.True(t, ok)
	require.Contains(t, rec.Content, "OAuth flow")

	// Mirror and index state agree.
	doc, err := st.GetSearchDocument(ctx, "axiom://resources/demo/oauth.md")
	require.NoError(t, err)
	require.Contains(t, doc.Content, "OAuth flow")
	state, err := st.GetIndexState(ctx, "axiom://resources/demo/oauth.md")
	require.NoError(t, err)
	require.NotEmpty(t, state.ContentHash)

	// Directory ancestors exist as records.
	_, ok = idx.Get("axiom://resources/demo")
	require.True(t, ok)
	_, ok = idx.Get("axiom://resources")
	require.True(t, ok)
}

func TestWaitReplayEquivalence(t *testing.T) {
	// spec invariant 3: wait=true equals wait=false + replay until idle.
	ctx := context.Background()

	coordA, _, stA, idxA := newTestCoordinator(t)
	srcA := writeSourceFile(t, "guide.md", "# Guide\n\nqueued content here.")
	_, err := coordA.AddResource(ctx, srcA, axiomuri.MustParse("axiom://resources/queued"), true)
	require.NoError(t, err)

	coordB, _, stB, idxB := newTestCoordinator(t)
	srcB := writeSourceFile(t, "guide.md", "# Guide\n\nqueued content here.")
	res, err := coordB.AddResource(ctx, srcB, axiomuri.MustParse("axiom://resources/queued"), false)
	require.NoError(t, err)
	require.True(t, res.Queued)

	// Before replay the queued tree is not indexed.
	_, ok := idxB.Get("axiom://resources/queued/guide.md")
	require.False(t, ok)

	n, err := coordB.sched.ReplayOutbox(ctx, 50, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	recA, okA := idxA.Get("axiom://resources/queued/guide.md")
	recB, okB := idxB.Get("axiom://resources/queued/guide.md")
	require.True(t, okA)
	require.True(t, okB)
	require.Equal(t, recA.Content, recB.Content)

	docsA, err := stA.ListSearchDocuments(ctx, "axiom://resources/queued")
	require.NoError(t, err)
	docsB, err := stB.ListSearchDocuments(ctx, "axiom://resources/queued")
	require.NoError(t, err)
	require.Equal(t, len(docsA), len(docsB))
}

func TestAddResourceRejectsInternalScopes(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	src := writeSourceFile(t, "x.md", "content")

	_, err := coord.AddResource(context.Background(), src, axiomuri.MustParse("axiom://queue/traces"), true)
	require.ErrorIs(t, err, ErrValidation)
	_, err = coord.AddResource(context.Background(), src, axiomuri.MustParse("axiom://temp/ingest"), true)
	require.ErrorIs(t, err, ErrValidation)
}

func TestAddResourceCleansTempOnMissingSource(t *testing.T) {
	coord, fs, _, _ := newTestCoordinator(t)

	_, err := coord.AddResource(context.Background(), "/nonexistent/file.md", axiomuri.MustParse("axiom://resources/x"), true)
	require.Error(t, err)

	entries, err := fs.List(axiomuri.MustParse("axiom://temp"), true, true)
	require.NoError(t, err)
	require.Empty(t, entries, "no temp staging debris on failure")
}

func TestSaveDocumentEtagConflict(t *testing.T) {
	// spec §8 S2: save conflict.
	coord, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	u := axiomuri.MustParse("axiom://resources/doc/guide.md")

	res1, err := coord.SaveDocument(ctx, u, []byte("# Guide\n\netag_v1"), "")
	require.NoError(t, err)
	e1 := res1.Etag
	require.NotEmpty(t, e1)

	res2, err := coord.SaveDocument(ctx, u, []byte("etag_v2"), e1)
	require.NoError(t, err)
	require.NotEqual(t, e1, res2.Etag)

	_, err = coord.SaveDocument(ctx, u, []byte("etag_v3"), e1)
	require.ErrorIs(t, err, ErrConflict)
}

func TestSaveDocumentValidatesScopeFormatAndTierNames(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.SaveDocument(ctx, axiomuri.MustParse("axiom://queue/traces/x.json"), []byte("{}"), "")
	require.ErrorIs(t, err, fsstore.ErrPermission)

	_, err = coord.SaveDocument(ctx, axiomuri.MustParse("axiom://resources/d/.abstract.md"), []byte("x"), "")
	require.ErrorIs(t, err, fsstore.ErrPermission)

	_, err = coord.SaveDocument(ctx, axiomuri.MustParse("axiom://resources/d/data.json"), []byte("{not json"), "")
	require.ErrorIs(t, err, ErrValidation)

	_, err = coord.SaveDocument(ctx, axiomuri.MustParse("axiom://resources/d/cfg.yaml"), []byte(":\nbad:\n  - ["), "")
	require.ErrorIs(t, err, ErrValidation)

	_, err = coord.SaveDocument(ctx, axiomuri.MustParse("axiom://resources/d/prog.exe"), []byte("x"), "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestSaveReindexFailureRollsBackBytes(t *testing.T) {
	// spec §8 invariant 5: on reindex failure the file is restored to
	// exactly the prior bytes and the error carries rollback details.
	coord, fs, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	u := axiomuri.MustParse("axiom://resources/doc/guide.md")

	prior := []byte("# Guide\n\noriginal bytes")
	_, err := coord.SaveDocument(ctx, u, prior, "")
	require.NoError(t, err)

	// Closing the state store makes the post-write reindex fail.
	require.NoError(t, st.Close())

	_, err = coord.SaveDocument(ctx, u, []byte("# Guide\n\nnew bytes"), "")
	require.Error(t, err)

	var sre *SaveReindexError
	require.ErrorAs(t, err, &sre)
	require.NotEmpty(t, sre.Details.ReindexErr)
	require.NotEmpty(t, sre.Details.RollbackWrite)
	require.NotEmpty(t, sre.Details.RollbackReindex)
	require.Equal(t, "ok", sre.Details.RollbackWrite)

	got, err := fs.Read(u)
	require.NoError(t, err)
	require.Equal(t, prior, got)
}

func TestReconcileClassifiesAndRepairsDrift(t *testing.T) {
	// spec §8 invariant 4 territory: hash drift, missing file, missing
	// record.
	coord, fs, st, idx := newTestCoordinator(t)
	ctx := context.Background()

	src := writeSourceFile(t, "a.md", "version one")
	_, err := coord.AddResource(ctx, src, axiomuri.MustParse("axiom://resources/drift"), true)
	require.NoError(t, err)

	// Hash drift: edit the file behind the coordinator's back.
	edited := axiomuri.MustParse("axiom://resources/drift/a.md")
	require.NoError(t, fs.Write(edited, []byte("version two entirely"), false))

	// Missing record: drop a file in without indexing.
	orphan := axiomuri.MustParse("axiom://resources/drift/orphan.md")
	require.NoError(t, fs.Write(orphan, []byte("never indexed"), true))

	report, err := coord.ReconcileStateWithOptions(ctx, ReconcileOptions{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.DriftHash)
	require.Equal(t, 1, report.DriftMissingRecord)
	require.NotEmpty(t, report.Sample)

	// Non-dry-run repairs: reindexes both.
	report, err = coord.ReconcileStateWithOptions(ctx, ReconcileOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, report.Repaired)

	rec, ok := idx.Get(edited.String())
	require.True(t, ok)
	require.Contains(t, rec.Content, "version two")
	_, ok = idx.Get(orphan.String())
	require.True(t, ok)

	// Missing file: delete from disk, reconcile prunes the rows.
	require.NoError(t, fs.Rm(edited))
	report, err = coord.ReconcileStateWithOptions(ctx, ReconcileOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, report.DriftMissingFile)

	_, err = st.GetIndexState(ctx, edited.String())
	require.ErrorIs(t, err, store.ErrNotFound)
	_, ok = idx.Get(edited.String())
	require.False(t, ok)
}

func TestInitializeRecoversExternalEdits(t *testing.T) {
	// spec §8 invariant 4: initialize() re-reads drifted records so a
	// search over the new bytes hits.
	coord, fs, _, idx := newTestCoordinator(t)
	ctx := context.Background()

	src := writeSourceFile(t, "a.md", "the quick brown fox")
	_, err := coord.AddResource(ctx, src, axiomuri.MustParse("axiom://resources/init"), true)
	require.NoError(t, err)

	u := axiomuri.MustParse("axiom://resources/init/a.md")
	require.NoError(t, fs.Write(u, []byte("entirely new zebra content"), false))

	require.NoError(t, coord.Initialize(ctx))

	hits := idx.Search(hybridindexQuery("zebra"))
	require.NotEmpty(t, hits)
}

func hybridindexQuery(text string) hybridindex.Query {
	return hybridindex.Query{Text: text, Limit: 5}
}

func TestProfileStampDriftForcesReindex(t *testing.T) {
	coord, _, st, idx := newTestCoordinator(t)
	ctx := context.Background()

	src := writeSourceFile(t, "a.md", "stamp content")
	_, err := coord.AddResource(ctx, src, axiomuri.MustParse("axiom://resources/stamp"), true)
	require.NoError(t, err)

	require.NoError(t, st.SetMetadata(ctx, "index_profile_stamp", "old-profile-v0"))
	idx.Clear()

	require.NoError(t, coord.Initialize(ctx))

	_, ok := idx.Get("axiom://resources/stamp/a.md")
	require.True(t, ok)

	stamp, err := st.GetMetadata(ctx, "index_profile_stamp")
	require.NoError(t, err)
	require.Equal(t, coord.embed.Profile(), stamp)
}
