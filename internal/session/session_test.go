package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiomme/axiomme/internal/axiomtypes"
	"github.com/axiomme/axiomme/internal/config"
	"github.com/axiomme/axiomme/internal/embedder"
	"github.com/axiomme/axiomme/internal/fsstore"
	"github.com/axiomme/axiomme/internal/hybridindex"
	"github.com/axiomme/axiomme/internal/ingest"
	"github.com/axiomme/axiomme/internal/outbox"
	"github.com/axiomme/axiomme/internal/relations"
	"github.com/axiomme/axiomme/internal/store"
)

type testRig struct {
	fs    *fsstore.FS
	store *store.Store
	index *hybridindex.Index
	coord *ingest.Coordinator
	sched *outbox.Scheduler
	mgr   *Manager
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	config.Reset()
	t.Cleanup(config.Reset)

	root := t.TempDir()
	require.NoError(t, config.Initialize(root))
	fs, err := fsstore.Open(root)
	require.NoError(t, err)
	st, err := store.Open(context.Background(), "file::memory:?mode=memory&cache=private")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx := hybridindex.New()
	coord := ingest.New(fs, st, idx, embedder.NewHashing())
	sched := outbox.New(st)
	coord.SetScheduler(sched)
	coord.RegisterHandlers(sched)

	mgr := New(fs, st, coord, relations.New(fs), nil)
	mgr.RegisterOMHandlers(sched)
	return &testRig{fs: fs, store: st, index: idx, coord: coord, sched: sched, mgr: mgr}
}

func TestAddMessageAppendsAndUpdatesMeta(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	m1, err := rig.mgr.AddMessage(ctx, "s1", "user", "hello there")
	require.NoError(t, err)
	require.NotEmpty(t, m1.ID)

	_, err = rig.mgr.AddMessage(ctx, "s1", "assistant", "hi, how can I help")
	require.NoError(t, err)

	msgs, err := rig.mgr.Messages("s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Role)
	require.Equal(t, "hello there", msgs[0].Text)

	meta, err := rig.mgr.readMeta("s1")
	require.NoError(t, err)
	require.Equal(t, 2, meta.MessageCount)
	require.Positive(t, meta.ContextTokens)
}

func TestObserverEventEnqueuedAtThreshold(t *testing.T) {
	t.Setenv("AXIOMME_OBSERVER_INTERVAL_TOKENS", "5")
	rig := newTestRig(t)
	ctx := context.Background()

	// ~10 tokens of text trips the 5-token observer interval.
	_, err := rig.mgr.AddMessage(ctx, "s1", "user", "this message is long enough to trip the observer")
	require.NoError(t, err)

	events, err := rig.store.Fetch(ctx, axiomtypes.LaneSemantic, axiomtypes.StatusNew, 10)
	require.NoError(t, err)
	var sawObserve bool
	for _, ev := range events {
		if ev.EventType == "om_observe_buffer_requested" {
			sawObserve = true
		}
	}
	require.True(t, sawObserve)

	rec, err := rig.store.GetOMRecordByScopeKey(ctx, ScopeKeyForSession("s1"))
	require.NoError(t, err)
	require.True(t, rec.IsObserving)
}

func TestObserverHandlerActivatesMessages(t *testing.T) {
	t.Setenv("AXIOMME_OBSERVER_INTERVAL_TOKENS", "5")
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.mgr.AddMessage(ctx, "s1", "user", "this long message should be observed eventually by the handler")
	require.NoError(t, err)

	n, err := rig.sched.ReplayOutbox(ctx, 10, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	scope := ScopeKeyForSession("s1")
	chunks, err := rig.store.ListOMObservationChunks(ctx, scope)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Contains(t, chunks[0].ChunkText, "user: this long message")

	rec, err := rig.store.GetOMRecordByScopeKey(ctx, scope)
	require.NoError(t, err)
	require.Len(t, rec.LastActivatedMessageIDs, 1)
	require.Positive(t, rec.ObservationTokenCount)
}

func TestCommitArchiveOnlyRotatesMessages(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.mgr.AddMessage(ctx, "s1", "user", "first")
	require.NoError(t, err)
	_, err = rig.mgr.AddMessage(ctx, "s1", "assistant", "second")
	require.NoError(t, err)

	res, err := rig.mgr.Commit(ctx, "s1", CommitArchiveOnly)
	require.NoError(t, err)
	require.Equal(t, 1, res.ArchiveIndex)
	require.Equal(t, 2, res.ArchivedCount)
	require.Zero(t, res.Extracted)

	active, err := rig.mgr.Messages("s1")
	require.NoError(t, err)
	require.Empty(t, active)

	archives, err := rig.mgr.archiveMessages("s1", 0)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	require.Len(t, archives[0], 2)
}

func TestCommitExtractsMemoriesWithHeuristic(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.mgr.AddMessage(ctx, "s1", "user", "I prefer dark roast coffee in the morning.")
	require.NoError(t, err)
	_, err = rig.mgr.AddMessage(ctx, "s1", "user", "Nothing memorable here")
	require.NoError(t, err)

	res, err := rig.mgr.Commit(ctx, "s1", CommitArchiveAndExtract)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Extracted, 1)
	require.GreaterOrEqual(t, res.Persisted, 1)

	mems, err := rig.mgr.listCategoryMemories("preferences")
	require.NoError(t, err)
	require.Len(t, mems, 1)
	for _, mf := range mems {
		require.Contains(t, mf.Text, "dark roast")
	}
}

func TestCommitDedupsRepeatedMemories(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := rig.mgr.AddMessage(ctx, "s1", "user", "I prefer dark roast coffee in the morning.")
		require.NoError(t, err)
		_, err = rig.mgr.Commit(ctx, "s1", CommitArchiveAndExtract)
		require.NoError(t, err)
	}

	mems, err := rig.mgr.listCategoryMemories("preferences")
	require.NoError(t, err)
	require.Len(t, mems, 1, "provenance merges instead of duplicating")
}

func TestGetContextForSearchRanksArchives(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.mgr.AddMessage(ctx, "s1", "user", "let us discuss kubernetes networking today")
	require.NoError(t, err)
	_, err = rig.mgr.Commit(ctx, "s1", CommitArchiveOnly)
	require.NoError(t, err)

	_, err = rig.mgr.AddMessage(ctx, "s1", "user", "completely unrelated gardening chat")
	require.NoError(t, err)
	_, err = rig.mgr.Commit(ctx, "s1", CommitArchiveOnly)
	require.NoError(t, err)

	_, err = rig.mgr.AddMessage(ctx, "s1", "user", "active turn about tomatoes")
	require.NoError(t, err)

	msgs, err := rig.mgr.GetContextForSearch(ctx, "s1", "kubernetes networking", 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	// Active turns come first, then the relevant archive; the 0-overlap
	// archive is filtered because another archive scored positive.
	require.Equal(t, "active turn about tomatoes", msgs[0].Text)
	var texts []string
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	require.Contains(t, texts, "let us discuss kubernetes networking today")
	require.NotContains(t, texts, "completely unrelated gardening chat")
}

func TestDeleteSessionCleansPromotions(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.mgr.AddMessage(ctx, "s1", "user", "hello")
	require.NoError(t, err)
	require.NoError(t, rig.store.InsertPendingPromotion(ctx, "s1", "cp1", "h", "{}"))

	require.NoError(t, rig.mgr.DeleteSession(ctx, "s1"))

	_, err = rig.mgr.Messages("s1")
	require.NoError(t, err) // missing file reads as empty
	_, err = rig.store.GetPromotionCheckpoint(ctx, "s1", "cp1")
	require.ErrorIs(t, err, store.ErrNotFound)
}
