package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiomme/axiomme/internal/axiomtypes"
	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/embedder"
	"github.com/axiomme/axiomme/internal/fsstore"
	"github.com/axiomme/axiomme/internal/hybridindex"
	"github.com/axiomme/axiomme/internal/ingest"
	"github.com/axiomme/axiomme/internal/relations"
	"github.com/axiomme/axiomme/internal/store"
	"github.com/axiomme/axiomme/internal/tracelog"
)

func newTestEngine(t *testing.T) (*Engine, *ingest.Coordinator, *relations.Store, *fsstore.FS) {
	t.Helper()
	fs, err := fsstore.Open(t.TempDir())
	require.NoError(t, err)
	st, err := store.Open(context.Background(), "file::memory:?mode=memory&cache=private")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx := hybridindex.New()
	emb := embedder.NewHashing()
	coord := ingest.New(fs, st, idx, emb)
	rels := relations.New(fs)
	traces := tracelog.New(st, fs)
	engine := New(idx, st, emb, rels, traces, nil)
	return engine, coord, rels, fs
}

func seedDocs(t *testing.T, coord *ingest.Coordinator) {
	t.Helper()
	ctx := context.Background()
	docs := map[string]string{
		"axiom://resources/demo/oauth.md":   "# OAuth\n\nOAuth flow with auth code.",
		"axiom://resources/demo/pasta.md":   "# Pasta\n\nBoil water and cook pasta.",
		"axiom://user/memories/profile/me.md": "I work on retrieval systems",
	}
	for uri, content := range docs {
		u := axiomuri.MustParse(uri)
		_, err := coord.SaveDocument(ctx, u, []byte(content), "")
		require.NoError(t, err)
	}
}

func TestFindReturnsHitsAndTrace(t *testing.T) {
	engine, coord, _, _ := newTestEngine(t)
	seedDocs(t, coord)

	res, err := engine.Find(context.Background(), Request{Query: "oauth", TargetURI: "axiom://resources/demo", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, res.QueryResults)
	require.Contains(t, res.QueryResults[0].URI, "axiom://resources/demo")
	require.NotNil(t, res.Trace)
	require.NotEmpty(t, res.TraceURI)

	// Trace round-trip: final_topk matches the response's result URIs
	// (spec §8 invariant 10).
	got, err := engine.GetTrace(context.Background(), res.Trace.TraceID)
	require.NoError(t, err)
	require.Len(t, got.FinalTopK, len(res.QueryResults))
	for i, hit := range res.QueryResults {
		require.Equal(t, hit.URI, got.FinalTopK[i])
	}
}

func TestFindValidatesInputs(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Find(ctx, Request{Query: "x", Limit: 0})
	require.ErrorIs(t, err, ErrValidation)

	_, err = engine.Find(ctx, Request{Query: "x", Limit: 5, TargetURI: "not-a-uri"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestZeroBudgetShortCircuits(t *testing.T) {
	engine, coord, _, _ := newTestEngine(t)
	seedDocs(t, coord)

	zero := 0
	res, err := engine.Find(context.Background(), Request{
		Query: "oauth", Limit: 5,
		Budget: &Budget{MaxMs: &zero},
	})
	require.NoError(t, err)
	require.Empty(t, res.QueryResults)
	require.NotNil(t, res.Trace)
	require.Equal(t, "budget_ms", res.Trace.StopReason)
}

func TestEmptyBudgetNormalizesToNone(t *testing.T) {
	engine, coord, _, _ := newTestEngine(t)
	seedDocs(t, coord)

	res, err := engine.Find(context.Background(), Request{
		Query: "oauth", Limit: 5, Budget: &Budget{},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.QueryResults)
}

func TestHitsBucketedByContextType(t *testing.T) {
	engine, coord, _, _ := newTestEngine(t)
	seedDocs(t, coord)

	res, err := engine.Find(context.Background(), Request{Query: "retrieval systems work", Limit: 10})
	require.NoError(t, err)

	var sawMemory bool
	for _, h := range res.Memories {
		require.Equal(t, axiomtypes.ContextMemory, h.ContextType)
		sawMemory = true
	}
	require.True(t, sawMemory, "the user memory doc should land in memories")
}

func TestRelationEnrichment(t *testing.T) {
	engine, coord, rels, _ := newTestEngine(t)
	seedDocs(t, coord)

	owner := axiomuri.MustParse("axiom://resources/demo")
	_, err := rels.Link(owner, "r1", []string{
		"axiom://resources/demo/oauth.md",
		"axiom://resources/demo/pasta.md",
	}, "related docs")
	require.NoError(t, err)

	res, err := engine.Find(context.Background(), Request{Query: "oauth", TargetURI: "axiom://resources/demo", Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, res.QueryResults)
	require.Contains(t, res.QueryResults[0].Relations, "axiom://resources/demo/pasta.md")
	require.Positive(t, res.Trace.Metrics.RelationEnrichedHits)
}

func TestCorruptRelationsFileSoftFails(t *testing.T) {
	engine, coord, _, fs := newTestEngine(t)
	seedDocs(t, coord)

	// Write garbage into the owner's .relations.json.
	rel := axiomuri.MustParse("axiom://resources/demo/.relations.json")
	require.NoError(t, fs.Write(rel, []byte("{{{not json"), true))

	res, err := engine.Find(context.Background(), Request{Query: "oauth", TargetURI: "axiom://resources/demo", Limit: 3})
	require.NoError(t, err, "malformed auxiliary data never fails the request")
	require.NotEmpty(t, res.QueryResults)
	require.Empty(t, res.QueryResults[0].Relations)
}

func TestRRFFusePrefersConsensus(t *testing.T) {
	a := axiomtypes.IndexRecord{URI: "axiom://resources/x/a.md"}
	b := axiomtypes.IndexRecord{URI: "axiom://resources/x/b.md"}
	c := axiomtypes.IndexRecord{URI: "axiom://resources/x/c.md"}

	primary := []scoredRec{{rec: a, score: 0.9}, {rec: b, score: 0.5}}
	secondary := []scoredRec{{rec: b, score: 0.8}, {rec: c, score: 0.7}}

	fused := rrfFuse(primary, secondary)
	require.Len(t, fused, 3)
	// b appears in both lists, so its summed RRF contribution wins.
	require.Equal(t, "axiom://resources/x/b.md", fused[0].rec.URI)
	// The better per-URI score survives as the out-score.
	require.Equal(t, 0.8, fused[0].score)
}

func TestRerankIntentClassification(t *testing.T) {
	require.Equal(t, intentLexical, classifyIntent("parse_uri() in fsstore.go"))
	require.Equal(t, intentSemantic, classifyIntent("how do we recover from index drift"))
	require.Equal(t, intentMixed, classifyIntent("oauth flow"))
}

func TestRerankBoostsCodeForLexicalQueries(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	trace := &Trace{}

	code := scoredRec{rec: axiomtypes.IndexRecord{URI: "axiom://resources/x/handler.go", Name: "handler.go"}, score: 0.5}
	prose := scoredRec{rec: axiomtypes.IndexRecord{URI: "axiom://resources/x/notes.md", Name: "notes.md"}, score: 0.5}

	out := engine.rerank("doc-aware-v1", Request{Query: "handle_request() impl {}"}, []scoredRec{prose, code}, trace)
	require.Equal(t, "axiom://resources/x/handler.go", out[0].rec.URI)
	require.Greater(t, out[0].score, 0.5)
}

func TestRerankOffPassesThrough(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	trace := &Trace{}
	in := []scoredRec{{rec: axiomtypes.IndexRecord{URI: "a"}, score: 0.4}}
	out := engine.rerank("off", Request{Query: "x"}, in, trace)
	require.Equal(t, in, out)
}
