package tracelog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiomme/axiomme/internal/fsstore"
	"github.com/axiomme/axiomme/internal/store"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	fs, err := fsstore.Open(t.TempDir())
	require.NoError(t, err)
	st, err := store.Open(context.Background(), "file::memory:?mode=memory&cache=private")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, fs)
}

func TestOpLifecycleWritesRequestLogRow(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	op := r.Begin("find")
	require.NotEmpty(t, op.RequestID())
	op.SetTrace("t-123").SetTarget("axiom://resources/x")
	op.Finish(ctx, "ok", "", "")

	rows, err := r.List(ctx, "find", "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "find", rows[0].Operation)
	require.Equal(t, "ok", rows[0].Status)
	require.Equal(t, "t-123", rows[0].TraceID)
	require.Equal(t, "axiom://resources/x", rows[0].TargetURI)
	require.GreaterOrEqual(t, rows[0].LatencyMs, int64(0))
}

func TestListFiltersCaseInsensitively(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	r.Begin("find").Finish(ctx, "ok", "", "")
	r.Begin("save_document").Finish(ctx, "error", "CONFLICT", "etag mismatch")

	rows, err := r.List(ctx, "FIND", "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = r.List(ctx, "", "ERROR", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "CONFLICT", rows[0].ErrorCode)

	rows, err = r.List(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestPersistAndGetTrace(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	type blob struct {
		TraceID string   `json:"trace_id"`
		TopK    []string `json:"final_topk"`
	}
	in := blob{TraceID: "t-9", TopK: []string{"axiom://resources/a.md"}}

	uri, err := r.PersistTrace(ctx, "t-9", "find", "oauth", "axiom://resources", in)
	require.NoError(t, err)
	require.Equal(t, "axiom://queue/traces/t-9.json", uri)

	var out blob
	require.NoError(t, r.GetTrace(ctx, "t-9", &out))
	require.Equal(t, in, out)
}
