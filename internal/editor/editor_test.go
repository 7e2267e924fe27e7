package editor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/embedder"
	"github.com/axiomme/axiomme/internal/fsstore"
	"github.com/axiomme/axiomme/internal/hybridindex"
	"github.com/axiomme/axiomme/internal/ingest"
	"github.com/axiomme/axiomme/internal/store"
)

func newTestServer(t *testing.T) (*Server, *ingest.Coordinator) {
	t.Helper()
	fs, err := fsstore.Open(t.TempDir())
	require.NoError(t, err)
	st, err := store.Open(context.Background(), "file::memory:?mode=memory&cache=private")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	coord := ingest.New(fs, st, hybridindex.New(), embedder.NewHashing())
	return New(fs, coord), coord
}

func doJSON(t *testing.T, h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLoadSaveConflictFlow(t *testing.T) {
	// spec §8 S2 over the HTTP surface.
	srv, coord := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	u := axiomuri.MustParse("axiom://resources/doc/guide.md")
	_, err := coord.SaveDocument(ctx, u, []byte("# Guide\n\netag_v1"), "")
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/api/document?uri=axiom://resources/doc/guide.md", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc documentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	e1 := doc.Etag
	require.NotEmpty(t, e1)
	require.Equal(t, "markdown", doc.Format)
	require.True(t, doc.Editable)

	save := func(content, etag string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(saveRequest{URI: u.String(), Content: content, ExpectedEtag: etag})
		return doJSON(t, h, http.MethodPost, "/api/document/save", string(body))
	}

	rec = save("etag_v2", e1)
	require.Equal(t, http.StatusOK, rec.Code)
	var saved documentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	require.NotEqual(t, e1, saved.Etag)

	rec = save("etag_v3", e1)
	require.Equal(t, http.StatusConflict, rec.Code)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	require.Equal(t, "CONFLICT", errResp.Code)
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/document?uri=axiom://resources/missing.md", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	require.NotEmpty(t, rec.Header().Get("Permissions-Policy"))
	require.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'self'")
}

func TestLoadRejectsTempScopeAndBadFormat(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/document?uri=axiom://temp/ingest/x.md", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/document?uri=axiom://resources/prog.exe", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveRejectsHiddenTierFilename(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	body, _ := json.Marshal(saveRequest{URI: "axiom://resources/doc/.abstract.md", Content: "x"})
	rec := doJSON(t, h, http.MethodPost, "/api/document/save", string(body))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGateContentionYields423(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	// Hold the gate exclusively and try to load.
	srv.gate.Lock()
	rec := doJSON(t, h, http.MethodGet, "/api/document?uri=axiom://resources/x.md", "")
	srv.gate.Unlock()
	require.Equal(t, http.StatusLocked, rec.Code)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	require.Equal(t, "LOCKED", errResp.Code)

	// A shared hold blocks saves but not loads.
	srv.gate.RLock()
	body, _ := json.Marshal(saveRequest{URI: "axiom://resources/x.md", Content: "y"})
	rec = doJSON(t, h, http.MethodPost, "/api/document/save", string(body))
	srv.gate.RUnlock()
	require.Equal(t, http.StatusLocked, rec.Code)
}

func TestMarkdownPreviewSanitizes(t *testing.T) {
	html := RenderMarkdown("# Title\n\n[ok](https://example.com) [bad](javascript:alert(1)) ![img](data:image/png;base64,xx)\n\n<script>alert(1)</script>")
	require.Contains(t, html, "<h1>Title</h1>")
	require.Contains(t, html, `href="https://example.com"`)
	require.NotContains(t, html, "javascript:")
	require.NotContains(t, html, "data:image")
	require.NotContains(t, html, "<script>")
	require.Contains(t, html, "&lt;script&gt;")
}

func TestMarkdownPreviewSchemeRules(t *testing.T) {
	// mailto is allowed for links, never for images.
	html := RenderMarkdown("[mail](mailto:a@b.c) ![mailimg](mailto:a@b.c) [doc](axiom://resources/a.md)")
	require.Contains(t, html, `href="mailto:a@b.c"`)
	require.NotContains(t, html, `<img src="mailto:`)
	require.Contains(t, html, `href="axiom://resources/a.md"`)
}

func TestPreviewEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	body, _ := json.Marshal(previewRequest{Content: "**bold** and `code`"})
	rec := doJSON(t, h, http.MethodPost, "/api/markdown/preview", string(body))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp["html"], "<strong>bold</strong>")
	require.Contains(t, resp["html"], "<code>code</code>")
}
