// Package editor is the HTTP/JSON document editor boundary (spec.md §6).
// The core save/load semantics live in the ingest coordinator; this
// layer adds the editor gate (a non-blocking R/W lock whose contention
// surfaces as 423), wire-shape translation, security headers, and the
// sanitized markdown preview.
package editor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/fsstore"
	"github.com/axiomme/axiomme/internal/ingest"
)

// Server holds the editor's handlers and gate.
type Server struct {
	fs    *fsstore.FS
	coord *ingest.Coordinator

	// gate is the single R/W lock surrounding save+reindex (spec.md §5):
	// load takes it shared, save exclusive; acquisition failure is an
	// immediate 423, never blocking.
	gate sync.RWMutex
}

// New returns an editor Server.
func New(fs *fsstore.FS, coord *ingest.Coordinator) *Server {
	return &Server{fs: fs, coord: coord}
}

// Handler returns the editor's mux wrapped with security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/document", s.handleLoad)
	mux.HandleFunc("POST /api/document/save", s.handleSave)
	mux.HandleFunc("POST /api/markdown/preview", s.handlePreview)
	return securityHeaders(mux)
}

// securityHeaders applies the response headers every editor reply
// carries (spec.md §6).
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		h.Set("Content-Security-Policy", "default-src 'self'; object-src 'none'; base-uri 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

var formatForExt = map[string]string{
	".md": "markdown", ".markdown": "markdown",
	".json": "json", ".jsonl": "jsonl",
	".yaml": "yaml", ".yml": "yaml",
	".xml": "xml", ".txt": "text", "": "text",
}

type documentResponse struct {
	URI       string `json:"uri"`
	Content   string `json:"content"`
	Etag      string `json:"etag"`
	UpdatedAt string `json:"updated_at"`
	Format    string `json:"format"`
	Editable  bool   `json:"editable"`
	ReindexMs int64  `json:"reindex_ms,omitempty"`
}

// errorResponse is the wire ErrorPayload (spec.md §6): a fresh trace_id
// is minted when the failure is not already tied to a retrieval trace.
type errorResponse struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Operation string         `json:"operation"`
	TraceID   string         `json:"trace_id"`
	URI       string         `json:"uri,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, operation, uri, code, message string, details map[string]any) {
	writeJSON(w, status, errorResponse{
		Code: code, Message: message, Operation: operation,
		TraceID: uuid.NewString(), URI: uri, Details: details,
	})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	rawURI := r.URL.Query().Get("uri")
	u, err := axiomuri.Parse(rawURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, "load_document", rawURI, "INVALID_URI", err.Error(), nil)
		return
	}
	if u.Scope.IsInternal() && u.Scope != axiomuri.ScopeQueue {
		// temp is never viewable; queue is read-only viewable (traces).
		writeError(w, http.StatusForbidden, "load_document", u.String(), "INVALID_SCOPE", "scope is not viewable", nil)
		return
	}
	ext := strings.ToLower(path.Ext(u.Name()))
	format, ok := formatForExt[ext]
	if !ok {
		writeError(w, http.StatusBadRequest, "load_document", u.String(), "VALIDATION_FAILED", fmt.Sprintf("unsupported format %q", ext), nil)
		return
	}

	if !s.gate.TryRLock() {
		writeError(w, http.StatusLocked, "load_document", u.String(), "LOCKED", "editor gate held", nil)
		return
	}
	defer s.gate.RUnlock()

	data, err := s.fs.Read(u)
	if err != nil {
		if fsstore.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "load_document", u.String(), "NOT_FOUND", err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "load_document", u.String(), "IO_ERROR", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, documentResponse{
		URI:       u.String(),
		Content:   string(data),
		Etag:      ingest.Etag(data),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Format:    format,
		Editable:  !u.Scope.IsInternal() && !fsstore.IsHiddenTierFilename(u.Name()),
	})
}

type saveRequest struct {
	URI          string `json:"uri"`
	Content      string `json:"content"`
	ExpectedEtag string `json:"expected_etag,omitempty"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "save_document", "", "VALIDATION_FAILED", err.Error(), nil)
		return
	}
	var req saveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "save_document", "", "JSON_ERROR", err.Error(), nil)
		return
	}
	u, err := axiomuri.Parse(req.URI)
	if err != nil {
		writeError(w, http.StatusBadRequest, "save_document", req.URI, "INVALID_URI", err.Error(), nil)
		return
	}

	if !s.gate.TryLock() {
		writeError(w, http.StatusLocked, "save_document", u.String(), "LOCKED", "editor gate held", nil)
		return
	}
	defer s.gate.Unlock()

	res, err := s.coord.SaveDocument(r.Context(), u, []byte(req.Content), req.ExpectedEtag)
	if err != nil {
		var sre *ingest.SaveReindexError
		uriStr := u.String()
		switch {
		case errors.As(err, &sre):
			writeError(w, http.StatusInternalServerError, "save_document", uriStr, "INTERNAL_ERROR", sre.Error(), map[string]any{
				"reindex_err":      sre.Details.ReindexErr,
				"rollback_write":   sre.Details.RollbackWrite,
				"rollback_reindex": sre.Details.RollbackReindex,
			})
		case errors.Is(err, ingest.ErrConflict):
			writeError(w, http.StatusConflict, "save_document", uriStr, "CONFLICT", err.Error(), nil)
		case errors.Is(err, fsstore.ErrPermission):
			writeError(w, http.StatusForbidden, "save_document", uriStr, "PERMISSION_DENIED", err.Error(), nil)
		case errors.Is(err, ingest.ErrValidation):
			writeError(w, http.StatusBadRequest, "save_document", uriStr, "VALIDATION_FAILED", err.Error(), nil)
		case errors.Is(err, fsstore.ErrPathTraversal):
			writeError(w, http.StatusForbidden, "save_document", uriStr, "PATH_TRAVERSAL", err.Error(), nil)
		default:
			writeError(w, http.StatusInternalServerError, "save_document", uriStr, "INTERNAL_ERROR", err.Error(), nil)
		}
		return
	}

	ext := strings.ToLower(path.Ext(u.Name()))
	writeJSON(w, http.StatusOK, documentResponse{
		URI:       res.URI,
		Content:   req.Content,
		Etag:      res.Etag,
		UpdatedAt: res.UpdatedAt,
		Format:    formatForExt[ext],
		Editable:  true,
		ReindexMs: res.ReindexMs,
	})
}

type previewRequest struct {
	Content string `json:"content"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "markdown_preview", "", "VALIDATION_FAILED", err.Error(), nil)
		return
	}
	var req previewRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "markdown_preview", "", "JSON_ERROR", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"html": RenderMarkdown(req.Content)})
}

// Serve runs the editor server on addr via http.Server.ListenAndServe
// and returns only when that call fails; there is no shutdown hook.
func (s *Server) Serve(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
