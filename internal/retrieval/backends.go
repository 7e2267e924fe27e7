package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axiomme/axiomme/internal/axiomtypes"
	"github.com/axiomme/axiomme/internal/config"
	"github.com/axiomme/axiomme/internal/corelog"
	"github.com/axiomme/axiomme/internal/hybridindex"
)

// executeBackend runs the selected backend, falling back to the
// in-memory index on error; the failure is audited via a dead-letter
// outbox event (spec.md §4.6 step 3).
func (e *Engine) executeBackend(ctx context.Context, backend string, req Request, trace *Trace) (hits []scoredRec, fallback bool, steps []string) {
	switch backend {
	case "memory":
		return e.memoryQuery(req, trace), false, []string{"backend=memory"}
	case "sqlite":
		hits, err := e.sqliteQuery(ctx, req, trace)
		if err != nil {
			e.auditBackendFailure(ctx, "sqlite_search_failed", req, err)
			return e.memoryQuery(req, trace), true, []string{"backend=sqlite failed", "fallback=memory"}
		}
		return hits, false, []string{"backend=sqlite"}
	case "qdrant":
		hits, err := e.qdrantQuery(ctx, req, trace)
		if err != nil {
			e.auditBackendFailure(ctx, "qdrant_search_failed", req, err)
			return e.memoryQuery(req, trace), true, []string{"backend=qdrant failed", "fallback=memory"}
		}
		return hits, false, []string{"backend=qdrant"}
	case "hybrid":
		var primary, secondary []scoredRec
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			primary = e.memoryQuery(req, trace)
			return nil
		})
		var qerr error
		g.Go(func() error {
			secondary, qerr = e.qdrantQuery(gctx, req, trace)
			return nil
		})
		_ = g.Wait()
		if qerr != nil {
			e.auditBackendFailure(ctx, "qdrant_search_failed", req, qerr)
			return primary, true, []string{"backend=hybrid", "secondary=qdrant failed", "fallback=memory-only"}
		}
		return rrfFuse(primary, secondary), false, []string{"backend=hybrid", "fusion=rrf(k=60)"}
	default:
		return e.memoryQuery(req, trace), false, []string{"backend=memory (unknown selector)"}
	}
}

// auditBackendFailure enqueues a dead-letter audit marker; this is
// operational evidence, not an error channel (spec.md §9
// "Dead-letter-as-audit").
func (e *Engine) auditBackendFailure(ctx context.Context, eventType string, req Request, cause error) {
	corelog.Warnf("retrieval: %s: %v", eventType, cause)
	if _, err := e.store.Enqueue(ctx, eventType, req.TargetURI, map[string]any{
		"schema_version": 1,
		"query":          req.Query,
		"error":          cause.Error(),
	}); err != nil {
		corelog.Errorf("retrieval: audit enqueue %s: %v", eventType, err)
	}
}

// memoryQuery runs the in-process hybrid index, always available as the
// fallback backend.
func (e *Engine) memoryQuery(req Request, trace *Trace) []scoredRec {
	limit := req.Limit * 3 // headroom for rerank + enrichment truncation
	if req.Budget != nil && req.Budget.MaxNodes != nil && limit > *req.Budget.MaxNodes {
		limit = *req.Budget.MaxNodes
	}
	hits := e.index.Search(hybridindex.Query{
		Text:         req.Query,
		Vector:       e.embed.Embed(req.Query),
		Filter:       req.Filter,
		TargetPrefix: req.TargetURI,
		Limit:        limit,
	})
	trace.Metrics.ExploredNodes += e.index.Len()
	out := make([]scoredRec, 0, len(hits))
	for _, h := range hits {
		out = append(out, scoredRec{rec: h.Record, score: h.Score})
	}
	return out
}

// sqliteQuery is the default lexical backend over the SQLite search
// mirror, prefix-scoped by the target URI. It scores with lexicalScore's
// token overlap; it does not compute BM25.
func (e *Engine) sqliteQuery(ctx context.Context, req Request, trace *Trace) ([]scoredRec, error) {
	deadline := time.Time{}
	if req.Budget != nil && req.Budget.MaxMs != nil {
		deadline = time.Now().Add(time.Duration(*req.Budget.MaxMs) * time.Millisecond)
	}

	docs, err := e.store.ListSearchDocuments(ctx, req.TargetURI)
	if err != nil {
		return nil, err
	}
	trace.Metrics.ExploredNodes += len(docs)

	queryTokens := strings.Fields(strings.ToLower(req.Query))
	var hits []scoredRec
	for i, d := range docs {
		if req.Budget != nil && req.Budget.MaxNodes != nil && i >= *req.Budget.MaxNodes {
			trace.StopReason = "budget_nodes"
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			trace.StopReason = "budget_ms"
			break
		}
		if req.Budget != nil && req.Budget.MaxDepth != nil && d.Depth > *req.Budget.MaxDepth {
			continue
		}
		if !documentMatchesFilter(d, req.Filter) {
			continue
		}
		score := lexicalScore(queryTokens, d)
		if score <= 0 {
			continue
		}
		hits = append(hits, scoredRec{rec: recordOfDocument(d), score: score})
	}
	sortScored(hits)
	if len(hits) > req.Limit*3 {
		hits = hits[:req.Limit*3]
	}
	return hits, nil
}

// lexicalScore is the fraction of query tokens that occur (as
// substrings) in the document's name, abstract, or content, each token
// counted once regardless of frequency, plus 0.3 when the whole query
// occurs in the name, capped at 1. The full BM25 treatment lives in the
// in-memory index, which the mirror exists to approximate cheaply.
func lexicalScore(queryTokens []string, d axiomtypes.SearchDocument) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	text := strings.ToLower(d.Name + " " + d.AbstractText + " " + d.Content)
	matched := 0
	for _, qt := range queryTokens {
		if strings.Contains(text, qt) {
			matched++
		}
	}
	score := float64(matched) / float64(len(queryTokens))
	if strings.Contains(strings.ToLower(d.Name), strings.Join(queryTokens, " ")) {
		score += 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}

func documentMatchesFilter(d axiomtypes.SearchDocument, f axiomtypes.SearchFilter) bool {
	if len(f.Tags) > 0 {
		have := map[string]bool{}
		for _, t := range d.Tags {
			have[t] = true
		}
		for _, want := range f.Tags {
			if !have[want] {
				return false
			}
		}
	}
	if f.Mime != "" && d.IsLeaf && hybridindex.MimeForURI(d.URI) != f.Mime {
		return false
	}
	return true
}

func recordOfDocument(d axiomtypes.SearchDocument) axiomtypes.IndexRecord {
	return axiomtypes.IndexRecord{
		ID: d.URI, URI: d.URI, ParentURI: d.ParentURI, IsLeaf: d.IsLeaf,
		ContextType: d.ContextType, Name: d.Name, AbstractText: d.AbstractText,
		Content: d.Content, Tags: d.Tags, UpdatedAt: d.UpdatedAt, Depth: d.Depth,
	}
}

// qdrantQuery queries an external Qdrant instance over HTTP. An
// unconfigured endpoint is an error, which the caller converts into the
// memory fallback.
func (e *Engine) qdrantQuery(ctx context.Context, req Request, trace *Trace) ([]scoredRec, error) {
	base := config.QdrantURL()
	if base == "" {
		return nil, fmt.Errorf("qdrant backend selected but AXIOMME_QDRANT_URL is empty")
	}

	body, err := json.Marshal(map[string]any{
		"vector":       e.embed.Embed(req.Query),
		"limit":        req.Limit * 3,
		"with_payload": true,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(base, "/")+"/collections/axiomme/points/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant search: status %d", resp.StatusCode)
	}

	var decoded struct {
		Result []struct {
			Score   float64 `json:"score"`
			Payload struct {
				URI string `json:"uri"`
			} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}

	var hits []scoredRec
	for _, r := range decoded.Result {
		rec, ok := e.index.Get(r.Payload.URI)
		if !ok {
			continue
		}
		if req.TargetURI != "" && !strings.HasPrefix(rec.URI, req.TargetURI) {
			continue
		}
		hits = append(hits, scoredRec{rec: rec, score: r.Score})
	}
	trace.Metrics.ExploredNodes += len(decoded.Result)
	sortScored(hits)
	return hits, nil
}
