// Package retrieval implements the retrieval pipeline (spec.md §4.6,
// C6): typed query planning, backend selection with memory fallback,
// reciprocal-rank fusion for the hybrid backend, doc-aware reranking,
// relation enrichment, and trace persistence.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/axiomme/axiomme/internal/axiomtypes"
	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/config"
	"github.com/axiomme/axiomme/internal/corelog"
	"github.com/axiomme/axiomme/internal/embedder"
	"github.com/axiomme/axiomme/internal/hybridindex"
	"github.com/axiomme/axiomme/internal/relations"
	"github.com/axiomme/axiomme/internal/store"
	"github.com/axiomme/axiomme/internal/tracelog"
)

// ErrValidation marks caller-fixable input problems.
var ErrValidation = errors.New("validation failed")

// Budget bounds a retrieval request. Fields are pointers so an
// explicitly-supplied zero is distinguishable from an absent bound; a
// Budget with all three fields empty normalizes to none (spec.md §4.6
// step 1).
type Budget struct {
	MaxMs    *int `json:"max_ms,omitempty"`
	MaxNodes *int `json:"max_nodes,omitempty"`
	MaxDepth *int `json:"max_depth,omitempty"`
}

// IsZero reports whether no budget field was supplied.
func (b Budget) IsZero() bool { return b.MaxMs == nil && b.MaxNodes == nil && b.MaxDepth == nil }

// Request is one find/search invocation.
type Request struct {
	Query       string
	TargetURI   string
	Limit       int
	Filter      axiomtypes.SearchFilter
	Budget      *Budget
	SessionID   string
	RequestType string // "find" or "search"
}

// Hit is one enriched result (spec.md §6: serialized field is
// "abstract", not "abstract_text").
type Hit struct {
	URI         string                 `json:"uri"`
	Score       float64                `json:"score"`
	Abstract    string                 `json:"abstract"`
	ContextType axiomtypes.ContextType `json:"context_type"`
	Relations   []string               `json:"relations"`
}

// QueryPlan reports how the request was executed.
type QueryPlan struct {
	Backend      string   `json:"backend"`
	Reranker     string   `json:"reranker"`
	TypedQueries []string `json:"typed_queries"`
	SessionHints []string `json:"session_hints,omitempty"`
	Fallback     bool     `json:"fallback"`
}

// TraceMetrics is the metrics block of a RetrievalTrace (spec.md §6).
type TraceMetrics struct {
	LatencyMs            int64 `json:"latency_ms"`
	ExploredNodes        int   `json:"explored_nodes"`
	ConvergenceRounds    int   `json:"convergence_rounds"`
	TypedQueryCount      int   `json:"typed_query_count"`
	RelationEnrichedHits int   `json:"relation_enriched_hits"`
	RelationEnrichedLinks int  `json:"relation_enriched_links"`
}

// Trace is the persisted RetrievalTrace blob (spec.md §6).
type Trace struct {
	TraceID     string       `json:"trace_id"`
	RequestType string       `json:"request_type"`
	Query       string       `json:"query"`
	TargetURI   string       `json:"target_uri,omitempty"`
	StartPoints []string     `json:"start_points"`
	Steps       []string     `json:"steps"`
	FinalTopK   []string     `json:"final_topk"`
	StopReason  string       `json:"stop_reason"`
	Metrics     TraceMetrics `json:"metrics"`
}

// FindResult is the public find/search response (spec.md §6).
type FindResult struct {
	Memories     []Hit     `json:"memories"`
	Resources    []Hit     `json:"resources"`
	Skills       []Hit     `json:"skills"`
	QueryPlan    QueryPlan `json:"query_plan"`
	QueryResults []Hit     `json:"query_results"`
	Trace        *Trace    `json:"trace,omitempty"`
	TraceURI     string    `json:"trace_uri,omitempty"`
}

// SessionHinter supplies the most archive-relevant session messages
// woven into a find when a session is given (spec.md §4.6 step 2). The
// session package implements it; an interface here avoids the cycle.
type SessionHinter interface {
	ContextHints(ctx context.Context, sessionID, query string, max int) []string
}

// Engine runs the pipeline.
type Engine struct {
	index  *hybridindex.Index
	store  *store.Store
	embed  embedder.Embedder
	rels   *relations.Store
	traces *tracelog.Recorder
	hinter SessionHinter

	// relationPeersPerHit caps enrichment per hit (spec.md §4.6 step 7).
	relationPeersPerHit int
}

// New constructs an Engine. hinter may be nil (search without session
// weaving).
func New(idx *hybridindex.Index, st *store.Store, emb embedder.Embedder, rels *relations.Store, traces *tracelog.Recorder, hinter SessionHinter) *Engine {
	return &Engine{
		index: idx, store: st, embed: emb, rels: rels, traces: traces,
		hinter: hinter, relationPeersPerHit: 5,
	}
}

// SetSessionHinter attaches or replaces the session-context weaver
// after construction.
func (e *Engine) SetSessionHinter(h SessionHinter) { e.hinter = h }

// Search is find without session-context weaving; the two share the
// same engine (spec.md §4.6).
func (e *Engine) Search(ctx context.Context, req Request) (FindResult, error) {
	req.RequestType = "search"
	req.SessionID = ""
	return e.Find(ctx, req)
}

// Find runs the full pipeline and persists a trace (spec.md §4.6).
func (e *Engine) Find(ctx context.Context, req Request) (FindResult, error) {
	start := time.Now()
	var res FindResult
	if req.RequestType == "" {
		req.RequestType = "find"
	}
	if req.Limit < 1 {
		return res, fmt.Errorf("%w: limit must be >= 1", ErrValidation)
	}
	if req.TargetURI != "" {
		if _, err := axiomuri.Parse(req.TargetURI); err != nil {
			return res, fmt.Errorf("%w: target uri: %v", ErrValidation, err)
		}
	}

	op := e.traces.Begin(req.RequestType)
	traceID := uuid.NewString()
	op.SetTrace(traceID).SetTarget(req.TargetURI)

	trace := Trace{
		TraceID:     traceID,
		RequestType: req.RequestType,
		Query:       req.Query,
		TargetURI:   req.TargetURI,
		StartPoints: []string{},
		StopReason:  "exhausted",
	}
	if req.TargetURI != "" {
		trace.StartPoints = append(trace.StartPoints, req.TargetURI)
	}

	plan := QueryPlan{
		Backend:      config.RetrievalBackend(),
		Reranker:     config.Reranker(),
		TypedQueries: []string{req.Query},
	}

	// Session hints (spec.md §4.6 step 2: "up to 2 of the most
	// archive-relevant messages").
	if req.SessionID != "" && e.hinter != nil {
		plan.SessionHints = e.hinter.ContextHints(ctx, req.SessionID, req.Query, 2)
		for _, h := range plan.SessionHints {
			plan.TypedQueries = append(plan.TypedQueries, h)
		}
	}
	trace.Metrics.TypedQueryCount = len(plan.TypedQueries)

	// Normalize: an empty budget means none (spec.md §4.6 step 1).
	if req.Budget != nil && req.Budget.IsZero() {
		req.Budget = nil
	}
	if req.Budget != nil && req.Budget.MaxMs != nil && *req.Budget.MaxMs < 0 {
		return res, fmt.Errorf("%w: budget max_ms must be non-negative", ErrValidation)
	}
	// Budget zero short-circuits with empty results (spec.md §4.6 step 4).
	if req.Budget != nil && budgetExhausted(*req.Budget) {
		trace.StopReason = "budget_ms"
		res.QueryPlan = plan
		res.Trace = &trace
		traceURI, err := e.traces.PersistTrace(ctx, traceID, req.RequestType, req.Query, req.TargetURI, trace)
		if err == nil {
			res.TraceURI = traceURI
		}
		op.Finish(ctx, "ok", "", "")
		return res, nil
	}

	hits, fallback, steps := e.executeBackend(ctx, plan.Backend, req, &trace)
	plan.Fallback = fallback
	trace.Steps = append(trace.Steps, steps...)

	hits = e.rerank(plan.Reranker, req, hits, &trace)

	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}

	// Relation enrichment happens after the index lock is released
	// (spec.md §5): backends return plain hit lists.
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		hit := Hit{
			URI:         h.rec.URI,
			Score:       h.score,
			Abstract:    h.rec.AbstractText,
			ContextType: h.rec.ContextType,
			Relations:   []string{},
		}
		if u, err := axiomuri.Parse(h.rec.URI); err == nil {
			hit.Relations = e.rels.PeersOf(u, e.relationPeersPerHit)
			if hit.Relations == nil {
				hit.Relations = []string{}
			}
		}
		if len(hit.Relations) > 0 {
			trace.Metrics.RelationEnrichedHits++
			trace.Metrics.RelationEnrichedLinks += len(hit.Relations)
		}
		out = append(out, hit)
		trace.FinalTopK = append(trace.FinalTopK, hit.URI)
	}

	res.QueryResults = out
	for _, h := range out {
		switch h.ContextType {
		case axiomtypes.ContextMemory:
			res.Memories = append(res.Memories, h)
		case axiomtypes.ContextSkill:
			res.Skills = append(res.Skills, h)
		default:
			res.Resources = append(res.Resources, h)
		}
	}
	res.QueryPlan = plan

	trace.Metrics.LatencyMs = time.Since(start).Milliseconds()
	trace.Metrics.ConvergenceRounds = 1
	res.Trace = &trace

	traceURI, err := e.traces.PersistTrace(ctx, traceID, req.RequestType, req.Query, req.TargetURI, trace)
	if err != nil {
		corelog.Warnf("retrieval: persist trace %s: %v", traceID, err)
	} else {
		res.TraceURI = traceURI
	}

	status := "ok"
	if fallback {
		status = "fallback"
	}
	op.Finish(ctx, status, "", "")
	return res, nil
}

func budgetExhausted(b Budget) bool {
	// An explicit zero time or node budget cannot admit any work.
	return (b.MaxMs != nil && *b.MaxMs == 0) || (b.MaxNodes != nil && *b.MaxNodes == 0)
}

// GetTrace loads a persisted trace by id (spec.md §8 invariant 10).
func (e *Engine) GetTrace(ctx context.Context, traceID string) (Trace, error) {
	var t Trace
	err := e.traces.GetTrace(ctx, traceID, &t)
	return t, err
}

// scoredRec is the backends' common currency.
type scoredRec struct {
	rec   axiomtypes.IndexRecord
	score float64
}

func sortScored(hits []scoredRec) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].rec.URI < hits[j].rec.URI
	})
}
