// Package tracelog implements the request log and trace index (spec.md
// §4.9, C9): one structured row per public operation with latency, error
// code, and trace linkage, plus persistence of RetrievalTrace blobs
// under axiom://queue/traces/<id>.json. The Append shape generalizes the
// teacher's internal/audit package from "LLM call audit" to "any
// operation log", with OTel counters recorded alongside.
package tracelog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/axiomme/axiomme/internal/axiomtypes"
	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/corelog"
	"github.com/axiomme/axiomme/internal/fsstore"
	"github.com/axiomme/axiomme/internal/store"
	"github.com/axiomme/axiomme/internal/telemetry"
)

// Recorder appends request-log rows and persists traces.
type Recorder struct {
	store *store.Store
	fs    *fsstore.FS
}

// New returns a Recorder over the state store and scoped filesystem.
func New(st *store.Store, fs *fsstore.FS) *Recorder {
	opMetricsOnce.Do(initOpMetrics)
	return &Recorder{store: st, fs: fs}
}

var opMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

var opMetricsOnce sync.Once

func initOpMetrics() {
	m := telemetry.Meter("github.com/axiomme/axiomme/tracelog")
	opMetrics.requests, _ = m.Int64Counter("axiomme.requests",
		metric.WithDescription("Public operations recorded in the request log"))
	opMetrics.latency, _ = m.Float64Histogram("axiomme.request.duration",
		metric.WithDescription("Public operation latency in milliseconds"),
		metric.WithUnit("ms"))
}

// Op is an in-flight operation record; Finish writes the row.
type Op struct {
	rec       *Recorder
	entry     axiomtypes.RequestLogEntry
	startedAt time.Time
}

// Begin opens a request-log record for operation, minting a fresh
// UUIDv4 request_id.
func (r *Recorder) Begin(operation string) *Op {
	return &Op{
		rec: r,
		entry: axiomtypes.RequestLogEntry{
			RequestID: uuid.NewString(),
			Operation: operation,
			CreatedAt: time.Now().UTC(),
		},
		startedAt: time.Now(),
	}
}

// RequestID returns the operation's minted request id.
func (o *Op) RequestID() string { return o.entry.RequestID }

// SetTrace links the operation to a retrieval trace.
func (o *Op) SetTrace(traceID string) *Op {
	o.entry.TraceID = traceID
	return o
}

// SetTarget records the operation's target URI.
func (o *Op) SetTarget(uri string) *Op {
	o.entry.TargetURI = uri
	return o
}

// SetDetails attaches a structured details payload.
func (o *Op) SetDetails(details map[string]any) *Op {
	o.entry.Details = details
	return o
}

// Finish writes the row with the given status ("ok", "error", "dry_run",
// "fallback") and an optional error. Logging failures are reported to
// the operational log but never propagated — the request log must not
// fail the request it describes.
func (o *Op) Finish(ctx context.Context, status string, errCode, errMessage string) {
	o.entry.Status = status
	o.entry.LatencyMs = time.Since(o.startedAt).Milliseconds()
	o.entry.ErrorCode = errCode
	o.entry.ErrorMessage = errMessage
	if err := o.rec.store.AppendRequestLog(ctx, o.entry); err != nil {
		corelog.Errorf("tracelog: append request log for %s: %v", o.entry.Operation, err)
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", o.entry.Operation),
		attribute.String("status", status),
	)
	if opMetrics.requests != nil {
		opMetrics.requests.Add(ctx, 1, attrs)
		opMetrics.latency.Record(ctx, float64(o.entry.LatencyMs), attrs)
	}
}

// List returns request-log rows filtered by case-insensitive operation
// and status (spec.md §4.9).
func (r *Recorder) List(ctx context.Context, operation, status string, limit int) ([]axiomtypes.RequestLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.store.ListRequestLog(ctx, operation, status, limit)
}

// PersistTrace writes trace as axiom://queue/traces/<id>.json and
// records its trace-index row (spec.md §4.6 step 8). The returned string
// is the trace's URI.
func (r *Recorder) PersistTrace(ctx context.Context, traceID, requestType, query, targetURI string, trace any) (string, error) {
	blob, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		return "", err
	}
	traceURI, err := axiomuri.URI{Scope: axiomuri.ScopeQueue}.Join("traces", traceID+".json")
	if err != nil {
		return "", err
	}
	if err := r.fs.Write(traceURI, blob, true); err != nil {
		return "", err
	}
	err = r.store.IndexTrace(ctx, axiomtypes.TraceIndexEntry{
		TraceID:     traceID,
		URI:         traceURI.String(),
		RequestType: requestType,
		Query:       query,
		TargetURI:   targetURI,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return traceURI.String(), nil
}

// GetTrace loads a persisted trace blob by id into out. A non-parseable
// trace file is surfaced as an error to the direct caller; read paths
// that merely enrich with traces treat it as soft-fail.
func (r *Recorder) GetTrace(ctx context.Context, traceID string, out any) error {
	entry, err := r.store.GetTraceIndexEntry(ctx, traceID)
	if err != nil {
		return err
	}
	u, err := axiomuri.Parse(entry.URI)
	if err != nil {
		return err
	}
	data, err := r.fs.Read(u)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
