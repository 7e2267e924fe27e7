package store

import (
	"context"
	"encoding/json"

	"github.com/axiomme/axiomme/internal/axiomtypes"
)

// AppendRequestLog persists one request-log row (spec.md §4.9). The
// request_id is the primary key, following the teacher's internal/audit
// Append(*Entry) shape generalized from "LLM call" to "any operation".
func (s *Store) AppendRequestLog(ctx context.Context, e axiomtypes.RequestLogEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO request_log (request_id, operation, status, latency_ms, created_at, trace_id, target_uri, error_code, error_message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RequestID, e.Operation, e.Status, e.LatencyMs, e.CreatedAt, e.TraceID, e.TargetURI, e.ErrorCode, e.ErrorMessage, string(details))
	return wrapDBErrorf(err, "append request log %s", e.RequestID)
}

// ListRequestLog returns request-log rows filtered by operation/status
// (case-insensitive substring/equality), newest first.
func (s *Store) ListRequestLog(ctx context.Context, operation, status string, limit int) ([]axiomtypes.RequestLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, operation, status, latency_ms, created_at, trace_id, target_uri, error_code, error_message, details
		FROM request_log
		WHERE (? = '' OR LOWER(operation) LIKE '%' || LOWER(?) || '%')
		  AND (? = '' OR LOWER(status) = LOWER(?))
		ORDER BY created_at DESC
		LIMIT ?
	`, operation, operation, status, status, limit)
	if err != nil {
		return nil, wrapDBError("list request log", err)
	}
	defer func() { _ = rows.Close() }()

	var out []axiomtypes.RequestLogEntry
	for rows.Next() {
		var e axiomtypes.RequestLogEntry
		var details string
		if err := rows.Scan(&e.RequestID, &e.Operation, &e.Status, &e.LatencyMs, &e.CreatedAt,
			&e.TraceID, &e.TargetURI, &e.ErrorCode, &e.ErrorMessage, &details); err != nil {
			return nil, wrapDBError("scan request log row", err)
		}
		_ = json.Unmarshal([]byte(details), &e.Details)
		out = append(out, e)
	}
	return out, wrapDBError("iterate request log", rows.Err())
}

// IndexTrace records a TraceIndexEntry pointing at a persisted
// RetrievalTrace blob under axiom://queue/traces/<id>.json (spec.md §3).
func (s *Store) IndexTrace(ctx context.Context, e axiomtypes.TraceIndexEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_index (trace_id, uri, request_type, query, target_uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (trace_id) DO UPDATE SET
			uri = excluded.uri, request_type = excluded.request_type,
			query = excluded.query, target_uri = excluded.target_uri
	`, e.TraceID, e.URI, e.RequestType, e.Query, e.TargetURI, e.CreatedAt)
	return wrapDBErrorf(err, "index trace %s", e.TraceID)
}

// GetTraceIndexEntry returns the trace-index row for traceID.
func (s *Store) GetTraceIndexEntry(ctx context.Context, traceID string) (axiomtypes.TraceIndexEntry, error) {
	var e axiomtypes.TraceIndexEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT trace_id, uri, request_type, query, target_uri, created_at
		FROM trace_index WHERE trace_id = ?
	`, traceID).Scan(&e.TraceID, &e.URI, &e.RequestType, &e.Query, &e.TargetURI, &e.CreatedAt)
	return e, wrapDBErrorf(err, "get trace index entry %s", traceID)
}
