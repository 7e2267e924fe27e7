package store

import (
	"context"
	"strings"

	"github.com/axiomme/axiomme/internal/axiomtypes"
)

// UpsertIndexState records what has been indexed for uri, the
// authoritative record used for drift detection and prune-on-reconcile
// (spec.md §3, §4.5).
func (s *Store) UpsertIndexState(ctx context.Context, st axiomtypes.IndexState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_state (uri, content_hash, mtime_nanos, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (uri) DO UPDATE SET
			content_hash = excluded.content_hash,
			mtime_nanos = excluded.mtime_nanos,
			status = excluded.status
	`, st.URI, st.ContentHash, st.MtimeNanos, st.Status)
	return wrapDBErrorf(err, "upsert index state for %s", st.URI)
}

// GetIndexState returns the index state for uri, or ErrNotFound.
func (s *Store) GetIndexState(ctx context.Context, uri string) (axiomtypes.IndexState, error) {
	var st axiomtypes.IndexState
	err := s.db.QueryRowContext(ctx, `
		SELECT uri, content_hash, mtime_nanos, status FROM index_state WHERE uri = ?
	`, uri).Scan(&st.URI, &st.ContentHash, &st.MtimeNanos, &st.Status)
	return st, wrapDBErrorf(err, "get index state for %s", uri)
}

// ListIndexState returns every index_state row, optionally restricted to
// a URI prefix (used by reconcile to scope a scan to one or more scopes).
func (s *Store) ListIndexState(ctx context.Context, prefix string) ([]axiomtypes.IndexState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri, content_hash, mtime_nanos, status FROM index_state
		WHERE ? = '' OR uri LIKE ? ESCAPE '\'
		ORDER BY uri
	`, prefix, likePrefix(prefix))
	if err != nil {
		return nil, wrapDBError("list index state", err)
	}
	defer func() { _ = rows.Close() }()

	var out []axiomtypes.IndexState
	for rows.Next() {
		var st axiomtypes.IndexState
		if err := rows.Scan(&st.URI, &st.ContentHash, &st.MtimeNanos, &st.Status); err != nil {
			return nil, wrapDBError("scan index state", err)
		}
		out = append(out, st)
	}
	return out, wrapDBError("iterate index state", rows.Err())
}

// RemoveIndexState deletes a single index_state row.
func (s *Store) RemoveIndexState(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM index_state WHERE uri = ?`, uri)
	return wrapDBErrorf(err, "remove index state for %s", uri)
}

// RemoveIndexStateByPrefix deletes every index_state row whose uri starts
// with prefix, used when a directory subtree is removed (spec.md §4.1 rm,
// §4.5 reconcile prune).
func (s *Store) RemoveIndexStateByPrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM index_state WHERE uri LIKE ? ESCAPE '\'
	`, likePrefix(prefix))
	if err != nil {
		return 0, wrapDBErrorf(err, "remove index state by prefix %s", prefix)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// likePrefix escapes SQL LIKE metacharacters in prefix and appends a
// trailing wildcard, matching the teacher's prefix-query idiom.
func likePrefix(prefix string) string {
	if prefix == "" {
		return "%"
	}
	esc := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_").Replace(prefix)
	return esc + "%"
}
