package store

import (
	"context"
	"encoding/json"

	"github.com/axiomme/axiomme/internal/axiomtypes"
)

// UpsertSearchDocument mirrors an IndexRecord into the SQLite search
// table used by the lexical (sqlite) retrieval backend (spec.md §3, §4.4).
func (s *Store) UpsertSearchDocument(ctx context.Context, d axiomtypes.SearchDocument) error {
	tags, err := json.Marshal(d.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_documents (uri, parent_uri, is_leaf, context_type, name, abstract_text, content, tags, updated_at, depth)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uri) DO UPDATE SET
			parent_uri = excluded.parent_uri,
			is_leaf = excluded.is_leaf,
			context_type = excluded.context_type,
			name = excluded.name,
			abstract_text = excluded.abstract_text,
			content = excluded.content,
			tags = excluded.tags,
			updated_at = excluded.updated_at,
			depth = excluded.depth
	`, d.URI, d.ParentURI, d.IsLeaf, d.ContextType, d.Name, d.AbstractText, d.Content, string(tags), d.UpdatedAt, d.Depth)
	return wrapDBErrorf(err, "upsert search document %s", d.URI)
}

// DeleteSearchDocument removes a single search document.
func (s *Store) DeleteSearchDocument(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM search_documents WHERE uri = ?`, uri)
	return wrapDBErrorf(err, "delete search document %s", uri)
}

// DeleteSearchDocumentsByPrefix removes every search document under a
// URI prefix (spec.md §4.1 rm, §4.5 reconcile prune).
func (s *Store) DeleteSearchDocumentsByPrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM search_documents WHERE uri LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return 0, wrapDBErrorf(err, "delete search documents by prefix %s", prefix)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanSearchDocument(scan func(dest ...any) error) (axiomtypes.SearchDocument, error) {
	var d axiomtypes.SearchDocument
	var tags string
	if err := scan(&d.URI, &d.ParentURI, &d.IsLeaf, &d.ContextType, &d.Name, &d.AbstractText, &d.Content, &tags, &d.UpdatedAt, &d.Depth); err != nil {
		return d, err
	}
	_ = json.Unmarshal([]byte(tags), &d.Tags)
	return d, nil
}

// ListSearchDocuments returns every search document, optionally scoped to
// a URI prefix. Used both by the lexical backend's candidate scan and by
// reconcile.
func (s *Store) ListSearchDocuments(ctx context.Context, prefix string) ([]axiomtypes.SearchDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri, parent_uri, is_leaf, context_type, name, abstract_text, content, tags, updated_at, depth
		FROM search_documents
		WHERE ? = '' OR uri LIKE ? ESCAPE '\'
		ORDER BY uri
	`, prefix, likePrefix(prefix))
	if err != nil {
		return nil, wrapDBError("list search documents", err)
	}
	defer func() { _ = rows.Close() }()

	var out []axiomtypes.SearchDocument
	for rows.Next() {
		d, err := scanSearchDocument(rows.Scan)
		if err != nil {
			return nil, wrapDBError("scan search document", err)
		}
		out = append(out, d)
	}
	return out, wrapDBError("iterate search documents", rows.Err())
}

// GetSearchDocument returns a single search document by uri.
func (s *Store) GetSearchDocument(ctx context.Context, uri string) (axiomtypes.SearchDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uri, parent_uri, is_leaf, context_type, name, abstract_text, content, tags, updated_at, depth
		FROM search_documents WHERE uri = ?
	`, uri)
	d, err := scanSearchDocument(row.Scan)
	return d, wrapDBErrorf(err, "get search document %s", uri)
}
