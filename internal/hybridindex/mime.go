package hybridindex

import (
	"path"
	"strings"
)

// MimeForExt is the fixed extension-to-mime table the original Rust
// implementation keys SearchFilter.mime off (SPEC_FULL.md §12
// "Tag-derived mime table"; spec.md §4.4 names mime as "derived from
// file extension via a fixed table").
var MimeForExt = map[string]string{
	".md":   "text/markdown",
	".mdx":  "text/markdown",
	".json": "application/json",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".jsonl": "application/x-ndjson",
	".txt":  "text/plain",
	".xml":  "application/xml",
}

// MimeForURI derives a mime type for uri via its file extension,
// defaulting to text/plain when the extension is unknown or absent.
func MimeForURI(uri string) string {
	ext := strings.ToLower(path.Ext(uri))
	if m, ok := MimeForExt[ext]; ok {
		return m
	}
	return "text/plain"
}
