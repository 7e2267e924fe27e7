// Package fsstore implements the scoped filesystem (spec.md §4.1, C1): it
// maps the axiom:// URI namespace onto a rooted local directory tree with
// guarded, path-traversal-safe, atomic reads/writes and the hidden tier
// artifacts (.abstract.md, .overview.md) written alongside directories.
package fsstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/google/uuid"
)

const (
	abstractFile  = ".abstract.md"
	overviewFile  = ".overview.md"
	relationsFile = ".relations.json"
	metaFile      = ".meta.json"
)

var hiddenTierFiles = map[string]bool{
	abstractFile:  true,
	overviewFile:  true,
	relationsFile: true,
	metaFile:      true,
}

// IsHiddenTierFilename reports whether name (the final path segment of a
// URI) names one of the reserved tier/meta files that are never regular
// content and are forbidden as editor save targets (spec.md §4.5, §6).
func IsHiddenTierFilename(name string) bool { return hiddenTierFiles[name] }

// FS is a scoped filesystem rooted at a single install directory. All
// paths it returns lie strictly inside that root.
type FS struct {
	root string
}

// Open returns an FS rooted at root, creating the root directory if
// necessary.
func Open(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, wrapFSError("resolve root", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, wrapFSError("create root", err)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute install root.
func (f *FS) Root() string { return f.root }

// Resolve maps a URI to an absolute filesystem path strictly inside the
// root. Any resolution producing a path outside the root fails with
// ErrPathTraversal (spec.md §4.1).
func (f *FS) Resolve(u axiomuri.URI) (string, error) {
	rel := filepath.Join(append([]string{string(u.Scope)}, u.Segments...)...)
	full := filepath.Join(f.root, rel)
	full = filepath.Clean(full)
	rootWithSep := f.root
	if !strings.HasSuffix(rootWithSep, string(os.PathSeparator)) {
		rootWithSep += string(os.PathSeparator)
	}
	if full != f.root && !strings.HasPrefix(full, rootWithSep) {
		return "", fmt.Errorf("%w: %s escapes root", ErrPathTraversal, u.String())
	}
	return full, nil
}

// Exists reports whether the URI names an existing file or directory.
func (f *FS) Exists(u axiomuri.URI) (bool, error) {
	p, err := f.Resolve(u)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, wrapFSError("stat", err)
	}
	return true, nil
}

// IsDir reports whether the URI names a directory.
func (f *FS) IsDir(u axiomuri.URI) (bool, error) {
	p, err := f.Resolve(u)
	if err != nil {
		return false, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, wrapFSError("stat", err)
	}
	return fi.IsDir(), nil
}

// Read returns the full contents of the file named by u.
func (f *FS) Read(u axiomuri.URI) ([]byte, error) {
	p, err := f.Resolve(u)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, wrapFSError(fmt.Sprintf("read %s", u), err)
	}
	return b, nil
}

// CreateDirAll ensures the directory named by u (and its ancestors)
// exists.
func (f *FS) CreateDirAll(u axiomuri.URI) error {
	p, err := f.Resolve(u)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return wrapFSError(fmt.Sprintf("mkdir %s", u), err)
	}
	return nil
}

// Write atomically replaces the contents of the file named by u: it
// writes to a sibling temp file in the same directory, then renames over
// the target (spec.md §4.1). If createDirs is true, missing parent
// directories are created first.
func (f *FS) Write(u axiomuri.URI, data []byte, createDirs bool) error {
	p, err := f.Resolve(u)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if createDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return wrapFSError(fmt.Sprintf("mkdir %s", dir), err)
		}
	} else if _, err := os.Stat(dir); err != nil {
		return wrapFSError(fmt.Sprintf("write %s", u), err)
	}
	return atomicWrite(p, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return wrapFSError("create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }() // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return wrapFSError("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return wrapFSError("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return wrapFSError("close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return wrapFSError("rename into place", err)
	}
	return nil
}

// Append adds data to the end of the file named by u, creating it (and,
// optionally, its parent directories) if absent. Unlike Write, Append is
// not rename-atomic: it is used only for append-only logs (session
// messages.jsonl) where partial writes are detected by the JSON-line
// decoder, matching the teacher's dirty/event log append style.
func (f *FS) Append(u axiomuri.URI, data []byte, createDirs bool) error {
	p, err := f.Resolve(u)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if createDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return wrapFSError(fmt.Sprintf("mkdir %s", dir), err)
		}
	}
	file, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return wrapFSError(fmt.Sprintf("append %s", u), err)
	}
	defer func() { _ = file.Close() }()
	if _, err := file.Write(data); err != nil {
		return wrapFSError(fmt.Sprintf("append %s", u), err)
	}
	return nil
}

// Entry is one item returned by List.
type Entry struct {
	URI   axiomuri.URI
	IsDir bool
}

// List lists the direct children of the directory named by u (or, when
// recursive is true, all descendants). Hidden tier files are skipped
// unless includeHidden is true.
func (f *FS) List(u axiomuri.URI, recursive, includeHidden bool) ([]Entry, error) {
	root, err := f.Resolve(u)
	if err != nil {
		return nil, err
	}
	var out []Entry
	walk := func(dir string, relSegs []string) error {
		ents, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return wrapFSError(fmt.Sprintf("list %s", u), err)
		}
		sort.Slice(ents, func(i, j int) bool { return ents[i].Name() < ents[j].Name() })
		for _, e := range ents {
			name := e.Name()
			if !includeHidden && hiddenTierFiles[name] {
				continue
			}
			childURI, jerr := u.Join(append(append([]string{}, relSegs...), name)...)
			if jerr != nil {
				continue
			}
			out = append(out, Entry{URI: childURI, IsDir: e.IsDir()})
		}
		return nil
	}
	if !recursive {
		return out, walk(root, nil)
	}
	var rec func(dir string, segs []string) error
	rec = func(dir string, segs []string) error {
		ents, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return wrapFSError(fmt.Sprintf("list %s", u), err)
		}
		sort.Slice(ents, func(i, j int) bool { return ents[i].Name() < ents[j].Name() })
		for _, e := range ents {
			name := e.Name()
			if !includeHidden && hiddenTierFiles[name] {
				continue
			}
			childSegs := append(append([]string{}, segs...), name)
			childURI, jerr := u.Join(childSegs...)
			if jerr != nil {
				continue
			}
			out = append(out, Entry{URI: childURI, IsDir: e.IsDir()})
			if e.IsDir() {
				if err := rec(filepath.Join(dir, name), childSegs); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return out, rec(root, nil)
}

// WriteTiers writes the hidden .abstract.md and .overview.md files
// beside the directory named by u. These are never considered regular
// content by readers (spec.md §4.1).
func (f *FS) WriteTiers(u axiomuri.URI, abstract, overview string) error {
	if err := f.CreateDirAll(u); err != nil {
		return err
	}
	abstractURI, err := u.Join(abstractFile)
	if err != nil {
		return err
	}
	overviewURI, err := u.Join(overviewFile)
	if err != nil {
		return err
	}
	if err := f.Write(abstractURI, []byte(abstract), false); err != nil {
		return err
	}
	return f.Write(overviewURI, []byte(overview), false)
}

// ReadTiers reads back the abstract/overview tier files for u, returning
// empty strings for any that don't exist.
func (f *FS) ReadTiers(u axiomuri.URI) (abstract, overview string, err error) {
	abstractURI, err := u.Join(abstractFile)
	if err != nil {
		return "", "", err
	}
	overviewURI, err := u.Join(overviewFile)
	if err != nil {
		return "", "", err
	}
	if b, rerr := f.Read(abstractURI); rerr == nil {
		abstract = string(b)
	} else if !IsNotFound(rerr) {
		return "", "", rerr
	}
	if b, rerr := f.Read(overviewURI); rerr == nil {
		overview = string(b)
	} else if !IsNotFound(rerr) {
		return "", "", rerr
	}
	return abstract, overview, nil
}

// Rm removes the file or directory tree named by u.
func (f *FS) Rm(u axiomuri.URI) error {
	p, err := f.Resolve(u)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return wrapFSError(fmt.Sprintf("rm %s", u), err)
	}
	return nil
}

// Mv renames src to dst. Both must resolve inside the root. Parent
// directories of dst are created if missing.
func (f *FS) Mv(src, dst axiomuri.URI) error {
	srcPath, err := f.Resolve(src)
	if err != nil {
		return err
	}
	dstPath, err := f.Resolve(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return wrapFSError("mkdir destination parent", err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return wrapFSError(fmt.Sprintf("mv %s -> %s", src, dst), err)
	}
	return nil
}

// StageTempIngest creates a fresh axiom://temp/ingest/<uuid> URI and
// copies src's bytes into it, returning the staged URI. Used by the
// ingest coordinator (C5) before the final rename into the target
// scope (spec.md §4.5, §5).
func (f *FS) StageTempIngest(data []byte) (axiomuri.URI, error) {
	stageURI, err := axiomuri.URI{Scope: axiomuri.ScopeTemp}.Join("ingest", uuid.NewString())
	if err != nil {
		return axiomuri.URI{}, err
	}
	if err := f.Write(stageURI, data, true); err != nil {
		return axiomuri.URI{}, err
	}
	return stageURI, nil
}

// CopyFile copies an external file at path into a temp ingest stage and
// returns the staged URI and file bytes read.
func (f *FS) CopyFile(path string) (axiomuri.URI, []byte, error) {
	src, err := os.Open(path)
	if err != nil {
		return axiomuri.URI{}, nil, wrapFSError(fmt.Sprintf("open source %s", path), err)
	}
	defer func() { _ = src.Close() }()
	data, err := io.ReadAll(src)
	if err != nil {
		return axiomuri.URI{}, nil, wrapFSError(fmt.Sprintf("read source %s", path), err)
	}
	u, err := f.StageTempIngest(data)
	return u, data, err
}
