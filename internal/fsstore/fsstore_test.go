package fsstore

import (
	"testing"

	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	fs, err := Open(t.TempDir())
	require.NoError(t, err)

	u := axiomuri.MustParse("axiom://resources/demo/guide.md")
	require.NoError(t, fs.Write(u, []byte("# Guide"), true))

	got, err := fs.Read(u)
	require.NoError(t, err)
	require.Equal(t, "# Guide", string(got))
}

func TestWriteIsAtomic(t *testing.T) {
	fs, err := Open(t.TempDir())
	require.NoError(t, err)

	u := axiomuri.MustParse("axiom://resources/demo/guide.md")
	require.NoError(t, fs.Write(u, []byte("v1"), true))
	require.NoError(t, fs.Write(u, []byte("v2"), true))

	got, err := fs.Read(u)
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))

	entries, err := fs.List(axiomuri.MustParse("axiom://resources/demo"), false, true)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file should remain")
}

func TestResolveRejectsTraversal(t *testing.T) {
	fs, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = axiomuri.Parse("axiom://resources/../../etc/passwd")
	require.Error(t, err)
	require.ErrorIs(t, err, axiomuri.ErrPathTraversal)

	// A validly-parsed URI resolves without error.
	u := axiomuri.MustParse("axiom://resources/demo")
	_, err = fs.Resolve(u)
	require.NoError(t, err)
}

func TestWriteTiersAreHiddenFromList(t *testing.T) {
	fs, err := Open(t.TempDir())
	require.NoError(t, err)

	dir := axiomuri.MustParse("axiom://resources/demo")
	leaf := axiomuri.MustParse("axiom://resources/demo/guide.md")
	require.NoError(t, fs.Write(leaf, []byte("hi"), true))
	require.NoError(t, fs.WriteTiers(dir, "an abstract", "an overview"))

	visible, err := fs.List(dir, false, false)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, leaf.String(), visible[0].URI.String())

	all, err := fs.List(dir, false, true)
	require.NoError(t, err)
	require.Len(t, all, 3) // guide.md, .abstract.md, .overview.md

	abstract, overview, err := fs.ReadTiers(dir)
	require.NoError(t, err)
	require.Equal(t, "an abstract", abstract)
	require.Equal(t, "an overview", overview)
}

func TestMvRenamesAcrossScopes(t *testing.T) {
	fs, err := Open(t.TempDir())
	require.NoError(t, err)

	src, err := fs.StageTempIngest([]byte("payload"))
	require.NoError(t, err)

	dst := axiomuri.MustParse("axiom://resources/demo/landed.md")
	require.NoError(t, fs.Mv(src, dst))

	got, err := fs.Read(dst)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))

	exists, err := fs.Exists(src)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRmRemovesTree(t *testing.T) {
	fs, err := Open(t.TempDir())
	require.NoError(t, err)

	u := axiomuri.MustParse("axiom://resources/demo/guide.md")
	require.NoError(t, fs.Write(u, []byte("x"), true))
	require.NoError(t, fs.Rm(axiomuri.MustParse("axiom://resources/demo")))

	exists, err := fs.Exists(u)
	require.NoError(t, err)
	require.False(t, exists)
}
