package axiomuri

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	tests := []struct {
		raw      string
		scope    Scope
		segments int
	}{
		{"axiom://resources", ScopeResources, 0},
		{"axiom://resources/", ScopeResources, 0},
		{"axiom://resources/docs/guide.md", ScopeResources, 2},
		{"axiom://user/memories/preferences", ScopeUser, 2},
		{"axiom://queue/traces/abc.json", ScopeQueue, 2},
		{"axiom://session/한국어-세션", ScopeSession, 1},
	}
	for _, tt := range tests {
		u, err := Parse(tt.raw)
		require.NoError(t, err, tt.raw)
		require.Equal(t, tt.scope, u.Scope)
		require.Len(t, u.Segments, tt.segments)
	}
}

func TestParseRejectsTraversalAndGarbage(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr error
	}{
		{"axiom://resources/../etc", ErrPathTraversal},
		{"axiom://resources/a/../../b", ErrPathTraversal},
		{"axiom://resources/.", ErrPathTraversal},
		{"axiom://resources/a//b", ErrPathTraversal},
		{"axiom://resources//a", ErrPathTraversal},
		{"axiom://nope/a", ErrInvalidURI},
		{"http://resources/a", ErrInvalidURI},
		{"axiom://", ErrInvalidURI},
		{"axiom://resources/a\x00b", ErrInvalidURI},
		{"axiom://resources/a\x07b", ErrInvalidURI},
	}
	for _, tt := range tests {
		_, err := Parse(tt.raw)
		require.ErrorIs(t, err, tt.wantErr, tt.raw)
	}
}

func TestParentDepthName(t *testing.T) {
	u := MustParse("axiom://resources/docs/guide.md")
	require.Equal(t, 2, u.Depth())
	require.Equal(t, "guide.md", u.Name())

	p, ok := u.Parent()
	require.True(t, ok)
	require.Equal(t, "axiom://resources/docs", p.String())

	root, ok := p.Parent()
	require.True(t, ok)
	require.Equal(t, "axiom://resources", root.String())

	_, ok = root.Parent()
	require.False(t, ok)
}

func TestJoinValidatesSegments(t *testing.T) {
	base := MustParse("axiom://temp")
	_, err := base.Join("ingest", "ok-file")
	require.NoError(t, err)

	_, err = base.Join("..")
	require.ErrorIs(t, err, ErrPathTraversal)

	_, err = base.Join("a/b")
	require.ErrorIs(t, err, ErrPathTraversal)
}

func TestInternalScopes(t *testing.T) {
	require.True(t, ScopeQueue.IsInternal())
	require.True(t, ScopeTemp.IsInternal())
	require.False(t, ScopeResources.IsInternal())
	require.False(t, ScopeSession.IsInternal())
}
