package embedder

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestEmbedIsDeterministic(t *testing.T) {
	e := NewHashing()
	a := e.Embed("oauth flow with auth code")
	b := e.Embed("oauth flow with auth code")
	require.Equal(t, a, b)
	require.Len(t, a, Dim)
}

func TestEmbedIsNormalized(t *testing.T) {
	e := NewHashing()
	v := e.Embed("some text to embed here")
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, norm, 1e-5)
}

func TestSimilarTextsScoreHigherThanDissimilar(t *testing.T) {
	e := NewHashing()
	base := e.Embed("oauth flow with authorization code")
	near := e.Embed("oauth authorization code flow")
	far := e.Embed("boil pasta in salted water")

	require.Greater(t, cosine(base, near), cosine(base, far))
}

func TestEmptyTextEmbedsToZero(t *testing.T) {
	e := NewHashing()
	v := e.Embed("")
	for _, x := range v {
		require.Zero(t, x)
	}
}

func TestProfileStampIsStable(t *testing.T) {
	require.Equal(t, NewHashing().Profile(), NewHashing().Profile())
	require.NotEmpty(t, NewHashing().Profile())
}
