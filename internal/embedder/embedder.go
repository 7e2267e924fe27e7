// Package embedder produces the dense vectors the hybrid index scores
// with (spec.md §4.4 "dense" signal). The default embedder is a
// deterministic feature-hashing model: tokens are hashed into a
// fixed-width bag-of-words vector and L2-normalized, so identical text
// always embeds identically and cosine similarity degrades gracefully
// into token overlap. A real model can be swapped in behind the same
// interface; the Profile stamp changing is what forces a full reindex
// (spec.md §4.5 "index_profile_stamp").
package embedder

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Dim is the fixed vector width of the hashing embedder.
const Dim = 256

// Embedder turns text into a dense vector. Implementations must be
// deterministic for a given Profile.
type Embedder interface {
	Embed(text string) []float32
	// Profile identifies the embedding model+parameters; persisted as
	// the index_profile_stamp so a profile change forces reindexing.
	Profile() string
}

// Hashing is the always-available deterministic embedder.
type Hashing struct{}

// NewHashing returns the default feature-hashing embedder.
func NewHashing() *Hashing { return &Hashing{} }

// Profile identifies this embedder and its width.
func (h *Hashing) Profile() string { return "hashing-v1-d256" }

// Embed hashes each token (and each adjacent-token bigram, for a little
// word-order sensitivity) into one of Dim buckets and L2-normalizes.
func (h *Hashing) Embed(text string) []float32 {
	vec := make([]float32, Dim)
	toks := splitTokens(strings.ToLower(text))
	if len(toks) == 0 {
		return vec
	}
	add := func(s string, weight float32) {
		hs := fnv.New32a()
		_, _ = hs.Write([]byte(s))
		vec[hs.Sum32()%Dim] += weight
	}
	for i, t := range toks {
		add(t, 1)
		if i+1 < len(toks) {
			add(t+" "+toks[i+1], 0.5)
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func splitTokens(s string) []string {
	var toks []string
	var cur strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		toks = append(toks, cur.String())
	}
	return toks
}
