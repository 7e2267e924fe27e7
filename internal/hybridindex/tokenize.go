package hybridindex

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// normalizeText NFC-normalizes and casefolds text, the Korean-safe title
// matching the original Rust implementation performs instead of a
// naive strings.ToLower (SPEC_FULL.md §12).
func normalizeText(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// tokenize splits normalized text on non-letter/non-digit boundaries,
// matching the teacher's general preference for simple stdlib
// unicode.IsLetter/IsDigit scanning over a regex tokenizer.
func tokenize(s string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return toks
}

// stripPunctAndSpace removes all Unicode punctuation and whitespace
// (SPEC_FULL.md §12 "compact-no-punct exact-key variant"), not just
// ASCII, before the edit-distance-1 compare.
func stripPunctAndSpace(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsPunct(r) || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
