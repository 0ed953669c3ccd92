// Package textnorm canonicalizes recited and reference text before comparison.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// stripped lists the punctuation removed before scoring. Curly quotes and
// the en/em dash sit next to their ASCII forms so either spelling compares equal.
const stripped = ".,!?:;" +
	"-–—" +
	"'\"‘’“”" +
	"()[]{}" +
	"·…"

func isStripped(r rune) bool {
	return unicode.IsSpace(r) || strings.ContainsRune(stripped, r)
}

// Normalize lower-cases s and removes whitespace and the punctuation class
// above. Full-width forms are folded and the text is NFC-composed before
// removal, since composition maps some code points (U+037E, U+0387) onto
// stripped punctuation. The result is composed again so decomposed Hangul
// from a recognizer matches composed catalog text.
func Normalize(s string) string {
	s = strings.ToLower(norm.NFC.String(width.Fold.String(s)))
	t := transform.Chain(runes.Remove(runes.Predicate(isStripped)), norm.NFC)
	out, _, _ := transform.String(t, s)
	return out
}
