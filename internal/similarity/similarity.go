package similarity

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Name returns the normalised edit-distance similarity of two gate names:
// (maxLen - distance) / maxLen, 1.0 for identical strings. Comparison is
// case-sensitive and counts runes, not bytes.
func Name(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return float64(maxLen-dist) / float64(maxLen)
}

// Distance exposes the raw edit distance for callers that log it.
func Distance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}
