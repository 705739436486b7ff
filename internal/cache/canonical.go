package cache

import "strings"

// Canonicalize produces the byte representation hashed by KeyFor: whitespace
// runs collapse to a single space and surrounding whitespace is trimmed, so
// upstream formatting differences do not defeat memoization. Content is left
// otherwise untouched; two texts that differ in words are different inputs.
func Canonicalize(text string) []byte {
	return []byte(strings.Join(strings.Fields(text), " "))
}
