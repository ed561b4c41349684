package util

import (
	"sort"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Returns the original string if it's shorter than maxLen,
// otherwise the first maxLen characters. Used when logging identifiers like
// kids or codes, where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
// Used for issuer and DPoP htu comparison, where URLs with and without a
// trailing slash should be considered equivalent.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// UnionSorted merges any number of string slices into one sorted slice with
// duplicates removed. Used for the array-valued discovery-document fields so
// that merging the same flows twice yields the same document.
func UnionSorted(slices ...[]string) []string {
	seen := make(map[string]struct{})
	for _, s := range slices {
		for _, v := range s {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
