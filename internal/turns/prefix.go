package turns

import (
	"sort"
	"strings"
)

// normalizePrefixes drops empty and duplicate entries and orders the rest
// longest first, so the most specific prefix wins.
func normalizePrefixes(prefixes []string) []string {
	seen := make(map[string]struct{}, len(prefixes))
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// StripContextPrefix removes at most one configured prefix from text. The
// match is exact and case sensitive; prefixes must already be ordered longest
// first (see normalizePrefixes).
func StripContextPrefix(text string, prefixes []string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(text, p) {
			return text[len(p):]
		}
	}
	return text
}
