package diag

import (
	"sort"
	"strings"

	"github.com/agext/levenshtein"
)

const maxSuggestions = 3

// Nearest returns up to three candidates close to name, best first.
// A candidate qualifies when its edit distance is at most a third of the
// longer string (minimum 2), or when it matches case-insensitively.
func Nearest(name string, candidates []string) []string {
	type scored struct {
		s string
		d int
	}
	var hits []scored
	seen := map[string]bool{}
	for _, c := range candidates {
		if c == name || seen[c] {
			continue
		}
		seen[c] = true
		d := levenshtein.Distance(strings.ToLower(name), strings.ToLower(c), nil)
		limit := max(len(name), len(c)) / 3
		if limit < 2 {
			limit = 2
		}
		if d <= limit {
			hits = append(hits, scored{c, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].d != hits[j].d {
			return hits[i].d < hits[j].d
		}
		return hits[i].s < hits[j].s
	})
	out := make([]string, 0, maxSuggestions)
	for i := 0; i < len(hits) && i < maxSuggestions; i++ {
		out = append(out, hits[i].s)
	}
	return out
}

// Best returns the single unambiguous nearest candidate, if any.
func Best(name string, candidates []string) (string, bool) {
	near := Nearest(name, candidates)
	if len(near) == 0 {
		return "", false
	}
	if len(near) > 1 {
		d0 := levenshtein.Distance(strings.ToLower(name), strings.ToLower(near[0]), nil)
		d1 := levenshtein.Distance(strings.ToLower(name), strings.ToLower(near[1]), nil)
		if d0 == d1 {
			return "", false
		}
	}
	return near[0], true
}
