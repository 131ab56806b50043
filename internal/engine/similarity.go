package engine

import (
	"sort"
	"strings"
)

// DefaultNearDuplicateThreshold is the token-set score at which two messages count as the
// same notification.
const DefaultNearDuplicateThreshold = 92

// NearDuplicate scores message against every recent message and reports whether the best
// token-set score reaches threshold, along with that score truncated to an integer.
// For an integer threshold the truncation never changes the verdict.
// An empty history yields (false, 0).
func NearDuplicate(message string, recent []string, threshold int) (bool, int) {
	if len(recent) == 0 {
		return false, 0
	}
	n := Normalize(message)
	best := 0.0
	for _, m := range recent {
		if s := TokenSetRatio(n, Normalize(m)); s > best {
			best = s
		}
	}
	score := int(best)
	return score >= threshold, score
}

// TokenSetRatio compares two strings by their whitespace token sets, ignoring order and
// repetition. It returns 100 when either set contains the other (and they share a token),
// 0 when either side has no tokens, and otherwise the best indel similarity among
// intersection+rest combinations, matching rapidfuzz's token_set_ratio.
func TokenSetRatio(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var inter, onlyA, onlyB []string
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range tb {
		if _, ok := ta[t]; !ok {
			onlyB = append(onlyB, t)
		}
	}
	if len(inter) > 0 && (len(onlyA) == 0 || len(onlyB) == 0) {
		return 100
	}

	sort.Strings(inter)
	sort.Strings(onlyA)
	sort.Strings(onlyB)
	sect := []rune(strings.Join(inter, " "))
	diffA := []rune(strings.Join(onlyA, " "))
	diffB := []rune(strings.Join(onlyB, " "))

	if len(sect) == 0 {
		return normalizedIndel(diffA, diffB)
	}

	// "sect diffA" vs "sect diffB" share the prefix, so their indel distance is the one
	// between the diffs, scored over the full lengths.
	sectA := len(sect) + 1 + len(diffA)
	sectB := len(sect) + 1 + len(diffB)
	best := ratioFromDistance(indel(diffA, diffB), sectA+sectB)

	// sect vs sect+" "+diff differs only by the appended part, so the indel distance is
	// len(diff)+1 and no alignment is needed.
	if r := ratioFromDistance(1+len(diffA), len(sect)+sectA); r > best {
		best = r
	}
	if r := ratioFromDistance(1+len(diffB), len(sect)+sectB); r > best {
		best = r
	}
	return best
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// normalizedIndel is 100 * (1 - indel(a, b) / (len(a)+len(b))).
func normalizedIndel(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 100
	}
	return ratioFromDistance(indel(a, b), total)
}

// indel is the insert/delete edit distance.
func indel(a, b []rune) int { return len(a) + len(b) - 2*lcsLength(a, b) }

func ratioFromDistance(dist, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(100*(total-dist)) / float64(total)
}

// lcsLength is the longest-common-subsequence length, two-row DP.
func lcsLength(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
