// Package match implements product-name normalization and candidate
// selection for registry search results.
//
// Product names arrive with inconsistent bracket and quote characters:
// the registry stores half-width parentheses where input files often
// carry full-width ones, and vice versa. All comparisons therefore run
// on normalized names.
package match

import (
	"strings"
	"unicode"
)

// Strategy selects how a candidate is matched against the query.
type Strategy string

const (
	// StrategyExact requires normalized equality between the query and
	// the candidate name. This is the default.
	StrategyExact Strategy = "exact"

	// StrategyPrefix scores candidates by the length of the common
	// normalized prefix with the query and picks the highest score.
	// Retained for compatibility with earlier resolver behavior.
	StrategyPrefix Strategy = "prefix"
)

// stripped contains the characters removed during normalization:
// ASCII and full-width parentheses, straight and curly quotes, and
// CJK corner quotes.
const stripped = "()（）\"'“”‘’「」『』"

// Normalize returns s with bracket variants, quote variants, and all
// whitespace removed. Two names that differ only in those characters
// normalize to the same string.
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		if strings.ContainsRune(stripped, r) {
			return -1
		}
		return r
	}, s)
}

// Select picks the candidate name matching query under the given
// strategy. It returns the index into names and true, or -1 and false
// when no candidate matches. An empty names slice never matches.
func Select(strategy Strategy, query string, names []string) (int, bool) {
	if len(names) == 0 {
		return -1, false
	}

	switch strategy {
	case StrategyPrefix:
		return selectPrefix(query, names), true
	default:
		return selectExact(query, names)
	}
}

// selectExact returns the first candidate whose normalized name equals
// the normalized query.
func selectExact(query string, names []string) (int, bool) {
	want := Normalize(query)
	for i, name := range names {
		if Normalize(name) == want {
			return i, true
		}
	}
	return -1, false
}

// selectPrefix scores each candidate by the length of the common
// normalized prefix with the query. Ties go to the shorter candidate
// name. A single-candidate list is returned without scoring.
func selectPrefix(query string, names []string) int {
	if len(names) == 1 {
		return 0
	}

	q := []rune(Normalize(query))
	best := 0
	bestScore := -1
	bestLen := 0

	for i, name := range names {
		n := []rune(Normalize(name))
		score := commonPrefixLen(q, n)
		if score > bestScore || (score == bestScore && len(n) < bestLen) {
			best = i
			bestScore = score
			bestLen = len(n)
		}
	}
	return best
}

// commonPrefixLen returns the number of leading runes shared by a and b.
func commonPrefixLen(a, b []rune) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
