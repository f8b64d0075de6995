package mapping

import (
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// Tokenize splits a field name on case changes, digits boundaries and
// separators, lowercases the parts and singularises each one.
// "userAddresses" and "user_address" both yield [user address].
func Tokenize(name string) []string {
	var (
		tokens []string
		cur    []rune
	)
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, inflection.Singular(strings.ToLower(string(cur))))
			cur = cur[:0]
		}
	}

	runes := []rune(name)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) ||
			(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return tokens
}

// Similarity scores two field names in [0, 1].
// It is the larger of the normalised Levenshtein ratio over the joined tokens
// and the Jaccard index of the token sets.
func Similarity(a, b string) float64 {
	ta, tb := Tokenize(a), Tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	return max(levenshteinRatio(strings.Join(ta, ""), strings.Join(tb, "")), jaccard(ta, tb))
}

func levenshteinRatio(s1, s2 string) float64 {
	if s1 == s2 {
		return 1
	}
	maxLen := max(len(s1), len(s2))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshteinDistance(s1, s2))/float64(maxLen)
}

// levenshteinDistance computes the edit distance using a single DP row pair.
func levenshteinDistance(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(s2)]
}

func jaccard(a, b []string) float64 {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
