package guard

import (
	"strings"
	"unicode"
)

// normalize lowercases, strips punctuation, and collapses whitespace so
// comparisons ignore cosmetic differences.
func normalize(text string) string {
	var sb strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			sb.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// bigramJaccard computes Jaccard similarity over character bigrams of the
// normalized strings. 1.0 means identical bigram sets.
func bigramJaccard(a, b string) float64 {
	setA := bigrams(a)
	setB := bigrams(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for gram := range setA {
		if _, ok := setB[gram]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func bigrams(text string) map[string]struct{} {
	runes := []rune(text)
	set := make(map[string]struct{}, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}
