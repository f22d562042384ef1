// Package textmatch compares free-text labels such as counterparty names.
package textmatch

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/gosimple/slug"
)

var legalSuffixes = map[string]struct{}{
	"sa": {}, "sas": {}, "sasu": {}, "sarl": {}, "eurl": {}, "sci": {},
	"inc": {}, "ltd": {}, "llc": {}, "gmbh": {}, "co": {},
}

// Normalize lowercases, transliterates and drops punctuation and legal form
// suffixes so "ACME S.A.S." and "Acme" compare equal.
func Normalize(s string) string {
	words := strings.Split(slug.Make(strings.ReplaceAll(s, ".", "")), "-")
	out := words[:0]
	for _, w := range words {
		if w == "" {
			continue
		}
		if _, ok := legalSuffixes[w]; ok {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// Similarity returns a ratio in [0,1]: 1 - distance/maxLen over normalized
// strings. A normalized string contained in the other scores at least 0.9.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	maxLen := utf8.RuneCountInString(na)
	if n := utf8.RuneCountInString(nb); n > maxLen {
		maxLen = n
	}
	ratio := 1 - float64(levenshtein.ComputeDistance(na, nb))/float64(maxLen)
	if ratio < 0 {
		ratio = 0
	}
	if (strings.Contains(na, nb) || strings.Contains(nb, na)) && ratio < 0.9 {
		ratio = 0.9
	}
	return ratio
}

// ContainsFold reports whether needle appears in haystack after normalization.
func ContainsFold(haystack, needle string) bool {
	n := Normalize(needle)
	if n == "" {
		return false
	}
	return strings.Contains(Normalize(haystack), n)
}

// Compact strips every non alphanumeric character, for reference numbers
// that banks print with varying separators.
func Compact(s string) string {
	return strings.ReplaceAll(Normalize(s), " ", "")
}
