package textanalyzer

import "strings"

// region names the part of a word a suffix must lie in to be rewritten.
type region uint8

const (
	regionR1 region = iota
	regionR2
	regionRV
)

// bounds holds the start offset of each region of one word. An offset equal
// to the word length means the region is empty.
type bounds [3]int

// suffixRule rewrites a trailing suffix into repl when the suffix starts
// inside the rule's region.
type suffixRule struct {
	suffix string
	repl   string
	in     region
}

// replace applies the rule with the longest suffix matching w. When that
// suffix lies outside its region nothing changes and shorter rules are not
// tried.
func (b bounds) replace(w string, rules []suffixRule) (string, bool) {
	best := -1
	for i, r := range rules {
		if strings.HasSuffix(w, r.suffix) && (best < 0 || len(r.suffix) > len(rules[best].suffix)) {
			best = i
		}
	}
	if best < 0 {
		return w, false
	}
	r := rules[best]
	stem := w[:len(w)-len(r.suffix)]
	if len(stem) < b[r.in] {
		return w, false
	}
	return stem + r.repl, true
}

// regions returns the starts of R1 and R2. R1 begins after the first
// non-vowel that follows a vowel; R2 is the same rule applied inside R1.
func regions(w string, vowel func(byte) bool) (r1, r2 int) {
	r1 = afterVowelRun(w, 0, vowel)
	r2 = afterVowelRun(w, r1, vowel)
	return r1, r2
}

func afterVowelRun(w string, from int, vowel func(byte) bool) int {
	for i := from + 1; i < len(w); i++ {
		if vowel(w[i-1]) && !vowel(w[i]) {
			return i + 1
		}
	}
	return len(w)
}

func containsVowel(w string, vowel func(byte) bool) bool {
	for i := 0; i < len(w); i++ {
		if vowel(w[i]) {
			return true
		}
	}
	return false
}

func hasAnySuffix(w string, suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(w, s) {
			return true
		}
	}
	return false
}
