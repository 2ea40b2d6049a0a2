package textanalyzer

import "strings"

// English suffix stripping follows the Porter2 step order: plurals,
// inflections, a final y, then derivational and residual suffixes checked
// against R1 and R2.

var englishDerivational = []suffixRule{
	{"ational", "ate", regionR1},
	{"tional", "tion", regionR1},
	{"enci", "ence", regionR1},
	{"anci", "ance", regionR1},
	{"abli", "able", regionR1},
	{"entli", "ent", regionR1},
	{"izer", "ize", regionR1},
	{"ization", "ize", regionR1},
	{"ation", "ate", regionR1},
	{"ator", "ate", regionR1},
	{"alism", "al", regionR1},
	{"aliti", "al", regionR1},
	{"alli", "al", regionR1},
	{"fulness", "ful", regionR1},
	{"ousli", "ous", regionR1},
	{"ousness", "ous", regionR1},
	{"iveness", "ive", regionR1},
	{"iviti", "ive", regionR1},
	{"biliti", "ble", regionR1},
	{"bli", "ble", regionR1},
	{"fulli", "ful", regionR1},
	{"lessli", "less", regionR1},
}

var englishSecondary = []suffixRule{
	{"ational", "ate", regionR1},
	{"tional", "tion", regionR1},
	{"alize", "al", regionR1},
	{"icate", "ic", regionR1},
	{"iciti", "ic", regionR1},
	{"ical", "ic", regionR1},
	{"ful", "", regionR1},
	{"ness", "", regionR1},
	{"ative", "", regionR2},
}

var englishResidual = []suffixRule{
	{"al", "", regionR2},
	{"ance", "", regionR2},
	{"ence", "", regionR2},
	{"er", "", regionR2},
	{"ic", "", regionR2},
	{"able", "", regionR2},
	{"ible", "", regionR2},
	{"ant", "", regionR2},
	{"ement", "", regionR2},
	{"ment", "", regionR2},
	{"ent", "", regionR2},
	{"ism", "", regionR2},
	{"ate", "", regionR2},
	{"iti", "", regionR2},
	{"ous", "", regionR2},
	{"ive", "", regionR2},
	{"ize", "", regionR2},
}

// isEnglishVowel counts y as a vowel; stemEnglish first rewrites a y that
// acts as a consonant to Y.
func isEnglishVowel(c byte) bool {
	switch c {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}

func stemEnglish(word string) string {
	if len(word) <= 2 {
		return word
	}
	w := []byte(word)
	for i, c := range w {
		if c == 'y' && (i == 0 || isEnglishVowel(w[i-1])) {
			w[i] = 'Y'
		}
	}
	s := string(w)

	var b bounds
	b[regionR1], b[regionR2] = englishRegions(s)

	s = englishPlural(s)
	s = englishInflection(s, b)
	if n := len(s); n > 2 && (s[n-1] == 'y' || s[n-1] == 'Y') && !isEnglishVowel(s[n-2]) {
		s = s[:n-1] + "i"
	}
	s, _ = b.replace(s, englishDerivational)
	s, _ = b.replace(s, englishSecondary)
	if strings.HasSuffix(s, "ion") {
		if stem := s[:len(s)-3]; len(stem) >= b[regionR2] && hasAnySuffix(stem, "s", "t") {
			s = stem
		}
	} else {
		s, _ = b.replace(s, englishResidual)
	}
	s = englishFinal(s, b)
	return strings.ToLower(s)
}

// englishRegions special-cases a few prefixes whose R1 would otherwise
// start too early.
func englishRegions(w string) (int, int) {
	for _, p := range []string{"gener", "commun", "arsen"} {
		if strings.HasPrefix(w, p) {
			return len(p), afterVowelRun(w, len(p), isEnglishVowel)
		}
	}
	return regions(w, isEnglishVowel)
}

func englishPlural(w string) string {
	switch {
	case strings.HasSuffix(w, "sses"):
		return w[:len(w)-2]
	case hasAnySuffix(w, "ied", "ies"):
		if len(w) > 4 {
			return w[:len(w)-2]
		}
		return w[:len(w)-1]
	case hasAnySuffix(w, "us", "ss"):
		return w
	case strings.HasSuffix(w, "s"):
		if containsVowel(w[:len(w)-2], isEnglishVowel) {
			return w[:len(w)-1]
		}
	}
	return w
}

func englishInflection(w string, b bounds) string {
	for _, suf := range []string{"eedly", "eed"} {
		if strings.HasSuffix(w, suf) {
			if stem := w[:len(w)-len(suf)]; len(stem) >= b[regionR1] {
				return stem + "ee"
			}
			return w
		}
	}
	for _, suf := range []string{"ingly", "edly", "ing", "ed"} {
		if !strings.HasSuffix(w, suf) {
			continue
		}
		stem := w[:len(w)-len(suf)]
		if !containsVowel(stem, isEnglishVowel) {
			return w
		}
		switch {
		case hasAnySuffix(stem, "at", "bl", "iz"):
			return stem + "e"
		case hasAnySuffix(stem, "bb", "dd", "ff", "gg", "mm", "nn", "pp", "rr", "tt"):
			return stem[:len(stem)-1]
		case b[regionR1] >= len(stem) && endsShortSyllable(stem):
			return stem + "e"
		}
		return stem
	}
	return w
}

func englishFinal(w string, b bounds) string {
	n := len(w)
	switch {
	case n == 0:
		return w
	case w[n-1] == 'e':
		stem := w[:n-1]
		if len(stem) >= b[regionR2] || (len(stem) >= b[regionR1] && !endsShortSyllable(stem)) {
			return stem
		}
	case strings.HasSuffix(w, "ll") && n-1 >= b[regionR2]:
		return w[:n-1]
	}
	return w
}

// endsShortSyllable reports a final vowel/non-vowel pair at the start of a
// word, or a non-vowel/vowel/non-vowel triple not ending in w, x or Y.
func endsShortSyllable(w string) bool {
	n := len(w)
	if n == 2 {
		return isEnglishVowel(w[0]) && !isEnglishVowel(w[1])
	}
	if n < 3 {
		return false
	}
	last := w[n-1]
	return !isEnglishVowel(w[n-3]) && isEnglishVowel(w[n-2]) && !isEnglishVowel(last) &&
		last != 'w' && last != 'x' && last != 'Y'
}
