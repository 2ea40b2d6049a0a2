package textanalyzer

import "strings"

// Italian stemming folds accents, strips an enclitic pronoun from gerunds
// and infinitives, then removes one derivational suffix or, failing that,
// one verb ending, and finally a trailing vowel.

var italianAccents = strings.NewReplacer(
	"à", "a", "á", "a", "è", "e", "é", "e", "ì", "i", "í", "i",
	"ò", "o", "ó", "o", "ù", "u", "ú", "u",
)

var italianPronouns = []string{
	"ci", "gli", "la", "le", "li", "lo", "mi", "ne", "si", "ti", "vi",
	"sene", "gliela", "gliele", "glieli", "glielo", "gliene",
	"mela", "mele", "meli", "melo", "mene", "tela", "tele", "teli", "telo", "tene",
	"cela", "cele", "celi", "celo", "cene", "vela", "vele", "veli", "velo", "vene",
}

var italianDerivational = []suffixRule{
	{"anza", "", regionR2}, {"anze", "", regionR2},
	{"ico", "", regionR2}, {"ici", "", regionR2}, {"ica", "", regionR2}, {"ice", "", regionR2},
	{"iche", "", regionR2}, {"ichi", "", regionR2},
	{"ismo", "", regionR2}, {"ismi", "", regionR2},
	{"abile", "", regionR2}, {"abili", "", regionR2}, {"ibile", "", regionR2}, {"ibili", "", regionR2},
	{"ista", "", regionR2}, {"iste", "", regionR2}, {"isti", "", regionR2},
	{"oso", "", regionR2}, {"osi", "", regionR2}, {"osa", "", regionR2}, {"ose", "", regionR2},
	{"ante", "", regionR2}, {"anti", "", regionR2},
	{"atrice", "", regionR2}, {"atrici", "", regionR2},
	{"azione", "", regionR2}, {"azioni", "", regionR2},
	{"atore", "", regionR2}, {"atori", "", regionR2},
	{"ita", "", regionR2},
	{"ivo", "", regionR2}, {"ivi", "", regionR2}, {"iva", "", regionR2}, {"ive", "", regionR2},
	{"logia", "log", regionR2}, {"logie", "log", regionR2},
	{"uzione", "u", regionR2}, {"uzioni", "u", regionR2}, {"usione", "u", regionR2}, {"usioni", "u", regionR2},
	{"enza", "ente", regionR2}, {"enze", "ente", regionR2},
	{"amente", "", regionR1},
	{"amento", "", regionRV}, {"amenti", "", regionRV}, {"imento", "", regionRV}, {"imenti", "", regionRV},
}

var italianVerbEndings = func() []suffixRule {
	endings := []string{
		"are", "ere", "ire", "ando", "endo",
		"ato", "ata", "ati", "ate", "ito", "ita", "iti", "ite", "uto", "uta", "uti", "ute",
		"ava", "avi", "avo", "avamo", "avate", "avano",
		"eva", "evi", "evo", "evamo", "evate", "evano",
		"ammo", "emmo", "immo", "iamo", "ano", "ono",
		"ero", "erai", "eremo", "erete", "eranno", "irono", "arono", "erono",
		"isco", "isci", "isce", "iscono", "assi", "asse", "essi", "esse", "issi", "isse",
		"asti", "esti", "isti",
	}
	rules := make([]suffixRule, len(endings))
	for i, e := range endings {
		rules[i] = suffixRule{suffix: e, in: regionRV}
	}
	return rules
}()

func isItalianVowel(c byte) bool {
	switch c {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

func stemItalian(word string) string {
	w := italianAccents.Replace(word)
	if len(w) < 3 {
		return w
	}
	var b bounds
	b[regionR1], b[regionR2] = regions(w, isItalianVowel)
	b[regionRV] = italianRV(w)

	w = italianPronoun(w, b)
	if next, ok := b.replace(w, italianDerivational); ok {
		w = next
	} else {
		w, _ = b.replace(w, italianVerbEndings)
	}
	return italianFinal(w, b)
}

// italianRV starts after the next vowel when the second letter is a
// consonant, after the next consonant when the word opens with two vowels,
// and after the third letter otherwise.
func italianRV(w string) int {
	switch {
	case !isItalianVowel(w[1]):
		for i := 2; i < len(w); i++ {
			if isItalianVowel(w[i]) {
				return i + 1
			}
		}
		return len(w)
	case isItalianVowel(w[0]):
		for i := 2; i < len(w); i++ {
			if !isItalianVowel(w[i]) {
				return i + 1
			}
		}
		return len(w)
	default:
		return 3
	}
}

func italianPronoun(w string, b bounds) string {
	var p string
	for _, s := range italianPronouns {
		if len(s) > len(p) && strings.HasSuffix(w, s) {
			p = s
		}
	}
	if p == "" {
		return w
	}
	stem := w[:len(w)-len(p)]
	if len(stem) < b[regionRV] {
		return w
	}
	switch {
	case hasAnySuffix(stem, "ando", "endo"):
		return stem
	case hasAnySuffix(stem, "ar", "er", "ir"):
		return stem + "e"
	}
	return w
}

func italianFinal(w string, b bounds) string {
	rv := b[regionRV]
	if n := len(w); n-1 >= rv && isItalianVowel(w[n-1]) && w[n-1] != 'u' {
		w = w[:n-1]
		if n := len(w); n-1 >= rv && w[n-1] == 'i' {
			w = w[:n-1]
		}
	}
	if n := len(w); n-1 >= rv && hasAnySuffix(w, "ch", "gh") {
		w = w[:n-1]
	}
	return w
}
