// Package textanalyzer turns text into normalized terms: lowercase words
// with stop words removed and suffixes stemmed. The local hash embedder uses
// it so that "groceries" and "grocery" land on the same features.
package textanalyzer

import (
	"fmt"
	"regexp"
	"strings"
)

// Analyzer turns a text into a slice of terms.
type Analyzer interface {
	Analyze(text string) []string
}

// Language names accepted by New.
const (
	English = "english"
	Italian = "italian"
)

// New returns the stemming analyzer for language.
func New(language string) (Analyzer, error) {
	switch strings.ToLower(language) {
	case English, "en":
		return stemmer{stops: englishStopWords, stem: stemEnglish}, nil
	case Italian, "it":
		return stemmer{stops: italianStopWords, stem: stemItalian}, nil
	default:
		return nil, fmt.Errorf("textanalyzer: unsupported language %q", language)
	}
}

// \p{L}+ matches letters in any script.
var tokenizerRegex = regexp.MustCompile(`\p{L}+`)

// Tokenize splits text into lowercase words.
func Tokenize(text string) []string {
	return tokenizerRegex.FindAllString(strings.ToLower(text), -1)
}

type stopWords map[string]struct{}

func newStopWords(words ...string) stopWords {
	set := make(stopWords, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func (sw stopWords) filter(tokens []string) []string {
	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, stop := sw[token]; !stop {
			filtered = append(filtered, token)
		}
	}
	return filtered
}

var englishStopWords = newStopWords(
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from", "has", "he",
	"in", "is", "it", "its", "of", "on", "that", "the", "to", "was", "were",
	"will", "with",
)

var italianStopWords = newStopWords(
	"a", "ad", "al", "allo", "ai", "agli", "all", "agl", "alla", "alle",
	"con", "col", "coi", "da", "dal", "dallo", "dai", "dagli", "dall", "dagl", "dalla", "dalle",
	"di", "del", "dello", "dei", "degli", "dell", "degl", "della", "delle",
	"e", "ed", "in", "nel", "nello", "nei", "negli", "nell", "negl", "nella", "nelle",
	"su", "sul", "sullo", "sui", "sugli", "sull", "sugl", "sulla", "sulle",
	"per", "tra", "contro", "io", "tu", "lui", "lei", "noi", "voi", "loro",
	"mio", "mia", "miei", "mie", "tuo", "tua", "tuoi", "tue", "suo", "sua", "suoi", "sue",
	"nostro", "nostra", "nostri", "nostre", "vostro", "vostra", "vostri", "vostre",
	"mi", "ti", "ci", "vi", "lo", "la", "li", "le", "gli", "ne",
	"il", "i", "un", "uno", "una", "ma", "se", "perché", "anche", "come",
	"dov", "dove", "che", "chi", "cui", "non", "più", "quale", "quanto", "quanti",
	"quanta", "quante", "quello", "quelli", "quella", "quelle", "questo", "questi",
	"questa", "queste", "si", "ho", "hai", "ha", "abbiamo", "avete", "hanno",
	"abbia", "abbiate", "abbiano", "avrò", "avrai", "avrà", "avremo", "avrete", "avranno",
	"avrei", "avresti", "avrebbe", "avremmo", "avreste", "avrebbero", "avevo", "avevi",
	"aveva", "avevamo", "avevate", "avevano", "ebbi", "avesti", "ebbe", "avemmo",
	"aveste", "ebbero", "fui", "fosti", "fu", "fummo", "foste", "furono",
	"ero", "eri", "era", "eravamo", "eravate", "erano", "sarei", "saresti",
	"sarebbe", "saremmo", "sareste", "sarebbero", "sono", "sei", "è", "siamo",
	"siete", "sia", "siate", "siano", "sto", "stai", "sta", "stiamo", "state", "stanno",
)

// stemmer is the shared pipeline: tokenize, drop stop words, stem.
type stemmer struct {
	stops stopWords
	stem  func(string) string
}

func (s stemmer) Analyze(text string) []string {
	tokens := s.stops.filter(Tokenize(text))
	for i, token := range tokens {
		tokens[i] = s.stem(token)
	}
	return tokens
}
