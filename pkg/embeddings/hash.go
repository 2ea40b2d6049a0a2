package embeddings

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/sanonone/kektorbrain/pkg/core/distance"
	"github.com/sanonone/kektorbrain/pkg/textanalyzer"
)

// HashEmbedder is a local, dependency-free embedder based on feature
// hashing of word unigrams and bigrams. It needs no network, so it serves
// offline setups and tests. Texts sharing words get similar vectors.
type HashEmbedder struct {
	dims     int
	model    string
	analyzer textanalyzer.Analyzer
}

// NewHashEmbedder returns a HashEmbedder producing dims-sized vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims, model: "hash-v1"}
}

// NewStemmingHashEmbedder hashes stemmed terms with stop words removed, so
// inflected forms of a word share features. The language is part of the
// model name: vectors from different languages are not comparable.
func NewStemmingHashEmbedder(dims int, language string) (*HashEmbedder, error) {
	a, err := textanalyzer.New(language)
	if err != nil {
		return nil, err
	}
	h := NewHashEmbedder(dims)
	h.analyzer = a
	h.model = "hash-v1-" + strings.ToLower(language)
	return h, nil
}

func (h *HashEmbedder) Model() string   { return h.model }
func (h *HashEmbedder) Dimensions() int { return h.dims }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("hash", err)
	}
	if err := checkText("hash", text); err != nil {
		return nil, err
	}
	tokens := h.terms(text)
	if len(tokens) == 0 {
		return nil, unavailable("hash", ReasonEmptyText, nil)
	}

	v := make([]float32, h.dims)
	add := func(feature string, weight float32) {
		f := fnv.New64a()
		f.Write([]byte(feature))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		v[idx] += weight
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}
	if !distance.Normalize(v) {
		return nil, unavailable("hash", ReasonBadResponse, nil)
	}
	return v, nil
}

func (h *HashEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *HashEmbedder) terms(text string) []string {
	if h.analyzer != nil {
		// A text made only of stop words still embeds on its raw words.
		if terms := h.analyzer.Analyze(text); len(terms) > 0 {
			return terms
		}
	}
	return tokenize(text)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
