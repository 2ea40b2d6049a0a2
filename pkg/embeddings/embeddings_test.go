package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/kektorbrain/pkg/core/distance"
)

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(128)
	ctx := context.Background()

	a1, err := e.Embed(ctx, "Buy milk at the store")
	require.NoError(t, err)
	a2, err := e.Embed(ctx, "Buy milk at the store")
	require.NoError(t, err)
	assert.Equal(t, a1, a2, "embedding must be deterministic")
	assert.Len(t, a1, 128)
	assert.InDelta(t, 1.0, distance.Norm(a1), 1e-5)

	related, _ := e.Embed(ctx, "buy milk and bread")
	unrelated, _ := e.Embed(ctx, "quarterly tax report")
	simRelated, _ := distance.Cosine(a1, related)
	simUnrelated, _ := distance.Cosine(a1, unrelated)
	assert.Greater(t, simRelated, simUnrelated)

	for _, bad := range []string{"", "   ", "!!! ???"} {
		_, err := e.Embed(ctx, bad)
		assert.ErrorIs(t, err, ErrEmbeddingUnavailable, bad)
	}
}

func TestStemmingHashEmbedder(t *testing.T) {
	ctx := context.Background()
	plain := NewHashEmbedder(128)
	stem, err := NewStemmingHashEmbedder(128, "english")
	require.NoError(t, err)
	assert.Equal(t, "hash-v1", plain.Model())
	assert.Equal(t, "hash-v1-english", stem.Model())

	sim := func(e *HashEmbedder, a, b string) float64 {
		va, err := e.Embed(ctx, a)
		require.NoError(t, err)
		vb, err := e.Embed(ctx, b)
		require.NoError(t, err)
		s, _ := distance.Cosine(va, vb)
		return s
	}
	assert.InDelta(t, 1.0, sim(stem, "connecting the networks", "connected network"), 1e-5)
	assert.Greater(t, sim(stem, "connecting networks", "connected network"), sim(plain, "connecting networks", "connected network"))

	// Only stop words: falls back to raw words instead of failing.
	_, err = stem.Embed(ctx, "the and of")
	require.NoError(t, err)

	it, err := NewStemmingHashEmbedder(128, "italian")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim(it, "Comprare i gatti al mercato", "comprato gatto mercati"), 1e-5)

	_, err = NewStemmingHashEmbedder(64, "klingon")
	assert.Error(t, err)

	e, err := NewFromConfig(Config{Provider: "hash", Dimensions: 32, Language: "italian"})
	require.NoError(t, err)
	assert.Equal(t, "hash-v1-italian", e.Model())
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic", req.Model)
		switch req.Prompt {
		case "zero":
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0, 0}})
		case "fail":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1, 2, 3}})
		}
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "nomic", time.Second)
	assert.Equal(t, "ollama/nomic", e.Model())

	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v)
	assert.Equal(t, 3, e.Dimensions())

	many, err := e.EmbedMany(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, many, 3)

	_, err = e.Embed(context.Background(), "zero")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)

	_, err = e.Embed(context.Background(), "fail")
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ReasonProvider, ue.Reason)
}

func TestEmbedderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := NewOllamaEmbedder(srv.URL, "slow", 50*time.Millisecond)
	_, err := e.Embed(context.Background(), "hello")
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ReasonTimeout, ue.Reason)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestOpenAIEmbedderBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data := make([]map[string]any, len(req.Input))
		// Reply out of order to check index handling.
		for i := range req.Input {
			j := len(req.Input) - 1 - i
			data[i] = map[string]any{"index": j, "embedding": []float32{float32(j + 1), 0}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(srv.URL, "text-embedding-3-small", "sk-test", time.Second)
	out, err := e.EmbedMany(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, v := range out {
		assert.Equal(t, float32(i+1), v[0])
	}
	assert.Equal(t, 2, e.Dimensions())

	_, err = e.EmbedMany(context.Background(), []string{"ok", ""})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

type countingEmbedder struct {
	*HashEmbedder
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.HashEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(int32(len(texts)))
	return c.HashEmbedder.EmbedMany(ctx, texts)
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(32)}
	c := NewCachedEmbedder(inner, 2)
	ctx := context.Background()

	v1, err := c.Embed(ctx, "alpha")
	require.NoError(t, err)
	v1[0] = 42 // callers own their copy
	v2, _ := c.Embed(ctx, "alpha")
	assert.NotEqual(t, float32(42), v2[0])
	assert.Equal(t, int32(1), inner.calls.Load())

	_, _ = c.EmbedMany(ctx, []string{"alpha", "beta", "gamma"})
	assert.Equal(t, int32(3), inner.calls.Load(), "only beta and gamma reach the provider")

	// alpha was evicted by the size bound.
	_, _ = c.Embed(ctx, "alpha")
	assert.Equal(t, int32(4), inner.calls.Load())

	hits, misses := c.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(4), misses)

	_, err = c.Embed(ctx, " ")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestRateLimitedEmbedderHonoursContext(t *testing.T) {
	r := NewRateLimitedEmbedder(NewHashEmbedder(8), 0.001, 1)
	_, err := r.Embed(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Embed(ctx, "second")
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ReasonRateLimited, ue.Reason)
}

func TestNewFromConfig(t *testing.T) {
	e, err := NewFromConfig(DefaultConfig())
	require.NoError(t, err)
	_, cached := e.(*CachedEmbedder)
	assert.True(t, cached)
	assert.Equal(t, "hash-v1", e.Model())

	_, err = NewFromConfig(Config{Provider: "openai"})
	assert.Error(t, err)
	_, err = NewFromConfig(Config{Provider: "bogus"})
	assert.Error(t, err)
}

func TestEmbedConcurrentlyStopsOnError(t *testing.T) {
	_, err := EmbedConcurrently(context.Background(), NewHashEmbedder(8), []string{"ok", "", "fine"}, 2)
	assert.True(t, errors.Is(err, ErrEmbeddingUnavailable))
}
