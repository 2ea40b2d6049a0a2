package embeddings

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
)

// CachedEmbedder memoises vectors by model and text digest, evicting the
// least recently used entry once it holds maxEntries.
type CachedEmbedder struct {
	next       Embedder
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List

	hits, misses atomic.Uint64
}

type cacheEntry struct {
	key string
	vec []float32
}

func NewCachedEmbedder(next Embedder, maxEntries int) *CachedEmbedder {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &CachedEmbedder{
		next:       next,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

func (c *CachedEmbedder) Model() string   { return c.next.Model() }
func (c *CachedEmbedder) Dimensions() int { return c.next.Dimensions() }

// Stats returns cache hits and misses.
func (c *CachedEmbedder) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.next.Model() + ":" + hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).vec, true
}

func (c *CachedEmbedder) put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).vec = vec
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, vec: vec})
	for c.order.Len() > c.maxEntries {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.entries, last.Value.(*cacheEntry).key)
	}
}

// Embed returns a copy of the cached vector, or computes and caches it.
// Failures are not cached.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	k := c.key(text)
	if v, ok := c.get(k); ok {
		c.hits.Add(1)
		return clone(v), nil
	}
	c.misses.Add(1)
	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.put(k, clone(v))
	return v, nil
}

// EmbedMany serves cached texts locally and forwards the rest in one call.
func (c *CachedEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := c.get(c.key(t)); ok {
			c.hits.Add(1)
			out[i] = clone(v)
			continue
		}
		c.misses.Add(1)
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := c.next.EmbedMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vecs {
		c.put(c.key(missing[j]), clone(v))
		out[missingIdx[j]] = v
	}
	return out, nil
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
