// Package vectorindex keeps the approximate-nearest-neighbour projection of
// node embeddings. It is derived state: the graph store is the authority on
// which nodes exist, and the whole index can be rebuilt from it.
package vectorindex

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanonone/kektorbrain/pkg/core/distance"
	"github.com/sanonone/kektorbrain/pkg/core/hnsw"
)

// ErrDimensionMismatch is returned when a vector's size differs from the
// index dimension.
var ErrDimensionMismatch = hnsw.ErrDimensionMismatch

// ErrZeroVector is returned for vectors that cannot be normalised.
var ErrZeroVector = hnsw.ErrZeroVector

// Meta is the per-entry data used for filtering and tie-breaking.
type Meta struct {
	Type      string
	UpdatedAt time.Time
}

// Entry is one node's vector under the index's model.
type Entry struct {
	NodeID string
	Vector []float32
	Meta   Meta
}

// Hit is a search result. Score is the raw cosine in [-1,1] used for
// ranking; Similarity is the same value mapped to [0,1] for display.
type Hit struct {
	NodeID     string
	Type       string
	Score      float64
	Similarity float64
	UpdatedAt  time.Time
}

// Filter restricts a query. Zero value accepts everything.
type Filter struct {
	Types   []string
	Exclude []string
}

func (f Filter) empty() bool { return len(f.Types) == 0 && len(f.Exclude) == 0 }

// Config tunes the index.
type Config struct {
	HNSW hnsw.Config `yaml:"hnsw" json:"hnsw"`
	// ExactThreshold is the size below which queries are answered by a
	// linear scan instead of the HNSW graph.
	ExactThreshold int `yaml:"exact_threshold" json:"exact_threshold"`
	// Oversample multiplies k for the candidate pool drawn from the graph
	// before exact re-scoring.
	Oversample int `yaml:"oversample" json:"oversample"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		HNSW:           hnsw.DefaultConfig(),
		ExactThreshold: 2048,
		Oversample:     2,
	}
}

// generation is one immutable-by-swap instance: an ANN graph plus the
// metadata of its entries.
type generation struct {
	model string
	ann   *hnsw.Index

	mu   sync.RWMutex
	meta map[string]Meta
}

// Index is safe for concurrent use. Queries run against whichever
// generation is current; Rebuild prepares a new generation off to the side
// and swaps it in atomically.
type Index struct {
	cfg     Config
	current atomic.Pointer[generation]
	// swapMu is held shared by writers and exclusively by the swap, so a
	// write is never lost into a generation that is being replaced.
	swapMu sync.RWMutex
}

// New returns an empty index for model.
func New(model string, cfg Config) (*Index, error) {
	if cfg.ExactThreshold < 0 {
		cfg.ExactThreshold = 0
	}
	if cfg.Oversample <= 0 {
		cfg.Oversample = 2
	}
	g, err := newGeneration(model, cfg.HNSW)
	if err != nil {
		return nil, err
	}
	idx := &Index{cfg: cfg}
	idx.current.Store(g)
	return idx, nil
}

func newGeneration(model string, cfg hnsw.Config) (*generation, error) {
	ann, err := hnsw.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: %w", err)
	}
	return &generation{model: model, ann: ann, meta: make(map[string]Meta)}, nil
}

// ModelID returns the model whose vectors the index holds.
func (x *Index) ModelID() string { return x.current.Load().model }

// Len returns the number of entries.
func (x *Index) Len() int { return x.current.Load().ann.Len() }

// Dimensions returns the vector size, 0 while empty.
func (x *Index) Dimensions() int { return x.current.Load().ann.Dimensions() }

// Has reports whether nodeID has an entry.
func (x *Index) Has(nodeID string) bool { return x.current.Load().ann.Has(nodeID) }

// Get returns the stored unit vector for nodeID.
func (x *Index) Get(nodeID string) ([]float32, bool) {
	return x.current.Load().ann.Vector(nodeID)
}

// IDs returns every indexed node id, sorted.
func (x *Index) IDs() []string {
	g := x.current.Load()
	g.mu.RLock()
	ids := make([]string, 0, len(g.meta))
	for id := range g.meta {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Upsert stores or replaces the vector of nodeID.
func (x *Index) Upsert(nodeID string, vector []float32, meta Meta) error {
	x.swapMu.RLock()
	defer x.swapMu.RUnlock()

	g := x.current.Load()
	if err := g.ann.Add(nodeID, vector); err != nil {
		return err
	}
	g.mu.Lock()
	g.meta[nodeID] = meta
	g.mu.Unlock()
	return nil
}

// Remove deletes the entry of nodeID. It reports whether one existed.
func (x *Index) Remove(nodeID string) bool {
	x.swapMu.RLock()
	defer x.swapMu.RUnlock()

	g := x.current.Load()
	g.mu.Lock()
	delete(g.meta, nodeID)
	g.mu.Unlock()
	return g.ann.Delete(nodeID)
}

// Query returns up to k entries most similar to vector, ordered by
// descending cosine, ties broken by most recent UpdatedAt and then id. k is
// clamped to the index size; an empty index yields an empty slice.
func (x *Index) Query(vector []float32, k int, filter Filter) ([]Hit, error) {
	g := x.current.Load()
	n := g.ann.Len()
	if k <= 0 || n == 0 {
		return []Hit{}, nil
	}
	if k > n {
		k = n
	}
	if len(vector) != g.ann.Dimensions() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), g.ann.Dimensions())
	}
	q := distance.Normalized(vector)
	if q == nil {
		return nil, ErrZeroVector
	}

	accept := g.filterFunc(filter)
	var hits []Hit
	if n <= x.cfg.ExactThreshold {
		hits = g.scan(q, accept)
	} else {
		pool := k * x.cfg.Oversample
		res, err := g.ann.Search(q, pool, 0, accept)
		if err != nil {
			return nil, err
		}
		hits = make([]Hit, 0, len(res))
		for _, r := range res {
			hits = append(hits, g.hit(r.ID, r.Similarity()))
		}
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Similarity returns the cosine between the stored vectors of a and b.
func (x *Index) Similarity(a, b string) (float64, error) {
	va, ok := x.Get(a)
	if !ok {
		return 0, fmt.Errorf("vectorindex: %s not indexed", a)
	}
	vb, ok := x.Get(b)
	if !ok {
		return 0, fmt.Errorf("vectorindex: %s not indexed", b)
	}
	return distance.Cosine(va, vb)
}

// Rebuild replaces the whole index with entries for model. Concurrent
// queries keep using the previous generation until the swap.
func (x *Index) Rebuild(model string, entries []Entry) error {
	g, err := newGeneration(model, x.cfg.HNSW)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := g.ann.Add(e.NodeID, e.Vector); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.NodeID, err))
			continue
		}
		g.meta[e.NodeID] = e.Meta
	}
	if len(errs) > 0 {
		return fmt.Errorf("vectorindex: rebuild: %w", errors.Join(errs...))
	}

	x.swapMu.Lock()
	x.current.Store(g)
	x.swapMu.Unlock()
	return nil
}

// Vacuum compacts the ANN graph if enough entries were deleted.
func (x *Index) Vacuum() bool {
	x.swapMu.RLock()
	defer x.swapMu.RUnlock()
	return x.current.Load().ann.Vacuum()
}

func (g *generation) filterFunc(f Filter) func(string) bool {
	if f.empty() {
		return nil
	}
	types := make(map[string]bool, len(f.Types))
	for _, t := range f.Types {
		types[t] = true
	}
	excluded := make(map[string]bool, len(f.Exclude))
	for _, id := range f.Exclude {
		excluded[id] = true
	}
	return func(id string) bool {
		if excluded[id] {
			return false
		}
		if len(types) == 0 {
			return true
		}
		g.mu.RLock()
		m := g.meta[id]
		g.mu.RUnlock()
		return types[m.Type]
	}
}

func (g *generation) scan(q []float32, accept func(string) bool) []Hit {
	var hits []Hit
	g.ann.Iterate(func(id string, v []float32) {
		if accept != nil && !accept(id) {
			return
		}
		cos, err := distance.Cosine(q, v)
		if err != nil {
			return
		}
		hits = append(hits, g.hit(id, cos))
	})
	return hits
}

func (g *generation) hit(id string, cos float64) Hit {
	g.mu.RLock()
	m := g.meta[id]
	g.mu.RUnlock()
	return Hit{
		NodeID:     id,
		Type:       m.Type,
		Score:      cos,
		Similarity: distance.DisplaySimilarity(cos),
		UpdatedAt:  m.UpdatedAt,
	}
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].UpdatedAt.Equal(hits[j].UpdatedAt) {
			return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
		}
		return hits[i].NodeID < hits[j].NodeID
	})
}
