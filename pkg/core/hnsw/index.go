package hnsw

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/sanonone/kektorbrain/pkg/core/distance"
	"github.com/sanonone/kektorbrain/pkg/core/types"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the
	// dimension fixed by the first insertion.
	ErrDimensionMismatch = errors.New("hnsw: vector dimension mismatch")
	// ErrZeroVector is returned for vectors that cannot be normalised.
	ErrZeroVector = errors.New("hnsw: zero or non-finite vector")
)

const maxLevelCap = 16

// Index is an HNSW graph over unit vectors. All methods are safe for
// concurrent use: searches share a read lock, mutations take the write lock
// for the duration of a single insert or delete.
type Index struct {
	mu sync.RWMutex

	m              int
	mMax0          int
	efConstruction int
	efSearch       int
	ml             float64
	precision      distance.PrecisionType
	deleteThresh   float64

	dims         int
	entrypointID uint32
	maxLevel     int

	nodes                []*Node
	externalToInternalID map[string]uint32
	deleted              int

	rng         *rand.Rand
	seed        int64
	visitedPool sync.Pool
}

// New creates an empty index.
func New(cfg Config) (*Index, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	h := &Index{
		m:              cfg.M,
		mMax0:          cfg.M * 2,
		efConstruction: cfg.EfConstruction,
		efSearch:       cfg.EfSearch,
		ml:             1.0 / math.Log(float64(cfg.M)),
		precision:      cfg.Precision,
		deleteThresh:   cfg.DeleteThreshold,
		seed:           cfg.Seed,
	}
	h.reset()
	h.visitedPool = sync.Pool{
		New: func() any { return newVisitedSet(1024) },
	}
	return h, nil
}

// reset drops every node. Must be called under Lock (or before publication).
func (h *Index) reset() {
	h.nodes = make([]*Node, 0, 1024)
	h.externalToInternalID = make(map[string]uint32)
	h.deleted = 0
	h.maxLevel = -1
	h.entrypointID = 0
	h.rng = rand.New(rand.NewSource(h.seed))
}

// Add inserts vector under id. An existing id is replaced: the old node is
// soft-deleted and the new vector is linked under a fresh internal id.
func (h *Index) Add(id string, vector []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addUnlocked(id, vector)
}

func (h *Index) addUnlocked(id string, vector []float32) error {
	if h.dims != 0 && len(vector) != h.dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), h.dims)
	}
	unit := distance.Normalized(vector)
	if unit == nil {
		return ErrZeroVector
	}
	if h.dims == 0 {
		h.dims = len(unit)
	}
	h.deleteUnlocked(id)

	internalID := uint32(len(h.nodes))
	node := &Node{Id: id, InternalID: internalID}
	switch h.precision {
	case distance.Float16:
		node.VectorF16 = distance.ToFloat16(unit)
	default:
		node.VectorF32 = unit
	}
	h.nodes = append(h.nodes, node)
	h.externalToInternalID[id] = internalID

	level := h.randomLevel()
	node.Connections = make([][]uint32, level+1)

	if h.maxLevel == -1 {
		h.entrypointID = internalID
		h.maxLevel = level
		return nil
	}

	q := h.queryFor(unit)
	currentEntryPoint := h.entrypointID
	for l := h.maxLevel; l > level; l-- {
		nearest := h.searchLayerUnlocked(q, currentEntryPoint, 1, l, true, nil)
		if len(nearest) > 0 {
			currentEntryPoint = nearest[0].Id
		}
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		neighbors := h.searchLayerUnlocked(q, currentEntryPoint, h.efConstruction, l, true, nil)

		maxConns := h.m
		if l == 0 {
			maxConns = h.mMax0
		}
		selected := h.selectNeighbors(neighbors, maxConns)
		node.Connections[l] = make([]uint32, len(selected))
		for i, c := range selected {
			node.Connections[l][i] = c.Id
		}

		for _, c := range selected {
			h.linkBack(h.nodes[c.Id], internalID, l, maxConns)
		}
		if len(neighbors) > 0 {
			currentEntryPoint = neighbors[0].Id
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entrypointID = internalID
	}
	return nil
}

// linkBack adds newID to neighbor's connections at level l, re-selecting the
// neighbour list when it overflows.
func (h *Index) linkBack(neighbor *Node, newID uint32, l, maxConns int) {
	if l >= len(neighbor.Connections) {
		return
	}
	conns := append(neighbor.Connections[l], newID)
	if len(conns) <= maxConns {
		neighbor.Connections[l] = conns
		return
	}
	cands := make([]types.Candidate, 0, len(conns))
	for _, id := range conns {
		cands = append(cands, types.Candidate{Id: id, Distance: h.distanceBetweenNodes(neighbor, h.nodes[id])})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].Distance < cands[j].Distance })
	pruned := h.selectNeighbors(cands, maxConns)
	out := make([]uint32, len(pruned))
	for i, c := range pruned {
		out[i] = c.Id
	}
	neighbor.Connections[l] = out
}

// Delete soft-deletes id. Unknown ids are ignored.
func (h *Index) Delete(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleteUnlocked(id)
}

func (h *Index) deleteUnlocked(id string) bool {
	internalID, ok := h.externalToInternalID[id]
	if !ok {
		return false
	}
	h.nodes[internalID].Deleted = true
	delete(h.externalToInternalID, id)
	h.deleted++
	return true
}

// Search returns up to k live nodes nearest to query, ordered by ascending
// cosine distance. filter, when non-nil, restricts results to ids it accepts.
// ef <= 0 uses the configured default.
func (h *Index) Search(query []float32, k, ef int, filter func(id string) bool) ([]types.SearchResult, error) {
	if k <= 0 {
		return []types.SearchResult{}, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.maxLevel == -1 || len(h.externalToInternalID) == 0 {
		return []types.SearchResult{}, nil
	}
	if len(query) != h.dims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), h.dims)
	}
	unit := distance.Normalized(query)
	if unit == nil {
		return nil, ErrZeroVector
	}
	if ef <= 0 {
		ef = h.efSearch
	}
	if ef < k {
		ef = k
	}

	q := h.queryFor(unit)
	currentEntryPoint := h.entrypointID
	for l := h.maxLevel; l > 0; l-- {
		nearest := h.searchLayerUnlocked(q, currentEntryPoint, 1, l, true, nil)
		if len(nearest) > 0 {
			currentEntryPoint = nearest[0].Id
		}
	}
	found := h.searchLayerUnlocked(q, currentEntryPoint, ef, 0, false, filter)
	if len(found) > k {
		found = found[:k]
	}
	results := make([]types.SearchResult, len(found))
	for i, c := range found {
		results[i] = types.SearchResult{ID: h.nodes[c.Id].Id, Distance: c.Distance}
	}
	return results, nil
}

// query carries the search vector in the index's storage precision.
type query struct {
	f32 []float32
	f16 []uint16
}

func (h *Index) queryFor(unit []float32) query {
	if h.precision == distance.Float16 {
		return query{f16: distance.ToFloat16(unit)}
	}
	return query{f32: unit}
}

func (h *Index) distanceTo(q query, n *Node) float64 {
	var d float64
	var err error
	if q.f16 != nil {
		d, err = distance.CosineDistanceF16(q.f16, n.VectorF16)
	} else {
		d, err = distance.CosineDistance(q.f32, n.VectorF32)
	}
	if err != nil {
		return math.MaxFloat64
	}
	return d
}

func (h *Index) distanceBetweenNodes(n1, n2 *Node) float64 {
	if h.precision == distance.Float16 {
		return h.distanceTo(query{f16: n1.VectorF16}, n2)
	}
	return h.distanceTo(query{f32: n1.VectorF32}, n2)
}

// searchLayerUnlocked performs a greedy best-first search on one layer.
// includeDeleted keeps soft-deleted nodes in the result set (construction
// needs them for connectivity); filter applies only to results, never to
// traversal.
func (h *Index) searchLayerUnlocked(q query, entrypointID uint32, ef, level int, includeDeleted bool, filter func(string) bool) []types.Candidate {
	visited := h.visitedPool.Get().(*visitedSet)
	defer func() {
		visited.reset()
		h.visitedPool.Put(visited)
	}()
	visited.ensure(uint32(len(h.nodes)))

	accept := func(n *Node) bool {
		if n.Deleted && !includeDeleted {
			return false
		}
		return filter == nil || filter(n.Id)
	}

	candidates := make(minHeap, 0, ef)
	results := make(maxHeap, 0, ef+1)

	entryNode := h.nodes[entrypointID]
	ep := types.Candidate{Id: entrypointID, Distance: h.distanceTo(q, entryNode)}
	candidates.push(ep)
	visited.visit(entrypointID)
	if accept(entryNode) {
		results.push(ep)
	}

	for candidates.Len() > 0 {
		current := candidates.pop()
		if results.Len() >= ef && current.Distance > results.peek().Distance {
			break
		}
		currentNode := h.nodes[current.Id]
		if level >= len(currentNode.Connections) {
			continue
		}
		for _, neighborID := range currentNode.Connections[level] {
			if visited.visit(neighborID) {
				continue
			}
			neighborNode := h.nodes[neighborID]
			d := h.distanceTo(q, neighborNode)

			if results.Len() < ef || d < results.peek().Distance {
				c := types.Candidate{Id: neighborID, Distance: d}
				candidates.push(c)
				if accept(neighborNode) {
					results.push(c)
					if results.Len() > ef {
						results.pop()
					}
				}
			}
		}
	}

	out := make([]types.Candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = results.pop()
	}
	return out
}

// selectNeighbors implements the diversity heuristic from the HNSW paper,
// topping up with the best discarded candidates when it is too aggressive.
// candidates must be sorted by ascending distance.
func (h *Index) selectNeighbors(candidates []types.Candidate, m int) []types.Candidate {
	if len(candidates) <= m {
		return candidates
	}
	results := make([]types.Candidate, 0, m)
	discarded := make([]types.Candidate, 0, len(candidates))
	for _, e := range candidates {
		if len(results) >= m {
			break
		}
		good := true
		for _, r := range results {
			if h.distanceBetweenNodes(h.nodes[e.Id], h.nodes[r.Id]) < e.Distance {
				good = false
				break
			}
		}
		if good {
			results = append(results, e)
		} else {
			discarded = append(discarded, e)
		}
	}
	for _, c := range discarded {
		if len(results) >= m {
			break
		}
		results = append(results, c)
	}
	return results
}

func (h *Index) randomLevel() int {
	level := int(math.Floor(-math.Log(1-h.rng.Float64()) * h.ml))
	if level > maxLevelCap {
		level = maxLevelCap
	}
	return level
}

// Vacuum compacts the graph when the share of soft-deleted nodes exceeds
// the configured threshold. It reports whether a compaction ran.
func (h *Index) Vacuum() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.nodes) == 0 || float64(h.deleted)/float64(len(h.nodes)) < h.deleteThresh {
		return false
	}
	live := make([]*Node, 0, len(h.externalToInternalID))
	for _, n := range h.nodes {
		if !n.Deleted {
			live = append(live, n)
		}
	}
	dims := h.dims
	h.reset()
	h.dims = dims
	for _, n := range live {
		// Vectors were valid when first added; a failure here would mean
		// memory corruption, so it is not recoverable.
		if err := h.addUnlocked(n.Id, n.vector()); err != nil {
			panic(fmt.Sprintf("hnsw: vacuum re-insert of %q failed: %v", n.Id, err))
		}
	}
	return true
}

// Vector returns a float32 copy of the stored (unit) vector for id.
func (h *Index) Vector(id string) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	internalID, ok := h.externalToInternalID[id]
	if !ok {
		return nil, false
	}
	return h.nodes[internalID].vector(), true
}

// Has reports whether id is live in the index.
func (h *Index) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.externalToInternalID[id]
	return ok
}

// Len returns the number of live vectors.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.externalToInternalID)
}

// Dimensions returns the vector dimension, or 0 for an empty index.
func (h *Index) Dimensions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dims
}

// DeletedRatio reports the fraction of soft-deleted nodes.
func (h *Index) DeletedRatio() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.nodes) == 0 {
		return 0
	}
	return float64(h.deleted) / float64(len(h.nodes))
}

// Iterate calls fn for every live node with a float32 copy of its vector.
func (h *Index) Iterate(fn func(id string, vector []float32)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, n := range h.nodes {
		if !n.Deleted {
			fn(n.Id, n.vector())
		}
	}
}

func distanceFromF16(v []uint16) []float32 {
	return distance.FromFloat16(v)
}
