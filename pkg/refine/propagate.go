// Package refine computes relation-aware node embeddings by message passing
// over the knowledge graph and schedules that work in debounced batches.
package refine

import (
	"sort"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/sanonone/kektorbrain/pkg/core/distance"
	"github.com/sanonone/kektorbrain/pkg/graph"
)

// Propagate computes refined embeddings for targets from snap.
//
// One layer maps every node v to
//
//	normalize(alpha*e(v) + (1-alpha) * sum_u (w(v,u)/sum_w) * e(u))
//
// over its 1-hop neighbours u, where w is the summed weight of all edges
// between v and u. With layers > 1 each layer consumes the previous layer's
// output. Neighbours without an embedding are skipped; a node left with no
// usable neighbour keeps its own embedding unchanged, as does every node when
// alpha is 1. Targets without an embedding are absent from the result.
func Propagate(snap *graph.Snapshot, targets []string, alpha float64, layers int) map[string][]float32 {
	if layers < 1 {
		layers = 1
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultConfig().Alpha
	}

	// Multi-source BFS: layer i is needed for nodes within layers-i hops.
	dist := make(map[string]int, len(targets))
	frontier := make([]string, 0, len(targets))
	for _, id := range targets {
		if _, seen := dist[id]; seen || !snap.Has(id) {
			continue
		}
		dist[id] = 0
		frontier = append(frontier, id)
	}
	for d := 1; d <= layers && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			for u := range snap.NeighborWeights(id) {
				if _, seen := dist[u]; !seen {
					dist[u] = d
					next = append(next, u)
				}
			}
		}
		frontier = next
	}

	prev := make(map[string][]float32, len(dist))
	for id := range dist {
		if n, _ := snap.Get(id); len(n.Embedding) > 0 {
			prev[id] = n.Embedding
		}
	}

	for layer := 1; layer <= layers; layer++ {
		cur := make(map[string][]float32)
		for id, d := range dist {
			if d > layers-layer {
				continue
			}
			self, ok := prev[id]
			if !ok {
				continue
			}
			cur[id] = step(self, snap.NeighborWeights(id), prev, float32(alpha))
		}
		prev = cur
	}

	out := make(map[string][]float32, len(targets))
	for _, id := range targets {
		if v, ok := prev[id]; ok {
			out[id] = v
		}
	}
	return out
}

// step applies one message-passing layer to a single node.
func step(self []float32, weights map[string]float64, prev map[string][]float32, alpha float32) []float32 {
	ids := make([]string, 0, len(weights))
	for u := range weights {
		ids = append(ids, u)
	}
	sort.Strings(ids)

	dim := len(self)
	agg := blas32.Vector{N: dim, Inc: 1, Data: make([]float32, dim)}
	var total float32
	for _, u := range ids {
		eu, ok := prev[u]
		w := float32(weights[u])
		if !ok || len(eu) != dim || w <= 0 {
			continue
		}
		blas32.Axpy(w, blas32.Vector{N: dim, Inc: 1, Data: eu}, agg)
		total += w
	}
	if total == 0 || alpha == 1 {
		return append([]float32(nil), self...)
	}

	out := blas32.Vector{N: dim, Inc: 1, Data: make([]float32, dim)}
	blas32.Axpy(alpha, blas32.Vector{N: dim, Inc: 1, Data: self}, out)
	blas32.Axpy((1-alpha)/total, agg, out)
	if !distance.Normalize(out.Data) {
		return append([]float32(nil), self...)
	}
	return out.Data
}
