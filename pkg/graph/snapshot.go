package graph

import (
	"fmt"
	"sort"
	"time"
)

// Snapshot is a frozen, consistent view of the graph. It is safe to share
// between goroutines and never observes later writes.
type Snapshot struct {
	st      *state
	takenAt time.Time
}

// TakenAt returns when the snapshot was taken.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Len returns the number of nodes.
func (s *Snapshot) Len() int { return s.st.nodes.Len() }

// EdgeCount returns the number of distinct edges.
func (s *Snapshot) EdgeCount() int { return s.st.edgeCount }

// Get returns the node with id.
func (s *Snapshot) Get(id string) (Node, bool) {
	n, ok := s.st.nodes.Get(id)
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Has reports whether id exists.
func (s *Snapshot) Has(id string) bool {
	_, ok := s.st.nodes.Get(id)
	return ok
}

// Nodes returns every node ordered by id.
func (s *Snapshot) Nodes() []Node {
	out := make([]Node, 0, s.st.nodes.Len())
	s.st.nodes.Scan(func(_ string, n *Node) bool {
		out = append(out, *n)
		return true
	})
	return out
}

// Edges returns the edges incident to id.
func (s *Snapshot) Edges(id string) []Edge {
	list, _ := s.st.adj.Get(id)
	out := make([]Edge, len(list))
	copy(out, list)
	return out
}

// AllEdges returns every edge exactly once, ordered by source then target.
func (s *Snapshot) AllEdges() []Edge {
	out := make([]Edge, 0, s.st.edgeCount)
	s.st.adj.Scan(func(id string, list []Edge) bool {
		for _, e := range list {
			if e.Source == id {
				out = append(out, e)
			}
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Relation < out[j].Relation
	})
	return out
}

// NeighborWeights returns the 1-hop neighbours of id with the summed weight
// of all edges to each, optionally restricted to rels.
func (s *Snapshot) NeighborWeights(id string, rels ...RelationType) map[string]float64 {
	filter := relationFilter(rels)
	list, _ := s.st.adj.Get(id)
	out := make(map[string]float64, len(list))
	for _, e := range list {
		if filter != nil && !filter[e.Relation] {
			continue
		}
		out[e.Other(id)] += e.Weight
	}
	return out
}

// Hops runs a breadth-first expansion from id and returns the hop distance
// of every node reached within maxHops. The seed is not included. maxHops <=
// 0 means 1.
func (s *Snapshot) Hops(id string, maxHops int, rels ...RelationType) (map[string]int, error) {
	if !s.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if maxHops <= 0 {
		maxHops = 1
	}
	filter := relationFilter(rels)
	visited := map[string]int{id: 0}
	frontier := []string{id}
	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			list, _ := s.st.adj.Get(cur)
			for _, e := range list {
				if filter != nil && !filter[e.Relation] {
					continue
				}
				other := e.Other(cur)
				if _, seen := visited[other]; seen {
					continue
				}
				visited[other] = hop
				next = append(next, other)
			}
		}
		frontier = next
	}
	delete(visited, id)
	return visited, nil
}

// Neighbors returns the ids within maxHops of id, ordered by hop distance
// and then id.
func (s *Snapshot) Neighbors(id string, maxHops int, rels ...RelationType) ([]string, error) {
	hops, err := s.Hops(id, maxHops, rels...)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(hops))
	for n := range hops {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if hops[out[i]] != hops[out[j]] {
			return hops[out[i]] < hops[out[j]]
		}
		return out[i] < out[j]
	})
	return out, nil
}

// FindPath returns a shortest path from src to dst (both included) of at
// most maxDepth edges. maxDepth <= 0 means 4. ok is false when no such path
// exists.
func (s *Snapshot) FindPath(src, dst string, maxDepth int) (path []string, ok bool, err error) {
	for _, id := range []string{src, dst} {
		if !s.Has(id) {
			return nil, false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	if src == dst {
		return []string{src}, true, nil
	}
	if maxDepth <= 0 {
		maxDepth = 4
	}
	parent := map[string]string{src: ""}
	frontier := []string{src}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			list, _ := s.st.adj.Get(cur)
			for _, e := range list {
				other := e.Other(cur)
				if _, seen := parent[other]; seen {
					continue
				}
				parent[other] = cur
				if other == dst {
					return buildPath(parent, dst), true, nil
				}
				next = append(next, other)
			}
		}
		sort.Strings(next)
		frontier = next
	}
	return nil, false, nil
}

func buildPath(parent map[string]string, dst string) []string {
	var rev []string
	for cur := dst; cur != ""; cur = parent[cur] {
		rev = append(rev, cur)
	}
	out := make([]string, len(rev))
	for i, id := range rev {
		out[len(rev)-1-i] = id
	}
	return out
}

// NodesByTag returns the ids of nodes carrying tag, ordered by id.
func (s *Snapshot) NodesByTag(tag string) []string {
	tag = normalizeTag(tag)
	var out []string
	s.st.tags.Ascend(tagEntry{tag: tag}, func(e tagEntry) bool {
		if e.tag != tag {
			return false
		}
		out = append(out, e.id)
		return true
	})
	return out
}

// Stats summarises the graph.
type Stats struct {
	Nodes         int                  `json:"nodes"`
	Edges         int                  `json:"edges"`
	ByType        map[NodeType]int     `json:"by_type"`
	ByRelation    map[RelationType]int `json:"by_relation"`
	Embedded      int                  `json:"embedded"`
	Refined       int                  `json:"refined"`
	Isolated      int                  `json:"isolated"`
	AverageDegree float64              `json:"average_degree"`
}

// Stats computes graph statistics.
func (s *Snapshot) Stats() Stats {
	st := Stats{
		Nodes:      s.Len(),
		Edges:      s.EdgeCount(),
		ByType:     make(map[NodeType]int),
		ByRelation: make(map[RelationType]int),
	}
	s.st.nodes.Scan(func(id string, n *Node) bool {
		st.ByType[n.Type]++
		if n.Embedding != nil {
			st.Embedded++
		}
		if n.RefinedEmbedding != nil {
			st.Refined++
		}
		if list, _ := s.st.adj.Get(id); len(list) == 0 {
			st.Isolated++
		}
		return true
	})
	for _, e := range s.AllEdges() {
		st.ByRelation[e.Relation]++
	}
	if st.Nodes > 0 {
		st.AverageDegree = 2 * float64(st.Edges) / float64(st.Nodes)
	}
	return st
}

func relationFilter(rels []RelationType) map[RelationType]bool {
	if len(rels) == 0 {
		return nil
	}
	f := make(map[RelationType]bool, len(rels))
	for _, r := range rels {
		f[r] = true
	}
	return f
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Export is a self-contained copy of a snapshot, suitable for persistence
// and for rebuilding a Store with Load.
type Export struct {
	Nodes   []Node    `json:"nodes"`
	Edges   []Edge    `json:"edges"`
	TakenAt time.Time `json:"taken_at"`
}

// Export copies every node and edge of the snapshot.
func (s *Snapshot) Export() Export {
	return Export{Nodes: s.Nodes(), Edges: s.AllEdges(), TakenAt: s.takenAt}
}
