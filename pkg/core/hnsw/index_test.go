package hnsw

import (
	"container/heap"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/sanonone/kektorbrain/pkg/core/distance"
	"github.com/sanonone/kektorbrain/pkg/core/types"
)

func randomVectors(n, dim int, seed int64) map[string][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make(map[string][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[fmt.Sprintf("vec-%d", i)] = v
	}
	return out
}

func bruteForce(vectors map[string][]float32, q []float32, k int) []string {
	type scored struct {
		id  string
		cos float64
	}
	all := make([]scored, 0, len(vectors))
	for id, v := range vectors {
		c, _ := distance.Cosine(q, v)
		all = append(all, scored{id, c})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].cos > all[j].cos })
	ids := make([]string, 0, k)
	for i := 0; i < k && i < len(all); i++ {
		ids = append(ids, all[i].id)
	}
	return ids
}

func TestHeaps(t *testing.T) {
	candidates := []types.Candidate{{Id: 1, Distance: 5}, {Id: 2, Distance: 2}, {Id: 3, Distance: 8}}

	mn := new(minHeap)
	mx := new(maxHeap)
	for _, c := range candidates {
		heap.Push(mn, c)
		heap.Push(mx, c)
	}
	if got := mn.pop().Distance; got != 2 {
		t.Errorf("minHeap top = %f, want 2", got)
	}
	if got := mx.peek().Distance; got != 8 {
		t.Errorf("maxHeap top = %f, want 8", got)
	}
}

func TestIndexRecall(t *testing.T) {
	const n, dim, k = 500, 16, 10
	vectors := randomVectors(n, dim, 7)

	idx, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	for id, v := range vectors {
		if err := idx.Add(id, v); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	if idx.Len() != n {
		t.Fatalf("Len = %d, want %d", idx.Len(), n)
	}

	queries := randomVectors(20, dim, 99)
	hits, total := 0, 0
	for _, q := range queries {
		res, err := idx.Search(q, k, 100, nil)
		if err != nil {
			t.Fatal(err)
		}
		truth := make(map[string]bool)
		for _, id := range bruteForce(vectors, q, k) {
			truth[id] = true
		}
		for _, r := range res {
			if truth[r.ID] {
				hits++
			}
		}
		total += k
	}
	recall := float64(hits) / float64(total)
	if recall < 0.9 {
		t.Errorf("recall too low: %.2f", recall)
	}
}

func TestIndexDeleteAndReplace(t *testing.T) {
	idx, _ := New(DefaultConfig())
	_ = idx.Add("a", []float32{1, 0, 0})
	_ = idx.Add("b", []float32{0, 1, 0})
	_ = idx.Add("c", []float32{0, 0, 1})

	t.Run("DeletedNeverReturned", func(t *testing.T) {
		idx.Delete("a")
		res, _ := idx.Search([]float32{1, 0, 0}, 3, 0, nil)
		for _, r := range res {
			if r.ID == "a" {
				t.Fatal("deleted node returned by search")
			}
		}
		if idx.Has("a") {
			t.Error("Has reports deleted node")
		}
	})

	t.Run("ReplaceKeepsSingleEntry", func(t *testing.T) {
		_ = idx.Add("b", []float32{1, 1, 0})
		_ = idx.Add("b", []float32{1, 1, 0})
		if idx.Len() != 2 {
			t.Errorf("Len = %d, want 2", idx.Len())
		}
		res, _ := idx.Search([]float32{1, 1, 0}, 1, 0, nil)
		if len(res) != 1 || res[0].ID != "b" {
			t.Fatalf("unexpected result %+v", res)
		}
		if res[0].Similarity() < 0.999 {
			t.Errorf("similarity = %f, want ~1", res[0].Similarity())
		}
	})

	t.Run("Filter", func(t *testing.T) {
		res, _ := idx.Search([]float32{1, 1, 0}, 5, 0, func(id string) bool { return id == "c" })
		if len(res) != 1 || res[0].ID != "c" {
			t.Fatalf("filter not honoured: %+v", res)
		}
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		if err := idx.Add("d", []float32{1, 2}); err == nil {
			t.Error("expected dimension mismatch")
		}
	})

	t.Run("ZeroVector", func(t *testing.T) {
		if err := idx.Add("z", []float32{0, 0, 0}); err != ErrZeroVector {
			t.Errorf("expected ErrZeroVector, got %v", err)
		}
	})
}

func TestIndexEmpty(t *testing.T) {
	idx, _ := New(Config{})
	res, err := idx.Search([]float32{1, 2}, 5, 0, nil)
	if err != nil || len(res) != 0 {
		t.Fatalf("empty index: got (%v, %v)", res, err)
	}
}

func TestVacuum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeleteThreshold = 0.3
	idx, _ := New(cfg)
	vectors := randomVectors(50, 8, 3)
	for id, v := range vectors {
		_ = idx.Add(id, v)
	}
	if idx.Vacuum() {
		t.Fatal("vacuum ran without deletions")
	}
	deleted := 0
	for id := range vectors {
		if deleted == 25 {
			break
		}
		idx.Delete(id)
		delete(vectors, id)
		deleted++
	}
	if !idx.Vacuum() {
		t.Fatal("vacuum did not run")
	}
	if idx.DeletedRatio() != 0 {
		t.Errorf("deleted ratio after vacuum = %f", idx.DeletedRatio())
	}
	if idx.Len() != len(vectors) {
		t.Errorf("Len = %d, want %d", idx.Len(), len(vectors))
	}
	for id := range vectors {
		if !idx.Has(id) {
			t.Errorf("%s lost during vacuum", id)
		}
	}
}

func TestFloat16Precision(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Precision = distance.Float16
	idx, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	_ = idx.Add("x", []float32{1, 0})
	_ = idx.Add("y", []float32{0, 1})
	res, _ := idx.Search([]float32{0.9, 0.1}, 1, 0, nil)
	if len(res) != 1 || res[0].ID != "x" {
		t.Fatalf("unexpected float16 result %+v", res)
	}
	v, ok := idx.Vector("x")
	if !ok || v[0] < 0.99 {
		t.Errorf("stored vector = %v", v)
	}
}
