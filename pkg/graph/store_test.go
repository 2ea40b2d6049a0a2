package graph

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func note(id, title, content string, tags ...string) Node {
	return Node{ID: id, Type: NodeNote, Attributes: NoteAttrs{Title: title, Content: content, Tags: tags}}
}

func mustAdd(t *testing.T, s *Store, n Node) string {
	t.Helper()
	id, err := s.AddNode(n)
	require.NoError(t, err)
	return id
}

func TestStoreNodes(t *testing.T) {
	s := New()

	t.Run("AddAssignsIDAndDerivesText", func(t *testing.T) {
		id := mustAdd(t, s, Node{Type: NodeNote, Attributes: NoteAttrs{Title: "Groceries", Content: "eggs", Tags: []string{"Shopping"}}})
		require.NotEmpty(t, id)

		n, err := s.Get(id)
		require.NoError(t, err)
		assert.Contains(t, n.Text, "Groceries")
		assert.Contains(t, n.Text, "Tags: shopping")
		assert.Equal(t, uint64(1), n.Revision)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		mustAdd(t, s, note("dup", "a", "b"))
		_, err := s.AddNode(note("dup", "a", "b"))
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		_, err := s.Get("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateIsIdempotent", func(t *testing.T) {
		mustAdd(t, s, note("u1", "Title", "Body"))
		before, _ := s.Get("u1")

		after, err := s.UpdateNode("u1", Patch{Attributes: NoteAttrs{Title: "Title", Content: "Body"}})
		require.NoError(t, err)
		assert.Equal(t, before.Revision, after.Revision)
		assert.Equal(t, before.UpdatedAt, after.UpdatedAt)

		changed, err := s.UpdateNode("u1", Patch{Attributes: NoteAttrs{Title: "Title", Content: "New body"}})
		require.NoError(t, err)
		assert.Equal(t, before.Revision+1, changed.Revision)
	})

	t.Run("UpdateTypeMismatch", func(t *testing.T) {
		_, err := s.UpdateNode("u1", Patch{Attributes: TaskAttrs{Title: "x"}})
		assert.ErrorIs(t, err, ErrTypeMismatch)
	})

	t.Run("UpdateUnknown", func(t *testing.T) {
		_, err := s.UpdateNode("missing", Patch{})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestEmbeddingRevision(t *testing.T) {
	s := New()
	mustAdd(t, s, note("n", "Title", "Body"))

	applied, err := s.SetEmbedding("n", "m1", 1, []float32{1, 0})
	require.NoError(t, err)
	require.True(t, applied)

	n, _ := s.Get("n")
	assert.False(t, n.EmbeddingStale("m1"))
	assert.True(t, n.EmbeddingStale("m2"))

	_, err = s.UpdateNode("n", Patch{Attributes: NoteAttrs{Title: "Title", Content: "Changed"}})
	require.NoError(t, err)
	n, _ = s.Get("n")
	assert.True(t, n.EmbeddingStale("m1"), "text change must mark the embedding stale")

	applied, err = s.SetEmbedding("n", "m1", 1, []float32{0, 1})
	require.NoError(t, err)
	assert.False(t, applied, "an embedding for an old revision must be discarded")

	applied, _ = s.SetRefinedEmbedding("n", []float32{1, 1})
	assert.True(t, applied)
	require.NoError(t, s.ClearEmbedding("n"))
	n, _ = s.Get("n")
	assert.Nil(t, n.Embedding)
	assert.Nil(t, n.RefinedEmbedding)
}

func TestEdges(t *testing.T) {
	s := New()
	for _, id := range []string{"a", "b", "c", "d"} {
		mustAdd(t, s, note(id, id, ""))
	}
	require.NoError(t, s.AddEdge("a", "b", RelExplicit, 1))
	require.NoError(t, s.AddEdge("b", "c", RelTagShared, 0.5))
	require.NoError(t, s.AddEdge("c", "a", RelMentions, 0.8))
	require.NoError(t, s.AddEdge("c", "d", RelReferences, 2))

	t.Run("ReAddReplacesWeight", func(t *testing.T) {
		require.NoError(t, s.AddEdge("b", "a", RelExplicit, 0.3))
		w := s.Snapshot().NeighborWeights("a", RelExplicit)
		assert.InDelta(t, 0.3, w["b"], 1e-9)
		assert.Equal(t, 4, s.Snapshot().EdgeCount())
	})

	t.Run("WeightClamped", func(t *testing.T) {
		assert.InDelta(t, 1.0, s.Snapshot().NeighborWeights("d")["c"], 1e-9)
	})

	t.Run("Validation", func(t *testing.T) {
		assert.ErrorIs(t, s.AddEdge("a", "a", RelExplicit, 1), ErrInvalidEdge)
		assert.ErrorIs(t, s.AddEdge("a", "b", "likes", 1), ErrInvalidEdge)
		assert.ErrorIs(t, s.AddEdge("a", "zzz", RelExplicit, 1), ErrNotFound)
	})

	t.Run("NeighborsTerminateOnCycles", func(t *testing.T) {
		one, err := s.Neighbors("a", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, one)

		two, err := s.Neighbors("a", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "d"}, two)
		assert.NotContains(t, two, "a")

		filtered, err := s.Neighbors("a", 3, RelExplicit)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, filtered)
	})

	t.Run("FindPath", func(t *testing.T) {
		path, ok, err := s.Snapshot().FindPath("b", "d", 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", path[0])
		assert.Equal(t, "d", path[len(path)-1])
		assert.Len(t, path, 3)
	})

	t.Run("RemoveEdge", func(t *testing.T) {
		// Direction is part of a directed edge's identity.
		require.NoError(t, s.RemoveEdge("d", "c", RelReferences))
		n, _ := s.Neighbors("d", 1)
		assert.Equal(t, []string{"c"}, n)

		require.NoError(t, s.RemoveEdge("c", "d", RelReferences))
		n, _ = s.Neighbors("d", 1)
		assert.Empty(t, n)
	})
}

func TestDeleteNodeCascades(t *testing.T) {
	s := New()
	var hooked []string
	s.OnDelete(func(id string) { hooked = append(hooked, id) })

	for _, id := range []string{"x", "y", "z"} {
		mustAdd(t, s, note(id, id, "", "shared"))
	}
	require.NoError(t, s.AddEdge("x", "y", RelExplicit, 1))
	require.NoError(t, s.AddEdge("x", "z", RelExplicit, 1))

	before := s.Snapshot()
	require.NoError(t, s.DeleteNode("x"))

	assert.Equal(t, []string{"x"}, hooked)
	_, err := s.Get("x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, s.Snapshot().Edges("y"))
	assert.Empty(t, s.Snapshot().Edges("z"))
	assert.Equal(t, 0, s.Snapshot().EdgeCount())
	assert.Equal(t, []string{"y", "z"}, s.Snapshot().NodesByTag("shared"))

	// Old snapshots are unaffected.
	assert.True(t, before.Has("x"))
	assert.Len(t, before.Edges("x"), 2)

	assert.ErrorIs(t, s.DeleteNode("x"), ErrNotFound)
}

func TestDeleteIsAtomicForReaders(t *testing.T) {
	s := New()
	mustAdd(t, s, note("hub", "hub", ""))
	mustAdd(t, s, note("l", "l", ""))
	mustAdd(t, s, note("r", "r", ""))
	require.NoError(t, s.AddEdge("hub", "l", RelExplicit, 1))
	require.NoError(t, s.AddEdge("hub", "r", RelExplicit, 1))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var torn bool
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				l := snap.NeighborWeights("l")
				r := snap.NeighborWeights("r")
				_, lh := l["hub"]
				_, rh := r["hub"]
				if lh != rh {
					mu.Lock()
					torn = true
					mu.Unlock()
				}
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.DeleteNode("hub"))
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()
	assert.False(t, torn, "a reader observed one edge of the deleted node but not the other")
}

func TestReplaceDerivedEdges(t *testing.T) {
	s := New()
	for _, id := range []string{"a", "b", "c"} {
		mustAdd(t, s, note(id, id, ""))
	}
	require.NoError(t, s.AddEdge("a", "c", RelExplicit, 1))

	affected, err := s.ReplaceDerivedEdges("a", nil, []Edge{{Source: "a", Target: "b", Relation: RelTagShared, Weight: 0.5}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, affected)

	affected, err = s.ReplaceDerivedEdges("a", nil, []Edge{{Source: "a", Target: "c", Relation: RelMentions, Weight: 0.8}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, affected)

	w := s.Snapshot().NeighborWeights("a")
	assert.NotContains(t, w, "b")
	assert.InDelta(t, 1.8, w["c"], 1e-9, "explicit edge survives, mention edge added")

	affected, err = s.ReplaceDerivedEdges("a", nil, []Edge{{Source: "a", Target: "c", Relation: RelMentions, Weight: 0.8}})
	require.NoError(t, err)
	assert.Empty(t, affected)
}

func TestReplaceDerivedEdgesKeepsNewerLinks(t *testing.T) {
	s := New()
	mustAdd(t, s, note("a", "a", "", "shopping"))
	basis := s.Snapshot()

	// "b" appears after a's edges were inferred and links itself to "a".
	mustAdd(t, s, note("b", "b", "", "shopping"))
	_, err := s.ReplaceDerivedEdges("b", s.Snapshot(), []Edge{{Source: "b", Target: "a", Relation: RelTagShared, Weight: 0.5}})
	require.NoError(t, err)

	// a's stale inference does not know "b".
	affected, err := s.ReplaceDerivedEdges("a", basis, nil)
	require.NoError(t, err)
	assert.Empty(t, affected)
	assert.Contains(t, s.Snapshot().NeighborWeights("a"), "b")

	// From a view that contains "b", the missing edge is removed.
	affected, err = s.ReplaceDerivedEdges("a", s.Snapshot(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, affected)
	assert.NotContains(t, s.Snapshot().NeighborWeights("a"), "b")
}

func TestLoadDropsDanglingEdges(t *testing.T) {
	s := New()
	nodes := []Node{note("a", "a", ""), note("b", "b", "")}
	nodes[0].Text, nodes[1].Text = "a", "b"
	edges := []Edge{
		{Source: "a", Target: "b", Relation: RelExplicit, Weight: 1},
		{Source: "a", Target: "ghost", Relation: RelExplicit, Weight: 1},
	}
	require.NoError(t, s.Load(nodes, edges))
	assert.Equal(t, 2, s.Snapshot().Len())
	assert.Equal(t, 1, s.Snapshot().EdgeCount())
}

func TestStats(t *testing.T) {
	s := New()
	mustAdd(t, s, note("a", "a", ""))
	mustAdd(t, s, Node{ID: "t", Attributes: TaskAttrs{Title: "task"}})
	mustAdd(t, s, note("lonely", "lonely", ""))
	require.NoError(t, s.AddEdge("a", "t", RelExplicit, 1))

	st := s.Snapshot().Stats()
	assert.Equal(t, 3, st.Nodes)
	assert.Equal(t, 1, st.Edges)
	assert.Equal(t, 2, st.ByType[NodeNote])
	assert.Equal(t, 1, st.ByType[NodeTask])
	assert.Equal(t, 1, st.Isolated)
	assert.InDelta(t, 2.0/3.0, st.AverageDegree, 1e-9)
}

func TestExportJSONRoundTrip(t *testing.T) {
	s := New()
	mustAdd(t, s, note("a", "Groceries", "eggs", "shopping"))
	mustAdd(t, s, Node{ID: "t", Attributes: TaskAttrs{Title: "Buy milk", Priority: "high", Tags: []string{"shopping"}}})
	require.NoError(t, s.AddEdge("a", "t", RelExplicit, 0.5))

	exp := s.Snapshot().Export()
	data, err := json.Marshal(exp)
	require.NoError(t, err)

	var back Export
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back.Nodes, 2)
	for _, n := range back.Nodes {
		orig, ok := s.Snapshot().Get(n.ID)
		require.True(t, ok)
		assert.Equal(t, orig.Attributes, n.Attributes)
		assert.Equal(t, orig.Revision, n.Revision)
	}

	restored := New()
	require.NoError(t, restored.Load(back.Nodes, back.Edges))
	assert.Equal(t, 1, restored.Snapshot().EdgeCount())

	var bad Node
	assert.Error(t, json.Unmarshal([]byte(`{"id":"x","type":"alien","attributes":{}}`), &bad))
}
