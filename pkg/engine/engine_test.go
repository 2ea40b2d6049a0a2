package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sanonone/kektorbrain/pkg/core/distance"
	"github.com/sanonone/kektorbrain/pkg/embeddings"
	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/llm"
	"github.com/sanonone/kektorbrain/pkg/rag"
	"github.com/sanonone/kektorbrain/pkg/vectorindex"
)

// flakyEmbedder times out on texts containing trigger while down is set.
type flakyEmbedder struct {
	*embeddings.HashEmbedder
	trigger string
	down    atomic.Bool
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.down.Load() && strings.Contains(text, f.trigger) {
		<-ctx.Done()
		return nil, &embeddings.UnavailableError{Provider: "flaky", Reason: embeddings.ReasonTimeout, Err: ctx.Err()}
	}
	return f.HashEmbedder.Embed(ctx, text)
}

type stubGenerator struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (g *stubGenerator) Generate(_ context.Context, _, _ string) (llm.Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return llm.Generation{}, g.err
	}
	return llm.Generation{Text: g.text, Provider: "stub"}, nil
}

func newTestEngine(t *testing.T, dir string, emb embeddings.Embedder, gen rag.Generator) *Engine {
	t.Helper()
	opts := DefaultOptions(dir)
	opts.MaintenanceInterval = time.Hour
	opts.AutoSaveThreshold = 0
	opts.AutoSaveInterval = 0
	opts.EmbedTimeout = 50 * time.Millisecond
	// Refinement runs only when a test flushes it.
	opts.Refiner.Interval = time.Hour
	opts.Refiner.BatchThreshold = 1 << 20

	deps := Deps{Embedder: emb}
	if gen != nil {
		deps.Generator = gen
	}
	e, err := Open(context.Background(), opts, deps)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func mustUpsert(t *testing.T, e *Engine, id string, attrs graph.Attributes) string {
	t.Helper()
	got, err := e.UpsertEntity(context.Background(), EntityInput{ID: id, Attributes: attrs})
	if err != nil {
		t.Fatalf("UpsertEntity(%s): %v", id, err)
	}
	return got
}

func ids(ms []Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.NodeID
	}
	return out
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func TestUpsertIsIdempotent(t *testing.T) {
	e := newTestEngine(t, "", embeddings.NewHashEmbedder(64), nil)
	attrs := graph.NoteAttrs{Title: "Quarterly planning", Content: "Goals for Q3", Tags: []string{"work"}}

	mustUpsert(t, e, "n1", attrs)
	first, _ := e.Get("n1")
	mustUpsert(t, e, "n1", attrs)
	second, _ := e.Get("n1")

	if first.Revision != second.Revision || !first.UpdatedAt.Equal(second.UpdatedAt) {
		t.Errorf("identical upsert changed the node: rev %d -> %d", first.Revision, second.Revision)
	}
	if len(first.Embedding) == 0 || len(first.Embedding) != len(second.Embedding) {
		t.Fatalf("embeddings: %d vs %d", len(first.Embedding), len(second.Embedding))
	}
	for i := range first.Embedding {
		if first.Embedding[i] != second.Embedding[i] {
			t.Fatalf("embedding differs at %d", i)
		}
	}
	if got := e.index.IDs(); len(got) != 1 || got[0] != "n1" {
		t.Errorf("index entries = %v", got)
	}

	// A real change re-embeds in place.
	attrs.Content = "Goals for Q4 and hiring"
	mustUpsert(t, e, "n1", attrs)
	third, _ := e.Get("n1")
	if third.Revision == first.Revision || third.EmbeddingRevision != third.Revision {
		t.Errorf("update not re-embedded: rev %d, embedding rev %d", third.Revision, third.EmbeddingRevision)
	}
	if e.index.Len() != 1 {
		t.Errorf("index len = %d", e.index.Len())
	}
}

func TestUpsertValidation(t *testing.T) {
	e := newTestEngine(t, "", embeddings.NewHashEmbedder(32), nil)
	ctx := context.Background()

	t.Run("MissingAttributes", func(t *testing.T) {
		_, err := e.UpsertEntity(ctx, EntityInput{Type: graph.NodeNote})
		if CodeOf(err) != CodeInvalidArgument || !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("RequiredField", func(t *testing.T) {
		_, err := e.UpsertEntity(ctx, EntityInput{Attributes: graph.TaskAttrs{Status: "todo"}})
		if CodeOf(err) != CodeInvalidArgument {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("TypeMismatch", func(t *testing.T) {
		_, err := e.UpsertEntity(ctx, EntityInput{Type: graph.NodeTask, Attributes: graph.NoteAttrs{Title: "x"}})
		if CodeOf(err) != CodeInvalidArgument {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("TypeChange", func(t *testing.T) {
		mustUpsert(t, e, "c1", graph.ContactAttrs{Name: "Ann Lee"})
		_, err := e.UpsertEntity(ctx, EntityInput{ID: "c1", Attributes: graph.NoteAttrs{Title: "Ann"}})
		if CodeOf(err) != CodeInvalidArgument {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("GeneratedID", func(t *testing.T) {
		id := mustUpsert(t, e, "", graph.NoteAttrs{Title: "Untitled thoughts"})
		if id == "" {
			t.Fatal("no id generated")
		}
		if _, err := e.Get(id); err != nil {
			t.Fatal(err)
		}
	})
}

func TestDeletedNodesNeverReturned(t *testing.T) {
	gen := &stubGenerator{text: "You planned a garden."}
	e := newTestEngine(t, "", embeddings.NewHashEmbedder(64), gen)
	ctx := context.Background()

	// 1. Three related notes.
	for _, id := range []string{"g1", "g2", "g3"} {
		mustUpsert(t, e, id, graph.NoteAttrs{Title: "Garden plan " + id, Content: "tomatoes and basil", Tags: []string{"garden"}})
	}
	if err := e.FlushRefinements(ctx); err != nil {
		t.Fatal(err)
	}

	// 2. Delete one.
	if err := e.DeleteEntity(ctx, "g2"); err != nil {
		t.Fatal(err)
	}

	// 3. No read path returns it.
	if _, err := e.Get("g2"); CodeOf(err) != CodeNotFound || !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if e.index.Has("g2") {
		t.Error("vector entry survived delete")
	}
	found, err := e.SemanticSearch(ctx, "garden plan tomatoes", 10)
	if err != nil {
		t.Fatal(err)
	}
	if contains(ids(found), "g2") || len(found) != 2 {
		t.Errorf("search = %v", ids(found))
	}
	sim, err := e.Similar(ctx, "g1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if contains(ids(sim), "g2") {
		t.Errorf("similar = %v", ids(sim))
	}
	ans, err := e.Query(ctx, "what is in my garden plan?")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range ans.Sources {
		if s.NodeID == "g2" {
			t.Error("deleted node cited as source")
		}
	}
	if err := e.DeleteEntity(ctx, "g2"); CodeOf(err) != CodeNotFound {
		t.Errorf("second delete: %v", err)
	}
}

func TestSimilarShoppingScenario(t *testing.T) {
	emb := embeddings.NewHashEmbedder(128)
	e := newTestEngine(t, "", emb, nil)
	ctx := context.Background()

	mustUpsert(t, e, "A", graph.TaskAttrs{Title: "Buy milk", Tags: []string{"shopping"}})
	mustUpsert(t, e, "B", graph.NoteAttrs{Title: "Grocery list", Content: "eggs, bread", Tags: []string{"shopping"}})

	a, _ := e.Get("A")
	b, _ := e.Get("B")
	raw, err := distance.Cosine(a.Embedding, b.Embedding)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.FlushRefinements(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := e.Similar(ctx, "A", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].NodeID != "B" {
		t.Fatalf("Similar(A,1) = %+v", got)
	}
	if got[0].Similarity <= raw {
		t.Errorf("refined similarity %.4f not above raw cosine %.4f", got[0].Similarity, raw)
	}
}

func TestSimilarIsBoundedAndSorted(t *testing.T) {
	e := newTestEngine(t, "", embeddings.NewHashEmbedder(64), nil)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		tags := []string{"reading"}
		if i%3 == 0 {
			tags = append(tags, "fiction")
		}
		mustUpsert(t, e, fmt.Sprintf("b%02d", i), graph.DocumentAttrs{Title: fmt.Sprintf("Book %d", i), Summary: "a novel about the sea", Tags: tags})
	}
	if err := e.FlushRefinements(ctx); err != nil {
		t.Fatal(err)
	}

	for _, k := range []int{1, 3, 5, 50} {
		got, err := e.Similar(ctx, "b00", k)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) > k {
			t.Errorf("k=%d: %d results", k, len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i].Score > got[i-1].Score {
				t.Errorf("k=%d: not sorted at %d: %v > %v", k, i, got[i].Score, got[i-1].Score)
			}
		}
		if contains(ids(got), "b00") {
			t.Errorf("k=%d: seed returned", k)
		}
	}

	docs, err := e.SemanticSearch(ctx, "novel about the sea", 5, graph.NodeTask)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Errorf("type filter ignored: %v", ids(docs))
	}
}

func TestSnapshotRebuildRoundTrip(t *testing.T) {
	emb := embeddings.NewHashEmbedder(64)
	src := newTestEngine(t, "", emb, nil)
	ctx := context.Background()

	mustUpsert(t, src, "t1", graph.TaskAttrs{Title: "Renew passport", Tags: []string{"travel"}})
	mustUpsert(t, src, "t2", graph.TaskAttrs{Title: "Book flights", Tags: []string{"travel"}, Project: "Lisbon"})
	mustUpsert(t, src, "t3", graph.TaskAttrs{Title: "Reserve hotel", Project: "Lisbon"})
	mustUpsert(t, src, "n1", graph.NoteAttrs{Title: "Packing list", Content: "adapter, sunscreen", Tags: []string{"travel"}})
	mustUpsert(t, src, "c1", graph.ContactAttrs{Name: "Rita Gomes", Organization: "Lisbon Tours"})
	if err := src.Link(ctx, "c1", "t3", graph.RelExplicit, 0); err != nil {
		t.Fatal(err)
	}
	if err := src.FlushRefinements(ctx); err != nil {
		t.Fatal(err)
	}

	before, err := src.Similar(ctx, "t1", 3)
	if err != nil {
		t.Fatal(err)
	}
	exp := src.GraphSnapshot()

	dst := newTestEngine(t, "", emb, nil)
	if err := dst.RebuildFromSnapshot(ctx, exp); err != nil {
		t.Fatal(err)
	}
	after, err := dst.Similar(ctx, "t1", 3)
	if err != nil {
		t.Fatal(err)
	}
	assertSameMatches(t, before, after)

	if got := dst.GraphSnapshot(); len(got.Nodes) != len(exp.Nodes) || len(got.Edges) != len(exp.Edges) {
		t.Errorf("rebuilt graph has %d nodes, %d edges; want %d, %d", len(got.Nodes), len(got.Edges), len(exp.Nodes), len(exp.Edges))
	}
}

func TestReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	emb := embeddings.NewHashEmbedder(64)
	ctx := context.Background()

	// 1. Populate and close.
	e1 := newTestEngine(t, dir, emb, nil)
	mustUpsert(t, e1, "d1", graph.DocumentAttrs{Title: "Lease agreement", Summary: "flat rental terms", Tags: []string{"home"}})
	mustUpsert(t, e1, "n1", graph.NoteAttrs{Title: "Rent reminder", Content: "pay on the first", Tags: []string{"home"}})
	if err := e1.FlushRefinements(ctx); err != nil {
		t.Fatal(err)
	}
	before, err := e1.Similar(ctx, "d1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "kektorbrain.kbs")); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	// 2. Reopen from disk.
	e2 := newTestEngine(t, dir, emb, nil)
	n, err := e2.Get("n1")
	if err != nil {
		t.Fatal(err)
	}
	if n.Title() != "Rent reminder" || n.RefinedEmbedding == nil {
		t.Errorf("restored node = %q, refined=%v", n.Title(), n.RefinedEmbedding != nil)
	}
	after, err := e2.Similar(ctx, "d1", 5)
	if err != nil {
		t.Fatal(err)
	}
	assertSameMatches(t, before, after)
}

func assertSameMatches(t *testing.T, want, got []Match) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("got %v, want %v", ids(got), ids(want))
	}
	for i := range want {
		if want[i].NodeID != got[i].NodeID || math.Abs(want[i].Score-got[i].Score) > 1e-5 {
			t.Errorf("match %d: got %s/%.6f, want %s/%.6f", i, got[i].NodeID, got[i].Score, want[i].NodeID, want[i].Score)
		}
	}
}

func TestQueryEmptyIndexDoesNotFabricate(t *testing.T) {
	gen := &stubGenerator{text: "Task: File taxes, due Friday"}
	e := newTestEngine(t, "", embeddings.NewHashEmbedder(64), gen)

	ans, err := e.Query(context.Background(), "What tasks are due this week?")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Sources == nil || len(ans.Sources) != 0 {
		t.Errorf("sources = %#v, want empty non-nil", ans.Sources)
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times without context", gen.calls)
	}
	if strings.Contains(ans.Text, "File taxes") {
		t.Errorf("answer fabricated a task: %q", ans.Text)
	}
	if ans.State != rag.StateAnswered {
		t.Errorf("state = %s", ans.State)
	}
}

func TestQueryAnswersAndDegrades(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{text: "Call Ann about the contract."}
	e := newTestEngine(t, "", embeddings.NewHashEmbedder(64), gen)
	mustUpsert(t, e, "c1", graph.ContactAttrs{Name: "Ann Lee", Organization: "Acme"})
	mustUpsert(t, e, "t1", graph.TaskAttrs{Title: "Review Acme contract", Project: "Acme"})

	ans, err := e.Query(ctx, "what do I need to do for Acme?")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != "Call Ann about the contract." || len(ans.Sources) == 0 {
		t.Fatalf("answer = %+v", ans)
	}

	gen.err = fmt.Errorf("%w: upstream down", llm.ErrGenerationFailed)
	_, err = e.Query(ctx, "what do I need to do for Acme?")
	if CodeOf(err) != CodeGenerationFailure || !errors.Is(err, ErrGenerationFailure) {
		t.Fatalf("err = %v", err)
	}
	var qe *rag.QueryError
	if !errors.As(err, &qe) || len(qe.Sources) == 0 {
		t.Errorf("degraded response lost its sources: %v", err)
	}

	_, err = e.Query(ctx, "  ")
	if CodeOf(err) != CodeInvalidArgument {
		t.Errorf("blank question: %v", err)
	}
}

func TestEmbeddingTimeoutExcludesUntilBackfill(t *testing.T) {
	ctx := context.Background()
	emb := &flakyEmbedder{HashEmbedder: embeddings.NewHashEmbedder(64), trigger: "Task:"}
	e := newTestEngine(t, "", emb, nil)

	mustUpsert(t, e, "note", graph.NoteAttrs{Title: "Milk and bread", Content: "buy milk at the market"})

	// 1. The provider times out: the upsert succeeds without a vector.
	emb.down.Store(true)
	id, err := e.UpsertEntity(ctx, EntityInput{ID: "task", Attributes: graph.TaskAttrs{Title: "Buy milk"}})
	if err != nil || id != "task" {
		t.Fatalf("UpsertEntity = %q, %v", id, err)
	}
	n, _ := e.Get("task")
	if n.Embedding != nil || e.index.Has("task") {
		t.Fatal("node kept a vector after embedding timeout")
	}
	if !e.Stats().BackfillPending {
		t.Error("backfill not scheduled")
	}

	// 2. Excluded from search meanwhile.
	got, err := e.SemanticSearch(ctx, "buy milk", 10)
	if err != nil {
		t.Fatal(err)
	}
	if contains(ids(got), "task") || !contains(ids(got), "note") {
		t.Errorf("search during outage = %v", ids(got))
	}
	if _, err := e.Similar(ctx, "task", 3); CodeOf(err) != CodeEmbeddingFailure || !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Errorf("Similar on unembedded node: %v", err)
	}

	// 3. Still failing: backfill leaves it pending.
	if n, err := e.Backfill(ctx); err != nil || n != 0 {
		t.Errorf("backfill during outage = %d, %v", n, err)
	}

	// 4. Provider recovers.
	emb.down.Store(false)
	if n, err := e.Backfill(ctx); err != nil || n != 1 {
		t.Fatalf("backfill = %d, %v", n, err)
	}
	got, err = e.SemanticSearch(ctx, "buy milk", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(ids(got), "task") {
		t.Errorf("search after backfill = %v", ids(got))
	}
	if e.Stats().BackfillPending {
		t.Error("backfill still pending")
	}
}

func TestDeleteIsAtomicForReaders(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "", embeddings.NewHashEmbedder(32), nil)
	mustUpsert(t, e, "a", graph.NoteAttrs{Title: "Alpha"})
	mustUpsert(t, e, "b", graph.NoteAttrs{Title: "Bravo"})
	mustUpsert(t, e, "x", graph.NoteAttrs{Title: "Xray"})
	for _, src := range []string{"a", "b"} {
		if err := e.Link(ctx, src, "x", graph.RelExplicit, 0.8); err != nil {
			t.Fatal(err)
		}
	}

	hasEdge := func(snap *graph.Snapshot, from string) bool {
		for _, ed := range snap.Edges(from) {
			if ed.Other(from) == "x" {
				return true
			}
		}
		return false
	}

	var violations atomic.Int64
	var reads atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := e.store.Snapshot()
				hasX := snap.Has("x")
				ax, bx := hasEdge(snap, "a"), hasEdge(snap, "b")
				if ax != bx || ax != hasX {
					violations.Add(1)
				}
				if !hasX && e.index.Has("x") {
					violations.Add(1)
				}
				reads.Add(1)
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	if err := e.DeleteEntity(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()

	if v := violations.Load(); v > 0 {
		t.Fatalf("%d torn reads out of %d", v, reads.Load())
	}
	for _, from := range []string{"a", "b"} {
		nb, err := e.Neighbors(from, 1)
		if err != nil {
			t.Fatal(err)
		}
		if contains(nb, "x") {
			t.Errorf("%s still neighbours x", from)
		}
	}
}

func TestReconcileRemovesGhostEntries(t *testing.T) {
	ctx := context.Background()
	emb := embeddings.NewHashEmbedder(64)
	e := newTestEngine(t, "", emb, nil)
	mustUpsert(t, e, "n1", graph.NoteAttrs{Title: "Recipe: pancakes", Content: "flour, eggs, milk"})

	ghostVec, err := emb.Embed(ctx, "pancakes recipe")
	if err != nil {
		t.Fatal(err)
	}

	// 1. A stray entry is ignored by search and triggers a background repair.
	if err := e.index.Upsert("ghost", ghostVec, vectorindex.Meta{Type: "note"}); err != nil {
		t.Fatal(err)
	}
	got, err := e.SemanticSearch(ctx, "pancakes recipe", 5)
	if err != nil {
		t.Fatal(err)
	}
	if contains(ids(got), "ghost") {
		t.Fatal("search returned an entry with no node")
	}
	deadline := time.Now().Add(2 * time.Second)
	for e.index.Has("ghost") {
		if time.Now().After(deadline) {
			t.Fatal("ghost entry was never reconciled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 2. Manual sweep reports what it fixed.
	if err := e.index.Upsert("ghost2", ghostVec, vectorindex.Meta{Type: "note"}); err != nil {
		t.Fatal(err)
	}
	e.index.Remove("n1")
	report, err := e.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Removed) != 1 || report.Removed[0] != "ghost2" || report.Added != 1 || report.Indexed != 1 {
		t.Errorf("report = %+v", report)
	}
	if !e.index.Has("n1") || e.index.Has("ghost2") {
		t.Error("index not repaired")
	}
}

func TestLinkAndUnlink(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "", embeddings.NewHashEmbedder(32), nil)
	mustUpsert(t, e, "p", graph.DocumentAttrs{Title: "Design doc"})
	mustUpsert(t, e, "q", graph.NoteAttrs{Title: "Review notes"})

	if err := e.Link(ctx, "p", "q", "", 0); err != nil {
		t.Fatal(err)
	}
	nb, _ := e.Neighbors("q", 1)
	if !contains(nb, "p") {
		t.Fatalf("neighbours of q = %v", nb)
	}
	path, err := e.FindPath("p", "q", 2)
	if err != nil || len(path) != 2 {
		t.Errorf("FindPath = %v, %v", path, err)
	}

	if err := e.Link(ctx, "p", "q", graph.RelTagShared, 1); CodeOf(err) != CodeInvalidArgument {
		t.Errorf("derived relation accepted: %v", err)
	}
	if err := e.Link(ctx, "p", "missing", graph.RelExplicit, 1); CodeOf(err) != CodeNotFound {
		t.Errorf("link to missing node: %v", err)
	}
	if err := e.Link(ctx, "p", "p", graph.RelExplicit, 1); CodeOf(err) != CodeInvalidArgument {
		t.Errorf("self loop: %v", err)
	}

	if err := e.Unlink(ctx, "p", "q", graph.RelExplicit); err != nil {
		t.Fatal(err)
	}
	nb, _ = e.Neighbors("q", 1)
	if contains(nb, "p") {
		t.Errorf("edge survived unlink: %v", nb)
	}
	if _, err := e.FindPath("p", "q", 2); CodeOf(err) != CodeNotFound {
		t.Errorf("FindPath after unlink: %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	if CodeOf(nil) != "" {
		t.Error("nil error has a code")
	}
	if CodeOf(errors.New("boom")) != CodeInternal {
		t.Error("foreign error not internal")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	err := wrap("op", ctx.Err())
	if CodeOf(err) != CodeTimeout || !errors.Is(err, ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("deadline mapped to %v", err)
	}

	e := newTestEngine(t, "", embeddings.NewHashEmbedder(32), nil)
	if _, err := e.Similar(context.Background(), "nobody", 3); CodeOf(err) != CodeNotFound {
		t.Errorf("Similar(missing) = %v", err)
	}
	if _, err := Open(context.Background(), DefaultOptions(""), Deps{}); CodeOf(err) != CodeInvalidArgument {
		t.Errorf("Open without embedder = %v", err)
	}
}

// scaledEmbedder returns vectors three times longer than unit length.
type scaledEmbedder struct {
	*embeddings.HashEmbedder
}

func (s scaledEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := s.HashEmbedder.Embed(ctx, text)
	for i := range v {
		v[i] *= 3
	}
	return v, err
}

func TestIsolatedEntityKeepsItsEmbedding(t *testing.T) {
	e := newTestEngine(t, "", scaledEmbedder{embeddings.NewHashEmbedder(64)}, nil)
	mustUpsert(t, e, "solo", graph.NoteAttrs{Title: "Alone", Content: "nothing links here"})
	if err := e.FlushRefinements(context.Background()); err != nil {
		t.Fatal(err)
	}

	n, err := e.Get("solo")
	if err != nil {
		t.Fatal(err)
	}
	if norm := distance.Norm(n.Embedding); math.Abs(norm-1) > 1e-5 {
		t.Errorf("stored embedding has norm %.6f, want 1", norm)
	}
	if n.RefinedEmbedding == nil {
		t.Fatal("isolated entity was not refined")
	}
	for i := range n.Embedding {
		if n.RefinedEmbedding[i] != n.Embedding[i] {
			t.Fatalf("refined[%d] = %v, embedding[%d] = %v", i, n.RefinedEmbedding[i], i, n.Embedding[i])
		}
	}
}

func TestClosedEngineRejectsWrites(t *testing.T) {
	e := newTestEngine(t, "", embeddings.NewHashEmbedder(32), nil)
	ctx := context.Background()
	mustUpsert(t, e, "a", graph.NoteAttrs{Title: "first"})
	mustUpsert(t, e, "b", graph.NoteAttrs{Title: "second"})
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	checks := map[string]error{
		"upsert": func() error {
			_, err := e.UpsertEntity(ctx, EntityInput{ID: "c", Attributes: graph.NoteAttrs{Title: "late"}})
			return err
		}(),
		"delete":  e.DeleteEntity(ctx, "a"),
		"link":    e.Link(ctx, "a", "b", graph.RelExplicit, 0.5),
		"unlink":  e.Unlink(ctx, "a", "b", graph.RelExplicit),
		"rebuild": e.RebuildFromSnapshot(ctx, e.GraphSnapshot()),
	}
	_, checks["backfill"] = e.Backfill(ctx)
	for op, err := range checks {
		if !errors.Is(err, ErrClosed) {
			t.Errorf("%s after Close = %v, want ErrClosed", op, err)
		}
	}
	if _, err := e.Get("a"); err != nil {
		t.Errorf("reads should still work after Close: %v", err)
	}
}

// gateEmbedder blocks on texts containing "slow" until release is closed.
type gateEmbedder struct {
	*embeddings.HashEmbedder
	entered chan struct{}
	release chan struct{}
}

func (g *gateEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "slow") {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.HashEmbedder.Embed(ctx, text)
}

func TestReconcileDoesNotWaitForEmbedding(t *testing.T) {
	emb := &gateEmbedder{
		HashEmbedder: embeddings.NewHashEmbedder(32),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	opts := DefaultOptions("")
	opts.MaintenanceInterval = time.Hour
	opts.EmbedTimeout = 10 * time.Second
	opts.Refiner.Interval = time.Hour
	e, err := Open(context.Background(), opts, Deps{Embedder: emb})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	ctx := context.Background()
	mustUpsert(t, e, "fast", graph.NoteAttrs{Title: "quick note"})

	upserted := make(chan error, 1)
	go func() {
		_, err := e.UpsertEntity(ctx, EntityInput{ID: "slow", Attributes: graph.NoteAttrs{Title: "slow provider"}})
		upserted <- err
	}()
	<-emb.entered

	reconciled := make(chan error, 1)
	go func() {
		_, err := e.Reconcile(ctx)
		reconciled <- err
	}()
	select {
	case err := <-reconciled:
		if err != nil {
			t.Errorf("Reconcile: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Reconcile blocked behind an embedding call")
	}

	close(emb.release)
	if err := <-upserted; err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	n, err := e.Get("slow")
	if err != nil || n.Embedding == nil {
		t.Errorf("slow entity not embedded: %v", err)
	}
}
