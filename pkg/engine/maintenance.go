package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/metrics"
	"github.com/sanonone/kektorbrain/pkg/refine"
	"github.com/sanonone/kektorbrain/pkg/vectorindex"
)

// ReconcileReport describes one index rebuild.
type ReconcileReport struct {
	Indexed int `json:"indexed"`
	// Removed lists index entries that had no node behind them.
	Removed []string `json:"removed,omitempty"`
	// Added counts nodes that had a vector but no index entry.
	Added    int           `json:"added"`
	Duration time.Duration `json:"duration"`
}

// Stats summarises the engine state.
type Stats struct {
	Graph           graph.Stats  `json:"graph"`
	IndexedVectors  int          `json:"indexed_vectors"`
	EmbeddingModel  string       `json:"embedding_model"`
	PendingRefine   int          `json:"pending_refine"`
	Refiner         refine.Stats `json:"refiner"`
	UnsavedWrites   int64        `json:"unsaved_writes"`
	LastSave        time.Time    `json:"last_save"`
	BackfillPending bool         `json:"backfill_pending"`
}

// GraphSnapshot exports every node and edge as of a single point in time.
func (e *Engine) GraphSnapshot() GraphExport {
	return e.store.Snapshot().Export()
}

// RebuildFromSnapshot replaces the whole graph with exp and rebuilds the
// vector index from the embeddings it carries.
func (e *Engine) RebuildFromSnapshot(ctx context.Context, exp GraphExport) error {
	if err := ctx.Err(); err != nil {
		return wrap("rebuild aborted", err)
	}
	leave, err := e.enter()
	if err != nil {
		return err
	}
	defer leave()

	e.indexMu.Lock()
	defer e.indexMu.Unlock()

	if err := e.store.Load(exp.Nodes, exp.Edges); err != nil {
		return wrap("rebuild graph", err)
	}
	report, err := e.rebuildIndex()
	if err != nil {
		return wrap("rebuild index", err)
	}
	e.backfillPending.Store(true)
	e.markDirty()
	e.updateGauges()
	e.logger.Info("engine: rebuilt from snapshot", "nodes", len(exp.Nodes), "edges", len(exp.Edges), "indexed", report.Indexed)
	return nil
}

// rebuildIndex replaces the index with the current searchable vectors of
// the graph. Callers hold indexMu exclusively, except during Open.
func (e *Engine) rebuildIndex() (ReconcileReport, error) {
	start := time.Now()
	model := e.embedder.Model()
	dims := e.embedder.Dimensions()
	before := make(map[string]struct{}, e.index.Len())
	for _, id := range e.index.IDs() {
		before[id] = struct{}{}
	}

	var entries []vectorindex.Entry
	for _, n := range e.store.Snapshot().Nodes() {
		vec := n.SearchVector()
		if vec == nil || n.EmbeddingStale(model) {
			continue
		}
		if dims > 0 && len(vec) != dims {
			continue
		}
		entries = append(entries, vectorindex.Entry{
			NodeID: n.ID,
			Vector: vec,
			Meta:   vectorindex.Meta{Type: string(n.Type), UpdatedAt: n.UpdatedAt},
		})
	}

	report := ReconcileReport{Indexed: len(entries)}
	for _, en := range entries {
		if _, ok := before[en.NodeID]; ok {
			delete(before, en.NodeID)
		} else {
			report.Added++
		}
	}
	for id := range before {
		report.Removed = append(report.Removed, id)
	}

	if err := e.index.Rebuild(model, entries); err != nil {
		return report, fmt.Errorf("engine: rebuild vector index: %w", err)
	}
	report.Duration = time.Since(start)
	return report, nil
}

func (e *Engine) scheduleReconcile(ids []string) {
	e.reconcilePending.Store(true)
	select {
	case e.reconcileKick <- struct{}{}:
	default:
	}
}

func (e *Engine) reconcileIfPending(ctx context.Context) {
	if !e.reconcilePending.CompareAndSwap(true, false) {
		return
	}
	if _, err := e.reconcile(ctx, "inconsistency"); err != nil {
		e.reconcilePending.Store(true)
		e.logger.Error("engine: reconciliation failed", "error", err)
	}
}

// Reconcile rebuilds the vector index from the graph store, dropping
// entries of deleted nodes and restoring missing ones.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	return e.reconcile(ctx, "manual")
}

func (e *Engine) reconcile(ctx context.Context, trigger string) (ReconcileReport, error) {
	if err := ctx.Err(); err != nil {
		return ReconcileReport{}, wrap("reconcile aborted", err)
	}
	e.indexMu.Lock()
	report, err := e.rebuildIndex()
	e.indexMu.Unlock()
	if err != nil {
		return report, wrap("reconcile", err)
	}
	metrics.Reconciliations.WithLabelValues(trigger).Inc()
	metrics.IndexedVectors.Set(float64(e.index.Len()))

	if len(report.Removed) > 0 || report.Added > 0 {
		e.logger.Error("engine: vector index was inconsistent with the graph, rebuilt",
			"trigger", trigger, "removed", len(report.Removed), "added", report.Added, "error", ErrIndexInconsistency)
	} else {
		e.logger.Info("engine: vector index reconciled", "trigger", trigger, "indexed", report.Indexed)
	}
	return report, nil
}

// Backfill embeds every node whose embedding is missing or stale, with at
// most EmbedWorkers calls in flight. It returns the number of nodes
// embedded. Failed nodes stay pending for the next run.
func (e *Engine) Backfill(ctx context.Context) (int, error) {
	leave, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer leave()

	model := e.embedder.Model()
	var todo []string
	for _, n := range e.store.Snapshot().Nodes() {
		if n.EmbeddingStale(model) {
			todo = append(todo, n.ID)
		}
	}
	e.backfillPending.Store(false)
	if len(todo) == 0 {
		return 0, nil
	}

	results := make([]bool, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.EmbedWorkers)
	for i, id := range todo {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := e.backfillNode(gctx, id)
			if err != nil {
				e.logger.Debug("engine: backfill failed", "node_id", id, "error", err)
			}
			results[i] = ok
			return nil
		})
	}
	err = g.Wait()

	var done []string
	for i, ok := range results {
		if ok {
			done = append(done, todo[i])
		}
	}
	if len(done) > 0 {
		e.refiner.Invalidate(done...)
		e.dirtyCounter.Add(int64(len(done)))
		e.firstDirty.CompareAndSwap(0, time.Now().UnixNano())
	}
	if len(done) < len(todo) {
		e.backfillPending.Store(true)
	}
	if err != nil {
		return len(done), wrap("backfill aborted", err)
	}
	return len(done), nil
}

func (e *Engine) backfillNode(ctx context.Context, id string) (bool, error) {
	unlock := e.store.LockNode(id)
	defer unlock()

	n, err := e.store.Get(id)
	if err != nil {
		// Deleted meanwhile.
		return false, nil
	}
	if !n.EmbeddingStale(e.embedder.Model()) {
		return false, nil
	}
	if err := e.embedNode(ctx, n); err != nil {
		return false, err
	}
	return true, nil
}

// RefreshRefinements recomputes the refined vector of every node and waits
// for the batch to be applied.
func (e *Engine) RefreshRefinements(ctx context.Context) error {
	snap := e.store.Snapshot()
	ids := make([]string, 0, snap.Len())
	for _, n := range snap.Nodes() {
		ids = append(ids, n.ID)
	}
	e.refiner.Enqueue(ids...)
	return e.FlushRefinements(ctx)
}

// FlushRefinements applies pending refinements immediately instead of
// waiting for the next debounce tick.
func (e *Engine) FlushRefinements(ctx context.Context) error {
	if err := e.refiner.Flush(ctx); err != nil {
		return wrap("refinement", err)
	}
	return nil
}

// Stats returns a summary of the engine state.
func (e *Engine) Stats() Stats {
	e.saveMu.Lock()
	lastSave := e.lastSaveTime
	e.saveMu.Unlock()
	return Stats{
		Graph:           e.store.Snapshot().Stats(),
		IndexedVectors:  e.index.Len(),
		EmbeddingModel:  e.embedder.Model(),
		PendingRefine:   e.refiner.Pending(),
		Refiner:         e.refiner.Stats(),
		UnsavedWrites:   e.dirtyCounter.Load(),
		LastSave:        lastSave,
		BackfillPending: e.backfillPending.Load(),
	}
}

// Neighbors returns the ids within maxHops of id.
func (e *Engine) Neighbors(id string, maxHops int, rels ...graph.RelationType) ([]string, error) {
	ids, err := e.store.Neighbors(id, maxHops, rels...)
	if err != nil {
		return nil, wrap("neighbors", err)
	}
	return ids, nil
}

// FindPath returns the shortest path between src and dst, following
// relations in both directions, up to maxDepth hops.
func (e *Engine) FindPath(src, dst string, maxDepth int) ([]string, error) {
	path, ok, err := e.store.Snapshot().FindPath(src, dst, maxDepth)
	if err != nil {
		return nil, wrap("find path", err)
	}
	if !ok {
		return nil, newError(CodeNotFound, fmt.Sprintf("no path from %s to %s within %d hops", src, dst, maxDepth), nil)
	}
	return path, nil
}

// ByTag returns the ids of entities carrying tag.
func (e *Engine) ByTag(tag string) []string {
	return e.store.Snapshot().NodesByTag(tag)
}

// Edges returns the relations touching id.
func (e *Engine) Edges(id string) []graph.Edge {
	return e.store.Snapshot().Edges(id)
}
