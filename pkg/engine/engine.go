// Package engine provides the high-level, embedded interface for KektorBrain.
//
// It owns the graph store, the vector index, the relational refiner, the
// retrieval ranker and the RAG orchestrator, and ties them to on-disk
// snapshots. An Engine is safe for concurrent use and can be embedded
// directly in Go applications without network overhead.
//
// Basic usage:
//
//	opts := engine.DefaultOptions("./data")
//	brain, err := engine.Open(ctx, opts, engine.Deps{Embedder: emb})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer brain.Close()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanonone/kektorbrain/pkg/embeddings"
	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/metrics"
	"github.com/sanonone/kektorbrain/pkg/persistence"
	"github.com/sanonone/kektorbrain/pkg/rag"
	"github.com/sanonone/kektorbrain/pkg/refine"
	"github.com/sanonone/kektorbrain/pkg/retrieval"
	"github.com/sanonone/kektorbrain/pkg/vectorindex"
)

// GraphExport is a point-in-time copy of every node and edge.
type GraphExport = graph.Export

// Engine is the main entry point for KektorBrain.
//
// Use Open() to initialize an Engine and Close() to shut it down gracefully.
type Engine struct {
	opts     Options
	logger   *slog.Logger
	embedder embeddings.Embedder

	store   *graph.Store
	index   *vectorindex.Index
	linker  *graph.Linker
	refiner *refine.Refiner
	ranker  *retrieval.Ranker
	rag     *rag.Orchestrator

	snapPath string

	// indexMu is held shared by every write that touches the index and
	// exclusively by full rebuilds, so no write lands in a generation that
	// is about to be replaced.
	indexMu sync.RWMutex

	// dirtyCounter tracks the number of write operations since the last save.
	dirtyCounter atomic.Int64
	firstDirty   atomic.Int64
	lastSaveTime time.Time
	saveMu       sync.Mutex

	backfillPending  atomic.Bool
	reconcilePending atomic.Bool
	reconcileKick    chan struct{}

	// lifeMu is held shared by every mutating operation and exclusively
	// while closed is being closed.
	lifeMu    sync.RWMutex
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open initializes a new Engine instance using the provided options.
//
// It performs the following actions:
// 1. Creates DataDir if missing.
// 2. Loads the latest snapshot if available.
// 3. Rebuilds the vector index from the stored embeddings.
// 4. Starts the refiner and the background maintenance loop.
//
// Nodes whose embedding belongs to another model are re-embedded by the
// first maintenance pass.
func Open(ctx context.Context, opts Options, deps Deps) (*Engine, error) {
	if deps.Embedder == nil {
		return nil, invalid("an embedder is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.EmbedWorkers <= 0 {
		opts.EmbedWorkers = 4
	}
	if opts.SnapshotFilename == "" {
		opts.SnapshotFilename = "kektorbrain.kbs"
	}

	storeOpts := []graph.Option{graph.WithLogger(logger)}
	if deps.Clock != nil {
		storeOpts = append(storeOpts, graph.WithClock(deps.Clock))
	}
	model := deps.Embedder.Model()
	index, err := vectorindex.New(model, opts.Index)
	if err != nil {
		return nil, fmt.Errorf("engine: create vector index: %w", err)
	}

	e := &Engine{
		opts:          opts,
		logger:        logger,
		embedder:      deps.Embedder,
		store:         graph.New(storeOpts...),
		index:         index,
		linker:        graph.NewLinker(opts.Link),
		lastSaveTime:  time.Now(),
		reconcileKick: make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}
	// Index removal is part of the delete commit, so readers never see the
	// node gone while its vector is still searchable.
	e.store.OnDelete(func(id string) { e.index.Remove(id) })

	if opts.DataDir != "" {
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("engine: create data directory: %w", err)
		}
		e.snapPath = filepath.Join(opts.DataDir, opts.SnapshotFilename)
		snap, err := persistence.LoadSnapshot(e.snapPath)
		switch {
		case errors.Is(err, persistence.ErrNoSnapshot):
		case err != nil:
			return nil, fmt.Errorf("engine: load snapshot: %w", err)
		default:
			if snap.Model != "" && snap.Model != model {
				logger.Warn("engine: snapshot was embedded with another model, re-embedding", "snapshot_model", snap.Model, "model", model)
			}
			if err := e.store.Load(snap.Export.Nodes, snap.Export.Edges); err != nil {
				return nil, fmt.Errorf("engine: restore snapshot: %w", err)
			}
			logger.Info("engine: snapshot loaded", "nodes", len(snap.Export.Nodes), "edges", len(snap.Export.Edges))
		}
	}
	if _, err := e.rebuildIndex(); err != nil {
		return nil, err
	}
	e.backfillPending.Store(true)

	e.refiner = refine.New(opts.Refiner, e.store.Snapshot, e.applyRefined, logger)
	e.ranker = retrieval.NewRanker(opts.Retrieval, e.index, e.store.Snapshot,
		retrieval.WithLogger(logger),
		retrieval.WithInconsistencyHandler(e.scheduleReconcile),
	)
	e.rag = rag.New(opts.RAG, queryEmbedder{e}, e.ranker, deps.Generator, e.store.Snapshot, logger)

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.refiner.Start(bg)
	e.wg.Add(1)
	go e.backgroundTasks(bg)

	e.updateGauges()
	return e, nil
}

// Close performs a clean shutdown of the Engine.
//
// It stops background tasks and the refiner, applies pending refinements,
// then writes a final snapshot if anything changed since the last one.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.lifeMu.Lock()
		close(e.closed)
		e.lifeMu.Unlock()
		e.cancel()
		e.refiner.Stop()
		e.wg.Wait()
		if ferr := e.refiner.Flush(context.Background()); ferr != nil {
			e.logger.Warn("engine: final refinement failed", "error", ferr)
		}

		if e.dirtyCounter.Load() > 0 {
			err = e.Save()
		}
	})
	return err
}

// enter admits a mutating operation, or fails once Close has started.
// The returned func releases it.
func (e *Engine) enter() (func(), error) {
	e.lifeMu.RLock()
	select {
	case <-e.closed:
		e.lifeMu.RUnlock()
		return nil, newError(CodeInternal, "engine is closed", ErrClosed)
	default:
		return e.lifeMu.RUnlock, nil
	}
}

// Save writes a snapshot of the current graph. It is a no-op without a
// DataDir.
func (e *Engine) Save() error {
	if e.snapPath == "" {
		return nil
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	dirty := e.dirtyCounter.Load()
	exp := e.store.Snapshot().Export()
	if err := persistence.SaveSnapshot(e.snapPath, e.embedder.Model(), exp); err != nil {
		return fmt.Errorf("engine: save snapshot: %w", err)
	}
	e.dirtyCounter.Add(-dirty)
	e.firstDirty.Store(0)
	e.lastSaveTime = time.Now()
	e.logger.Debug("engine: snapshot saved", "nodes", len(exp.Nodes), "edges", len(exp.Edges))
	return nil
}

func (e *Engine) markDirty() {
	if e.dirtyCounter.Add(1) == 1 {
		e.firstDirty.CompareAndSwap(0, time.Now().UnixNano())
	}
}

// backgroundTasks handles automatic saving, backfill and index repair.
// (Unexported: internal use only)
func (e *Engine) backgroundTasks(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// Use the configured value or a safe default if 0
	interval := e.opts.MaintenanceInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maintTicker := time.NewTicker(interval)
	defer maintTicker.Stop()

	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			e.checkAutoSave()
		case <-e.reconcileKick:
			e.reconcileIfPending(ctx)
		case <-maintTicker.C:
			e.runMaintenance(ctx)
		}
	}
}

// checkAutoSave evaluates if a snapshot is needed.
func (e *Engine) checkAutoSave() {
	dirty := e.dirtyCounter.Load()
	if dirty == 0 {
		return
	}
	due := e.opts.AutoSaveThreshold > 0 && dirty >= e.opts.AutoSaveThreshold
	if !due && e.opts.AutoSaveInterval > 0 {
		if first := e.firstDirty.Load(); first > 0 {
			due = time.Since(time.Unix(0, first)) >= e.opts.AutoSaveInterval
		}
	}
	if !due {
		return
	}
	if err := e.Save(); err != nil {
		// Log error but continue (background task)
		e.logger.Error("engine: background snapshot failed", "error", err)
	}
}

func (e *Engine) runMaintenance(ctx context.Context) {
	e.reconcileIfPending(ctx)
	if e.backfillPending.Load() {
		if n, err := e.Backfill(ctx); err != nil {
			e.logger.Warn("engine: backfill incomplete", "embedded", n, "error", err)
		} else if n > 0 {
			e.logger.Info("engine: backfill completed", "embedded", n)
		}
	}
	if e.index.Vacuum() {
		e.logger.Debug("engine: vector index vacuumed")
	}
	e.updateGauges()
}

func (e *Engine) updateGauges() {
	stats := e.store.Snapshot().Stats()
	for _, t := range graph.AllNodeTypes() {
		metrics.GraphNodes.WithLabelValues(string(t)).Set(float64(stats.ByType[t]))
	}
	metrics.GraphEdges.Set(float64(stats.Edges))
	metrics.IndexedVectors.Set(float64(e.index.Len()))
}

// queryEmbedder bounds question embedding by EmbedTimeout.
type queryEmbedder struct{ e *Engine }

func (q queryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return q.e.embed(ctx, text)
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if e.opts.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.EmbedTimeout)
		defer cancel()
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EmbeddingRequests.WithLabelValues("ok").Inc()
	return vec, nil
}
