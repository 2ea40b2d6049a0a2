package refine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/metrics"
)

// Config tunes message passing and its scheduling.
type Config struct {
	// Alpha is the self-retention factor in (0,1]. Default: 0.7.
	Alpha float64 `yaml:"alpha" json:"alpha" validate:"gt=0,lte=1"`
	// Layers is the number of message-passing rounds. Default: 1.
	Layers int `yaml:"layers" json:"layers" validate:"gte=1,lte=4"`
	// Interval is the debounce timer. Default: 2s.
	Interval time.Duration `yaml:"interval" json:"interval"`
	// BatchThreshold triggers a batch early once this many nodes are
	// pending. Default: 64.
	BatchThreshold int `yaml:"batch_threshold" json:"batch_threshold" validate:"gte=1"`
	// Workers bounds the goroutines computing a batch. Default: 4.
	Workers int `yaml:"workers" json:"workers" validate:"gte=1"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Alpha:          0.7,
		Layers:         1,
		Interval:       2 * time.Second,
		BatchThreshold: 64,
		Workers:        4,
	}
}

// ApplyFunc stores one refined vector. It is called once per node, outside
// any refiner lock.
type ApplyFunc func(ctx context.Context, id string, vec []float32) error

// Stats reports refiner activity.
type Stats struct {
	Batches   uint64    `json:"batches"`
	Refined   uint64    `json:"refined"`
	Pending   int       `json:"pending"`
	LastBatch time.Time `json:"last_batch"`
}

// Refiner collects invalidated nodes and refines them in batches, either
// when the debounce timer fires or when enough invalidations pile up. Each
// batch reads a single graph snapshot, so no graph lock is held while
// computing.
type Refiner struct {
	cfg      Config
	snapshot func() *graph.Snapshot
	apply    ApplyFunc
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	stats   Stats

	runMu sync.Mutex
	kick  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Refiner. Call Start to run the background loop.
func New(cfg Config, snapshot func() *graph.Snapshot, apply ApplyFunc, logger *slog.Logger) *Refiner {
	def := DefaultConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.Layers < 1 {
		cfg.Layers = def.Layers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchThreshold < 1 {
		cfg.BatchThreshold = def.BatchThreshold
	}
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refiner{
		cfg:      cfg,
		snapshot: snapshot,
		apply:    apply,
		logger:   logger,
		pending:  make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (r *Refiner) Config() Config { return r.cfg }

// Start launches the scheduling loop. It is a no-op after the first call.
func (r *Refiner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop(ctx)
	})
}

// Stop ends the loop and waits for an in-flight batch.
func (r *Refiner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Refiner) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-r.kick:
		case <-ticker.C:
		}
		if r.Pending() == 0 {
			continue
		}
		if _, err := r.RunBatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("refine: batch failed", "error", err)
		}
	}
}

// Enqueue marks ids for refinement.
func (r *Refiner) Enqueue(ids ...string) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range ids {
		r.pending[id] = struct{}{}
	}
	full := len(r.pending) >= r.cfg.BatchThreshold
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Invalidate enqueues ids together with their current 1-hop neighbours,
// whose refined vectors depend on them.
func (r *Refiner) Invalidate(ids ...string) {
	snap := r.snapshot()
	all := make([]string, 0, len(ids))
	for _, id := range ids {
		all = append(all, id)
		for u := range snap.NeighborWeights(id) {
			all = append(all, u)
		}
	}
	r.Enqueue(all...)
}

// Pending returns the number of nodes waiting for a batch.
func (r *Refiner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stats returns a copy of the counters.
func (r *Refiner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Pending = len(r.pending)
	return s
}

// Flush runs a batch now for everything pending and returns once it has
// been applied.
func (r *Refiner) Flush(ctx context.Context) error {
	_, err := r.RunBatch(ctx)
	return err
}

// RunBatch refines the pending set against one snapshot and applies the
// results node by node. It returns the number of nodes written.
func (r *Refiner) RunBatch(ctx context.Context) (int, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.pending = make(map[string]struct{})
	r.mu.Unlock()
	if len(ids) == 0 {
		return 0, nil
	}
	sort.Strings(ids)

	start := time.Now()
	snap := r.snapshot()

	chunk := (len(ids) + r.cfg.Workers - 1) / r.cfg.Workers
	results := make([]map[string][]float32, 0, r.cfg.Workers)
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for lo := 0; lo < len(ids); lo += chunk {
		part := ids[lo:min(lo+chunk, len(ids))]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out := Propagate(snap, part, r.cfg.Alpha, r.cfg.Layers)
			resMu.Lock()
			results = append(results, out)
			resMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.Enqueue(ids...)
		return 0, err
	}

	applied := 0
	for _, out := range results {
		for id, vec := range out {
			if err := ctx.Err(); err != nil {
				return applied, err
			}
			if err := r.apply(ctx, id, vec); err != nil {
				r.logger.Debug("refine: skipping node", "node_id", id, "error", err)
				continue
			}
			applied++
		}
	}

	elapsed := time.Since(start)
	metrics.RefineBatches.Inc()
	metrics.RefineDuration.Observe(elapsed.Seconds())
	metrics.RefinedNodes.Add(float64(applied))

	r.mu.Lock()
	r.stats.Batches++
	r.stats.Refined += uint64(applied)
	r.stats.LastBatch = time.Now()
	r.mu.Unlock()

	r.logger.Debug("refine: batch complete", "nodes", len(ids), "applied", applied, "duration", elapsed)
	return applied, nil
}
