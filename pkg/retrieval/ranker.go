// Package retrieval ranks knowledge-graph nodes for a query by fusing
// vector similarity with graph proximity to an optional seed node.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/vectorindex"
)

// ErrIndexInconsistency reports vector hits for nodes the graph does not
// know. Retrieve still answers without them; the error is passed to the
// inconsistency handler.
var ErrIndexInconsistency = errors.New("retrieval: vector index references missing nodes")

// VectorSource is the part of the vector index the ranker queries.
type VectorSource interface {
	Query(vector []float32, k int, filter vectorindex.Filter) ([]vectorindex.Hit, error)
}

// Config tunes candidate generation and scoring.
type Config struct {
	// CandidateMultiplier sets the vector pool size m = multiplier*k.
	CandidateMultiplier int `yaml:"candidate_multiplier" json:"candidate_multiplier" validate:"gte=1"`
	// HopDecay scales graph scores per hop: weight * decay^hop.
	HopDecay float64 `yaml:"hop_decay" json:"hop_decay" validate:"gt=0,lte=1"`
	// MaxHops bounds graph expansion from the seed (1 or 2).
	MaxHops int `yaml:"max_hops" json:"max_hops" validate:"gte=1,lte=2"`
	// DefaultK is used when a request leaves K unset.
	DefaultK int `yaml:"default_k" json:"default_k" validate:"gte=1"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		CandidateMultiplier: 3,
		HopDecay:            0.5,
		MaxHops:             2,
		DefaultK:            8,
	}
}

// Request describes one retrieval.
type Request struct {
	// Vector is the query embedding. It may be nil when only graph
	// proximity to SeedID matters.
	Vector []float32
	// SeedID, when set, adds graph candidates around that node and excludes
	// it from the results.
	SeedID string
	K      int
	// Types restricts results to these entity types. Empty means all.
	Types []graph.NodeType
}

// Result is one ranked node.
type Result struct {
	NodeID      string         `json:"node_id"`
	Type        graph.NodeType `json:"type"`
	Title       string         `json:"title"`
	Score       float64        `json:"score"`
	VectorScore float64        `json:"vector_score"`
	GraphScore  float64        `json:"graph_score"`
	UpdatedAt   time.Time      `json:"updated_at"`

	fromVector bool
	fromGraph  bool
}

// Fusion combines the two candidate scores of a node. has* report which
// candidate sets contained it.
type Fusion func(vectorScore, graphScore float64, hasVector, hasGraph bool) float64

// Additive sums whichever scores are present.
func Additive(vectorScore, graphScore float64, hasVector, hasGraph bool) float64 {
	var s float64
	if hasVector {
		s += vectorScore
	}
	if hasGraph {
		s += graphScore
	}
	return s
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithFusion replaces the additive fusion.
func WithFusion(f Fusion) Option {
	return func(r *Ranker) { r.fusion = f }
}

// WithInconsistencyHandler registers a callback receiving the ids of vector
// hits missing from the graph.
func WithInconsistencyHandler(fn func(ids []string)) Option {
	return func(r *Ranker) { r.onInconsistent = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Ranker) { r.logger = l }
}

// Ranker is safe for concurrent use.
type Ranker struct {
	cfg            Config
	index          VectorSource
	snapshot       func() *graph.Snapshot
	fusion         Fusion
	onInconsistent func(ids []string)
	logger         *slog.Logger
}

// NewRanker returns a Ranker reading vectors from index and graph state
// from snapshot.
func NewRanker(cfg Config, index VectorSource, snapshot func() *graph.Snapshot, opts ...Option) *Ranker {
	def := DefaultConfig()
	if cfg.CandidateMultiplier < 1 {
		cfg.CandidateMultiplier = def.CandidateMultiplier
	}
	if cfg.HopDecay <= 0 || cfg.HopDecay > 1 {
		cfg.HopDecay = def.HopDecay
	}
	if cfg.MaxHops < 1 || cfg.MaxHops > 2 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.DefaultK < 1 {
		cfg.DefaultK = def.DefaultK
	}
	r := &Ranker{
		cfg:      cfg,
		index:    index,
		snapshot: snapshot,
		fusion:   Additive,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Ranker) Config() Config { return r.cfg }

// Retrieve returns at most K nodes ordered by non-increasing fused score.
// Only nodes with an embedding are retrievable.
func (r *Ranker) Retrieve(ctx context.Context, req Request) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := req.K
	if k <= 0 {
		k = r.cfg.DefaultK
	}
	snap := r.snapshot()
	if req.SeedID != "" && !snap.Has(req.SeedID) {
		return nil, fmt.Errorf("%w: %s", graph.ErrNotFound, req.SeedID)
	}

	types := make(map[graph.NodeType]bool, len(req.Types))
	for _, t := range req.Types {
		types[t] = true
	}
	accept := func(n graph.Node) bool {
		if n.ID == req.SeedID || n.SearchVector() == nil {
			return false
		}
		return len(types) == 0 || types[n.Type]
	}

	cands := make(map[string]*Result)

	if req.Vector != nil {
		filter := vectorindex.Filter{}
		for _, t := range req.Types {
			filter.Types = append(filter.Types, string(t))
		}
		if req.SeedID != "" {
			filter.Exclude = []string{req.SeedID}
		}
		hits, err := r.index.Query(req.Vector, k*r.cfg.CandidateMultiplier, filter)
		if err != nil {
			return nil, fmt.Errorf("retrieval: vector query: %w", err)
		}
		var missing []string
		for _, h := range hits {
			n, ok := snap.Get(h.NodeID)
			if !ok {
				missing = append(missing, h.NodeID)
				continue
			}
			if !accept(n) {
				continue
			}
			res := newResult(n)
			res.VectorScore = h.Score
			res.fromVector = true
			cands[n.ID] = res
		}
		if len(missing) > 0 {
			r.reportInconsistent(missing)
		}
	}

	if req.SeedID != "" {
		for id, score := range r.graphScores(snap, req.SeedID) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, ok := cands[id]
			if !ok {
				n, _ := snap.Get(id)
				if !accept(n) {
					continue
				}
				res = newResult(n)
				cands[id] = res
			}
			res.GraphScore = score
			res.fromGraph = true
		}
	}

	out := make([]Result, 0, len(cands))
	for _, c := range cands {
		c.Score = r.fusion(c.VectorScore, c.GraphScore, c.fromVector, c.fromGraph)
		out = append(out, *c)
	}
	SortResults(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// graphScores returns weight*decay^hop for the 1- and 2-hop neighbours of
// seed, keeping the best score per node. Hop-1 weight is the sum of the
// edges to the neighbour capped at 1; hop-2 weight is the best product over
// intermediate nodes.
func (r *Ranker) graphScores(snap *graph.Snapshot, seed string) map[string]float64 {
	scores := make(map[string]float64)
	first := snap.NeighborWeights(seed)
	for u, w := range first {
		if u == seed {
			continue
		}
		keepBest(scores, u, min(w, 1)*r.cfg.HopDecay)
	}
	if r.cfg.MaxHops < 2 {
		return scores
	}
	decay2 := r.cfg.HopDecay * r.cfg.HopDecay
	for u, w1 := range first {
		w1 = min(w1, 1)
		for v, w2 := range snap.NeighborWeights(u) {
			if v == seed {
				continue
			}
			keepBest(scores, v, w1*min(w2, 1)*decay2)
		}
	}
	return scores
}

func keepBest(m map[string]float64, id string, s float64) {
	if cur, ok := m[id]; !ok || s > cur {
		m[id] = s
	}
}

func (r *Ranker) reportInconsistent(ids []string) {
	sort.Strings(ids)
	r.logger.Error("retrieval: index references missing nodes", "count", len(ids), "error", ErrIndexInconsistency)
	if r.onInconsistent != nil {
		r.onInconsistent(ids)
	}
}

func newResult(n graph.Node) *Result {
	return &Result{NodeID: n.ID, Type: n.Type, Title: n.Title(), UpdatedAt: n.UpdatedAt}
}

// SortResults orders by descending score, then most recent UpdatedAt, then
// id.
func SortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		if !rs[i].UpdatedAt.Equal(rs[j].UpdatedAt) {
			return rs[i].UpdatedAt.After(rs[j].UpdatedAt)
		}
		return rs[i].NodeID < rs[j].NodeID
	})
}
