package engine

import (
	"context"
	"strings"

	"github.com/sanonone/kektorbrain/pkg/core/distance"
	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/rag"
	"github.com/sanonone/kektorbrain/pkg/retrieval"
)

// Match is one result of Similar or SemanticSearch.
type Match struct {
	NodeID string         `json:"node_id"`
	Type   graph.NodeType `json:"type"`
	Title  string         `json:"title"`
	// Score is the fused ranking score.
	Score float64 `json:"score"`
	// Similarity is the cosine between the query vector and the node's
	// search vector, in [-1,1].
	Similarity float64 `json:"similarity"`
}

// Query answers a natural-language question from the knowledge graph. The
// returned error, if any, carries the failed query's trace and whatever
// sources were retrieved; use errors.As with *rag.QueryError to read them.
func (e *Engine) Query(ctx context.Context, question string) (*rag.Answer, error) {
	ans, err := e.rag.Ask(ctx, question)
	if err != nil {
		return nil, wrap("query failed", err)
	}
	return ans, nil
}

// Similar returns up to k entities related to id, combining vector
// similarity with graph proximity. id itself is never returned.
func (e *Engine) Similar(ctx context.Context, id string, k int) ([]Match, error) {
	n, err := e.store.Get(id)
	if err != nil {
		return nil, wrap("similar", err)
	}
	vec := n.SearchVector()
	if vec == nil {
		return nil, newError(CodeEmbeddingFailure, "entity "+id+" has no embedding yet", ErrEmbeddingUnavailable)
	}
	results, err := e.ranker.Retrieve(ctx, retrieval.Request{Vector: vec, SeedID: id, K: k})
	if err != nil {
		return nil, wrap("similar", err)
	}
	return e.matches(vec, results), nil
}

// SemanticSearch embeds text and returns the k nearest entities, optionally
// restricted to the given types.
func (e *Engine) SemanticSearch(ctx context.Context, text string, k int, types ...graph.NodeType) ([]Match, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid("search text is empty")
	}
	vec, err := e.embed(ctx, text)
	if err != nil {
		return nil, wrap("search text could not be embedded", err)
	}
	results, err := e.ranker.Retrieve(ctx, retrieval.Request{Vector: vec, K: k, Types: types})
	if err != nil {
		return nil, wrap("semantic search", err)
	}
	return e.matches(vec, results), nil
}

func (e *Engine) matches(query []float32, results []retrieval.Result) []Match {
	snap := e.store.Snapshot()
	out := make([]Match, 0, len(results))
	for _, r := range results {
		m := Match{NodeID: r.NodeID, Type: r.Type, Title: r.Title, Score: r.Score, Similarity: r.VectorScore}
		if r.VectorScore == 0 {
			// Graph-only candidates carry no vector score.
			if n, ok := snap.Get(r.NodeID); ok {
				if cos, err := distance.Cosine(query, n.SearchVector()); err == nil {
					m.Similarity = cos
				}
			}
		}
		out = append(out, m)
	}
	return out
}
