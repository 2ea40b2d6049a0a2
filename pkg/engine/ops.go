package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sanonone/kektorbrain/pkg/core/distance"
	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/vectorindex"
)

var validate = validator.New()

// EntityInput is the payload of UpsertEntity. An empty ID creates a new
// entity with a generated id; Type may be omitted and is then taken from
// Attributes.
type EntityInput struct {
	ID         string           `json:"id,omitempty"`
	Type       graph.NodeType   `json:"type"`
	Attributes graph.Attributes `json:"attributes" validate:"required"`
}

// UpsertEntity creates or updates an entity and returns its id.
//
// A changed text is re-embedded synchronously. If the embedding provider
// fails the upsert still succeeds: the node is stored without a vector,
// stays out of search results and is retried by the next backfill.
// Derived edges are re-inferred and the refinement of the node and its
// neighbourhood is scheduled.
func (e *Engine) UpsertEntity(ctx context.Context, in EntityInput) (string, error) {
	if in.Attributes == nil {
		return "", invalid("attributes are required")
	}
	if in.Type == "" {
		in.Type = in.Attributes.NodeType()
	}
	if in.Type != in.Attributes.NodeType() {
		return "", invalid("%s attributes for a %s entity", in.Attributes.NodeType(), in.Type)
	}
	if err := validate.Struct(in.Attributes); err != nil {
		return "", wrap("invalid attributes", err)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if err := ctx.Err(); err != nil {
		return "", wrap("upsert aborted", err)
	}
	leave, err := e.enter()
	if err != nil {
		return "", err
	}
	defer leave()

	unlock := e.store.LockNode(in.ID)
	defer unlock()

	changed, err := e.writeNode(in)
	if err != nil {
		return "", err
	}

	node, err := e.store.Get(in.ID)
	if err != nil {
		return "", wrap("load entity", err)
	}
	if node.EmbeddingStale(e.embedder.Model()) {
		if err := e.embedNode(ctx, node); err != nil {
			e.logger.Warn("engine: entity stored without embedding", "node_id", node.ID, "error", err)
		}
		changed = true
	}

	e.indexMu.RLock()
	basis := e.store.Snapshot()
	affected, err := e.store.ReplaceDerivedEdges(in.ID, basis, e.linker.Infer(basis, node))
	e.indexMu.RUnlock()
	if err != nil {
		return "", wrap("link entity", err)
	}
	if changed || len(affected) > 0 {
		e.refiner.Invalidate(append(affected, in.ID)...)
		e.markDirty()
	}
	return in.ID, nil
}

// writeNode creates or updates the node of in and reports whether it
// changed. Callers hold the node lock.
func (e *Engine) writeNode(in EntityInput) (bool, error) {
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()

	cur, err := e.store.Get(in.ID)
	switch {
	case errors.Is(err, graph.ErrNotFound):
		if _, err := e.store.AddNode(graph.Node{ID: in.ID, Type: in.Type, Attributes: in.Attributes}); err != nil {
			return false, wrap("create entity", err)
		}
		return true, nil
	case err != nil:
		return false, wrap("load entity", err)
	}
	if cur.Type != in.Type {
		return false, invalid("entity %s is a %s, not a %s", in.ID, cur.Type, in.Type)
	}
	next, err := e.store.UpdateNode(in.ID, graph.Patch{Attributes: in.Attributes})
	if err != nil {
		return false, wrap("update entity", err)
	}
	return !next.UpdatedAt.Equal(cur.UpdatedAt), nil
}

// embedNode computes and stores the unit-length embedding of n. On failure
// the node's vectors are dropped and a backfill is scheduled. Callers hold
// the node lock; the provider call runs without indexMu so a rebuild never
// waits on it, and SetEmbedding drops a vector computed for an older text.
func (e *Engine) embedNode(ctx context.Context, n graph.Node) error {
	vec, err := e.embed(ctx, n.Text)
	if err == nil {
		if vec = distance.Normalized(vec); vec == nil {
			err = fmt.Errorf("%w: zero vector for %s", ErrEmbeddingUnavailable, n.ID)
		}
	}

	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	if err == nil {
		var applied bool
		applied, err = e.store.SetEmbedding(n.ID, e.embedder.Model(), n.Revision, vec)
		if err != nil || !applied {
			return err
		}
		err = e.index.Upsert(n.ID, vec, vectorindex.Meta{Type: string(n.Type), UpdatedAt: n.UpdatedAt})
		if err == nil {
			return nil
		}
		err = fmt.Errorf("index embedding: %w", err)
	}
	e.backfillPending.Store(true)
	e.index.Remove(n.ID)
	if cerr := e.store.ClearEmbedding(n.ID); cerr != nil && !errors.Is(cerr, graph.ErrNotFound) {
		e.logger.Error("engine: clear embedding", "node_id", n.ID, "error", cerr)
	}
	return err
}

// applyRefined stores a refined vector and makes it the searchable one.
func (e *Engine) applyRefined(_ context.Context, id string, vec []float32) error {
	unlock := e.store.LockNode(id)
	defer unlock()
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()

	applied, err := e.store.SetRefinedEmbedding(id, vec)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	n, err := e.store.Get(id)
	if err != nil {
		return err
	}
	e.markDirty()
	return e.index.Upsert(id, vec, vectorindex.Meta{Type: string(n.Type), UpdatedAt: n.UpdatedAt})
}

// DeleteEntity removes the entity, its edges and its vector in one step.
// Concurrent readers observe either the whole entity or none of it.
func (e *Engine) DeleteEntity(ctx context.Context, id string) error {
	if id == "" {
		return invalid("id is required")
	}
	if err := ctx.Err(); err != nil {
		return wrap("delete aborted", err)
	}
	leave, err := e.enter()
	if err != nil {
		return err
	}
	defer leave()

	unlock := e.store.LockNode(id)
	defer unlock()
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()

	neighbours, err := e.store.Neighbors(id, 1)
	if err != nil {
		return wrap("delete entity", err)
	}
	if err := e.store.DeleteNode(id); err != nil {
		return wrap("delete entity", err)
	}
	e.refiner.Enqueue(neighbours...)
	e.markDirty()
	return nil
}

// Get returns the entity with id.
func (e *Engine) Get(id string) (graph.Node, error) {
	n, err := e.store.Get(id)
	if err != nil {
		return graph.Node{}, wrap("get entity", err)
	}
	return n, nil
}

// Link creates or re-weights a user-declared relation. Derived relations
// are managed by the engine and cannot be set by hand. A weight <= 0 uses
// the policy's explicit weight.
func (e *Engine) Link(ctx context.Context, src, dst string, rel graph.RelationType, weight float64) error {
	if rel == "" {
		rel = graph.RelExplicit
	}
	if err := checkManualRelation(rel); err != nil {
		return err
	}
	if weight <= 0 {
		weight = e.opts.Link.ExplicitWeight
	}
	if err := ctx.Err(); err != nil {
		return wrap("link aborted", err)
	}
	leave, err := e.enter()
	if err != nil {
		return err
	}
	defer leave()

	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	if err := e.store.AddEdge(src, dst, rel, weight); err != nil {
		return wrap("link entities", err)
	}
	e.refiner.Invalidate(src, dst)
	e.markDirty()
	return nil
}

// Unlink removes a user-declared relation. Removing a missing edge is not
// an error.
func (e *Engine) Unlink(ctx context.Context, src, dst string, rel graph.RelationType) error {
	if rel == "" {
		rel = graph.RelExplicit
	}
	if err := checkManualRelation(rel); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrap("unlink aborted", err)
	}
	leave, err := e.enter()
	if err != nil {
		return err
	}
	defer leave()

	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	if err := e.store.RemoveEdge(src, dst, rel); err != nil {
		return wrap("unlink entities", err)
	}
	e.refiner.Invalidate(src, dst)
	e.markDirty()
	return nil
}

func checkManualRelation(rel graph.RelationType) error {
	if !rel.Valid() {
		return invalid("unknown relation %q", rel)
	}
	if rel.Derived() {
		return invalid("relation %q is inferred and cannot be set manually", rel)
	}
	return nil
}
