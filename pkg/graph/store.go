package graph

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

const lockStripes = 64

// DeleteHook runs synchronously inside DeleteNode, before the deletion is
// published. Hooks must not call back into the Store's mutators.
type DeleteHook func(id string)

// Store is the authority on node and edge existence.
//
// Writers are serialised by a short commit section that copies the
// copy-on-write B-trees of the current state, applies the mutation and
// atomically publishes the result. Readers load the published state without
// locking. LockNode provides the per-node serialisation that callers hold
// across slow read-modify-write sequences (such as embedding a node).
type Store struct {
	commitMu sync.Mutex
	current  atomic.Pointer[state]
	stripes  [lockStripes]sync.Mutex

	hooksMu     sync.RWMutex
	deleteHooks []DeleteHook

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.current.Store(newState())
	return s
}

// LockNode acquires the write lock for id and returns its release func.
func (s *Store) LockNode(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// OnDelete registers a hook invoked for every deleted node.
func (s *Store) OnDelete(hook DeleteHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.deleteHooks = append(s.deleteHooks, hook)
}

func (s *Store) commit(fn func(st *state) error) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	next := s.current.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}

// Snapshot returns the current consistent view. It never blocks.
func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{st: s.current.Load(), takenAt: s.now()}
}

// Get returns the node with id.
func (s *Store) Get(id string) (Node, error) {
	n, ok := s.current.Load().nodes.Get(id)
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *n, nil
}

// Neighbors returns the ids reachable from id within maxHops, optionally
// restricted to the given relations. maxHops <= 0 means 1.
func (s *Store) Neighbors(id string, maxHops int, rels ...RelationType) ([]string, error) {
	return s.Snapshot().Neighbors(id, maxHops, rels...)
}

// AddNode inserts n and returns its id. An empty id gets a fresh UUID.
// Text is derived from the attributes when they are present.
func (s *Store) AddNode(n Node) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Attributes != nil {
		if n.Type == "" {
			n.Type = n.Attributes.NodeType()
		}
		if n.Attributes.NodeType() != n.Type {
			return "", fmt.Errorf("%w: %s payload for %s node", ErrTypeMismatch, n.Attributes.NodeType(), n.Type)
		}
		n.Text = Describe(n.Attributes)
	}
	if _, err := ParseNodeType(string(n.Type)); err != nil {
		return "", err
	}
	now := s.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	n.Revision = 1
	n.Embedding, n.RefinedEmbedding = nil, nil
	n.EmbeddingModel, n.EmbeddingRevision = "", 0

	err := s.commit(func(st *state) error {
		if _, exists := st.nodes.Get(n.ID); exists {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, n.ID)
		}
		st.putNode(&n)
		return nil
	})
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// UpdateNode applies patch to the node with id and returns the new record.
// A patch that changes nothing leaves the node (and its timestamps)
// untouched. A change of Text bumps Revision, which marks the embedding
// stale.
func (s *Store) UpdateNode(id string, patch Patch) (Node, error) {
	var out Node
	err := s.commit(func(st *state) error {
		cur, ok := st.nodes.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		next := *cur
		if patch.Attributes != nil {
			if patch.Attributes.NodeType() != cur.Type {
				return fmt.Errorf("%w: %s payload for %s node", ErrTypeMismatch, patch.Attributes.NodeType(), cur.Type)
			}
			next.Attributes = patch.Attributes
			next.Text = Describe(patch.Attributes)
		}
		if patch.Text != nil {
			next.Text = *patch.Text
		}
		textChanged := next.Text != cur.Text
		if !textChanged && reflect.DeepEqual(next.Attributes, cur.Attributes) {
			out = *cur
			return nil
		}
		if textChanged {
			next.Revision++
		}
		next.UpdatedAt = s.now()
		st.removeTags(cur)
		st.putNode(&next)
		out = next
		return nil
	})
	return out, err
}

// DeleteNode removes the node and all incident edges in one commit. Delete
// hooks run before the removal becomes visible to readers.
func (s *Store) DeleteNode(id string) error {
	return s.commit(func(st *state) error {
		n, ok := st.nodes.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		edges, _ := st.adj.Get(id)
		for _, e := range edges {
			st.dropFromAdj(e.Other(id), e.key())
		}
		st.edgeCount -= len(edges)
		st.adj.Delete(id)
		st.removeTags(n)
		st.nodes.Delete(id)

		s.hooksMu.RLock()
		hooks := s.deleteHooks
		s.hooksMu.RUnlock()
		for _, h := range hooks {
			h(id)
		}
		return nil
	})
}

// AddEdge creates or re-weights the edge (src, dst, rel). Weight is clamped
// to [0,1].
func (s *Store) AddEdge(src, dst string, rel RelationType, weight float64) error {
	e := Edge{Source: src, Target: dst, Relation: rel, Weight: clampWeight(weight), CreatedAt: s.now()}
	if err := validateEdge(e); err != nil {
		return err
	}
	return s.commit(func(st *state) error {
		if err := st.requireEndpoints(e); err != nil {
			return err
		}
		st.putEdge(e)
		return nil
	})
}

// RemoveEdge deletes the edge (src, dst, rel). Missing edges are not an
// error.
func (s *Store) RemoveEdge(src, dst string, rel RelationType) error {
	e := Edge{Source: src, Target: dst, Relation: rel}
	if err := validateEdge(e); err != nil {
		return err
	}
	return s.commit(func(st *state) error {
		if err := st.requireEndpoints(e); err != nil {
			return err
		}
		st.deleteEdge(e)
		return nil
	})
}

// ReplaceDerivedEdges swaps every derived edge incident to id for edges, in
// one commit. Edges whose other endpoint no longer exists are skipped. It
// returns the ids whose neighbourhood changed, id excluded.
//
// basis is the snapshot edges were inferred from. An existing edge to a node
// created or updated after basis was taken is kept: that node linked itself
// to id from a newer view. A nil basis replaces unconditionally.
func (s *Store) ReplaceDerivedEdges(id string, basis *Snapshot, edges []Edge) ([]string, error) {
	affected := make(map[string]struct{})
	err := s.commit(func(st *state) error {
		if _, ok := st.nodes.Get(id); !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		old, _ := st.adj.Get(id)
		oldKeys := make(map[string]Edge)
		for _, e := range old {
			if e.Relation.Derived() {
				oldKeys[e.key()] = e
			}
		}
		newKeys := make(map[string]struct{})
		for _, e := range edges {
			if e.Source != id && e.Target != id {
				continue
			}
			if validateEdge(e) != nil || !e.Relation.Derived() {
				continue
			}
			if _, ok := st.nodes.Get(e.Other(id)); !ok {
				continue
			}
			e.Weight = clampWeight(e.Weight)
			if prev, ok := oldKeys[e.key()]; ok {
				if prev.Weight == e.Weight {
					newKeys[e.key()] = struct{}{}
					continue
				}
				e.CreatedAt = prev.CreatedAt
			} else if e.CreatedAt.IsZero() {
				e.CreatedAt = s.now()
			}
			newKeys[e.key()] = struct{}{}
			st.putEdge(e)
			affected[e.Other(id)] = struct{}{}
		}
		for k, e := range oldKeys {
			if _, keep := newKeys[k]; keep {
				continue
			}
			if basis != nil && changedSince(basis, st, e.Other(id)) {
				continue
			}
			st.deleteEdge(e)
			affected[e.Other(id)] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortedKeys(affected), nil
}

// changedSince reports whether id was created or modified after basis.
func changedSince(basis *Snapshot, st *state, id string) bool {
	before, ok := basis.st.nodes.Get(id)
	if !ok {
		return true
	}
	now, ok := st.nodes.Get(id)
	return ok && !now.UpdatedAt.Equal(before.UpdatedAt)
}

// SetEmbedding stores vec as the embedding of id computed for (model,
// revision). It is a no-op returning false when the node has moved on to a
// newer revision in the meantime. A new raw embedding invalidates the
// refined one.
func (s *Store) SetEmbedding(id, model string, revision uint64, vec []float32) (bool, error) {
	applied := false
	err := s.commit(func(st *state) error {
		cur, ok := st.nodes.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if cur.Revision != revision {
			return nil
		}
		next := *cur
		next.Embedding = vec
		next.RefinedEmbedding = nil
		next.EmbeddingModel = model
		next.EmbeddingRevision = revision
		st.nodes.Set(id, &next)
		applied = true
		return nil
	})
	return applied, err
}

// SetRefinedEmbedding stores the relation-aware vector for id. It returns
// false when the node has no raw embedding any more.
func (s *Store) SetRefinedEmbedding(id string, vec []float32) (bool, error) {
	applied := false
	err := s.commit(func(st *state) error {
		cur, ok := st.nodes.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if cur.Embedding == nil {
			return nil
		}
		next := *cur
		next.RefinedEmbedding = vec
		st.nodes.Set(id, &next)
		applied = true
		return nil
	})
	return applied, err
}

// ClearEmbedding drops both vectors of id.
func (s *Store) ClearEmbedding(id string) error {
	return s.commit(func(st *state) error {
		cur, ok := st.nodes.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		next := *cur
		next.Embedding, next.RefinedEmbedding = nil, nil
		next.EmbeddingModel, next.EmbeddingRevision = "", 0
		st.nodes.Set(id, &next)
		return nil
	})
}

// Load replaces the whole graph with nodes and edges. Edges referencing
// unknown nodes are dropped and logged.
func (s *Store) Load(nodes []Node, edges []Edge) error {
	next := newState()
	for i := range nodes {
		n := nodes[i]
		if n.ID == "" {
			return fmt.Errorf("graph: load: node with empty id")
		}
		if _, err := ParseNodeType(string(n.Type)); err != nil {
			return fmt.Errorf("graph: load %s: %w", n.ID, err)
		}
		// Exports may omit the derived text.
		if n.Text == "" && n.Attributes != nil {
			n.Text = Describe(n.Attributes)
		}
		if n.Revision == 0 {
			n.Revision = 1
		}
		next.putNode(&n)
	}
	for _, e := range edges {
		if err := validateEdge(e); err != nil {
			s.logger.Warn("graph: dropping invalid edge on load", "source", e.Source, "target", e.Target, "error", err)
			continue
		}
		if err := next.requireEndpoints(e); err != nil {
			s.logger.Warn("graph: dropping dangling edge on load", "source", e.Source, "target", e.Target)
			continue
		}
		e.Weight = clampWeight(e.Weight)
		next.putEdge(e)
	}
	s.commitMu.Lock()
	s.current.Store(next)
	s.commitMu.Unlock()
	return nil
}

func validateEdge(e Edge) error {
	if !e.Relation.Valid() {
		return fmt.Errorf("%w: unknown relation %q", ErrInvalidEdge, e.Relation)
	}
	if e.Source == "" || e.Target == "" {
		return fmt.Errorf("%w: empty endpoint", ErrInvalidEdge)
	}
	if e.Source == e.Target {
		return fmt.Errorf("%w: self loop on %s", ErrInvalidEdge, e.Source)
	}
	return nil
}

// state is one immutable published version of the graph. Only the commit
// section mutates a freshly cloned state before publishing it.
type state struct {
	nodes     *btree.Map[string, *Node]
	adj       *btree.Map[string, []Edge]
	tags      *btree.BTreeG[tagEntry]
	edgeCount int
}

type tagEntry struct {
	tag string
	id  string
}

func tagLess(a, b tagEntry) bool {
	if a.tag != b.tag {
		return a.tag < b.tag
	}
	return a.id < b.id
}

func newState() *state {
	return &state{
		nodes: new(btree.Map[string, *Node]),
		adj:   new(btree.Map[string, []Edge]),
		tags:  btree.NewBTreeG[tagEntry](tagLess),
	}
}

func (st *state) clone() *state {
	return &state{
		nodes:     st.nodes.Copy(),
		adj:       st.adj.Copy(),
		tags:      st.tags.Copy(),
		edgeCount: st.edgeCount,
	}
}

func (st *state) putNode(n *Node) {
	st.nodes.Set(n.ID, n)
	for _, t := range n.Tags() {
		st.tags.Set(tagEntry{tag: t, id: n.ID})
	}
}

func (st *state) removeTags(n *Node) {
	for _, t := range n.Tags() {
		st.tags.Delete(tagEntry{tag: t, id: n.ID})
	}
}

func (st *state) requireEndpoints(e Edge) error {
	for _, id := range []string{e.Source, e.Target} {
		if _, ok := st.nodes.Get(id); !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	return nil
}

// putEdge inserts or replaces e in both adjacency lists.
func (st *state) putEdge(e Edge) {
	k := e.key()
	replaced := false
	for _, id := range []string{e.Source, e.Target} {
		list, _ := st.adj.Get(id)
		next := make([]Edge, 0, len(list)+1)
		for _, x := range list {
			if x.key() == k {
				replaced = true
				continue
			}
			next = append(next, x)
		}
		st.adj.Set(id, append(next, e))
	}
	if !replaced {
		st.edgeCount++
	}
}

func (st *state) deleteEdge(e Edge) {
	k := e.key()
	if st.dropFromAdj(e.Source, k) {
		st.edgeCount--
	}
	st.dropFromAdj(e.Target, k)
}

func (st *state) dropFromAdj(id, key string) bool {
	list, ok := st.adj.Get(id)
	if !ok {
		return false
	}
	next := make([]Edge, 0, len(list))
	found := false
	for _, x := range list {
		if x.key() == key {
			found = true
			continue
		}
		next = append(next, x)
	}
	if !found {
		return false
	}
	if len(next) == 0 {
		st.adj.Delete(id)
	} else {
		st.adj.Set(id, next)
	}
	return true
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
