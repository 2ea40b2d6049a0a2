// Package graph implements the knowledge-graph store: typed entity nodes,
// weighted multi-relations between them, and lock-free point-in-time
// snapshots for readers.
package graph

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a node id does not exist.
	ErrNotFound = errors.New("graph: node not found")
	// ErrAlreadyExists is returned when adding a node whose id is taken.
	ErrAlreadyExists = errors.New("graph: node already exists")
	// ErrTypeMismatch is returned when a patch carries attributes of a
	// different entity type than the node.
	ErrTypeMismatch = errors.New("graph: attribute type does not match node type")
	// ErrInvalidEdge is returned for self loops and unknown relations.
	ErrInvalidEdge = errors.New("graph: invalid edge")
)

// NodeType is the closed set of entity kinds.
type NodeType string

const (
	NodeNote     NodeType = "note"
	NodeTask     NodeType = "task"
	NodeContact  NodeType = "contact"
	NodeDocument NodeType = "document"
	NodeChunk    NodeType = "chunk"
)

// AllNodeTypes lists every NodeType. Code switching over node types is
// tested against this list.
func AllNodeTypes() []NodeType {
	return []NodeType{NodeNote, NodeTask, NodeContact, NodeDocument, NodeChunk}
}

// ParseNodeType validates s as a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	for _, t := range AllNodeTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("graph: unknown node type %q", s)
}

// RelationType names the kind of an edge.
type RelationType string

const (
	RelTagShared        RelationType = "tag_shared"
	RelMentions         RelationType = "mentions"
	RelTemporal         RelationType = "temporal_proximity"
	RelExplicit         RelationType = "explicit_link"
	RelSameProject      RelationType = "same_project"
	RelSameOrganization RelationType = "same_organization"
	RelReferences       RelationType = "references"
	RelPartOf           RelationType = "part_of"
)

var relations = map[RelationType]struct {
	directed bool
	derived  bool
}{
	RelTagShared:        {derived: true},
	RelMentions:         {derived: true},
	RelTemporal:         {derived: true},
	RelSameProject:      {derived: true},
	RelSameOrganization: {derived: true},
	RelPartOf:           {directed: true, derived: true},
	RelExplicit:         {},
	RelReferences:       {directed: true},
}

// Valid reports whether r is a known relation.
func (r RelationType) Valid() bool {
	_, ok := relations[r]
	return ok
}

// Directed reports whether the relation has a meaningful direction. Traversal
// ignores direction either way.
func (r RelationType) Directed() bool { return relations[r].directed }

// Derived reports whether edges of this relation are produced by the linker
// from node attributes, as opposed to declared by the user.
func (r RelationType) Derived() bool { return relations[r].derived }

// ParseRelation validates s as a RelationType.
func ParseRelation(s string) (RelationType, error) {
	r := RelationType(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown relation %q", ErrInvalidEdge, s)
	}
	return r, nil
}

// Node is a single entity. Published nodes are immutable: every mutation
// replaces the record, so slices may be shared between snapshots and must
// not be written to by readers.
type Node struct {
	ID         string     `json:"id"`
	Type       NodeType   `json:"type"`
	Text       string     `json:"text"`
	Attributes Attributes `json:"attributes"`

	Embedding        []float32 `json:"embedding,omitempty"`
	RefinedEmbedding []float32 `json:"refined_embedding,omitempty"`
	// EmbeddingModel and EmbeddingRevision identify what Embedding was
	// computed for. Revision bumps whenever Text changes.
	EmbeddingModel    string `json:"embedding_model,omitempty"`
	EmbeddingRevision uint64 `json:"embedding_revision,omitempty"`
	Revision          uint64 `json:"revision"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Title returns the display title of the node.
func (n Node) Title() string {
	if n.Attributes == nil {
		return n.ID
	}
	return Title(n.Attributes)
}

// Tags returns the node's tags, if its type carries any.
func (n Node) Tags() []string {
	if n.Attributes == nil {
		return nil
	}
	return Tags(n.Attributes)
}

// EmbeddingStale reports whether the node needs a new embedding for model.
func (n Node) EmbeddingStale(model string) bool {
	return n.Embedding == nil || n.EmbeddingModel != model || n.EmbeddingRevision != n.Revision
}

// SearchVector returns the vector used for similarity: the refined
// embedding when present, otherwise the raw one.
func (n Node) SearchVector() []float32 {
	if n.RefinedEmbedding != nil {
		return n.RefinedEmbedding
	}
	return n.Embedding
}

// Edge is a weighted relation between two nodes.
type Edge struct {
	Source    string       `json:"source"`
	Target    string       `json:"target"`
	Relation  RelationType `json:"relation"`
	Weight    float64      `json:"weight"`
	CreatedAt time.Time    `json:"created_at"`
}

// Other returns the endpoint of e that is not id.
func (e Edge) Other(id string) string {
	if e.Source == id {
		return e.Target
	}
	return e.Source
}

// key identifies an edge: (source, target, relation), with endpoints in
// canonical order for undirected relations.
func (e Edge) key() string {
	a, b := e.Source, e.Target
	if !e.Relation.Directed() && b < a {
		a, b = b, a
	}
	return a + "\x00" + b + "\x00" + string(e.Relation)
}

// Patch describes an update to a node. Nil fields are left unchanged.
type Patch struct {
	Text       *string
	Attributes Attributes
}

func clampWeight(w float64) float64 {
	switch {
	case w < 0:
		return 0
	case w > 1:
		return 1
	default:
		return w
	}
}
