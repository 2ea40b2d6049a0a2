package server

import (
	"encoding/json"
	"time"

	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/rag"
)

// UpsertEntityRequest is the body of POST/PUT /entities. Attributes are
// decoded according to Type.
type UpsertEntityRequest struct {
	ID         string          `json:"id,omitempty" validate:"omitempty,max=256"`
	Type       string          `json:"type" validate:"required"`
	Attributes json.RawMessage `json:"attributes" validate:"required"`
}

// EntityResponse is the public form of a node. Vectors are omitted unless
// explicitly requested.
type EntityResponse struct {
	ID         string           `json:"id"`
	Type       graph.NodeType   `json:"type"`
	Title      string           `json:"title"`
	Attributes graph.Attributes `json:"attributes"`
	Embedded   bool             `json:"embedded"`
	Refined    bool             `json:"refined"`
	Revision   uint64           `json:"revision"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Edges      []graph.Edge     `json:"edges,omitempty"`
	Embedding  []float32        `json:"embedding,omitempty"`
}

// LinkRequest is the body of POST/DELETE /links.
type LinkRequest struct {
	Source   string  `json:"source" validate:"required"`
	Target   string  `json:"target" validate:"required,nefield=Source"`
	Relation string  `json:"relation,omitempty"`
	Weight   float64 `json:"weight,omitempty" validate:"gte=0,lte=1"`
}

// SearchRequest is the body of POST /search.
type SearchRequest struct {
	Text  string   `json:"text" validate:"required"`
	K     int      `json:"k,omitempty" validate:"gte=0,lte=100"`
	Types []string `json:"types,omitempty"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Question string `json:"question" validate:"required"`
}

// QueryErrorResponse is returned when a question could not be answered.
type QueryErrorResponse struct {
	Error   string       `json:"error"`
	Code    string       `json:"code"`
	Sources []rag.Source `json:"sources"`
	Trace   rag.Trace    `json:"trace,omitempty"`
}

// TaskAccepted is returned by the asynchronous system endpoints.
type TaskAccepted struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}
