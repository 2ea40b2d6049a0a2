package rag

import (
	"errors"
	"fmt"
	"time"

	"github.com/sanonone/kektorbrain/pkg/graph"
)

// State is a step of the question-answering flow.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateEmbedded     State = "EMBEDDED"
	StateRetrieved    State = "RETRIEVED"
	StateContextBuilt State = "CONTEXT_BUILT"
	StateAnswered     State = "ANSWERED"
	StateFailed       State = "FAILED"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool { return s == StateAnswered || s == StateFailed }

// Reason codes of failed questions.
const (
	ReasonInvalidArgument    = "invalid_argument"
	ReasonEmbeddingFailure   = "embedding_failure"
	ReasonIndexInconsistency = "index_inconsistency"
	ReasonGenerationFailure  = "generation_failure"
	ReasonTimeout            = "timeout"
	ReasonCancelled          = "cancelled"
)

var (
	// ErrInvalidQuestion is returned for blank questions.
	ErrInvalidQuestion = errors.New("rag: question is empty")
	// ErrNoGenerator is returned when no language model is configured.
	ErrNoGenerator = errors.New("rag: no language model configured")
)

// Transition is one entry of a Trace.
type Transition struct {
	State  State     `json:"state"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// Trace records every state a question went through.
type Trace []Transition

// States returns the visited states in order.
func (t Trace) States() []State {
	out := make([]State, len(t))
	for i, tr := range t {
		out[i] = tr.State
	}
	return out
}

// Source is a node whose content was handed to the model.
type Source struct {
	NodeID    string         `json:"node_id"`
	Type      graph.NodeType `json:"type"`
	Title     string         `json:"title"`
	Relevance float64        `json:"relevance"`
}

// Answer is a successful result.
type Answer struct {
	Question string   `json:"question"`
	Text     string   `json:"text"`
	Sources  []Source `json:"sources"`
	State    State    `json:"state"`
	Trace    Trace    `json:"trace"`
	// Provider is the model that produced Text, empty when no model was
	// called.
	Provider string `json:"provider,omitempty"`
}

// QueryError is a failed question. It carries the best sources retrieved
// before the failure, but never an answer.
type QueryError struct {
	Reason  string   `json:"reason"`
	Message string   `json:"message"`
	Sources []Source `json:"sources"`
	Trace   Trace    `json:"trace"`
	Err     error    `json:"-"`
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rag: %s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("rag: %s: %s", e.Reason, e.Message)
}

func (e *QueryError) Unwrap() error { return e.Err }
