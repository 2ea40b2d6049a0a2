// Package rag answers natural-language questions over the knowledge graph:
// it embeds the question, retrieves relevant nodes, builds a budgeted
// context with provenance tags and asks a language model, tracking each
// step as an explicit state.
package rag

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/llm"
	"github.com/sanonone/kektorbrain/pkg/metrics"
	"github.com/sanonone/kektorbrain/pkg/retrieval"
)

// QueryEmbedder turns the question into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever ranks nodes for a query vector.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) ([]retrieval.Result, error)
}

// Generator produces the answer text.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userQuery string) (llm.Generation, error)
}

// Orchestrator is safe for concurrent use; every Ask runs its own state
// machine.
type Orchestrator struct {
	cfg       Config
	embedder  QueryEmbedder
	retriever Retriever
	generator Generator
	snapshot  func() *graph.Snapshot
	logger    *slog.Logger
	now       func() time.Time
}

// New builds an Orchestrator. generator may be nil, in which case questions
// with a non-empty context fail with generation_failure.
func New(cfg Config, embedder QueryEmbedder, retriever Retriever, generator Generator, snapshot func() *graph.Snapshot, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		embedder:  embedder,
		retriever: retriever,
		generator: generator,
		snapshot:  snapshot,
		logger:    logger,
		now:       time.Now,
	}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// run holds the per-question state.
type run struct {
	o        *Orchestrator
	question string
	state    State
	trace    Trace
	sources  []Source
}

func (r *run) to(s State, detail string) {
	r.state = s
	r.trace = append(r.trace, Transition{State: s, At: r.o.now(), Detail: detail})
}

func (r *run) fail(reason, message string, err error) *QueryError {
	r.to(StateFailed, reason)
	metrics.RAGQueries.WithLabelValues(string(StateFailed), reason).Inc()
	r.o.logger.Warn("rag: question failed", "reason", reason, "message", message, "error", err)
	sources := r.sources
	if sources == nil {
		sources = []Source{}
	}
	return &QueryError{Reason: reason, Message: message, Sources: sources, Trace: r.trace, Err: err}
}

// ctxFailure maps a done context to its reason.
func (r *run) ctxFailure(ctx context.Context, step string) *QueryError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return r.fail(ReasonTimeout, step+" timed out", ctx.Err())
	}
	return r.fail(ReasonCancelled, step+" cancelled", ctx.Err())
}

// Ask answers question. On failure the error is a *QueryError.
func (o *Orchestrator) Ask(ctx context.Context, question string) (*Answer, error) {
	r := &run{o: o, question: question}
	r.to(StateReceived, "")

	if strings.TrimSpace(question) == "" {
		return nil, r.fail(ReasonInvalidArgument, "question is empty", ErrInvalidQuestion)
	}
	if o.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.QueryTimeout)
		defer cancel()
	}

	vec, err := o.embedder.Embed(ctx, question)
	if err != nil {
		if ctx.Err() != nil {
			return nil, r.ctxFailure(ctx, "embedding")
		}
		return nil, r.fail(ReasonEmbeddingFailure, "the question could not be embedded", err)
	}
	r.to(StateEmbedded, "")

	results, err := o.retriever.Retrieve(ctx, retrieval.Request{Vector: vec, K: o.cfg.TopK})
	if err != nil {
		if ctx.Err() != nil {
			return nil, r.ctxFailure(ctx, "retrieval")
		}
		return nil, r.fail(ReasonIndexInconsistency, "retrieval failed", err)
	}
	r.to(StateRetrieved, "")

	qc := BuildContext(question, results, o.snapshot(), o.cfg.ContextBudget)
	r.sources = qc.Sources()
	r.to(StateContextBuilt, "")

	if qc.Empty() {
		r.to(StateAnswered, "no relevant context")
		metrics.RAGQueries.WithLabelValues(string(StateAnswered), "empty").Inc()
		return &Answer{
			Question: question,
			Text:     o.cfg.EmptyAnswer,
			Sources:  []Source{},
			State:    r.state,
			Trace:    r.trace,
		}, nil
	}

	if o.generator == nil {
		return nil, r.fail(ReasonGenerationFailure, "no language model is configured", ErrNoGenerator)
	}
	gen, err := o.generator.Generate(ctx, o.cfg.SystemPrompt, renderPrompt(o.cfg.UserTemplate, qc))
	if err != nil {
		if ctx.Err() != nil {
			return nil, r.ctxFailure(ctx, "generation")
		}
		return nil, r.fail(ReasonGenerationFailure, "no language model produced an answer", err)
	}

	r.to(StateAnswered, gen.Provider)
	metrics.RAGQueries.WithLabelValues(string(StateAnswered), "").Inc()
	o.logger.Debug("rag: answered", "sources", len(r.sources), "provider", gen.Provider, "attempts", len(gen.Attempts))
	return &Answer{
		Question: question,
		Text:     strings.TrimSpace(gen.Text),
		Sources:  r.sources,
		State:    r.state,
		Trace:    r.trace,
		Provider: gen.Provider,
	}, nil
}
