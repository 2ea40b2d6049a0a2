package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global metrics, registered on the default registry through promauto.

var (
	// HttpRequestsTotal counts requests by method, route pattern and status.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorbrain_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HttpRequestDuration measures server response time. Buckets reach into
	// tens of seconds because /query waits on the language model.
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kektorbrain_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// GraphNodes tracks nodes per entity type.
	GraphNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kektorbrain_graph_nodes",
			Help: "Number of nodes in the knowledge graph",
		},
		[]string{"type"},
	)

	// GraphEdges tracks the number of distinct edges.
	GraphEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kektorbrain_graph_edges",
		Help: "Number of edges in the knowledge graph",
	})

	// IndexedVectors tracks the vector index size.
	IndexedVectors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kektorbrain_indexed_vectors",
		Help: "Number of vectors in the ANN index",
	})

	// EmbeddingRequests counts embedding attempts by outcome (ok, error).
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorbrain_embedding_requests_total",
			Help: "Embedding provider calls by outcome",
		},
		[]string{"outcome"},
	)

	// RefineBatches counts refinement batches.
	RefineBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kektorbrain_refine_batches_total",
		Help: "Relational refinement batches executed",
	})

	// RefineDuration measures a refinement batch end to end.
	RefineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kektorbrain_refine_batch_duration_seconds",
		Help:    "Duration of relational refinement batches",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// RefinedNodes counts node vectors written by the refiner.
	RefinedNodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kektorbrain_refined_nodes_total",
		Help: "Node embeddings refined through message passing",
	})

	// RAGQueries counts questions by terminal state and reason.
	RAGQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorbrain_rag_queries_total",
			Help: "Answered and failed RAG queries",
		},
		[]string{"state", "reason"},
	)

	// LLMAttempts counts generation attempts per provider and outcome.
	LLMAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorbrain_llm_attempts_total",
			Help: "Language model calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// Reconciliations counts index repair sweeps.
	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorbrain_reconciliations_total",
			Help: "Vector index reconciliation sweeps by trigger",
		},
		[]string{"trigger"},
	)
)
