package engine

import (
	"log/slog"
	"time"

	"github.com/sanonone/kektorbrain/pkg/embeddings"
	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/rag"
	"github.com/sanonone/kektorbrain/pkg/refine"
	"github.com/sanonone/kektorbrain/pkg/retrieval"
	"github.com/sanonone/kektorbrain/pkg/vectorindex"
)

// Options configures the behavior of the Engine, including persistence paths,
// automatic maintenance policies and the tuning of every component.
type Options struct {
	// DataDir is where the snapshot file is stored. It is created
	// automatically if it does not exist. Empty disables persistence.
	DataDir string

	// SnapshotFilename is the name of the snapshot inside DataDir
	// (default: "kektorbrain.kbs").
	SnapshotFilename string

	// AutoSaveInterval is the longest time dirty state waits before being
	// written. Set to 0 to disable time-based saves.
	AutoSaveInterval time.Duration

	// AutoSaveThreshold triggers a save as soon as this many writes have
	// accumulated. Set to 0 to disable count-based saves.
	AutoSaveThreshold int64

	// MaintenanceInterval defines how often backfill, index vacuum and
	// pending reconciliation run. Default: 30 seconds.
	MaintenanceInterval time.Duration

	// EmbedTimeout bounds a single call to the embedding provider.
	EmbedTimeout time.Duration

	// EmbedWorkers limits concurrent embedding calls during backfill.
	EmbedWorkers int

	Link      graph.LinkPolicy
	Index     vectorindex.Config
	Refiner   refine.Config
	Retrieval retrieval.Config
	RAG       rag.Config
}

// DefaultOptions returns a standard configuration suitable for most use cases.
//
// Defaults:
//   - DataDir: provided path
//   - SnapshotFilename: "kektorbrain.kbs"
//   - AutoSave: after 100 writes, or 60s after the first unsaved write
//   - Maintenance: every 30s
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:             dataDir,
		SnapshotFilename:    "kektorbrain.kbs",
		AutoSaveInterval:    60 * time.Second,
		AutoSaveThreshold:   100,
		MaintenanceInterval: 30 * time.Second,
		EmbedTimeout:        10 * time.Second,
		EmbedWorkers:        4,
		Link:                graph.DefaultLinkPolicy(),
		Index:               vectorindex.DefaultConfig(),
		Refiner:             refine.DefaultConfig(),
		Retrieval:           retrieval.DefaultConfig(),
		RAG:                 rag.DefaultConfig(),
	}
}

// Deps are the external collaborators of the Engine.
type Deps struct {
	// Embedder is required.
	Embedder embeddings.Embedder
	// Generator answers questions. Without one, Query fails with
	// generation_failure whenever context was found.
	Generator rag.Generator
	Logger    *slog.Logger
	// Clock overrides time.Now for the graph store.
	Clock func() time.Time
}
