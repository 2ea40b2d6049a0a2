package mcp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/kektorbrain/pkg/embeddings"
	"github.com/sanonone/kektorbrain/pkg/engine"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	opts := engine.DefaultOptions(t.TempDir())
	opts.MaintenanceInterval = time.Hour
	opts.AutoSaveInterval = 0
	opts.AutoSaveThreshold = 0
	opts.Refiner.Interval = time.Hour

	eng, err := engine.Open(context.Background(), opts, engine.Deps{Embedder: embeddings.NewHashEmbedder(64)})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return NewService(eng)
}

func TestNewMCPServerRegistersTools(t *testing.T) {
	opts := engine.DefaultOptions(t.TempDir())
	eng, err := engine.Open(context.Background(), opts, engine.Deps{Embedder: embeddings.NewHashEmbedder(32)})
	require.NoError(t, err)
	defer eng.Close()

	// AddTool panics on arguments it cannot derive a schema for.
	assert.NotPanics(t, func() { NewMCPServer(eng) })
}

func TestToolFlow(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	_, task, err := s.UpsertEntity(ctx, nil, UpsertEntityArgs{
		ID:         "milk",
		Type:       "task",
		Attributes: map[string]any{"title": "Buy milk", "priority": "high", "tags": []any{"shopping"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", task.Title)
	assert.True(t, task.Embedded)

	_, note, err := s.UpsertEntity(ctx, nil, UpsertEntityArgs{
		Type:       "note",
		Attributes: map[string]any{"title": "Grocery list", "content": "milk, eggs", "tags": []any{"shopping"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, note.ID)

	_, sim, err := s.Similar(ctx, nil, SimilarArgs{ID: "milk", Limit: 3})
	require.NoError(t, err)
	require.Len(t, sim.Results, 1)
	assert.Contains(t, sim.Results[0], note.ID)

	_, found, err := s.Search(ctx, nil, SearchArgs{Query: "grocery list", Types: []string{"note"}})
	require.NoError(t, err)
	require.NotEmpty(t, found.Results)
	assert.Contains(t, found.Results[0], "Grocery list")

	_, tr, err := s.Traverse(ctx, nil, TraverseArgs{RootID: "milk"})
	require.NoError(t, err)
	assert.Contains(t, tr.GraphDescription, "tag_shared")
	assert.Contains(t, tr.GraphDescription, "Grocery list")

	_, path, err := s.FindConnection(ctx, nil, FindConnectionArgs{SourceID: "milk", TargetID: note.ID})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path.PathDescription, "Buy milk (milk) -> "))

	_, stats, err := s.GraphStats(ctx, nil, GraphStatsArgs{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, 1, stats.ByType["task"])

	_, del, err := s.DeleteEntity(ctx, nil, DeleteEntityArgs{ID: note.ID})
	require.NoError(t, err)
	assert.Equal(t, note.ID, del.Deleted)

	_, sim, err = s.Similar(ctx, nil, SimilarArgs{ID: "milk"})
	require.NoError(t, err)
	assert.Empty(t, sim.Results)
}

func TestToolErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	_, _, err := s.UpsertEntity(ctx, nil, UpsertEntityArgs{Type: "alien", Attributes: map[string]any{}})
	assert.Error(t, err)

	_, _, err = s.UpsertEntity(ctx, nil, UpsertEntityArgs{Type: "task", Attributes: map[string]any{"priority": "whenever"}})
	assert.Equal(t, engine.CodeInvalidArgument, engine.CodeOf(err))

	_, _, err = s.DeleteEntity(ctx, nil, DeleteEntityArgs{ID: "missing"})
	assert.Equal(t, engine.CodeNotFound, engine.CodeOf(err))

	_, _, err = s.Connect(ctx, nil, ConnectArgs{SourceID: "a", TargetID: "b", Relation: "mentions"})
	assert.Equal(t, engine.CodeInvalidArgument, engine.CodeOf(err))

	// No language model configured: the question fails with a reason code.
	_, _, err = s.UpsertEntity(ctx, nil, UpsertEntityArgs{ID: "n", Type: "note", Attributes: map[string]any{"title": "hello world"}})
	require.NoError(t, err)
	_, _, err = s.Ask(ctx, nil, AskArgs{Question: "hello?"})
	assert.Equal(t, engine.CodeGenerationFailure, engine.CodeOf(err))
}

func TestAskOnEmptyGraph(t *testing.T) {
	s := newTestService(t)
	_, res, err := s.Ask(context.Background(), nil, AskArgs{Question: "anything?"})
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
	assert.NotEmpty(t, res.Answer)
}
