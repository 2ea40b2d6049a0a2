package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/kektorbrain/pkg/embeddings"
	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/llm"
	"github.com/sanonone/kektorbrain/pkg/retrieval"
)

type stubEmbedder struct {
	err   error
	block bool
}

func (s stubEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0}, nil
}

type stubRetriever struct {
	results []retrieval.Result
	gotK    int
}

func (s *stubRetriever) Retrieve(_ context.Context, req retrieval.Request) ([]retrieval.Result, error) {
	s.gotK = req.K
	return s.results, nil
}

type stubGenerator struct {
	text   string
	err    error
	calls  int
	prompt string
}

func (s *stubGenerator) Generate(_ context.Context, _, user string) (llm.Generation, error) {
	s.calls++
	s.prompt = user
	if s.err != nil {
		return llm.Generation{}, s.err
	}
	return llm.Generation{Text: s.text, Provider: "stub"}, nil
}

func knowledge(t *testing.T) *graph.Store {
	t.Helper()
	s := graph.New()
	for _, n := range []graph.Node{
		{ID: "milk", Attributes: graph.TaskAttrs{Title: "Buy milk", Tags: []string{"shopping"}}},
		{ID: "list", Attributes: graph.NoteAttrs{Title: "Grocery list", Content: "eggs, bread, milk"}},
		{ID: "ann", Attributes: graph.ContactAttrs{Name: "Ann Lee", Organization: "Acme"}},
	} {
		_, err := s.AddNode(n)
		require.NoError(t, err)
	}
	return s
}

func results(pairs ...any) []retrieval.Result {
	var out []retrieval.Result
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, retrieval.Result{NodeID: pairs[i].(string), Score: pairs[i+1].(float64)})
	}
	return out
}

func TestAskAnswers(t *testing.T) {
	s := knowledge(t)
	ret := &stubRetriever{results: results("milk", 0.91, "list", 0.72)}
	gen := &stubGenerator{text: "  Buy milk, it is on your grocery list.  "}
	o := New(Config{}, stubEmbedder{}, ret, gen, s.Snapshot, nil)

	ans, err := o.Ask(context.Background(), "what do I need to buy?")
	require.NoError(t, err)
	assert.Equal(t, 8, ret.gotK)
	assert.Equal(t, StateAnswered, ans.State)
	assert.Equal(t, "Buy milk, it is on your grocery list.", ans.Text)
	assert.Equal(t, "stub", ans.Provider)
	assert.Equal(t, []State{StateReceived, StateEmbedded, StateRetrieved, StateContextBuilt, StateAnswered}, ans.Trace.States())

	require.Len(t, ans.Sources, 2)
	assert.Equal(t, Source{NodeID: "milk", Type: graph.NodeTask, Title: "Buy milk", Relevance: 0.91}, ans.Sources[0])
	assert.Equal(t, "Grocery list", ans.Sources[1].Title)

	assert.Contains(t, gen.prompt, "[TASK id=milk score=0.91] Buy milk")
	assert.Contains(t, gen.prompt, "[NOTE id=list score=0.72] Grocery list")
	assert.Contains(t, gen.prompt, "what do I need to buy?")
	assert.Less(t, strings.Index(gen.prompt, "id=milk"), strings.Index(gen.prompt, "id=list"))
}

func TestAskEmptyContextSkipsModel(t *testing.T) {
	s := knowledge(t)
	gen := &stubGenerator{text: "I made this up"}
	o := New(Config{}, stubEmbedder{}, &stubRetriever{}, gen, s.Snapshot, nil)

	ans, err := o.Ask(context.Background(), "who is the president?")
	require.NoError(t, err)
	assert.Zero(t, gen.calls)
	assert.NotNil(t, ans.Sources)
	assert.Empty(t, ans.Sources)
	assert.Equal(t, DefaultConfig().EmptyAnswer, ans.Text)
	for _, title := range []string{"Buy milk", "Grocery list", "Ann Lee"} {
		assert.NotContains(t, ans.Text, title)
	}
	assert.Equal(t, StateAnswered, ans.State)
}

func TestAskEmbeddingFailureFailsFast(t *testing.T) {
	s := knowledge(t)
	gen := &stubGenerator{}
	ret := &stubRetriever{results: results("milk", 0.9)}
	embedErr := &embeddings.UnavailableError{Provider: "stub", Reason: embeddings.ReasonTimeout}
	o := New(Config{}, stubEmbedder{err: embedErr}, ret, gen, s.Snapshot, nil)

	ans, err := o.Ask(context.Background(), "anything")
	assert.Nil(t, ans)
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, ReasonEmbeddingFailure, qe.Reason)
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingUnavailable)
	assert.Zero(t, gen.calls)
	assert.Zero(t, ret.gotK, "retrieval must not run")
	assert.Equal(t, []State{StateReceived, StateFailed}, qe.Trace.States())
}

func TestAskGenerationFailureKeepsSources(t *testing.T) {
	s := knowledge(t)
	gen := &stubGenerator{err: llm.ErrGenerationFailed}
	o := New(Config{}, stubEmbedder{}, &stubRetriever{results: results("list", 0.8)}, gen, s.Snapshot, nil)

	_, err := o.Ask(context.Background(), "groceries?")
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, ReasonGenerationFailure, qe.Reason)
	assert.ErrorIs(t, err, llm.ErrGenerationFailed)
	require.Len(t, qe.Sources, 1)
	assert.Equal(t, "list", qe.Sources[0].NodeID)
}

func TestAskWithoutGenerator(t *testing.T) {
	s := knowledge(t)
	o := New(Config{}, stubEmbedder{}, &stubRetriever{results: results("list", 0.8)}, nil, s.Snapshot, nil)
	_, err := o.Ask(context.Background(), "groceries?")
	assert.ErrorIs(t, err, ErrNoGenerator)
}

func TestAskInvalidAndTimeout(t *testing.T) {
	s := knowledge(t)
	o := New(Config{}, stubEmbedder{}, &stubRetriever{}, &stubGenerator{}, s.Snapshot, nil)
	_, err := o.Ask(context.Background(), "   ")
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, ReasonInvalidArgument, qe.Reason)

	slow := New(Config{QueryTimeout: 20 * time.Millisecond}, stubEmbedder{block: true}, &stubRetriever{}, &stubGenerator{}, s.Snapshot, nil)
	_, err = slow.Ask(context.Background(), "q")
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, ReasonTimeout, qe.Reason)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := New(Config{}, stubEmbedder{block: true}, &stubRetriever{}, &stubGenerator{}, s.Snapshot, nil)
	_, err = blocked.Ask(ctx, "q")
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, ReasonCancelled, qe.Reason)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBuildContextBudget(t *testing.T) {
	s := knowledge(t)
	res := results("milk", 0.9, "list", 0.8, "ann", 0.7, "ghost", 0.6)

	full := BuildContext("q", res, s.Snapshot(), 10_000)
	require.Len(t, full.Entries, 3, "missing nodes are skipped")

	firstTwo := len(full.Entries[0].Block) + len(entrySeparator) + len(full.Entries[1].Block)
	cut := BuildContext("q", res, s.Snapshot(), firstTwo)
	require.Len(t, cut.Entries, 2)
	assert.Equal(t, "milk", cut.Entries[0].Source.NodeID)
	assert.Equal(t, "list", cut.Entries[1].Source.NodeID, "least relevant entry goes first")
	assert.LessOrEqual(t, len(cut.Text()), firstTwo)

	tiny := BuildContext("q", res, s.Snapshot(), 20)
	require.Len(t, tiny.Entries, 1)
	assert.Equal(t, "milk", tiny.Entries[0].Source.NodeID)
	assert.LessOrEqual(t, len([]rune(tiny.Text())), 20)
	assert.True(t, strings.HasSuffix(tiny.Text(), truncMarker))

	empty := BuildContext("q", nil, s.Snapshot(), 100)
	assert.True(t, empty.Empty())
	assert.NotNil(t, empty.Sources())
}
