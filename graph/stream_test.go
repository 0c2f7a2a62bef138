package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/threadgraph/graph/store"
)

func TestStream_Values(t *testing.T) {
	e := newJokeEngine(t, store.NewMemStore[jokeState]())

	var seqs []int64
	var nodes []string
	for part, err := range e.Stream(context.Background(), "t1", Input(jokeState{Topic: "pizza"})) {
		require.NoError(t, err)
		assert.Equal(t, StreamValues, part.Mode)
		seqs = append(seqs, part.Seq)
		nodes = append(nodes, part.Node)
	}
	assert.Equal(t, []int64{1, 2}, seqs)
	assert.Equal(t, []string{"generate", "publish"}, nodes)
}

func TestStream_UpdatesAndTokens(t *testing.T) {
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil)
	require.NoError(t, e.Add("talk", NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		var sb strings.Builder
		for _, tok := range []string{"Hello", ", ", "world"} {
			EmitToken(ctx, tok)
			sb.WriteString(tok)
		}
		return NodeResult[jokeState]{Delta: jokeState{Messages: []string{sb.String()}}}
	})))
	require.NoError(t, e.StartAt("talk"))

	var tokens []string
	var updates []jokeState
	for part, err := range e.Stream(context.Background(), "t1", Input(jokeState{}), StreamMessages, StreamUpdates) {
		require.NoError(t, err)
		switch part.Mode {
		case StreamMessages:
			assert.Equal(t, "talk", part.Node)
			tokens = append(tokens, part.Token)
		case StreamUpdates:
			updates = append(updates, part.Update)
		default:
			t.Fatalf("unexpected mode %s", part.Mode)
		}
	}
	assert.Equal(t, []string{"Hello", ", ", "world"}, tokens)
	require.Len(t, updates, 1)
	assert.Equal(t, []string{"Hello, world"}, updates[0].Messages)
}

func TestStream_InterruptPart(t *testing.T) {
	var reviewRuns int
	e := newApprovalEngine(t, &reviewRuns)

	var last StreamPart[jokeState]
	for part, err := range e.Stream(context.Background(), "t1", Input(jokeState{Topic: "pizza"})) {
		require.NoError(t, err)
		last = part
	}
	assert.Equal(t, StreamInterrupt, last.Mode)
	require.NotNil(t, last.Interrupt)
	assert.Equal(t, "review", last.Interrupt.Node)

	var modes []StreamMode
	for part, err := range e.Stream(context.Background(), "t1", ResumeWith[jokeState]("yes")) {
		require.NoError(t, err)
		modes = append(modes, part.Mode)
	}
	assert.Equal(t, []StreamMode{StreamValues, StreamValues}, modes)
}

func TestStream_BreakStopsAtCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newCounterEngine(t, "a", "b", "c")

	for part, err := range e.Stream(ctx, "t1", Input(jokeState{})) {
		require.NoError(t, err)
		assert.Equal(t, "a", part.Node)
		break
	}

	cp, err := e.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.Seq)
	assert.Equal(t, []string{"b"}, cp.Next)

	res, err := e.Continue(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.State.Messages)
}

func TestStream_Error(t *testing.T) {
	e := newJokeEngine(t, store.NewMemStore[jokeState]())

	var errs []error
	for _, err := range e.Stream(context.Background(), "ghost", Command[jokeState]{}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], store.ErrNotFound)
}
