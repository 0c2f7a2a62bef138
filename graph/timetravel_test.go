package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/threadgraph/graph/store"
)

// newCounterEngine wires a chain of n nodes, each incrementing the counter
// and recording its name.
func newCounterEngine(t *testing.T, names ...string) *Engine[jokeState] {
	t.Helper()
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil)
	for i, name := range names {
		name := name
		require.NoError(t, e.Add(name, NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
			return NodeResult[jokeState]{Delta: jokeState{Counter: s.Counter + 1, Messages: []string{name}}}
		})))
		if i > 0 {
			require.NoError(t, e.Connect(names[i-1], name, nil))
		}
	}
	require.NoError(t, e.StartAt(names[0]))
	return e
}

func TestTimeTravel_ForkFromEarlierCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newCounterEngine(t, "a", "b", "c", "d", "e")

	res, err := e.Run(ctx, "t2", jokeState{Topic: "pizza"})
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Seq)

	cp3, err := e.StateAt(ctx, "t2", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, cp3.State.Counter)
	assert.Equal(t, []string{"d"}, cp3.Next)

	updated, err := e.UpdateState(ctx, "t2", 3, jokeState{Topic: "cats"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(6), updated.Seq)
	assert.Equal(t, int64(3), updated.ParentSeq)
	assert.Equal(t, store.SourceFork, updated.Metadata.Source)
	assert.Equal(t, []string{"d"}, updated.Next)
	assert.Equal(t, "cats", updated.State.Topic)

	res, err = e.Continue(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, res.Done())
	assert.Equal(t, int64(8), res.Seq)
	assert.Equal(t, "cats", res.State.Topic)
	assert.Equal(t, 5, res.State.Counter)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, res.State.Messages)

	// The original branch is untouched.
	for seq := int64(4); seq <= 5; seq++ {
		cp, err := e.StateAt(ctx, "t2", seq)
		require.NoError(t, err)
		assert.Equal(t, "pizza", cp.State.Topic)
		assert.Equal(t, seq-1, cp.ParentSeq)
	}

	cp7, err := e.StateAt(ctx, "t2", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(6), cp7.ParentSeq)
}

func TestTimeTravel_InvokeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newCounterEngine(t, "a", "b", "c")

	_, err := e.Run(ctx, "t1", jokeState{})
	require.NoError(t, err)

	res, err := e.Invoke(ctx, "t1", Command[jokeState]{}.At(1))
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Seq)
	assert.Equal(t, []string{"a", "b", "c"}, res.State.Messages)

	cp4, err := e.StateAt(ctx, "t1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp4.ParentSeq)
}

func TestTimeTravel_UpdateAsNodeReroutes(t *testing.T) {
	ctx := context.Background()
	e := newCounterEngine(t, "a", "b", "c")
	require.NoError(t, e.Add("x", NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		return NodeResult[jokeState]{}
	})))

	_, err := e.Run(ctx, "t1", jokeState{})
	require.NoError(t, err)

	cp, err := e.UpdateState(ctx, "t1", 0, jokeState{Topic: "manual"}, "a")
	require.NoError(t, err)
	assert.Equal(t, store.SourceUpdate, cp.Metadata.Source)
	assert.Equal(t, "a", cp.Metadata.Node)
	assert.Equal(t, []string{"b"}, cp.Next)

	res, err := e.Continue(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "b", "c"}, res.State.Messages)

	_, err = e.UpdateState(ctx, "t1", 0, jokeState{}, "ghost")
	assert.Error(t, err)
}

func TestTimeTravel_UpdateAsStartReplaysEntry(t *testing.T) {
	ctx := context.Background()
	e := newCounterEngine(t, "a", "b")

	_, err := e.Run(ctx, "t1", jokeState{Topic: "pizza"})
	require.NoError(t, err)

	cp, err := e.UpdateState(ctx, "t1", 1, jokeState{Topic: "cats"}, START)
	require.NoError(t, err)
	assert.Equal(t, store.SourceFork, cp.Metadata.Source)
	assert.Equal(t, []string{"a"}, cp.Next)

	res, err := e.Continue(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "cats", res.State.Topic)
	assert.Equal(t, []string{"a", "a", "b"}, res.State.Messages)
}

func TestTimeTravel_UpdateKeepsInterrupt(t *testing.T) {
	ctx := context.Background()
	var reviewRuns int
	e := newApprovalEngine(t, &reviewRuns)

	_, err := e.Run(ctx, "t1", jokeState{Topic: "pizza"})
	require.NoError(t, err)

	cp, err := e.UpdateState(ctx, "t1", 0, jokeState{Joke: "an edited joke"}, "")
	require.NoError(t, err)
	assert.True(t, cp.Interrupted())
	assert.Equal(t, []string{"review"}, cp.Next)

	res, err := e.Resume(ctx, "t1", "yes")
	require.NoError(t, err)
	assert.True(t, res.State.Approved)
	assert.Equal(t, "an edited joke", res.State.Joke)
}

func TestTimeTravel_UpdateUnknown(t *testing.T) {
	ctx := context.Background()
	e := newCounterEngine(t, "a")

	_, err := e.UpdateState(ctx, "ghost", 0, jokeState{}, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.Run(ctx, "t1", jokeState{})
	require.NoError(t, err)

	_, err = e.UpdateState(ctx, "t1", 42, jokeState{}, "")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, int64(42), nf.Seq)
}

// Folding each checkpoint's delta over its parent reproduces the stored
// state; the history is a faithful replay log.
func TestTimeTravel_ReplayEquivalence(t *testing.T) {
	ctx := context.Background()
	e := newCounterEngine(t, "a", "b", "c", "d")

	_, err := e.Run(ctx, "t1", jokeState{Topic: "pizza"})
	require.NoError(t, err)
	history, err := e.History(ctx, "t1")
	require.NoError(t, err)

	reducer := jokeSchema.Reducer()
	state := reducer(jokeState{}, jokeState{Topic: "pizza"})
	for i := len(history) - 1; i >= 0; i-- {
		cp := history[i]
		name := cp.Metadata.Node
		state = reducer(state, jokeState{Counter: state.Counter + 1, Messages: []string{name}})
		assert.Equal(t, cp.State, state, "checkpoint %d", cp.Seq)
	}
}
