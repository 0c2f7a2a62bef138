package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/threadgraph/graph/emit"
	"github.com/dshills/threadgraph/graph/store"
)

// jokeState is the state of the joke pipeline used throughout these tests.
type jokeState struct {
	Topic    string   `json:"topic"`
	Joke     string   `json:"joke"`
	Approved bool     `json:"approved"`
	Messages []string `json:"messages"`
	Counter  int      `json:"counter"`
}

var jokeSchema = NewSchema(
	ReplaceField("topic", func(s *jokeState) *string { return &s.Topic }),
	ReplaceField("joke", func(s *jokeState) *string { return &s.Joke }),
	ReplaceField("approved", func(s *jokeState) *bool { return &s.Approved }),
	AppendField("messages", func(s *jokeState) *[]string { return &s.Messages }),
	ReplaceField("counter", func(s *jokeState) *int { return &s.Counter }),
)

func generateNode() Node[jokeState] {
	return NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		joke := "Why did the " + s.Topic + " go to school? To get a little saucier."
		return NodeResult[jokeState]{Delta: jokeState{Joke: joke, Messages: []string{joke}}}
	})
}

func publishNode() Node[jokeState] {
	return NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		return NodeResult[jokeState]{Delta: jokeState{Messages: []string{"Joke Published!"}}}
	})
}

// newJokeEngine wires generate -> publish -> END.
func newJokeEngine(t *testing.T, st store.Store[jokeState], opts ...Option) *Engine[jokeState] {
	t.Helper()
	e := New(jokeSchema.Reducer(), st, nil, opts...)
	require.NoError(t, e.Add("generate", generateNode()))
	require.NoError(t, e.Add("publish", publishNode()))
	require.NoError(t, e.StartAt("generate"))
	require.NoError(t, e.Connect("generate", "publish", nil))
	require.NoError(t, e.Connect("publish", END, nil))
	return e
}

func TestEngine_RunToCompletion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[jokeState]()
	e := newJokeEngine(t, st)

	res, err := e.Run(ctx, "t1", jokeState{Topic: "pizza"})
	require.NoError(t, err)
	assert.True(t, res.Done())
	assert.False(t, res.Interrupted())
	assert.Equal(t, int64(2), res.Seq)
	require.Len(t, res.State.Messages, 2)
	assert.Equal(t, "Joke Published!", res.State.Messages[1])
	assert.Equal(t, "pizza", res.State.Topic)

	history, err := e.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []string{"publish"}, history[1].Next)
	assert.Empty(t, history[0].Next)
	assert.Equal(t, "generate", history[1].Metadata.Node)
	assert.Equal(t, store.SourceLoop, history[0].Metadata.Source)
}

func TestEngine_StaticInterruptBefore(t *testing.T) {
	ctx := context.Background()
	e := newJokeEngine(t, store.NewMemStore[jokeState](), WithInterruptBefore("publish"))

	res, err := e.Run(ctx, "t1", jokeState{Topic: "pizza"})
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Equal(t, store.InterruptBefore, res.Interrupt.Kind)
	assert.Equal(t, "publish", res.Interrupt.Node)
	assert.Equal(t, []string{"publish"}, res.Next)
	assert.Len(t, res.State.Messages, 1)

	history, err := e.History(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	res, err = e.Continue(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, res.Done())
	require.Len(t, res.State.Messages, 2)
	assert.Equal(t, "Joke Published!", res.State.Messages[1])

	history, err = e.History(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEngine_PizzaJokeThread(t *testing.T) {
	ctx := context.Background()
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil, WithInterruptBefore("publish"))
	require.NoError(t, e.Add("generate", generateNode()))
	require.NoError(t, e.Add("review", NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		return NodeResult[jokeState]{Delta: jokeState{Approved: s.Joke != ""}}
	})))
	require.NoError(t, e.Add("publish", publishNode()))
	require.NoError(t, e.StartAt("generate"))
	require.NoError(t, e.Connect("generate", "review", nil))
	require.NoError(t, e.Connect("review", "publish", nil))
	require.NoError(t, e.Connect("publish", END, nil))

	res, err := e.Run(ctx, "t1", jokeState{Topic: "pizza", Messages: []string{}})
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Equal(t, []string{"publish"}, res.Next)
	assert.Equal(t, store.InterruptBefore, res.Interrupt.Kind)
	assert.Equal(t, "publish", res.Interrupt.Node)

	history, err := e.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "review", history[0].Metadata.Node)
	assert.Equal(t, "generate", history[1].Metadata.Node)

	res, err = e.Continue(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, res.Done())

	history, err = e.History(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, history, 3)
	require.Len(t, res.State.Messages, 2)
	assert.Equal(t, res.State.Joke, res.State.Messages[0])
	assert.Equal(t, "Joke Published!", res.State.Messages[1])
}

func TestEngine_StaticInterruptBeforeFirstNode(t *testing.T) {
	ctx := context.Background()
	e := newJokeEngine(t, store.NewMemStore[jokeState](), WithInterruptBefore("generate"))

	res, err := e.Run(ctx, "t1", jokeState{Topic: "pizza"})
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Equal(t, []string{"generate"}, res.Next)

	cp, err := e.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.SourceInput, cp.Metadata.Source)
	assert.Equal(t, "pizza", cp.State.Topic)

	res, err = e.Continue(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, res.Done())
	assert.Len(t, res.State.Messages, 2)
}

func TestEngine_StaticInterruptAfter(t *testing.T) {
	ctx := context.Background()
	e := newJokeEngine(t, store.NewMemStore[jokeState](), WithInterruptAfter("generate"))

	res, err := e.Run(ctx, "t1", jokeState{Topic: "pizza"})
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Equal(t, store.InterruptAfter, res.Interrupt.Kind)
	assert.Equal(t, "generate", res.Interrupt.Node)
	assert.Equal(t, []string{"publish"}, res.Next)

	res, err = e.Continue(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, res.Done())
}

func TestEngine_ContinueUnknownThread(t *testing.T) {
	e := newJokeEngine(t, store.NewMemStore[jokeState]())

	_, err := e.Continue(context.Background(), "nope")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.ThreadID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_ContinueFinishedThreadIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newJokeEngine(t, store.NewMemStore[jokeState]())

	first, err := e.Run(ctx, "t1", jokeState{Topic: "pizza"})
	require.NoError(t, err)

	again, err := e.Continue(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, first.State, again.State)

	history, err := e.History(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEngine_RunAgainStartsOver(t *testing.T) {
	ctx := context.Background()
	e := newJokeEngine(t, store.NewMemStore[jokeState]())

	_, err := e.Run(ctx, "t1", jokeState{Topic: "pizza"})
	require.NoError(t, err)

	res, err := e.Run(ctx, "t1", jokeState{Topic: "cats"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Seq)
	assert.Equal(t, "cats", res.State.Topic)
	assert.Len(t, res.State.Messages, 4)
}

func TestEngine_ThreadsAreIsolated(t *testing.T) {
	ctx := context.Background()
	e := newJokeEngine(t, store.NewMemStore[jokeState]())

	_, err := e.Run(ctx, "a", jokeState{Topic: "pizza"})
	require.NoError(t, err)
	_, err = e.Run(ctx, "b", jokeState{Topic: "tacos"})
	require.NoError(t, err)

	a, err := e.State(ctx, "a")
	require.NoError(t, err)
	b, err := e.State(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "pizza", a.State.Topic)
	assert.Equal(t, "tacos", b.State.Topic)

	ids, err := e.Threads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestEngine_NodeFailureLeavesLastCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[jokeState]()
	e := New(jokeSchema.Reducer(), st, nil)
	boom := errors.New("boom")

	require.NoError(t, e.Add("generate", generateNode()))
	require.NoError(t, e.Add("fail", NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		return NodeResult[jokeState]{Delta: jokeState{Topic: "never"}, Err: boom}
	})))
	require.NoError(t, e.StartAt("generate"))
	require.NoError(t, e.Connect("generate", "fail", nil))

	_, err := e.Run(ctx, "t1", jokeState{Topic: "pizza"})
	var nodeErr *NodeExecutionError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "fail", nodeErr.NodeID)
	assert.ErrorIs(t, err, boom)

	cp, err := e.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.Seq)
	assert.Equal(t, "pizza", cp.State.Topic)
	assert.Equal(t, []string{"fail"}, cp.Next)
}

func TestEngine_PanicIsRecovered(t *testing.T) {
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil)
	require.NoError(t, e.Add("panic", NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		panic("kaboom")
	})))
	require.NoError(t, e.StartAt("panic"))

	_, err := e.Run(context.Background(), "t1", jokeState{})
	var nodeErr *NodeExecutionError
	require.ErrorAs(t, err, &nodeErr)
	assert.True(t, nodeErr.Panic)
	assert.Contains(t, nodeErr.Error(), "kaboom")
}

func TestEngine_MaxSteps(t *testing.T) {
	ctx := context.Background()
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil, WithMaxSteps(3))
	require.NoError(t, e.Add("loop", NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		return NodeResult[jokeState]{Delta: jokeState{Counter: s.Counter + 1}, Route: Goto("loop")}
	})))
	require.NoError(t, e.StartAt("loop"))

	res, err := e.Run(ctx, "t1", jokeState{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxStepsExceeded)
	assert.Equal(t, 3, res.State.Counter)

	// The thread is resumable from where the limit stopped it.
	res, err = e.Continue(ctx, "t1")
	assert.ErrorIs(t, err, ErrMaxStepsExceeded)
	assert.Equal(t, 6, res.State.Counter)
}

func TestEngine_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil)
	require.NoError(t, e.Add("first", NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		cancel()
		return NodeResult[jokeState]{Delta: jokeState{Counter: 1}}
	})))
	require.NoError(t, e.Add("second", NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		t.Fatal("second node must not run after cancellation")
		return NodeResult[jokeState]{}
	})))
	require.NoError(t, e.StartAt("first"))
	require.NoError(t, e.Connect("first", "second", nil))

	_, err := e.Run(ctx, "t1", jokeState{})
	assert.ErrorIs(t, err, context.Canceled)

	cp, err := e.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, cp.Next)
}

func TestEngine_Validate(t *testing.T) {
	tests := []struct {
		name  string
		build func(e *Engine[jokeState])
		code  string
	}{
		{
			name:  "no start",
			build: func(e *Engine[jokeState]) { _ = e.Add("a", generateNode()) },
			code:  "NO_START_NODE",
		},
		{
			name: "edge to unknown node",
			build: func(e *Engine[jokeState]) {
				_ = e.Add("a", generateNode())
				_ = e.StartAt("a")
				_ = e.Connect("a", "ghost", nil)
			},
			code: "NODE_NOT_FOUND",
		},
		{
			name: "branch to unknown node",
			build: func(e *Engine[jokeState]) {
				_ = e.Add("a", generateNode())
				_ = e.StartAt("a")
				_ = e.AddBranch("a", func(jokeState) string { return "x" }, map[string]string{"x": "ghost"})
			},
			code: "NODE_NOT_FOUND",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil)
			tt.build(e)
			err := e.Validate()
			var engErr *EngineError
			require.ErrorAs(t, err, &engErr)
			assert.Equal(t, tt.code, engErr.Code)
		})
	}
}

func TestEngine_AddRejectsReservedAndDuplicates(t *testing.T) {
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil)
	assert.Error(t, e.Add(START, generateNode()))
	assert.Error(t, e.Add(END, generateNode()))
	assert.Error(t, e.Add("", generateNode()))
	assert.Error(t, e.Add("a", nil))
	require.NoError(t, e.Add("a", generateNode()))
	assert.Error(t, e.Add("a", generateNode()))
	assert.Error(t, e.Connect(END, "a", nil))
	assert.Error(t, e.Connect("a", START, nil))
}

func TestEngine_InvalidOption(t *testing.T) {
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil, WithMaxSteps(-1))
	require.NoError(t, e.Add("a", generateNode()))
	require.NoError(t, e.StartAt("a"))

	_, err := e.Run(context.Background(), "t1", jokeState{})
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "INVALID_MAX_STEPS", engErr.Code)
}

func TestEngine_NodeContext(t *testing.T) {
	var gotThread, gotNode string
	var gotStep int
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil)
	require.NoError(t, e.Add("probe", NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		gotThread, gotNode, gotStep = ThreadIDFrom(ctx), NodeIDFrom(ctx), StepFrom(ctx)
		return NodeResult[jokeState]{}
	})))
	require.NoError(t, e.StartAt("probe"))

	_, err := e.Run(context.Background(), "thread-7", jokeState{})
	require.NoError(t, err)
	assert.Equal(t, "thread-7", gotThread)
	assert.Equal(t, "probe", gotNode)
	assert.Equal(t, 1, gotStep)
}

func TestEngine_EmitsEvents(t *testing.T) {
	ctx := context.Background()
	buf := emit.NewBufferedEmitter()
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), buf, WithInterruptBefore("publish"))
	require.NoError(t, e.Add("generate", generateNode()))
	require.NoError(t, e.Add("publish", publishNode()))
	require.NoError(t, e.StartAt("generate"))
	require.NoError(t, e.Connect("generate", "publish", nil))

	_, err := e.Run(ctx, "t1", jokeState{Topic: "pizza"})
	require.NoError(t, err)

	var msgs []string
	for _, ev := range buf.History("t1") {
		msgs = append(msgs, ev.Msg)
	}
	assert.Equal(t, []string{
		emit.MsgRunStart,
		emit.MsgNodeStart,
		emit.MsgNodeEnd,
		emit.MsgCheckpoint,
		emit.MsgInterrupt,
		emit.MsgRunEnd,
	}, msgs)

	checkpoints := buf.HistoryWithFilter("t1", emit.HistoryFilter{Msg: emit.MsgCheckpoint})
	require.Len(t, checkpoints, 1)
	assert.Equal(t, int64(1), checkpoints[0].Seq)
	assert.Equal(t, "loop", checkpoints[0].Meta["source"])
}

func TestEngine_ManyRoutesRunInOrder(t *testing.T) {
	ctx := context.Background()
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil)
	record := func(name string) Node[jokeState] {
		return NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
			return NodeResult[jokeState]{Delta: jokeState{Messages: []string{name}}}
		})
	}
	require.NoError(t, e.Add("fan", NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		return NodeResult[jokeState]{Route: GotoMany("a", "b")}
	})))
	require.NoError(t, e.Add("a", record("a")))
	require.NoError(t, e.Add("b", record("b")))
	require.NoError(t, e.Add("join", record("join")))
	require.NoError(t, e.StartAt("fan"))
	require.NoError(t, e.Connect("a", "join", nil))
	require.NoError(t, e.Connect("b", "join", nil))

	res, err := e.Run(ctx, "t1", jokeState{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "join"}, res.State.Messages)
	assert.Equal(t, int64(4), res.Seq)
}
