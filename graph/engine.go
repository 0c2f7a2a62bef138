package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/dshills/threadgraph/graph/emit"
	"github.com/dshills/threadgraph/graph/store"
)

// Engine executes a graph of nodes over per-thread state, persisting a
// checkpoint after every node so a thread can be paused, inspected,
// resumed, or forked from any point in its history.
//
// The Engine:
//   - Manages graph topology (nodes, edges, branches)
//   - Runs one thread's nodes strictly one at a time
//   - Merges node updates via the reducer
//   - Appends a checkpoint per completed node
//   - Pauses on static or dynamic interrupts and resumes with a value
//   - Emits observability events via the emitter
//
// Different threads may be driven concurrently through one Engine.
//
// Type parameter S is the state type shared across the workflow.
//
// Example:
//
//	schema := graph.NewSchema(
//	    graph.ReplaceField("topic", func(s *State) *string { return &s.Topic }),
//	    graph.AppendField("messages", func(s *State) *[]string { return &s.Messages }),
//	)
//	engine := graph.New(schema.Reducer(), store.NewMemStore[State](), nil)
//	engine.Add("generate", generate)
//	engine.StartAt("generate")
//	engine.Connect("generate", graph.END, nil)
//
//	res, err := engine.Run(ctx, "t1", State{Topic: "pizza"})
type Engine[S any] struct {
	mu sync.RWMutex

	// reducer merges partial state updates deterministically
	reducer Reducer[S]

	// nodes maps node IDs to Node implementations
	nodes map[string]Node[S]

	// edges are evaluated in insertion order per source node
	edges []Edge[S]

	// branches take priority over edges for their source node
	branches map[string]branch[S]

	// store persists the checkpoint history of every thread
	store store.Store[S]

	// emitter receives observability events
	emitter emit.Emitter

	cfg     engineConfig
	before  map[string]bool
	after   map[string]bool
	initErr error
}

// New creates an Engine.
//
// Parameters:
//   - reducer: merges node updates into state (required)
//   - st: checkpoint store (required)
//   - emitter: observability event receiver (may be nil)
//   - opts: functional options such as WithMaxSteps or WithInterruptBefore
//
// Option errors are reported by Validate and by every invocation.
func New[S any](reducer Reducer[S], st store.Store[S], emitter emit.Emitter, opts ...Option) *Engine[S] {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	e := &Engine[S]{
		reducer:  reducer,
		nodes:    make(map[string]Node[S]),
		branches: make(map[string]branch[S]),
		store:    st,
		emitter:  emitter,
		before:   make(map[string]bool),
		after:    make(map[string]bool),
	}
	for _, opt := range opts {
		if err := opt(&e.cfg); err != nil && e.initErr == nil {
			e.initErr = err
		}
	}
	e.cfg.normalize()
	for _, id := range e.cfg.interruptBefore {
		e.before[id] = true
	}
	for _, id := range e.cfg.interruptAfter {
		e.after[id] = true
	}
	return e
}

// Add registers a node in the workflow graph.
//
// Returns error if:
//   - nodeID is empty or one of the reserved names START and END
//   - node is nil
//   - a node with this ID already exists
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty"}
	}
	if nodeID == START || nodeID == END {
		return &EngineError{Message: "node ID is reserved: " + nodeID, Code: "RESERVED_NODE_ID"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{Message: "duplicate node ID: " + nodeID, Code: "DUPLICATE_NODE"}
	}
	e.nodes[nodeID] = node
	return nil
}

// StartAt sets the entry node, equivalent to Connect(START, nodeID, nil).
// The node must already be registered.
func (e *Engine[S]) StartAt(nodeID string) error {
	if nodeID == "" {
		return &EngineError{Message: "start node ID cannot be empty"}
	}

	e.mu.RLock()
	_, exists := e.nodes[nodeID]
	e.mu.RUnlock()
	if !exists {
		return &EngineError{
			Message: "start node does not exist: " + nodeID,
			Code:    "NODE_NOT_FOUND",
		}
	}
	return e.Connect(START, nodeID, nil)
}

// Connect creates an edge between two nodes.
//
// Edges can be:
//   - Unconditional: always traverse (predicate = nil)
//   - Conditional: only traverse if predicate returns true
//
// from may be START and to may be END. Node existence is checked by
// Validate, so the graph may be wired in any order.
//
// Example:
//
//	engine.Connect("review", "publish", func(s State) bool { return s.Approved })
//	engine.Connect("review", "generate", nil)
func (e *Engine[S]) Connect(from, to string, predicate Predicate[S]) error {
	if from == "" {
		return &EngineError{Message: "from node ID cannot be empty"}
	}
	if to == "" {
		return &EngineError{Message: "to node ID cannot be empty"}
	}
	if from == END {
		return &EngineError{Message: "edges cannot leave END", Code: "INVALID_EDGE"}
	}
	if to == START {
		return &EngineError{Message: "edges cannot enter START", Code: "INVALID_EDGE"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: predicate})
	return nil
}

// AddBranch routes out of from by key: selector maps the merged state to a
// key and targets maps keys to destinations. A key missing from targets
// fails the invocation with UnroutableStateError. With a nil targets map
// the key itself names the destination node (or END).
//
// A branch takes priority over edges leaving the same node. Each node has
// at most one branch.
//
// Example:
//
//	engine.AddBranch("agent", prebuilt.ToolsCondition(messagesOf), map[string]string{
//	    "tools":   "tools",
//	    graph.END: graph.END,
//	})
func (e *Engine[S]) AddBranch(from string, selector Selector[S], targets map[string]string) error {
	if from == "" || from == END {
		return &EngineError{Message: "invalid branch source: " + from, Code: "INVALID_EDGE"}
	}
	if selector == nil {
		return &EngineError{Message: "branch selector cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.branches[from]; exists {
		return &EngineError{Message: "branch already defined for " + from, Code: "DUPLICATE_BRANCH"}
	}
	var copied map[string]string
	if targets != nil {
		copied = make(map[string]string, len(targets))
		for k, v := range targets {
			copied[k] = v
		}
	}
	e.branches[from] = branch[S]{selector: selector, targets: copied}
	return nil
}

// Validate checks that the graph is complete: a reducer and store are set,
// START leads somewhere, and every edge, branch and interrupt names a
// registered node.
func (e *Engine[S]) Validate() error {
	if e.initErr != nil {
		return e.initErr
	}
	if e.reducer == nil {
		return &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.store == nil {
		return &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	known := func(id string) bool {
		_, ok := e.nodes[id]
		return ok
	}
	target := func(id string) bool { return id == END || known(id) }

	hasEntry := false
	if _, ok := e.branches[START]; ok {
		hasEntry = true
	}
	for _, edge := range e.edges {
		if edge.From == START {
			hasEntry = true
		} else if !known(edge.From) {
			return &EngineError{Message: "edge from unknown node: " + edge.From, Code: "NODE_NOT_FOUND"}
		}
		if !target(edge.To) {
			return &EngineError{Message: "edge to unknown node: " + edge.To, Code: "NODE_NOT_FOUND"}
		}
	}
	if !hasEntry {
		return &EngineError{
			Message: "start node not set (call StartAt or connect START)",
			Code:    "NO_START_NODE",
		}
	}
	for from, b := range e.branches {
		if from != START && !known(from) {
			return &EngineError{Message: "branch from unknown node: " + from, Code: "NODE_NOT_FOUND"}
		}
		for key, to := range b.targets {
			if !target(to) {
				return &EngineError{
					Message: fmt.Sprintf("branch %s key %q targets unknown node: %s", from, key, to),
					Code:    "NODE_NOT_FOUND",
				}
			}
		}
	}
	for _, ids := range [][]string{e.cfg.interruptBefore, e.cfg.interruptAfter} {
		for _, id := range ids {
			if !known(id) {
				return &EngineError{Message: "interrupt on unknown node: " + id, Code: "NODE_NOT_FOUND"}
			}
		}
	}
	return nil
}

// Result is the outcome of one invocation: either the thread reached a
// halt with nothing pending, or it paused on an interrupt, or a stream
// consumer stopped early.
type Result[S any] struct {
	// ThreadID is the thread that was driven.
	ThreadID string

	// State is the state at the last checkpoint of the invocation.
	State S

	// Seq is the sequence number of that checkpoint.
	Seq int64

	// Next lists nodes still pending. Empty when the thread is done.
	Next []string

	// Interrupt is set when the invocation paused.
	Interrupt *store.InterruptRecord
}

// Interrupted reports whether the invocation paused awaiting input.
func (r Result[S]) Interrupted() bool {
	return r.Interrupt != nil
}

// Done reports whether the thread has nothing pending.
func (r Result[S]) Done() bool {
	return len(r.Next) == 0
}

// DecodeInterrupt unmarshals the interrupt payload into v.
func (r Result[S]) DecodeInterrupt(v any) error {
	if r.Interrupt == nil || len(r.Interrupt.Payload) == 0 {
		return fmt.Errorf("thread %q has no interrupt payload", r.ThreadID)
	}
	return json.Unmarshal(r.Interrupt.Payload, v)
}

// Command describes one invocation: optional input merged into the starting
// state, an optional resume value, and an optional checkpoint to start from
// instead of the latest.
type Command[S any] struct {
	// Input, when non-nil, is merged into the starting state with the reducer.
	Input *S

	// From selects the checkpoint to continue from. Zero means latest.
	// Continuing from an older checkpoint forks the thread.
	From int64

	resume *resumeValue
}

type resumeValue struct {
	v any
}

// Input returns a command that merges in into the thread's state.
func Input[S any](in S) Command[S] {
	return Command[S]{Input: &in}
}

// ResumeWith returns a command that resumes an interrupted thread,
// delivering value as the result of the pending Interrupt call.
func ResumeWith[S any](value any) Command[S] {
	return Command[S]{resume: &resumeValue{v: value}}
}

// WithResume returns a copy of c that also delivers a resume value.
func (c Command[S]) WithResume(value any) Command[S] {
	c.resume = &resumeValue{v: value}
	return c
}

// At returns a copy of c that starts from checkpoint seq.
func (c Command[S]) At(seq int64) Command[S] {
	c.From = seq
	return c
}

// Resuming reports whether c carries a resume value.
func (c Command[S]) Resuming() bool {
	return c.resume != nil
}

// Run merges input into the thread's latest state (or a zero state for a
// new thread) and executes until the thread halts or pauses.
//
// If the thread has pending nodes, execution continues with them;
// otherwise it starts from the START edge.
//
// Example:
//
//	res, err := engine.Run(ctx, "t1", State{Topic: "pizza"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if res.Interrupted() {
//	    // ask a human, then engine.Resume(ctx, "t1", answer)
//	}
func (e *Engine[S]) Run(ctx context.Context, threadID string, input S) (Result[S], error) {
	return e.invoke(ctx, threadID, Input(input), nil)
}

// Continue resumes a thread from its latest checkpoint without input.
// It returns NotFoundError for an unknown thread and is a no-op returning
// the latest state when nothing is pending.
func (e *Engine[S]) Continue(ctx context.Context, threadID string) (Result[S], error) {
	return e.invoke(ctx, threadID, Command[S]{}, nil)
}

// Resume continues an interrupted thread, delivering value to the pending
// Interrupt call. It fails with InvalidResumeError when the latest
// checkpoint is not paused on an interrupt.
func (e *Engine[S]) Resume(ctx context.Context, threadID string, value any) (Result[S], error) {
	return e.invoke(ctx, threadID, ResumeWith[S](value), nil)
}

// Invoke executes cmd on the thread. It is the general form of Run,
// Continue and Resume.
func (e *Engine[S]) Invoke(ctx context.Context, threadID string, cmd Command[S]) (Result[S], error) {
	return e.invoke(ctx, threadID, cmd, nil)
}

// State returns the latest checkpoint of the thread.
func (e *Engine[S]) State(ctx context.Context, threadID string) (store.Checkpoint[S], error) {
	if e.store == nil {
		return store.Checkpoint[S]{}, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	cp, err := e.store.Latest(ctx, threadID)
	if err != nil {
		return store.Checkpoint[S]{}, wrapStoreErr("latest", threadID, 0, err)
	}
	return cp, nil
}

// StateAt returns checkpoint seq of the thread.
func (e *Engine[S]) StateAt(ctx context.Context, threadID string, seq int64) (store.Checkpoint[S], error) {
	if e.store == nil {
		return store.Checkpoint[S]{}, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	cp, err := e.store.Get(ctx, threadID, seq)
	if err != nil {
		return store.Checkpoint[S]{}, wrapStoreErr("get", threadID, seq, err)
	}
	return cp, nil
}

// History returns every checkpoint of the thread, newest first.
func (e *Engine[S]) History(ctx context.Context, threadID string) ([]store.Checkpoint[S], error) {
	if e.store == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	cps, err := e.store.History(ctx, threadID)
	if err != nil {
		return nil, wrapStoreErr("history", threadID, 0, err)
	}
	return cps, nil
}

// Threads lists every thread with at least one checkpoint.
func (e *Engine[S]) Threads(ctx context.Context) ([]string, error) {
	if e.store == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	ids, err := e.store.Threads(ctx)
	if err != nil {
		return nil, &StoreError{Op: "threads", Cause: err}
	}
	return ids, nil
}

// UpdateState writes delta into the thread as if node asNode had produced it.
//
// The delta is merged into checkpoint fromSeq (zero means latest) and
// appended as a new checkpoint. Updating a non-latest checkpoint forks the
// thread. When asNode is set, the pending nodes are whatever the router
// picks after asNode; asNode START reschedules the entry node. Otherwise the source checkpoint's pending nodes and
// interrupt marker are kept, so a paused thread stays paused.
//
// Example:
//
//	// Rewrite the topic at checkpoint 3 and replay from there.
//	cp, _ := engine.UpdateState(ctx, "t2", 3, State{Topic: "cats"}, "")
//	res, _ := engine.Continue(ctx, "t2")
func (e *Engine[S]) UpdateState(ctx context.Context, threadID string, fromSeq int64, delta S, asNode string) (store.Checkpoint[S], error) {
	if err := e.Validate(); err != nil {
		return store.Checkpoint[S]{}, err
	}

	latest, err := e.store.Latest(ctx, threadID)
	if err != nil {
		return store.Checkpoint[S]{}, wrapStoreErr("latest", threadID, 0, err)
	}
	base := latest
	if fromSeq != 0 && fromSeq != latest.Seq {
		base, err = e.store.Get(ctx, threadID, fromSeq)
		if err != nil {
			return store.Checkpoint[S]{}, wrapStoreErr("get", threadID, fromSeq, err)
		}
	}

	state := e.reducer(base.State, delta)
	meta := store.Metadata{Source: store.SourceUpdate, Node: asNode}
	if base.Seq != latest.Seq {
		meta.Source = store.SourceFork
	}

	var next []string
	if asNode != "" {
		if asNode != START && !e.hasNode(asNode) {
			return store.Checkpoint[S]{}, &EngineError{Message: "node does not exist: " + asNode, Code: "NODE_NOT_FOUND"}
		}
		next, err = e.route(asNode, state)
		if err != nil {
			return store.Checkpoint[S]{}, err
		}
	} else {
		next = slices.Clone(base.Next)
		meta.Interrupt = base.Metadata.Interrupt
	}

	seq, err := e.store.Append(ctx, threadID, base.Seq, state, next, meta)
	if err != nil {
		return store.Checkpoint[S]{}, wrapStoreErr("append", threadID, base.Seq, err)
	}
	e.cfg.metrics.IncrementCheckpoints(string(meta.Source))
	emit.Send(ctx, e.emitter, emit.Event{
		ThreadID: threadID,
		Seq:      seq,
		NodeID:   asNode,
		Msg:      emit.MsgUpdate,
		Meta: map[string]interface{}{
			"source": string(meta.Source),
			"parent": base.Seq,
			"next":   next,
		},
	})

	cp, err := e.store.Get(ctx, threadID, seq)
	if err != nil {
		return store.Checkpoint[S]{}, wrapStoreErr("get", threadID, seq, err)
	}
	return cp, nil
}

func (e *Engine[S]) hasNode(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.nodes[id]
	return ok
}

func (e *Engine[S]) node(id string) (Node[S], bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.nodes[id]
	return n, ok
}

// route picks the successors of from for state: the node's branch if it
// has one, else the first matching edge. No outgoing edges means the path
// ends; edges that all fail to match are an error.
func (e *Engine[S]) route(from string, state S) ([]string, error) {
	e.mu.RLock()
	b, hasBranch := e.branches[from]
	e.mu.RUnlock()

	if hasBranch {
		to, err := b.resolve(from, state, e.hasNode)
		if err != nil {
			return nil, err
		}
		if to == END {
			return nil, nil
		}
		return []string{to}, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	matched := false
	for _, edge := range e.edges {
		if edge.From != from {
			continue
		}
		matched = true
		if edge.When == nil || edge.When(state) {
			if edge.To == END {
				return nil, nil
			}
			return []string{edge.To}, nil
		}
	}
	if matched {
		return nil, &UnroutableStateError{From: from}
	}
	return nil, nil
}

// successors resolves a node's explicit route, falling back to the router.
func (e *Engine[S]) successors(from string, route Next, state S) ([]string, error) {
	if !route.explicit() {
		return e.route(from, state)
	}
	if route.Terminal {
		return nil, nil
	}
	targets := route.Many
	if route.To != "" {
		targets = []string{route.To}
	}
	out := make([]string, 0, len(targets))
	for _, id := range targets {
		if id == END {
			continue
		}
		if !e.hasNode(id) {
			return nil, &EngineError{
				Message: fmt.Sprintf("node %s routed to unknown node: %s", from, id),
				Code:    "NODE_NOT_FOUND",
			}
		}
		out = append(out, id)
	}
	return out, nil
}

// enqueue appends next to pending, skipping nodes already queued.
func enqueue(pending, next []string) []string {
	out := slices.Clone(pending)
	for _, id := range next {
		if id != END && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
