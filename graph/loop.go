package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dshills/threadgraph/graph/emit"
	"github.com/dshills/threadgraph/graph/store"
)

// execution is the mutable state of one invocation on one thread.
type execution[S any] struct {
	e        *Engine[S]
	threadID string

	state    S
	parent   int64
	pending  []string
	released string
	resume   *resumeValue
	step     int

	merged  bool
	written bool

	// sink receives stream parts; nil outside Stream.
	sink    func(StreamPart[S]) bool
	sinkMu  sync.Mutex
	stopped bool
}

func (e *Engine[S]) invoke(ctx context.Context, threadID string, cmd Command[S], sink func(StreamPart[S]) bool) (Result[S], error) {
	if err := e.Validate(); err != nil {
		return Result[S]{}, err
	}
	if threadID == "" {
		return Result[S]{}, &EngineError{Message: "thread ID cannot be empty", Code: "MISSING_THREAD_ID"}
	}
	if err := ctx.Err(); err != nil {
		return Result[S]{}, err
	}

	base, found, err := e.loadBase(ctx, threadID, cmd.From)
	if err != nil {
		return Result[S]{}, err
	}
	if !found && cmd.Input == nil {
		return Result[S]{}, &NotFoundError{ThreadID: threadID}
	}
	if cmd.resume != nil {
		if !base.Interrupted() {
			return Result[S]{}, &InvalidResumeError{ThreadID: threadID, Seq: base.Seq, Reason: "checkpoint is not interrupted"}
		}
		if len(base.Next) == 0 {
			return Result[S]{}, &InvalidResumeError{ThreadID: threadID, Seq: base.Seq, Reason: "no pending node"}
		}
	}

	x := &execution[S]{
		e:        e,
		threadID: threadID,
		state:    base.State,
		parent:   base.Seq,
		resume:   cmd.resume,
		sink:     sink,
	}
	if cmd.Input != nil {
		x.state = e.reducer(x.state, *cmd.Input)
		x.merged = true
	}

	switch {
	case len(base.Next) > 0:
		x.pending = slices.Clone(base.Next)
		if rec := base.Metadata.Interrupt; rec != nil && rec.Kind != store.InterruptAfter && rec.Node == x.pending[0] {
			x.released = rec.Node
		}
		if cmd.resume != nil {
			x.released = x.pending[0]
		}
	case x.merged:
		x.pending, err = e.route(START, x.state)
		if err != nil {
			return Result[S]{}, err
		}
	default:
		// Nothing pending and nothing new: the thread is already done.
		return x.result(nil), nil
	}

	e.send(ctx, emit.Event{ThreadID: threadID, Seq: base.Seq, Msg: emit.MsgRunStart, Meta: map[string]interface{}{
		"next":   slices.Clone(x.pending),
		"resume": cmd.resume != nil,
	}})
	if cmd.resume != nil {
		e.cfg.metrics.IncrementResumes()
		e.send(ctx, emit.Event{ThreadID: threadID, Seq: base.Seq, NodeID: x.pending[0], Msg: emit.MsgResume})
	}

	res, err := x.loop(ctx)
	meta := map[string]interface{}{"steps": x.step}
	if err != nil {
		meta["error"] = err
		e.cfg.logger.WarnContext(ctx, "invocation failed", "thread_id", threadID, "step", x.step, "error", err)
	} else if res.Interrupt != nil {
		meta["interrupted"] = string(res.Interrupt.Kind)
	}
	e.send(ctx, emit.Event{ThreadID: threadID, Seq: x.parent, Msg: emit.MsgRunEnd, Meta: meta})
	return res, err
}

// loadBase fetches the checkpoint an invocation starts from. found is
// false for a thread with no checkpoints.
func (e *Engine[S]) loadBase(ctx context.Context, threadID string, from int64) (store.Checkpoint[S], bool, error) {
	if from != 0 {
		cp, err := e.store.Get(ctx, threadID, from)
		if err != nil {
			return cp, false, wrapStoreErr("get", threadID, from, err)
		}
		return cp, true, nil
	}
	cp, err := e.store.Latest(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Checkpoint[S]{}, false, nil
	}
	if err != nil {
		return cp, false, wrapStoreErr("latest", threadID, 0, err)
	}
	return cp, true, nil
}

func (x *execution[S]) loop(ctx context.Context) (Result[S], error) {
	e := x.e
	for len(x.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return x.result(nil), err
		}

		nodeID := x.pending[0]
		released := x.released == nodeID
		x.released = ""

		if e.before[nodeID] && !released {
			source := store.SourceInterrupt
			if x.merged && !x.written {
				source = store.SourceInput
			}
			rec := &store.InterruptRecord{Kind: store.InterruptBefore, Node: nodeID}
			if err := x.checkpoint(ctx, source, "", rec); err != nil {
				return x.result(nil), err
			}
			return x.result(rec), nil
		}

		if limit := e.cfg.maxSteps; limit > 0 && x.step >= limit {
			return x.result(nil), &EngineError{
				Message: fmt.Sprintf("invocation on thread %s ran %d steps without halting", x.threadID, x.step),
				Code:    "MAX_STEPS_EXCEEDED",
			}
		}
		x.step++

		slot := &resumeSlot{}
		if x.resume != nil {
			slot.value, slot.has = x.resume.v, true
			x.resume = nil
		}

		result, err := x.execute(ctx, nodeID, slot)
		if ie := slot.interrupted(); ie != nil {
			return x.interrupt(ctx, nodeID, ie)
		}
		if err != nil {
			return x.result(nil), err
		}

		x.state = e.reducer(x.state, result.Delta)
		next, err := e.successors(nodeID, result.Route, x.state)
		if err != nil {
			return x.result(nil), err
		}
		x.pending = enqueue(x.pending[1:], next)

		var rec *store.InterruptRecord
		switch {
		case len(x.pending) > 0 && e.before[x.pending[0]]:
			rec = &store.InterruptRecord{Kind: store.InterruptBefore, Node: x.pending[0]}
		case len(x.pending) > 0 && e.after[nodeID]:
			rec = &store.InterruptRecord{Kind: store.InterruptAfter, Node: nodeID}
		}
		if err := x.checkpoint(ctx, store.SourceLoop, nodeID, rec); err != nil {
			return x.result(nil), err
		}
		x.publish(StreamPart[S]{Mode: StreamUpdates, Node: nodeID, Update: result.Delta})
		x.publish(StreamPart[S]{Mode: StreamValues, Node: nodeID, State: x.state})

		if rec != nil || x.stopped {
			return x.result(rec), nil
		}
	}

	if x.merged && !x.written {
		if err := x.checkpoint(ctx, store.SourceInput, "", nil); err != nil {
			return x.result(nil), err
		}
	}
	return x.result(nil), nil
}

// execute runs one node, converting failures and panics into
// NodeExecutionError.
func (x *execution[S]) execute(ctx context.Context, nodeID string, slot *resumeSlot) (result NodeResult[S], err error) {
	e := x.e
	node, ok := e.node(nodeID)
	if !ok {
		return result, &EngineError{Message: "node does not exist: " + nodeID, Code: "NODE_NOT_FOUND"}
	}

	e.send(ctx, emit.Event{ThreadID: x.threadID, Seq: x.parent, Step: x.step, NodeID: nodeID, Msg: emit.MsgNodeStart})
	e.cfg.metrics.nodeStarted()
	start := time.Now()

	defer func() {
		e.cfg.metrics.nodeFinished()
		elapsed := time.Since(start)

		if r := recover(); r != nil {
			err = &NodeExecutionError{
				ThreadID: x.threadID,
				NodeID:   nodeID,
				Step:     x.step,
				Panic:    true,
				Cause:    fmt.Errorf("%v", r),
			}
		}

		status := "success"
		switch {
		case slot.interrupted() != nil:
			status = "interrupt"
		case err != nil:
			status = "error"
			e.cfg.metrics.IncrementNodeErrors(nodeID)
			e.send(ctx, emit.Event{
				ThreadID: x.threadID,
				Seq:      x.parent,
				Step:     x.step,
				NodeID:   nodeID,
				Msg:      emit.MsgNodeError,
				Meta:     map[string]interface{}{"error": err, "duration_ms": elapsed.Milliseconds()},
			})
		}
		e.cfg.metrics.RecordNodeLatency(nodeID, elapsed, status)
		if status != "error" {
			e.send(ctx, emit.Event{
				ThreadID: x.threadID,
				Seq:      x.parent,
				Step:     x.step,
				NodeID:   nodeID,
				Msg:      emit.MsgNodeEnd,
				Meta:     map[string]interface{}{"duration_ms": elapsed.Milliseconds(), "status": status},
			})
		}
	}()

	nctx := nodeContext(ctx, x.threadID, nodeID, x.step, slot, x.tokenSink())
	result = node.Run(nctx, x.state)
	if result.Err != nil && slot.interrupted() == nil {
		err = &NodeExecutionError{
			ThreadID: x.threadID,
			NodeID:   nodeID,
			Step:     x.step,
			Cause:    result.Err,
		}
	}
	return result, err
}

// interrupt records a dynamic pause: the state the node received, with the
// node itself still pending.
func (x *execution[S]) interrupt(ctx context.Context, nodeID string, ie *InterruptError) (Result[S], error) {
	payload, err := json.Marshal(ie.Payload)
	if err != nil {
		return x.result(nil), &NodeExecutionError{
			ThreadID: x.threadID,
			NodeID:   nodeID,
			Step:     x.step,
			Cause:    fmt.Errorf("encode interrupt payload: %w", err),
		}
	}
	rec := &store.InterruptRecord{Kind: store.InterruptDynamic, Node: nodeID, Payload: payload}
	if err := x.checkpoint(ctx, store.SourceInterrupt, nodeID, rec); err != nil {
		return x.result(nil), err
	}
	return x.result(rec), nil
}

func (x *execution[S]) checkpoint(ctx context.Context, source store.Source, nodeID string, rec *store.InterruptRecord) error {
	e := x.e
	meta := store.Metadata{Source: source, Node: nodeID, Step: x.step, Interrupt: rec}
	seq, err := e.store.Append(ctx, x.threadID, x.parent, x.state, x.pending, meta)
	if err != nil {
		return &StoreError{Op: "append", ThreadID: x.threadID, Cause: err}
	}
	x.parent = seq
	x.written = true

	e.cfg.metrics.IncrementCheckpoints(string(source))
	e.send(ctx, emit.Event{
		ThreadID: x.threadID,
		Seq:      seq,
		Step:     x.step,
		NodeID:   nodeID,
		Msg:      emit.MsgCheckpoint,
		Meta:     map[string]interface{}{"source": string(source), "next": slices.Clone(x.pending)},
	})

	if rec != nil {
		e.cfg.metrics.IncrementInterrupts(string(rec.Kind))
		e.send(ctx, emit.Event{
			ThreadID: x.threadID,
			Seq:      seq,
			Step:     x.step,
			NodeID:   rec.Node,
			Msg:      emit.MsgInterrupt,
			Meta:     map[string]interface{}{"kind": string(rec.Kind)},
		})
	}
	return nil
}

func (x *execution[S]) result(rec *store.InterruptRecord) Result[S] {
	return Result[S]{
		ThreadID:  x.threadID,
		State:     x.state,
		Seq:       x.parent,
		Next:      slices.Clone(x.pending),
		Interrupt: rec,
	}
}

// publish hands a part to the stream consumer, if any, and notes when the
// consumer stops listening.
func (x *execution[S]) publish(part StreamPart[S]) bool {
	if x.sink == nil {
		return false
	}
	x.sinkMu.Lock()
	defer x.sinkMu.Unlock()
	if x.stopped {
		return false
	}
	part.ThreadID = x.threadID
	part.Seq = x.parent
	if !x.sink(part) {
		x.stopped = true
		return false
	}
	return true
}

func (x *execution[S]) tokenSink() tokenSink {
	if x.sink == nil {
		return nil
	}
	return func(nodeID, token string) bool {
		return x.publish(StreamPart[S]{Mode: StreamMessages, Node: nodeID, Token: token})
	}
}

func (e *Engine[S]) send(ctx context.Context, event emit.Event) {
	emit.Send(ctx, e.emitter, event)
}
