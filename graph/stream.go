package graph

import (
	"context"
	"iter"
	"slices"

	"github.com/dshills/threadgraph/graph/store"
)

// StreamMode selects which parts a Stream yields.
type StreamMode string

const (
	// StreamValues yields the full state after every checkpoint.
	StreamValues StreamMode = "values"

	// StreamUpdates yields each node's delta as it completes.
	StreamUpdates StreamMode = "updates"

	// StreamMessages yields tokens nodes pass to EmitToken.
	StreamMessages StreamMode = "messages"

	// StreamInterrupt is the mode of the final part of a paused invocation.
	// It is always yielded, whatever modes were requested.
	StreamInterrupt StreamMode = "interrupt"
)

// StreamPart is one item of a streamed invocation.
type StreamPart[S any] struct {
	Mode     StreamMode
	ThreadID string

	// Seq is the latest checkpoint when the part was produced.
	Seq int64

	// Node is the node the part came from.
	Node string

	// State is set for StreamValues parts.
	State S

	// Update is set for StreamUpdates parts.
	Update S

	// Token is set for StreamMessages parts.
	Token string

	// Interrupt is set for StreamInterrupt parts.
	Interrupt *store.InterruptRecord
}

// Stream runs cmd on the thread and yields progress as it happens.
// With no modes, only StreamValues parts are produced.
//
// The invocation runs on the caller's goroutine as the sequence is
// consumed. Breaking out of the loop stops the invocation at the next
// checkpoint; nothing already checkpointed is lost. A failure ends the
// sequence with a single (zero part, error) pair.
//
// Example:
//
//	for part, err := range engine.Stream(ctx, "t1", graph.Input(State{Topic: "pizza"}), graph.StreamMessages) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(part.Token)
//	}
func (e *Engine[S]) Stream(ctx context.Context, threadID string, cmd Command[S], modes ...StreamMode) iter.Seq2[StreamPart[S], error] {
	if len(modes) == 0 {
		modes = []StreamMode{StreamValues}
	}
	return func(yield func(StreamPart[S], error) bool) {
		stopped := false
		sink := func(part StreamPart[S]) bool {
			if stopped {
				return false
			}
			if !slices.Contains(modes, part.Mode) {
				return true
			}
			if !yield(part, nil) {
				stopped = true
				return false
			}
			return true
		}

		res, err := e.invoke(ctx, threadID, cmd, sink)
		if stopped {
			return
		}
		if err != nil {
			yield(StreamPart[S]{ThreadID: threadID}, err)
			return
		}
		if res.Interrupt != nil {
			yield(StreamPart[S]{
				Mode:      StreamInterrupt,
				ThreadID:  threadID,
				Seq:       res.Seq,
				Node:      res.Interrupt.Node,
				State:     res.State,
				Interrupt: res.Interrupt,
			}, nil)
		}
	}
}
