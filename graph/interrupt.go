package graph

import (
	"context"
	"sync"
)

type ctxKey int

const (
	threadIDKey ctxKey = iota
	nodeIDKey
	stepKey
	slotKey
	tokenKey
)

// resumeSlot carries at most one resume value into a node execution and
// records whether the node paused.
type resumeSlot struct {
	mu     sync.Mutex
	value  any
	has    bool
	used   bool
	raised *InterruptError
}

func (s *resumeSlot) interrupted() *InterruptError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raised
}

// slotState is a saved copy of a slot's resume value and usage.
type slotState struct {
	value any
	has   bool
	used  bool
}

func (s *resumeSlot) save() slotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slotState{value: s.value, has: s.has, used: s.used}
}

// restore re-arms the slot so another attempt of the same execution can
// call Interrupt and receive the same resume value.
func (s *resumeSlot) restore(st slotState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value, s.has, s.used = st.value, st.has, st.used
	s.raised = nil
}

// Interrupt pauses the running node and surfaces payload to the caller.
//
// On the first pass it returns (nil, *InterruptError); the node should stop
// and propagate the error. The engine writes an interrupt checkpoint whose
// state is the state the node received, so none of the node's partial work
// is kept. When the thread is resumed with a value, the node runs again from
// the top and this call returns that value.
//
// A node may call Interrupt at most once per execution; a second call returns
// ErrInterruptReused. Nodes that need several answers should ask for them in
// one payload.
//
// Example:
//
//	answer, err := graph.Interrupt(ctx, map[string]string{"question": "Publish this joke?"})
//	if err != nil {
//	    return graph.NodeResult[State]{Err: err}
//	}
//	if answer != "yes" {
//	    return graph.NodeResult[State]{Route: graph.Goto("generate")}
//	}
func Interrupt(ctx context.Context, payload any) (any, error) {
	slot, _ := ctx.Value(slotKey).(*resumeSlot)
	if slot == nil {
		return nil, ErrInterruptOutsideNode
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.used {
		return nil, ErrInterruptReused
	}
	slot.used = true

	if slot.has {
		v := slot.value
		slot.has = false
		slot.value = nil
		return v, nil
	}

	ie := &InterruptError{NodeID: NodeIDFrom(ctx), Payload: payload}
	slot.raised = ie
	return nil, ie
}

// tokenSink forwards streamed tokens to a consumer. It returns false once
// the consumer has stopped listening.
type tokenSink func(nodeID, token string) bool

// EmitToken streams a partial model output token from inside a node.
// It reports whether anyone is still listening; outside a streaming
// invocation it is a no-op returning false.
func EmitToken(ctx context.Context, token string) bool {
	sink, _ := ctx.Value(tokenKey).(tokenSink)
	if sink == nil {
		return false
	}
	return sink(NodeIDFrom(ctx), token)
}

// ThreadIDFrom returns the thread a node is running on.
func ThreadIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey).(string)
	return id
}

// NodeIDFrom returns the ID of the running node.
func NodeIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(nodeIDKey).(string)
	return id
}

// StepFrom returns the step number of the running node within its invocation.
func StepFrom(ctx context.Context) int {
	step, _ := ctx.Value(stepKey).(int)
	return step
}

func nodeContext(ctx context.Context, threadID, nodeID string, step int, slot *resumeSlot, sink tokenSink) context.Context {
	ctx = context.WithValue(ctx, threadIDKey, threadID)
	ctx = context.WithValue(ctx, nodeIDKey, nodeID)
	ctx = context.WithValue(ctx, stepKey, step)
	ctx = context.WithValue(ctx, slotKey, slot)
	if sink != nil {
		ctx = context.WithValue(ctx, tokenKey, sink)
	}
	return ctx
}
