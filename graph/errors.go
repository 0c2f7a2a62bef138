// Package graph provides the checkpointed graph execution engine for threadgraph.
package graph

import (
	"errors"
	"fmt"

	"github.com/dshills/threadgraph/graph/store"
)

// ErrMaxStepsExceeded indicates that one invocation ran more nodes than
// the configured limit without reaching a halt.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrInterruptReused is returned by Interrupt when a node calls it a second
// time during one execution. Each node execution may pause at most once.
var ErrInterruptReused = errors.New("interrupt already used in this node execution")

// ErrInterruptOutsideNode is returned by Interrupt when ctx was not created
// by the engine for a node execution.
var ErrInterruptOutsideNode = errors.New("interrupt called outside of a node execution")

// ErrInvalidRetryPolicy indicates a RetryPolicy with impossible bounds.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// EngineError represents a configuration or graph-construction error.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Is lets errors.Is match ErrMaxStepsExceeded against a step-limit failure.
func (e *EngineError) Is(target error) bool {
	return target == ErrMaxStepsExceeded && e.Code == "MAX_STEPS_EXCEEDED"
}

// NotFoundError reports a thread or checkpoint that does not exist.
// Seq is zero when the whole thread is missing.
//
// NotFoundError matches store.ErrNotFound with errors.Is.
type NotFoundError struct {
	ThreadID string
	Seq      int64
}

func (e *NotFoundError) Error() string {
	if e.Seq == 0 {
		return fmt.Sprintf("thread %q not found", e.ThreadID)
	}
	return fmt.Sprintf("checkpoint %d of thread %q not found", e.Seq, e.ThreadID)
}

// Is reports whether target is store.ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == store.ErrNotFound
}

// InvalidResumeError is returned when a resume value is supplied for a
// checkpoint that is not paused on an interrupt.
type InvalidResumeError struct {
	ThreadID string
	Seq      int64
	Reason   string
}

func (e *InvalidResumeError) Error() string {
	return fmt.Sprintf("cannot resume thread %q at checkpoint %d: %s", e.ThreadID, e.Seq, e.Reason)
}

// UnroutableStateError is returned when the router cannot pick a successor
// for a completed node: a branch selector produced an unmapped key, or
// edges exist but none of their predicates matched.
type UnroutableStateError struct {
	From string
	Key  string
}

func (e *UnroutableStateError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("no route from %q for branch key %q", e.From, e.Key)
	}
	return fmt.Sprintf("no route from %q: no edge matched the state", e.From)
}

// NodeExecutionError wraps a failure raised by a node's logic, including
// recovered panics. State is left at the last successful checkpoint.
type NodeExecutionError struct {
	ThreadID string
	NodeID   string
	Step     int
	Panic    bool
	Cause    error
}

func (e *NodeExecutionError) Error() string {
	if e.Panic {
		return fmt.Sprintf("node %q panicked at step %d: %v", e.NodeID, e.Step, e.Cause)
	}
	return fmt.Sprintf("node %q failed at step %d: %v", e.NodeID, e.Step, e.Cause)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Cause
}

// StoreError wraps a failure of the checkpoint store. No partial checkpoint
// is visible after an Append fails.
type StoreError struct {
	Op       string
	ThreadID string
	Cause    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s for thread %q: %v", e.Op, e.ThreadID, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// InterruptError is returned by Interrupt on the first pass through a node.
// Nodes should propagate it unchanged, typically by returning it in
// NodeResult.Err; the engine recognizes the pause even when it is swallowed.
type InterruptError struct {
	NodeID  string
	Payload any
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("node %q interrupted", e.NodeID)
}

// IsInterrupt reports whether err is or wraps an *InterruptError.
func IsInterrupt(err error) bool {
	var ie *InterruptError
	return errors.As(err, &ie)
}

// wrapStoreErr turns a store failure into the engine's error vocabulary.
func wrapStoreErr(op, threadID string, seq int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{ThreadID: threadID, Seq: seq}
	}
	return &StoreError{Op: op, ThreadID: threadID, Cause: err}
}
