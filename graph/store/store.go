// Package store provides checkpoint persistence for graph threads.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested thread or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidParent is returned by Append when a root checkpoint (parentSeq 0)
// is written to a thread that already has checkpoints.
var ErrInvalidParent = errors.New("invalid parent checkpoint")

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("store is closed")

// Source records which operation produced a checkpoint.
type Source string

const (
	// SourceInput marks a checkpoint holding caller input that no node has consumed yet.
	SourceInput Source = "input"

	// SourceLoop marks a checkpoint written after a node completed.
	SourceLoop Source = "loop"

	// SourceUpdate marks a checkpoint written by a manual state update on the latest checkpoint.
	SourceUpdate Source = "update"

	// SourceFork marks a manual state update rooted at a historical checkpoint.
	SourceFork Source = "fork"

	// SourceInterrupt marks a checkpoint written because a node requested an interrupt.
	SourceInterrupt Source = "interrupt"
)

// InterruptKind distinguishes the ways a thread can be suspended.
type InterruptKind string

const (
	// InterruptBefore suspends the thread before a configured node runs.
	InterruptBefore InterruptKind = "before"

	// InterruptAfter suspends the thread after a configured node ran.
	InterruptAfter InterruptKind = "after"

	// InterruptDynamic suspends the thread because a node called graph.Interrupt.
	InterruptDynamic InterruptKind = "dynamic"
)

// InterruptRecord is persisted with a checkpoint that suspended its thread.
type InterruptRecord struct {
	Kind InterruptKind `json:"kind"`

	// Node is the node the interrupt refers to. For before and dynamic
	// interrupts it is the node that will run on resume.
	Node string `json:"node"`

	// Payload is the JSON encoding of the value the node passed to Interrupt.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Metadata describes how and where a checkpoint was produced.
type Metadata struct {
	Source    Source           `json:"source"`
	Node      string           `json:"node,omitempty"`
	Step      int              `json:"step"`
	Interrupt *InterruptRecord `json:"interrupt,omitempty"`
}

// Checkpoint is one immutable, persisted snapshot of a thread's state plus
// the nodes scheduled to run next.
//
// Within a thread Seq starts at 1 and strictly increases in write order.
// ParentSeq is 0 for the first checkpoint of a thread. An empty Next means
// the thread has nothing left to run.
type Checkpoint[S any] struct {
	ThreadID  string
	Seq       int64
	ParentSeq int64
	ID        string
	State     S
	Next      []string
	Metadata  Metadata
	CreatedAt time.Time
}

// Interrupted reports whether the checkpoint suspended its thread.
func (c Checkpoint[S]) Interrupted() bool {
	return c.Metadata.Interrupt != nil
}

// Store persists checkpoints for any number of threads.
//
// Writes to one thread are serialized so sequence numbers stay strictly
// increasing; writes to different threads never wait on each other.
//
// Latest returns the most recently written checkpoint of a thread, so after
// a fork it follows whichever branch was appended to last.
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type Store[S any] interface {
	// Append writes a new checkpoint as a child of parentSeq and returns its
	// sequence number. A parentSeq other than the thread's latest checkpoint
	// starts a fork. Use parentSeq 0 only for the first checkpoint of a thread.
	//
	// Returns ErrNotFound if parentSeq does not exist in the thread and
	// ErrInvalidParent if parentSeq is 0 on a non-empty thread.
	Append(ctx context.Context, threadID string, parentSeq int64, state S, next []string, meta Metadata) (int64, error)

	// Latest returns the most recently written checkpoint of the thread.
	Latest(ctx context.Context, threadID string) (Checkpoint[S], error)

	// Get returns one checkpoint of the thread.
	Get(ctx context.Context, threadID string, seq int64) (Checkpoint[S], error)

	// History returns every checkpoint of the thread, newest first, across
	// all forks.
	History(ctx context.Context, threadID string) ([]Checkpoint[S], error)

	// Threads lists the IDs of all threads with at least one checkpoint.
	Threads(ctx context.Context) ([]string, error)

	// Close releases the resources held by the store.
	Close() error
}

// record is the serialized form shared by every backend.
type record struct {
	ThreadID  string          `json:"thread_id"`
	Seq       int64           `json:"seq"`
	ParentSeq int64           `json:"parent_seq"`
	ID        string          `json:"id"`
	State     json.RawMessage `json:"state"`
	Next      []string        `json:"next"`
	Metadata  Metadata        `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}
