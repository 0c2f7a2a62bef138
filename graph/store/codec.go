package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// newRecord serializes a checkpoint about to be appended. The sequence
// number is assigned by the caller once the thread is locked.
func newRecord[S any](threadID string, parentSeq int64, state S, next []string, meta Metadata) (record, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return record{}, fmt.Errorf("failed to marshal state: %w", err)
	}
	if next == nil {
		next = []string{}
	}
	return record{
		ThreadID:  threadID,
		ParentSeq: parentSeq,
		ID:        ulid.Make().String(),
		State:     data,
		Next:      append([]string(nil), next...),
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// decode turns a stored record into a checkpoint with a freshly allocated
// state value, so callers can never alias a persisted snapshot.
func decode[S any](r record) (Checkpoint[S], error) {
	var state S
	if len(r.State) > 0 {
		if err := json.Unmarshal(r.State, &state); err != nil {
			return Checkpoint[S]{}, fmt.Errorf("failed to unmarshal state for %s/%d: %w", r.ThreadID, r.Seq, err)
		}
	}
	next := r.Next
	if next == nil {
		next = []string{}
	}
	return Checkpoint[S]{
		ThreadID:  r.ThreadID,
		Seq:       r.Seq,
		ParentSeq: r.ParentSeq,
		ID:        r.ID,
		State:     state,
		Next:      append([]string(nil), next...),
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
	}, nil
}

// columns holds the JSON-encoded columns of a SQL row.
type columns struct {
	state    []byte
	next     []byte
	metadata []byte
}

func (r record) columns() (columns, error) {
	next, err := json.Marshal(r.Next)
	if err != nil {
		return columns{}, fmt.Errorf("failed to marshal next nodes: %w", err)
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return columns{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return columns{state: r.State, next: next, metadata: meta}, nil
}

// fromColumns rebuilds a record from a SQL row.
func fromColumns(threadID string, seq, parentSeq int64, id string, c columns, createdAt time.Time) (record, error) {
	r := record{
		ThreadID:  threadID,
		Seq:       seq,
		ParentSeq: parentSeq,
		ID:        id,
		State:     json.RawMessage(c.state),
		CreatedAt: createdAt,
	}
	if len(c.next) > 0 {
		if err := json.Unmarshal(c.next, &r.Next); err != nil {
			return record{}, fmt.Errorf("failed to unmarshal next nodes: %w", err)
		}
	}
	if len(c.metadata) > 0 {
		if err := json.Unmarshal(c.metadata, &r.Metadata); err != nil {
			return record{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return r, nil
}

// decodeAll decodes records in the order given.
func decodeAll[S any](records []record) ([]Checkpoint[S], error) {
	out := make([]Checkpoint[S], 0, len(records))
	for _, r := range records {
		cp, err := decode[S](r)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}
