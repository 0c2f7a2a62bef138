package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory implementation of Store[S].
//
// Designed for:
//   - Testing and development
//   - Single-process workflows
//   - Ephemeral subgraph threads
//
// Each thread owns its own lock, so appends to one thread never wait on
// another. Snapshots are held in serialized form and decoded on every read.
//
// Limitations:
//   - Data is lost when the process terminates (see MarshalJSON for snapshots)
//   - Memory usage grows with thread history
//
// Type parameter S is the state type to persist.
type MemStore[S any] struct {
	mu      sync.RWMutex
	threads map[string]*memThread
	closed  bool
}

type memThread struct {
	mu      sync.Mutex
	records []record // in write order, so seq == index+1
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore[MyState]()
//	engine := graph.New(reducer, st, emitter)
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		threads: make(map[string]*memThread),
	}
}

// thread returns the thread's log, creating it when create is set.
func (m *MemStore[S]) thread(threadID string, create bool) (*memThread, error) {
	m.mu.RLock()
	t, ok := m.threads[threadID]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return t, nil
	}
	if !create {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.threads[threadID]; !ok {
		t = &memThread{}
		m.threads[threadID] = t
	}
	return t, nil
}

// Append implements Store.
func (m *MemStore[S]) Append(_ context.Context, threadID string, parentSeq int64, state S, next []string, meta Metadata) (int64, error) {
	rec, err := newRecord(threadID, parentSeq, state, next, meta)
	if err != nil {
		return 0, err
	}

	t, err := m.thread(threadID, true)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := int64(len(t.records))
	switch {
	case parentSeq == 0 && n > 0:
		return 0, fmt.Errorf("thread %s already has %d checkpoints: %w", threadID, n, ErrInvalidParent)
	case parentSeq < 0 || parentSeq > n:
		return 0, fmt.Errorf("parent checkpoint %s/%d: %w", threadID, parentSeq, ErrNotFound)
	}

	rec.Seq = n + 1
	t.records = append(t.records, rec)
	return rec.Seq, nil
}

// Latest implements Store.
func (m *MemStore[S]) Latest(_ context.Context, threadID string) (Checkpoint[S], error) {
	t, err := m.thread(threadID, false)
	if err != nil {
		return Checkpoint[S]{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) == 0 {
		return Checkpoint[S]{}, ErrNotFound
	}
	return decode[S](t.records[len(t.records)-1])
}

// Get implements Store.
func (m *MemStore[S]) Get(_ context.Context, threadID string, seq int64) (Checkpoint[S], error) {
	t, err := m.thread(threadID, false)
	if err != nil {
		return Checkpoint[S]{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if seq < 1 || seq > int64(len(t.records)) {
		return Checkpoint[S]{}, ErrNotFound
	}
	return decode[S](t.records[seq-1])
}

// History implements Store.
func (m *MemStore[S]) History(_ context.Context, threadID string) ([]Checkpoint[S], error) {
	t, err := m.thread(threadID, false)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	records := make([]record, len(t.records))
	for i, r := range t.records {
		records[len(records)-1-i] = r
	}
	t.mu.Unlock()

	return decodeAll[S](records)
}

// Threads implements Store. IDs are returned in lexical order.
func (m *MemStore[S]) Threads(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	ids := make([]string, 0, len(m.threads))
	for id, t := range m.threads {
		t.mu.Lock()
		empty := len(t.records) == 0
		t.mu.Unlock()
		if !empty {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store. Data held by a closed MemStore is discarded.
func (m *MemStore[S]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.threads = make(map[string]*memThread)
	return nil
}

// memSnapshot is the serialized form of a whole MemStore.
type memSnapshot struct {
	Threads map[string][]record `json:"threads"`
}

// MarshalJSON serializes every thread of the store.
//
// Combined with UnmarshalJSON this lets tests and small tools persist a
// MemStore to a file and load it back later:
//
//	data, _ := json.Marshal(st)
//	os.WriteFile("threads.json", data, 0o644)
func (m *MemStore[S]) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := memSnapshot{Threads: make(map[string][]record, len(m.threads))}
	for id, t := range m.threads {
		t.mu.Lock()
		snap.Threads[id] = append([]record(nil), t.records...)
		t.mu.Unlock()
	}
	return json.Marshal(snap)
}

// UnmarshalJSON replaces the store's contents with a snapshot produced by MarshalJSON.
func (m *MemStore[S]) UnmarshalJSON(data []byte) error {
	var snap memSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal store snapshot: %w", err)
	}

	threads := make(map[string]*memThread, len(snap.Threads))
	for id, records := range snap.Threads {
		for i, r := range records {
			if r.Seq != int64(i+1) {
				return fmt.Errorf("thread %s: checkpoint %d out of order", id, r.Seq)
			}
		}
		threads[id] = &memThread{records: records}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads = threads
	m.closed = false
	return nil
}
