package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, grouped
// by thread.
//
// Use cases:
//   - Asserting on emitted events in tests
//   - Inspecting a thread's execution history while debugging
//
// Warning: events are never evicted; call Clear for long-lived processes.
//
// Example:
//
//	emitter := emit.NewBufferedEmitter()
//	engine := graph.New(reducer, st, emitter)
//	_, _ = engine.Run(ctx, "t1", input)
//
//	interrupts := emitter.HistoryWithFilter("t1", emit.HistoryFilter{Msg: emit.MsgInterrupt})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // threadID -> events
}

// HistoryFilter selects events; every set field must match.
type HistoryFilter struct {
	NodeID string // empty = any node
	Msg    string // empty = any message
	MinSeq int64  // 0 = no lower bound
	MaxSeq int64  // 0 = no upper bound
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ThreadID] = append(b.events[event.ThreadID], event)
}

// History returns a copy of the thread's events in emission order.
func (b *BufferedEmitter) History(threadID string) []Event {
	return b.HistoryWithFilter(threadID, HistoryFilter{})
}

// HistoryWithFilter returns the thread's events matching filter, in emission order.
func (b *BufferedEmitter) HistoryWithFilter(threadID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[threadID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

func (f HistoryFilter) matches(event Event) bool {
	if f.NodeID != "" && event.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinSeq > 0 && event.Seq < f.MinSeq {
		return false
	}
	if f.MaxSeq > 0 && event.Seq > f.MaxSeq {
		return false
	}
	return true
}

// Clear removes the thread's events, or every event when threadID is empty.
func (b *BufferedEmitter) Clear(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if threadID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, threadID)
}
