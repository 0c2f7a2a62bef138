package tool

import (
	"context"
	"sync"

	"github.com/dshills/threadgraph/graph"
	"github.com/dshills/threadgraph/graph/model"
)

// MockTool is a scripted Tool for tests. Call returns Responses in order,
// repeating the last one, or Err when set. Every call is recorded with the
// thread and node it ran in, so tests can check that a resumed node called
// the tool again.
type MockTool struct {
	ToolName    string
	Description string
	Responses   []map[string]interface{}
	Err         error

	// Approve makes every call ask for approval through graph.Interrupt
	// first. The resume value must be true for the call to proceed;
	// anything else yields {"approved": false}.
	Approve bool

	mu    sync.Mutex
	calls []MockToolCall
	next  int
}

// MockToolCall is one recorded call.
type MockToolCall struct {
	ThreadID string
	NodeID   string
	Input    map[string]interface{}
}

// Name implements Tool.
func (m *MockTool) Name() string { return m.ToolName }

// Spec implements Tool.
func (m *MockTool) Spec() model.ToolSpec {
	return model.ToolSpec{Name: m.ToolName, Description: m.Description, Schema: map[string]interface{}{"type": "object"}}
}

// Call implements Tool.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.record(ctx, input)

	if m.Approve {
		answer, err := graph.Interrupt(ctx, map[string]interface{}{"tool": m.ToolName, "input": input})
		if err != nil {
			return nil, err
		}
		if answer != true {
			return map[string]interface{}{"approved": false}, nil
		}
	}
	return m.respond()
}

func (m *MockTool) record(ctx context.Context, input map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockToolCall{
		ThreadID: graph.ThreadIDFrom(ctx),
		NodeID:   graph.NodeIDFrom(ctx),
		Input:    input,
	})
}

func (m *MockTool) respond() (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}
	out := m.Responses[min(m.next, len(m.Responses)-1)]
	if m.next < len(m.Responses) {
		m.next++
	}
	return out, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockTool) Calls() []MockToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockToolCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears the recorded calls and rewinds the responses.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.next = 0
}
