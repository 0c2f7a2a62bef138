package model

import (
	"context"
	"strings"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests and examples.
//
// It returns Responses in order, repeating the last one once they run out.
// Every call is recorded in Calls.
type MockChatModel struct {
	// Responses is the sequence of replies to return.
	Responses []ChatOut

	// Err, when set, is returned by every call.
	Err error

	// Calls records every invocation.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall records the arguments of one Chat call.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{
		Messages: append([]Message(nil), messages...),
		Tools:    tools,
	})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// ChatStream implements StreamingChatModel by splitting the scripted text
// after each space.
func (m *MockChatModel) ChatStream(ctx context.Context, messages []Message, tools []ToolSpec, onToken func(string)) (ChatOut, error) {
	out, err := m.Chat(ctx, messages, tools)
	if err != nil {
		return out, err
	}
	if onToken != nil && out.Text != "" {
		for _, tok := range strings.SplitAfter(out.Text, " ") {
			if tok != "" {
				onToken(tok)
			}
		}
	}
	return out, nil
}

// Reset clears recorded calls and restarts the response sequence.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of calls made so far.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
