// Package model provides LLM integration adapters.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync/atomic"
)

// ChatModel defines the interface for LLM chat providers.
//
// It abstracts the differences between providers (OpenAI, Anthropic,
// Google, local models) behind one message format. Implementations should
// respect context cancellation and translate tool calls in both directions.
//
// Example:
//
//	out, err := m.Chat(ctx, []model.Message{model.UserMessage("What is the capital of France?")}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(out.Text)
type ChatModel interface {
	// Chat sends the conversation and returns the model's reply. The reply
	// may contain text, tool calls, or both.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// StreamingChatModel is a ChatModel that can deliver its reply token by token.
type StreamingChatModel interface {
	ChatModel

	// ChatStream behaves like Chat but calls onToken for each text fragment
	// as it arrives. The returned ChatOut holds the complete reply.
	ChatStream(ctx context.Context, messages []Message, tools []ToolSpec, onToken func(string)) (ChatOut, error)
}

// ErrStreamConsumed is yielded when a StreamText sequence is ranged over
// a second time.
var ErrStreamConsumed = errors.New("model: stream already consumed")

// StreamText exposes a streaming reply as a finite, single-use sequence of
// text fragments. Breaking out of the loop cancels the underlying request.
// A failure is yielded once, after any fragments that arrived.
func StreamText(ctx context.Context, m StreamingChatModel, messages []Message) iter.Seq2[string, error] {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if used.Swap(true) {
			yield("", ErrStreamConsumed)
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		_, err := m.ChatStream(ctx, messages, nil, func(tok string) {
			if stopped {
				return
			}
			if !yield(tok, nil) {
				stopped = true
				cancel()
			}
		})
		if err != nil && !stopped {
			yield("", err)
		}
	}
}

// Role tags who produced a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation.
//
// Messages are part of persisted thread state, so every field is JSON-tagged.
type Message struct {
	Role Role `json:"role"`

	// Content is the text of the message.
	Content string `json:"content,omitempty"`

	// ToolCalls are the calls requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name of a tool message.
	Name string `json:"name,omitempty"`
}

// SystemMessage returns a system instruction message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage returns a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage records a model reply, including any tool calls.
func AssistantMessage(out ChatOut) Message {
	return Message{Role: RoleAssistant, Content: out.Text, ToolCalls: out.ToolCalls}
}

// ToolMessage returns the result of tool call callID.
func ToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	// Name is the identifier the model uses to call the tool.
	Name string `json:"name"`

	// Description tells the model what the tool does.
	Description string `json:"description"`

	// Schema is the JSON Schema of the tool's input object.
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// ChatOut is a model reply.
type ChatOut struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	// ID identifies the call; the tool's answer refers back to it.
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Input holds the arguments, decoded from JSON.
	Input map[string]interface{} `json:"input,omitempty"`
}

// Arguments returns Input encoded as a JSON object.
func (c ToolCall) Arguments() string {
	if len(c.Input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(c.Input)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Usage counts the tokens a call consumed.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// LastAssistant returns the most recent assistant message and whether one exists.
func LastAssistant(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			return messages[i], true
		}
	}
	return Message{}, false
}
