// Package prebuilt provides ready-made nodes for chat-model and tool loops.
//
// A typical agent wires a model node and a tool node in a cycle:
//
//	e := graph.New(prebuilt.MessagesSchema().Reducer(), st, nil)
//	_ = e.Add("agent", prebuilt.ModelNode(m, prebuilt.MessagesOf, prebuilt.WithMessages, tools...))
//	_ = e.Add(prebuilt.ToolsNode, prebuilt.ToolNode(tools, prebuilt.MessagesOf, prebuilt.WithMessages))
//	_ = e.StartAt("agent")
//	_ = e.AddBranch("agent", prebuilt.ToolsCondition(prebuilt.MessagesOf), nil)
//	_ = e.Connect(prebuilt.ToolsNode, "agent", nil)
package prebuilt

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/threadgraph/graph"
	"github.com/dshills/threadgraph/graph/model"
	"github.com/dshills/threadgraph/graph/tool"
)

// ToolsNode is the node ID ToolsCondition routes to.
const ToolsNode = "tools"

// MessagesState is the state of a plain chat thread.
type MessagesState struct {
	Messages []model.Message `json:"messages"`
}

// MessagesSchema appends every update's messages to the thread.
func MessagesSchema() *graph.Schema[MessagesState] {
	return graph.NewSchema(
		graph.AppendField("messages", func(s *MessagesState) *[]model.Message { return &s.Messages }),
	)
}

// MessagesOf returns s.Messages.
func MessagesOf(s MessagesState) []model.Message { return s.Messages }

// WithMessages wraps msgs as a MessagesState update.
func WithMessages(msgs []model.Message) MessagesState { return MessagesState{Messages: msgs} }

// ModelNode calls m with the thread's messages and appends the reply.
//
// When m streams, each fragment is published with graph.EmitToken so
// Stream callers in messages mode see it as it arrives.
func ModelNode[S any](m model.ChatModel, get func(S) []model.Message, wrap func([]model.Message) S, tools ...tool.Tool) graph.Node[S] {
	specs := tool.Specs(tools...)
	return graph.NodeFunc[S](func(ctx context.Context, state S) graph.NodeResult[S] {
		var out model.ChatOut
		var err error
		if sm, ok := m.(model.StreamingChatModel); ok {
			out, err = sm.ChatStream(ctx, get(state), specs, func(tok string) { graph.EmitToken(ctx, tok) })
		} else {
			out, err = m.Chat(ctx, get(state), specs)
		}
		if err != nil {
			return graph.NodeResult[S]{Err: err}
		}
		return graph.NodeResult[S]{Delta: wrap([]model.Message{model.AssistantMessage(out)})}
	})
}

// ToolNode executes the tool calls of the last assistant message and
// appends one tool message per call, in call order.
//
// A failing or unknown tool becomes an error message for the model to read
// rather than a node failure. A tool that calls graph.Interrupt suspends the
// thread; on resume the node reruns and every call is made again.
//
// One ToolNode turn can carry only one approval: if a second tool call in
// the same turn asks, the node fails with graph.ErrInterruptReused.
func ToolNode[S any](tools []tool.Tool, get func(S) []model.Message, wrap func([]model.Message) S) graph.Node[S] {
	byName := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}

	return graph.NodeFunc[S](func(ctx context.Context, state S) graph.NodeResult[S] {
		last, ok := model.LastAssistant(get(state))
		if !ok || len(last.ToolCalls) == 0 {
			return graph.NodeResult[S]{}
		}

		results := make([]model.Message, 0, len(last.ToolCalls))
		for _, call := range last.ToolCalls {
			t, found := byName[call.Name]
			if !found {
				results = append(results, model.ToolMessage(call.ID, call.Name, fmt.Sprintf("error: unknown tool %q", call.Name)))
				continue
			}
			out, err := t.Call(ctx, call.Input)
			if graph.IsInterrupt(err) || errors.Is(err, graph.ErrInterruptReused) {
				return graph.NodeResult[S]{Err: err}
			}
			if err != nil {
				results = append(results, model.ToolMessage(call.ID, call.Name, "error: "+err.Error()))
				continue
			}
			results = append(results, model.ToolMessage(call.ID, call.Name, tool.EncodeResult(out)))
		}
		return graph.NodeResult[S]{Delta: wrap(results)}
	})
}

// ToolsCondition routes to ToolsNode when the last message is an assistant
// message requesting tool calls, and to graph.END otherwise.
func ToolsCondition[S any](get func(S) []model.Message) graph.Selector[S] {
	return func(state S) string {
		msgs := get(state)
		if len(msgs) == 0 {
			return graph.END
		}
		last := msgs[len(msgs)-1]
		if last.Role == model.RoleAssistant && len(last.ToolCalls) > 0 {
			return ToolsNode
		}
		return graph.END
	}
}
