package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/threadgraph/graph/model"
)

type fakeClient struct {
	errs   []error
	resp   *openai.ChatCompletion
	chunks []string
	calls  int
	last   openai.ChatCompletionNewParams
}

func (f *fakeClient) next() error {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeClient) createChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	f.last = params
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.resp, nil
}

func (f *fakeClient) streamChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams, onChunk func(openai.ChatCompletionChunk)) (*openai.ChatCompletion, error) {
	f.last = params
	for _, c := range f.chunks {
		onChunk(openai.ChatCompletionChunk{Choices: []openai.ChatCompletionChunkChoice{{
			Delta: openai.ChatCompletionChunkChoiceDelta{Content: c},
		}}})
	}
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.resp, nil
}

func completion(text string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: text}}},
		Usage:   openai.CompletionUsage{PromptTokens: 7, CompletionTokens: 3},
	}
}

func newTestModel(f *fakeClient) *ChatModel {
	return &ChatModel{modelName: DefaultModel, client: f, maxRetries: 2}
}

func TestChat_ConvertsReply(t *testing.T) {
	resp := completion("let me check")
	resp.Choices[0].Message.ToolCalls = []openai.ChatCompletionMessageToolCall{{
		ID:       "call_1",
		Function: openai.ChatCompletionMessageToolCallFunction{Name: "get_price", Arguments: `{"symbol":"ACME"}`},
	}}
	f := &fakeClient{resp: resp}

	out, err := newTestModel(f).Chat(context.Background(), []model.Message{model.UserMessage("price?")},
		[]model.ToolSpec{{Name: "get_price", Description: "Look up a price", Schema: map[string]interface{}{"type": "object"}}})
	require.NoError(t, err)

	assert.Equal(t, "let me check", out.Text)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "call_1", out.ToolCalls[0].ID)
	assert.Equal(t, "ACME", out.ToolCalls[0].Input["symbol"])
	assert.Equal(t, model.Usage{InputTokens: 7, OutputTokens: 3}, out.Usage)
	assert.Len(t, f.last.Tools, 1)
	assert.Equal(t, openai.ChatModel(DefaultModel), f.last.Model)
}

func TestChat_RetriesTransient(t *testing.T) {
	f := &fakeClient{errs: []error{errors.New("connection reset by peer")}, resp: completion("ok")}

	out, err := newTestModel(f).Chat(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	assert.Equal(t, 2, f.calls)
}

func TestChat_PermanentErrorNotRetried(t *testing.T) {
	f := &fakeClient{errs: []error{errors.New("invalid model")}}

	_, err := newTestModel(f).Chat(context.Background(), nil, nil)
	assert.EqualError(t, err, "invalid model")
	assert.Equal(t, 1, f.calls)
}

func TestChat_GivesUpAfterRetries(t *testing.T) {
	boom := errors.New("request timeout")
	f := &fakeClient{errs: []error{boom, boom, boom, boom}}

	_, err := newTestModel(f).Chat(context.Background(), nil, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, f.calls)
}

func TestChat_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeClient{resp: completion("ok")}

	_, err := newTestModel(f).Chat(ctx, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.calls)
}

func TestChatStream_Tokens(t *testing.T) {
	f := &fakeClient{chunks: []string{"Hel", "lo"}, resp: completion("Hello")}

	var tokens []string
	out, err := newTestModel(f).ChatStream(context.Background(), nil, nil, func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, tokens)
	assert.Equal(t, "Hello", out.Text)
	assert.True(t, f.last.StreamOptions.IncludeUsage.Value)
}

func TestChatStream_NoRetryAfterTokens(t *testing.T) {
	boom := errors.New("connection reset")
	f := &fakeClient{chunks: []string{"partial"}, errs: []error{boom}, resp: completion("x")}

	_, err := newTestModel(f).ChatStream(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.calls)
}

func TestConvertMessages(t *testing.T) {
	msgs := convertMessages([]model.Message{
		model.SystemMessage("be brief"),
		model.UserMessage("price?"),
		model.AssistantMessage(model.ChatOut{ToolCalls: []model.ToolCall{{ID: "c1", Name: "get_price", Input: map[string]interface{}{"symbol": "ACME"}}}}),
		model.ToolMessage("c1", "get_price", "42"),
	})
	require.Len(t, msgs, 4)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.JSONEq(t, `{"symbol":"ACME"}`, msgs[2].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
}

func TestIsTransientError(t *testing.T) {
	assert.True(t, isTransientError(&openai.Error{StatusCode: 503}))
	assert.True(t, isTransientError(&openai.Error{StatusCode: 429}))
	assert.True(t, isRateLimitError(&openai.Error{StatusCode: 429}))
	assert.False(t, isTransientError(&openai.Error{StatusCode: 401}))
	assert.False(t, isTransientError(context.Canceled))
	assert.False(t, isTransientError(nil))
}

func TestConvertCompletion_Empty(t *testing.T) {
	_, err := convertCompletion(&openai.ChatCompletion{})
	assert.Error(t, err)
}
