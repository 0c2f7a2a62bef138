// Package google provides ChatModel adapter for Google Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/dshills/threadgraph/graph/model"
)

// DefaultModel is used when NewChatModel receives an empty model name.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.StreamingChatModel for Google's Gemini API.
//
// The conversation is replayed as chat history; the final turn is sent as
// the new message. Gemini function calls carry no identifier, so calls are
// numbered per reply and tool results are matched back by tool name.
//
// Example usage:
//
//	m := google.NewChatModel(os.Getenv("GOOGLE_API_KEY"), "")
//	out, err := m.Chat(ctx, messages, nil)
//	if err != nil {
//	    var safetyErr *google.SafetyFilterError
//	    if errors.As(err, &safetyErr) {
//	        log.Printf("Content blocked: %s", safetyErr.Category())
//	        return
//	    }
//	    log.Fatal(err)
//	}
type ChatModel struct {
	apiKey    string
	modelName string
	client    googleClient
}

// request is a conversation converted to Gemini's shape.
type request struct {
	system  *genai.Content
	history []*genai.Content
	parts   []genai.Part
	tools   []*genai.Tool
}

// googleClient defines the interface for Google Gemini API operations.
// This allows for easy mocking in tests.
type googleClient interface {
	generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error)
	streamContent(ctx context.Context, req request, onText func(string)) (*genai.GenerateContentResponse, error)
}

// NewChatModel creates a Google ChatModel. An empty modelName selects
// DefaultModel.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}

	return &ChatModel{
		apiKey:    apiKey,
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

// Chat implements model.ChatModel.
//
// Safety blocks are reported as *SafetyFilterError.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	req, err := buildRequest(messages, tools)
	if err != nil {
		return model.ChatOut{}, err
	}
	resp, err := m.client.generateContent(ctx, req)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	return convertResponse(resp)
}

// ChatStream implements model.StreamingChatModel.
func (m *ChatModel) ChatStream(ctx context.Context, messages []model.Message, tools []model.ToolSpec, onToken func(string)) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	req, err := buildRequest(messages, tools)
	if err != nil {
		return model.ChatOut{}, err
	}
	if onToken == nil {
		onToken = func(string) {}
	}
	resp, err := m.client.streamContent(ctx, req, onToken)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	return convertResponse(resp)
}

func buildRequest(messages []model.Message, tools []model.ToolSpec) (request, error) {
	var req request
	var contents []*genai.Content

	for _, msg := range messages {
		var role string
		var parts []genai.Part
		switch msg.Role {
		case model.RoleSystem:
			if req.system == nil {
				req.system = &genai.Content{}
			}
			req.system.Parts = append(req.system.Parts, genai.Text(msg.Content))
			continue
		case model.RoleAssistant:
			role = "model"
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Input})
			}
		case model.RoleTool:
			role = "user"
			parts = append(parts, genai.FunctionResponse{
				Name:     msg.Name,
				Response: map[string]any{"result": msg.Content},
			})
		default:
			role = "user"
			parts = append(parts, genai.Text(msg.Content))
		}

		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	if len(contents) == 0 {
		return request{}, errors.New("google: no messages to send")
	}
	last := contents[len(contents)-1]
	if last.Role != "user" {
		return request{}, errors.New("google: conversation must end with a user or tool message")
	}
	req.history = contents[:len(contents)-1]
	req.parts = last.Parts
	if len(tools) > 0 {
		req.tools = convertTools(tools)
	}
	return req, nil
}

// convertTools converts our ToolSpec format to Google's format.
func convertTools(tools []model.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema converts a JSON schema map to genai.Schema, recursing into
// properties and array items.
func convertSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}

	result := &genai.Schema{Type: genai.TypeObject}
	if typeStr, ok := schema["type"].(string); ok {
		result.Type = convertTypeString(typeStr)
	}
	if desc, ok := schema["description"].(string); ok {
		result.Description = desc
	}
	if enum, ok := schema["enum"].([]interface{}); ok {
		result.Enum = stringSlice(enum)
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		result.Items = convertSchema(items)
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		result.Properties = make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			if propMap, ok := val.(map[string]interface{}); ok {
				result.Properties[key] = convertSchema(propMap)
			}
		}
	}
	switch required := schema["required"].(type) {
	case []string:
		result.Required = required
	case []interface{}:
		result.Required = stringSlice(required)
	}
	return result
}

func stringSlice(vs []interface{}) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// convertTypeString converts a JSON Schema type string to genai.Type constant.
func convertTypeString(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

// convertResponse converts Google's response to our ChatOut format.
func convertResponse(resp *genai.GenerateContentResponse) (model.ChatOut, error) {
	out := model.ChatOut{}
	if resp == nil {
		return out, errors.New("google: empty response")
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out, nil
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return model.ChatOut{}, safetyError(candidate)
	}
	if candidate.Content == nil {
		return out, nil
	}

	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:    fmt.Sprintf("%s-%d", p.Name, len(out.ToolCalls)),
				Name:  p.Name,
				Input: p.Args,
			})
		}
	}
	return out, nil
}

func translateError(err error) error {
	var blocked *genai.BlockedError
	if !errors.As(err, &blocked) {
		return fmt.Errorf("google API error: %w", err)
	}
	if blocked.Candidate != nil {
		return safetyError(blocked.Candidate)
	}
	reason := "BLOCKED"
	if blocked.PromptFeedback != nil {
		reason = blocked.PromptFeedback.BlockReason.String()
	}
	return &SafetyFilterError{reason: reason, category: "prompt"}
}

func safetyError(c *genai.Candidate) *SafetyFilterError {
	e := &SafetyFilterError{reason: c.FinishReason.String(), category: "unspecified"}
	for _, r := range c.SafetyRatings {
		if r.Blocked {
			e.category = r.Category.String()
			break
		}
	}
	return e
}

// defaultClient wraps the official Google Gemini SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) session(ctx context.Context, req request) (*genai.Client, *genai.ChatSession, error) {
	if c.apiKey == "" {
		return nil, nil, errors.New("google API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	genModel := client.GenerativeModel(c.modelName)
	genModel.SystemInstruction = req.system
	genModel.Tools = req.tools
	cs := genModel.StartChat()
	cs.History = req.history
	return client, cs, nil
}

func (c *defaultClient) generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error) {
	client, cs, err := c.session(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	return cs.SendMessage(ctx, req.parts...)
}

func (c *defaultClient) streamContent(ctx context.Context, req request, onText func(string)) (*genai.GenerateContentResponse, error) {
	client, cs, err := c.session(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	merged := &genai.Candidate{Content: &genai.Content{Role: "model"}}
	out := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{merged}}
	iter := cs.SendMessageStream(ctx, req.parts...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		if resp.UsageMetadata != nil {
			out.UsageMetadata = resp.UsageMetadata
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		cand := resp.Candidates[0]
		merged.FinishReason = cand.FinishReason
		merged.SafetyRatings = cand.SafetyRatings
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				onText(string(text))
			}
			merged.Content.Parts = append(merged.Content.Parts, part)
		}
	}
	return out, nil
}

// SafetyFilterError represents a Google safety filter block.
//
// Use errors.As to check for this error type:
//
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("Content blocked: %s", safetyErr.Category())
//	}
type SafetyFilterError struct {
	reason   string
	category string
}

// Error implements the error interface.
func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

// Category returns the safety category that triggered the block.
func (e *SafetyFilterError) Category() string {
	return e.category
}

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string {
	return e.reason
}
