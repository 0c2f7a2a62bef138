package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dshills/threadgraph/graph/model"
)

// MCPToolset exposes the tools of one MCP server session as Tools.
//
// The toolset owns its client session; Close ends it. Any mcp.Transport
// works: mcp.CommandTransport for a server launched over stdio,
// mcp.StreamableClientTransport for HTTP, or in-memory transports in tests.
type MCPToolset struct {
	session *mcp.ClientSession
	filter  func(name string) bool
}

// MCPOption configures an MCPToolset.
type MCPOption func(*MCPToolset)

// WithMCPFilter keeps only the server tools for which keep returns true.
func WithMCPFilter(keep func(name string) bool) MCPOption {
	return func(ts *MCPToolset) { ts.filter = keep }
}

// WithMCPToolNames keeps only the named server tools.
func WithMCPToolNames(names ...string) MCPOption {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return WithMCPFilter(func(name string) bool { return set[name] })
}

// ConnectMCP starts a client session over transport.
func ConnectMCP(ctx context.Context, transport mcp.Transport, opts ...MCPOption) (*MCPToolset, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "threadgraph", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server: %w", err)
	}
	return NewMCPToolset(session, opts...), nil
}

// NewMCPToolset wraps an already connected client session.
func NewMCPToolset(session *mcp.ClientSession, opts ...MCPOption) *MCPToolset {
	ts := &MCPToolset{session: session}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// Tools lists the server's tools, following pagination cursors.
func (ts *MCPToolset) Tools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := ts.session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list mcp tools: %w", err)
		}
		for _, t := range res.Tools {
			if ts.filter != nil && !ts.filter(t.Name) {
				continue
			}
			mt, err := newMCPTool(ts.session, t)
			if err != nil {
				return nil, err
			}
			out = append(out, mt)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// Close ends the session.
func (ts *MCPToolset) Close() error {
	return ts.session.Close()
}

// MCPTool is one remote tool. Calls go through the session it was listed
// from.
type MCPTool struct {
	session *mcp.ClientSession
	spec    model.ToolSpec
}

func newMCPTool(session *mcp.ClientSession, t *mcp.Tool) (*MCPTool, error) {
	schema, err := schemaMap(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("mcp tool %s: %w", t.Name, err)
	}
	return &MCPTool{
		session: session,
		spec:    model.ToolSpec{Name: t.Name, Description: t.Description, Schema: schema},
	}, nil
}

// Name implements Tool.
func (t *MCPTool) Name() string { return t.spec.Name }

// Spec implements Tool.
func (t *MCPTool) Spec() model.ToolSpec { return t.spec }

// Call implements Tool. Structured content is returned as is when the
// server sends an object; otherwise the text blocks are joined under
// "result". A result flagged as an error becomes a Go error.
func (t *MCPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{Name: t.spec.Name, Arguments: input})
	if err != nil {
		return nil, fmt.Errorf("call mcp tool %s: %w", t.spec.Name, err)
	}
	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.New(text)
	}
	if m, ok := res.StructuredContent.(map[string]interface{}); ok {
		return m, nil
	}
	return map[string]interface{}{"result": text}, nil
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch c := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		default:
			parts = append(parts, fmt.Sprintf("[unsupported content %T]", c))
		}
	}
	return strings.Join(parts, "\n")
}

// schemaMap normalizes whatever the server sent as an input schema into a
// plain JSON object.
func schemaMap(schema any) (map[string]interface{}, error) {
	if schema == nil {
		return map[string]interface{}{"type": "object"}, nil
	}
	if m, ok := schema.(map[string]interface{}); ok {
		return m, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	return m, nil
}
