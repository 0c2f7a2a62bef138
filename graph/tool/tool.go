// Package tool defines tools a chat model can call from inside a graph.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dshills/threadgraph/graph/model"
)

// Tool defines the interface for executable tools that LLMs can invoke.
//
// Implementations should:
//   - Validate input parameters
//   - Respect context cancellation and timeouts
//   - Return structured output as map[string]interface{}
//
// A tool runs inside a graph node, so it may call graph.Interrupt to ask a
// human before acting. The node reruns on resume, which means the tool is
// called again from the top; side effects belong after the interrupt.
//
// Example implementation:
//
//	type WeatherTool struct{}
//
//	func (w *WeatherTool) Name() string { return "get_weather" }
//
//	func (w *WeatherTool) Spec() model.ToolSpec {
//	    return model.ToolSpec{Name: "get_weather", Description: "Current weather for a city"}
//	}
//
//	func (w *WeatherTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
//	    location, ok := input["location"].(string)
//	    if !ok {
//	        return nil, errors.New("location parameter required")
//	    }
//	    return map[string]interface{}{"location": location, "conditions": "sunny"}, nil
//	}
type Tool interface {
	// Name returns the unique identifier for this tool. It must equal
	// Spec().Name.
	Name() string

	// Spec describes the tool to the model.
	Spec() model.ToolSpec

	// Call executes the tool with the provided input and returns the result.
	// Input may be nil for parameterless tools.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Func is a function-backed Tool.
type Func struct {
	ToolName    string
	Description string
	Schema      map[string]interface{}
	Fn          func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// New returns a function-backed tool.
func New(name, description string, schema map[string]interface{}, fn func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)) *Func {
	return &Func{ToolName: name, Description: description, Schema: schema, Fn: fn}
}

// Name implements Tool.
func (f *Func) Name() string { return f.ToolName }

// Spec implements Tool.
func (f *Func) Spec() model.ToolSpec {
	return model.ToolSpec{Name: f.ToolName, Description: f.Description, Schema: f.Schema}
}

// Call implements Tool.
func (f *Func) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return f.Fn(ctx, input)
}

// Typed returns a tool whose input is decoded into In through JSON before fn
// runs. Decoding failures are returned as errors so the model can correct
// its arguments.
func Typed[In any](name, description string, schema map[string]interface{}, fn func(ctx context.Context, in In) (map[string]interface{}, error)) *Func {
	return New(name, description, schema, func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		var in In
		if len(input) > 0 {
			data, err := json.Marshal(input)
			if err != nil {
				return nil, fmt.Errorf("%s: encode input: %w", name, err)
			}
			if err := json.Unmarshal(data, &in); err != nil {
				return nil, fmt.Errorf("%s: invalid input: %w", name, err)
			}
		}
		return fn(ctx, in)
	})
}

// Specs returns the specs of tools in the given order.
func Specs(tools ...Tool) []model.ToolSpec {
	specs := make([]model.ToolSpec, len(tools))
	for i, t := range tools {
		specs[i] = t.Spec()
	}
	return specs
}

// Registry indexes tools by name.
type Registry map[string]Tool

// NewRegistry builds a registry. Duplicate names are an error.
func NewRegistry(tools ...Tool) (Registry, error) {
	r := make(Registry, len(tools))
	for _, t := range tools {
		if _, dup := r[t.Name()]; dup {
			return nil, fmt.Errorf("tool: duplicate tool %q", t.Name())
		}
		r[t.Name()] = t
	}
	return r, nil
}

// Names returns the registered names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodeResult renders a tool result as the content of a tool message.
func EncodeResult(result map[string]interface{}) string {
	if len(result) == 0 {
		return "{}"
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}
