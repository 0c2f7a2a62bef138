package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/threadgraph/graph"
)

// ModelPricing defines input and output token costs for a model, in USD
// per million tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing is a small static price table. Prices change; override
// entries with UsageTracker.SetPricing.
var DefaultPricing = map[string]ModelPricing{
	"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"claude-sonnet-4-5": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-haiku-4-5":  {InputPer1M: 1.00, OutputPer1M: 5.00},
	"gemini-2.5-flash":  {InputPer1M: 0.30, OutputPer1M: 2.50},
}

// Call is one recorded model invocation.
type Call struct {
	ThreadID     string
	NodeID       string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
}

// UsageTracker accumulates token usage and cost per thread.
// It is safe for concurrent use.
type UsageTracker struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
	calls   []Call
}

// NewUsageTracker creates a tracker seeded with DefaultPricing.
func NewUsageTracker() *UsageTracker {
	pricing := make(map[string]ModelPricing, len(DefaultPricing))
	for k, v := range DefaultPricing {
		pricing[k] = v
	}
	return &UsageTracker{pricing: pricing}
}

// SetPricing overrides the price of modelName.
func (u *UsageTracker) SetPricing(modelName string, p ModelPricing) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pricing[modelName] = p
}

// Record adds one call. Models without a known price cost nothing.
func (u *UsageTracker) Record(threadID, nodeID, modelName string, usage Usage) Call {
	u.mu.Lock()
	defer u.mu.Unlock()

	p := u.pricing[modelName]
	call := Call{
		ThreadID:     threadID,
		NodeID:       nodeID,
		Model:        modelName,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      float64(usage.InputTokens)/1_000_000*p.InputPer1M + float64(usage.OutputTokens)/1_000_000*p.OutputPer1M,
		Timestamp:    time.Now(),
	}
	u.calls = append(u.calls, call)
	return call
}

// Calls returns the calls recorded for threadID, or every call when
// threadID is empty.
func (u *UsageTracker) Calls(threadID string) []Call {
	u.mu.RLock()
	defer u.mu.RUnlock()

	var out []Call
	for _, c := range u.calls {
		if threadID == "" || c.ThreadID == threadID {
			out = append(out, c)
		}
	}
	return out
}

// Total sums tokens and cost for threadID (all threads when empty).
func (u *UsageTracker) Total(threadID string) (Usage, float64) {
	var usage Usage
	var cost float64
	for _, c := range u.Calls(threadID) {
		usage.InputTokens += c.InputTokens
		usage.OutputTokens += c.OutputTokens
		cost += c.CostUSD
	}
	return usage, cost
}

// String summarizes the tracker.
func (u *UsageTracker) String() string {
	usage, cost := u.Total("")
	return fmt.Sprintf("%d calls, %d input tokens, %d output tokens, $%.4f",
		len(u.Calls("")), usage.InputTokens, usage.OutputTokens, cost)
}

// Metered wraps m so that every reply's usage is recorded against the
// thread and node found in ctx.
func Metered(m ChatModel, modelName string, tracker *UsageTracker) ChatModel {
	return &meteredModel{inner: m, name: modelName, tracker: tracker}
}

type meteredModel struct {
	inner   ChatModel
	name    string
	tracker *UsageTracker
}

func (m *meteredModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	out, err := m.inner.Chat(ctx, messages, tools)
	if err == nil {
		m.tracker.Record(graph.ThreadIDFrom(ctx), graph.NodeIDFrom(ctx), m.name, out.Usage)
	}
	return out, err
}

func (m *meteredModel) ChatStream(ctx context.Context, messages []Message, tools []ToolSpec, onToken func(string)) (ChatOut, error) {
	sm, ok := m.inner.(StreamingChatModel)
	if !ok {
		return m.Chat(ctx, messages, tools)
	}
	out, err := sm.ChatStream(ctx, messages, tools, onToken)
	if err == nil {
		m.tracker.Record(graph.ThreadIDFrom(ctx), graph.NodeIDFrom(ctx), m.name, out.Usage)
	}
	return out, err
}
