package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutNode bounds a node's execution time. The node's context is
// cancelled after d; if the deadline passed before the node returned, the
// result is replaced with a NODE_TIMEOUT error so no late update is merged.
//
// A zero or negative d returns node unchanged.
//
// Example:
//
//	engine.Add("summarize", graph.TimeoutNode(summarize, 30*time.Second))
func TimeoutNode[S any](node Node[S], d time.Duration) Node[S] {
	if d <= 0 {
		return node
	}
	return NodeFunc[S](func(ctx context.Context, state S) NodeResult[S] {
		timeoutCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		result := node.Run(timeoutCtx, state)
		if IsInterrupt(result.Err) {
			return result
		}
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return NodeResult[S]{Err: &EngineError{
				Message: fmt.Sprintf("node %s exceeded timeout of %v", NodeIDFrom(ctx), d),
				Code:    "NODE_TIMEOUT",
			}}
		}
		return result
	})
}
