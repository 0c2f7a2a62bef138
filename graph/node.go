package graph

import "context"

// Node represents a processing unit in the workflow graph.
// It receives the current state, performs computation, and returns a NodeResult.
//
// Nodes may call Interrupt to pause the thread for human input, EmitToken to
// stream partial model output, and ThreadIDFrom/NodeIDFrom to learn where
// they are running.
//
// Type parameter S is the state type shared across the workflow.
type Node[S any] interface {
	// Run executes the node's logic with the given context and state.
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeResult represents the output of a node execution.
type NodeResult[S any] struct {
	// Delta is the partial state update produced by this node.
	// It is merged into the current state with the engine's reducer.
	Delta S

	// Route overrides edge-based routing when set.
	// Leave it zero to let the router pick the successor.
	Route Next

	// Err aborts the invocation with a NodeExecutionError.
	// An *InterruptError from Interrupt pauses the thread instead.
	Err error
}

// Next specifies the next step(s) after a node completes.
//
// It supports three explicit routing modes:
//   - Terminal: end this path (Route.Terminal = true)
//   - Single: go to a specific node (Route.To = "nodeID")
//   - Many: queue several nodes, run one after another in order
//
// A zero Next defers to the graph's edges and branches.
type Next struct {
	// To specifies the next single node to execute.
	To string

	// Many specifies several nodes to queue, in order.
	Many []string

	// Terminal ends this path when true.
	Terminal bool
}

func (n Next) explicit() bool {
	return n.Terminal || n.To != "" || len(n.Many) > 0
}

// Stop returns a Next that ends the current path.
//
// Example:
//
//	return NodeResult[MyState]{Delta: update, Route: Stop()}
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to nodeID, bypassing edges.
//
// Example:
//
//	if state.NeedsReview {
//	    return NodeResult[MyState]{Route: Goto("review")}
//	}
func Goto(nodeID string) Next {
	return Next{To: nodeID}
}

// GotoMany returns a Next that queues each node in order.
func GotoMany(nodeIDs ...string) Next {
	return Next{Many: nodeIDs}
}

// NodeFunc adapts an ordinary function to the Node interface.
//
// Example:
//
//	greet := NodeFunc[MyState](func(ctx context.Context, s MyState) NodeResult[MyState] {
//	    return NodeResult[MyState]{Delta: MyState{Greeting: "hello " + s.Name}}
//	})
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements Node.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}
