package graph

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/dshills/threadgraph/graph/store"
)

// ChildInterrupt is the payload surfaced when a subgraph pauses on a static
// interrupt, which carries no payload of its own.
type ChildInterrupt struct {
	Kind store.InterruptKind `json:"kind"`
	Node string              `json:"node"`
}

// Subgraph embeds child as a single node of a parent graph with a
// different state type. in maps the parent state to the child's input and
// out maps the child's final state back to a parent delta.
//
// Every execution runs the child from scratch on a private in-memory store,
// so the child keeps no history of its own between executions. If the child
// pauses, the parent node pauses with the child's payload; when the parent
// is resumed the child is run again and resumed with the same value. A
// child that pauses a second time fails the node with ErrInterruptReused.
//
// Example:
//
//	translate := graph.New(translateSchema.Reducer(), store.NewMemStore[Translation](), nil)
//	// ... build translate ...
//	parent.Add("translate", graph.Subgraph(translate,
//	    func(p Doc) Translation { return Translation{Text: p.Body} },
//	    func(c Translation) Doc { return Doc{Translated: c.Output} },
//	))
func Subgraph[P, C any](child *Engine[C], in func(P) C, out func(C) P) Node[P] {
	return NodeFunc[P](func(ctx context.Context, state P) NodeResult[P] {
		run := child.withStore(store.NewMemStore[C]())
		defer run.store.Close()

		threadID := ThreadIDFrom(ctx) + "/" + NodeIDFrom(ctx)
		res, err := run.Run(ctx, threadID, in(state))
		if err != nil {
			return NodeResult[P]{Err: fmt.Errorf("subgraph: %w", err)}
		}

		if res.Interrupted() {
			var payload any = ChildInterrupt{Kind: res.Interrupt.Kind, Node: res.Interrupt.Node}
			if len(res.Interrupt.Payload) > 0 {
				payload = res.Interrupt.Payload
			}
			answer, err := Interrupt(ctx, payload)
			if err != nil {
				return NodeResult[P]{Err: err}
			}
			res, err = run.Resume(ctx, threadID, answer)
			if err != nil {
				return NodeResult[P]{Err: fmt.Errorf("subgraph: %w", err)}
			}
			if res.Interrupted() {
				return NodeResult[P]{Err: fmt.Errorf("subgraph paused again at %s: %w", res.Interrupt.Node, ErrInterruptReused)}
			}
		}

		return NodeResult[P]{Delta: out(res.State)}
	})
}

// withStore returns a copy of the engine's graph bound to st.
func (e *Engine[S]) withStore(st store.Store[S]) *Engine[S] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &Engine[S]{
		reducer:  e.reducer,
		nodes:    maps.Clone(e.nodes),
		edges:    slices.Clone(e.edges),
		branches: maps.Clone(e.branches),
		store:    st,
		emitter:  e.emitter,
		cfg:      e.cfg,
		before:   e.before,
		after:    e.after,
		initErr:  e.initErr,
	}
}
