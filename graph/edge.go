package graph

// START and END are the reserved boundary identifiers of every graph.
// No node may be registered under either name.
const (
	START = "__start__"
	END   = "__end__"
)

// Edge represents a connection between two nodes in the workflow graph.
//
// Edges can be:
//   - Unconditional: always traverse (When = nil)
//   - Conditional: only traverse if the predicate returns true
//
// Edges out of one node are evaluated in the order they were added and
// the first match wins. A node's explicit Route overrides its edges.
//
// Type parameter S is the state type used for predicate evaluation.
type Edge[S any] struct {
	// From is the source node ID, or START.
	From string

	// To is the destination node ID, or END.
	To string

	// When is an optional predicate; nil means always.
	When Predicate[S]
}

// Predicate is a function that evaluates state to determine if an edge
// should be traversed. Predicates should be pure.
type Predicate[S any] func(state S) bool

// Selector maps state to a branch key.
type Selector[S any] func(state S) string

// branch is a conditional fan point: the selector's key is looked up in
// targets. A nil targets map means the key is itself the destination.
type branch[S any] struct {
	selector Selector[S]
	targets  map[string]string
}

func (b branch[S]) resolve(from string, state S, known func(string) bool) (string, error) {
	key := b.selector(state)
	if b.targets == nil {
		if key == END || known(key) {
			return key, nil
		}
		return "", &UnroutableStateError{From: from, Key: key}
	}
	to, ok := b.targets[key]
	if !ok {
		return "", &UnroutableStateError{From: from, Key: key}
	}
	return to, nil
}
