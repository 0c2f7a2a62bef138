package graph

import (
	"fmt"
	"reflect"
	"slices"
)

// Reducer merges a node's partial update into the previous state.
//
// Reducers must be pure: the same (prev, delta) pair always yields the same
// result, and neither argument may be mutated in a way visible to callers.
// Replaying a thread's deltas through the reducer reproduces its states.
type Reducer[S any] func(prev, delta S) S

// MergeRule names how a field combines its previous value with an update.
type MergeRule string

const (
	// MergeReplace overwrites the field when the update sets it.
	MergeReplace MergeRule = "replace"

	// MergeAppend concatenates the update's elements after the previous ones.
	MergeAppend MergeRule = "append"
)

// Field declares the merge rule for one field of state S.
// Build fields with ReplaceField and AppendField.
type Field[S any] struct {
	Name  string
	Rule  MergeRule
	apply func(dst, delta *S)
}

// ReplaceField declares a field whose value is overwritten by any update
// that sets it. A zero value in the update leaves the field untouched.
//
// Example:
//
//	graph.ReplaceField("topic", func(s *State) *string { return &s.Topic })
func ReplaceField[S, T any](name string, field func(*S) *T) Field[S] {
	return Field[S]{
		Name: name,
		Rule: MergeReplace,
		apply: func(dst, delta *S) {
			v := field(delta)
			if reflect.ValueOf(v).Elem().IsZero() {
				return
			}
			*field(dst) = *v
		},
	}
}

// AppendField declares an ordered sequence field. Updates are concatenated
// after the previous elements into a freshly allocated slice, so earlier
// states never share backing storage with later ones.
//
// Example:
//
//	graph.AppendField("messages", func(s *State) *[]model.Message { return &s.Messages })
func AppendField[S, E any](name string, field func(*S) *[]E) Field[S] {
	return Field[S]{
		Name: name,
		Rule: MergeAppend,
		apply: func(dst, delta *S) {
			items := *field(delta)
			if len(items) == 0 {
				return
			}
			*field(dst) = slices.Concat(*field(dst), items)
		},
	}
}

// Schema is a declarative description of how each field of S merges.
// Fields not declared keep their previous value.
type Schema[S any] struct {
	fields []Field[S]
}

// NewSchema builds a schema from field declarations.
// It panics if a field name is empty or declared twice.
//
// Example:
//
//	schema := graph.NewSchema(
//	    graph.ReplaceField("topic", func(s *State) *string { return &s.Topic }),
//	    graph.AppendField("messages", func(s *State) *[]string { return &s.Messages }),
//	)
//	engine := graph.New(schema.Reducer(), store.NewMemStore[State](), nil)
func NewSchema[S any](fields ...Field[S]) *Schema[S] {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			panic("graph: schema field name cannot be empty")
		}
		if seen[f.Name] {
			panic(fmt.Sprintf("graph: schema field %q declared twice", f.Name))
		}
		seen[f.Name] = true
	}
	return &Schema[S]{fields: slices.Clone(fields)}
}

// Fields returns the declared fields in order.
func (s *Schema[S]) Fields() []Field[S] {
	return slices.Clone(s.fields)
}

// Reducer returns the reducer that applies every field's merge rule.
func (s *Schema[S]) Reducer() Reducer[S] {
	return func(prev, delta S) S {
		out := prev
		for _, f := range s.fields {
			f.apply(&out, &delta)
		}
		return out
	}
}

// Merge applies the schema's rules to prev and delta.
func (s *Schema[S]) Merge(prev, delta S) S {
	return s.Reducer()(prev, delta)
}
