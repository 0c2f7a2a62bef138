package emit

import "context"

// Emitter receives and processes observability events from graph execution.
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down execution
//   - Thread-safe: Threads may run concurrently on one engine
//   - Resilient: Never panic; handle backend failures internally
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	Emit(event Event)
}

// MultiEmitter fans every event out to several emitters in order.
type MultiEmitter []Emitter

// NewMultiEmitter combines emitters, skipping nil entries.
//
// Example:
//
//	emitter := emit.NewMultiEmitter(
//	    emit.NewLogEmitter(logger),
//	    emit.NewOTelEmitter(otel.Tracer("threadgraph")),
//	)
func NewMultiEmitter(emitters ...Emitter) MultiEmitter {
	out := make(MultiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Emit implements Emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

// EmitContext forwards event with ctx to members that accept a context.
func (m MultiEmitter) EmitContext(ctx context.Context, event Event) {
	for _, e := range m {
		Send(ctx, e, event)
	}
}

// ContextEmitter is implemented by emitters that tie events to the
// caller's context, such as the trace span of the current request.
type ContextEmitter interface {
	EmitContext(ctx context.Context, event Event)
}

// Send delivers event to e, passing ctx along when e accepts one.
func Send(ctx context.Context, e Emitter, event Event) {
	if ce, ok := e.(ContextEmitter); ok {
		ce.EmitContext(ctx, event)
		return
	}
	e.Emit(event)
}
