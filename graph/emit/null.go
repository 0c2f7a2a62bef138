package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it where event delivery is not wanted, for example in benchmarks or
// in subgraphs whose events would only duplicate the parent's.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
