// Package emit provides observability events for graph execution and the
// emitters that deliver them to logs, traces and tests.
package emit

// Event messages emitted by the engine.
const (
	MsgRunStart   = "run_start"
	MsgRunEnd     = "run_end"
	MsgNodeStart  = "node_start"
	MsgNodeEnd    = "node_end"
	MsgNodeError  = "node_error"
	MsgCheckpoint = "checkpoint"
	MsgInterrupt  = "interrupt"
	MsgResume     = "resume"
	MsgUpdate     = "state_update"
)

// Event represents an observability event emitted during thread execution.
//
// Events are emitted to an Emitter which can:
//   - Log through slog or zap
//   - Become OpenTelemetry spans
//   - Be buffered in memory for tests and debugging
type Event struct {
	// ThreadID identifies the thread the event belongs to.
	ThreadID string

	// Seq is the checkpoint sequence number the event refers to, when any.
	Seq int64

	// Step counts node executions within one invocation (1-indexed).
	// Zero for invocation-level events (run_start, run_end).
	Step int

	// NodeID identifies which node emitted this event.
	// Empty string for invocation-level events.
	NodeID string

	// Msg is one of the Msg* constants.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "source": Checkpoint source
	//   - "kind": Interrupt kind
	//   - "next": Nodes scheduled after a checkpoint
	Meta map[string]interface{}
}
