package types

// StepSnapshot is the most recent step's observables, stored alongside the
// state payload in the ExecutionState row. The state_* fields and the step
// snapshot always describe the same turn.
type StepSnapshot struct {
	// Observed is true once a step at this turn has run to a result.
	// A row with Observed=false at turn t means the turn must re-run.
	Observed bool `msgpack:"observed"`
	// Success is the step success flag.
	Success bool `msgpack:"success"`
	// Stdout is the captured (truncated) program output.
	Stdout string `msgpack:"stdout"`
	// SpanLog is the ordered list of document reads the step issued.
	SpanLog []SpanLogEntry `msgpack:"span_log,omitempty"`
	// ToolRequests is the envelope of queued tool calls.
	ToolRequests *ToolRequestsEnvelope `msgpack:"tool_requests,omitempty"`
	// Final is the terminal marker when the step ended in yield or final.
	Final *FinalMarker `msgpack:"final,omitempty"`
	// Error is the step error when Success is false.
	Error *Error `msgpack:"error,omitempty"`
}

// ExecutionStateRow is the single, in-place-mutated state record for an
// execution. Exactly one of StateJSON and StateBlobKey is non-empty.
type ExecutionStateRow struct {
	// Tenant is the owning tenant identifier.
	Tenant string `msgpack:"tenant"`
	// Session is the owning session identifier.
	Session string `msgpack:"session"`
	// Execution is the owning execution identifier.
	Execution string `msgpack:"execution"`
	// TurnIndex is monotone nondecreasing; -1 before the first step.
	TurnIndex int `msgpack:"turn_index"`
	// StateJSON is the inline canonical state payload, when small enough.
	StateJSON string `msgpack:"state_json,omitempty"`
	// StateBlobKey is the offloaded state blob key, when too large to inline.
	StateBlobKey string `msgpack:"state_blob_key,omitempty"`
	// Checksum is "sha256:" + hex sha256 of the canonical state bytes.
	Checksum string `msgpack:"checksum"`
	// StateBytes is the canonical state length in bytes.
	StateBytes int `msgpack:"state_bytes"`
	// StateChars is the canonical state length in characters.
	StateChars int `msgpack:"state_chars"`
	// Step is the most recent step's observables.
	Step StepSnapshot `msgpack:"step"`
}

// CodeLogEntry is one append-only introspection record per turn, keyed by
// (execution, sequence). Not on the critical path.
type CodeLogEntry struct {
	Tenant    string `msgpack:"tenant"`
	Session   string `msgpack:"session"`
	Execution string `msgpack:"execution"`
	// Seq is the append sequence, starting at 1.
	Seq int64 `msgpack:"seq"`
	// TurnIndex is the turn the entry describes.
	TurnIndex int `msgpack:"turn_index"`
	// Code is the program the root model produced for the turn.
	Code string `msgpack:"code"`
	// Stdout is the captured program output.
	Stdout string `msgpack:"stdout,omitempty"`
	// Success is the step success flag.
	Success bool `msgpack:"success"`
	// CreatedAt is the append time in unix milliseconds.
	CreatedAt int64 `msgpack:"created_at"`
}
