package types

// ExecutionMode distinguishes orchestrator-driven from caller-driven loops.
type ExecutionMode string

// Execution mode constants.
const (
	// ModeAnswerer executions are driven by the worker orchestrator.
	ModeAnswerer ExecutionMode = "Answerer"
	// ModeRuntime executions are driven step-by-step by an external caller.
	ModeRuntime ExecutionMode = "Runtime"
)

// ExecutionStatus is the execution lifecycle state. Transitions are monotone:
// every terminal status is reached only from Running by a conditional write.
type ExecutionStatus string

// Execution status constants.
const (
	ExecRunning          ExecutionStatus = "Running"
	ExecCompleted        ExecutionStatus = "Completed"
	ExecFailed           ExecutionStatus = "Failed"
	ExecCancelled        ExecutionStatus = "Cancelled"
	ExecTimeout          ExecutionStatus = "Timeout"
	ExecBudgetExceeded   ExecutionStatus = "BudgetExceeded"
	ExecMaxTurnsExceeded ExecutionStatus = "MaxTurnsExceeded"
)

// IsTerminal reports whether the status is terminal.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecRunning && s != ""
}

// ExecutionRow is the persisted execution record, keyed by (session, execution).
type ExecutionRow struct {
	// Tenant is the owning tenant identifier.
	Tenant string `msgpack:"tenant"`
	// Session is the owning session identifier.
	Session string `msgpack:"session"`
	// Execution is the execution identifier, unique within the session.
	Execution string `msgpack:"execution"`
	// Mode selects Answerer or Runtime driving.
	Mode ExecutionMode `msgpack:"mode"`
	// Status is the lifecycle status.
	Status ExecutionStatus `msgpack:"status"`
	// Question is the user question for Answerer executions.
	Question string `msgpack:"question"`
	// RootModel is the resolved root completion model.
	RootModel string `msgpack:"root_model"`
	// SubModel is the resolved sub completion model.
	SubModel string `msgpack:"sub_model"`
	// SearchEnabled snapshots whether search tools are available.
	SearchEnabled bool `msgpack:"search_enabled"`
	// Budgets are the requested execution budgets.
	Budgets BudgetLimits `msgpack:"budgets"`
	// Limits are the per-step resource limits.
	Limits StepLimits `msgpack:"limits"`
	// StartedAt is the start time in unix milliseconds.
	StartedAt int64 `msgpack:"started_at"`
	// CompletedAt is the terminal transition time in unix milliseconds.
	CompletedAt int64 `msgpack:"completed_at,omitempty"`
	// LeaseOwner is the worker replica currently holding the lease.
	LeaseOwner string `msgpack:"lease_owner,omitempty"`
	// LeaseExpiresAt is the lease expiry in unix milliseconds.
	LeaseExpiresAt int64 `msgpack:"lease_expires_at,omitempty"`
	// LeaseUpdatedAt is the last lease write in unix milliseconds.
	LeaseUpdatedAt int64 `msgpack:"lease_updated_at,omitempty"`
	// Answer is the final answer, set when Completed.
	Answer string `msgpack:"answer,omitempty"`
	// Citations are the user-visible citation refs, set when Completed.
	Citations []SpanRef `msgpack:"citations,omitempty"`
	// Failure carries the terminal error for non-Completed terminal statuses.
	Failure *Error `msgpack:"failure,omitempty"`
}
