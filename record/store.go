// Package record persists the control-plane rows: sessions, documents,
// executions, execution state, and the per-turn code log. Status transitions
// and lease writes are conditional so that replicas can race safely.
package record

import (
	"context"
	"errors"
	"time"

	"github.com/pithecene-io/delve/types"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("record: not found")

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StatusUpdate is one conditional terminal-status write. The write succeeds
// only while the stored status equals Expected.
type StatusUpdate struct {
	Tenant    string
	Execution string
	// Expected is the status the row must hold for the write to apply.
	Expected types.ExecutionStatus
	// Status is the new status.
	Status types.ExecutionStatus
	// Answer is the final answer; set when Status is Completed.
	Answer string
	// Citations are the resolved citations; set when Status is Completed.
	Citations []types.SpanRef
	// Failure is the terminal error; set for failure statuses.
	Failure *types.Error
}

// Store is the record-store interface. Conditional operations return false
// (not an error) when the condition does not hold: losing a conditional
// write means another replica won, and the caller moves on.
type Store interface {
	// PutSession writes a session row.
	PutSession(ctx context.Context, row *types.SessionRow) error
	// GetSession reads a session row.
	GetSession(ctx context.Context, tenant, session string) (*types.SessionRow, error)

	// PutDocument writes a document row.
	PutDocument(ctx context.Context, row *types.DocumentRow) error
	// ListDocuments returns a session's documents ordered by doc_index.
	ListDocuments(ctx context.Context, tenant, session string) ([]types.DocumentRow, error)

	// PutExecution writes an execution row and indexes it as runnable when
	// its status is Running. Lease fields on the row are ignored; only the
	// lease operations write them.
	PutExecution(ctx context.Context, row *types.ExecutionRow) error
	// GetExecution reads an execution row.
	GetExecution(ctx context.Context, tenant, execution string) (*types.ExecutionRow, error)
	// UpdateExecutionStatus applies a conditional status transition.
	UpdateExecutionStatus(ctx context.Context, update StatusUpdate) (bool, error)

	// AcquireLease takes the execution lease when it is absent, expired, or
	// already owned by owner.
	AcquireLease(ctx context.Context, tenant, execution, owner string, now time.Time, duration time.Duration) (bool, error)
	// RenewLease extends the lease while owner still holds it.
	RenewLease(ctx context.Context, tenant, execution, owner string, now time.Time, duration time.Duration) (bool, error)
	// ReleaseLease drops the lease while owner still holds it.
	ReleaseLease(ctx context.Context, tenant, execution, owner string) error

	// PutExecutionState writes the execution-state row.
	PutExecutionState(ctx context.Context, row *types.ExecutionStateRow) error
	// GetExecutionState reads the execution-state row.
	GetExecutionState(ctx context.Context, tenant, execution string) (*types.ExecutionStateRow, error)

	// AppendCodeLog appends one per-turn code record.
	AppendCodeLog(ctx context.Context, entry *types.CodeLogEntry) error
	// ListCodeLog returns the code log in append order.
	ListCodeLog(ctx context.Context, tenant, execution string) ([]types.CodeLogEntry, error)

	// ScanRunnable lists executions currently indexed as runnable, sorted by
	// (session, execution) for stable scheduling.
	ScanRunnable(ctx context.Context) ([]types.ExecutionRow, error)
}
