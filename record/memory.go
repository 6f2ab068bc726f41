package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/delve/types"
)

// MemoryStore is an in-memory Store for tests and local development. It
// mirrors the Redis store's conditional semantics exactly.
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]*types.SessionRow
	documents  map[string]map[string]*types.DocumentRow
	executions map[string]*types.ExecutionRow
	states     map[string]*types.ExecutionStateRow
	codeLogs   map[string][]types.CodeLogEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   map[string]*types.SessionRow{},
		documents:  map[string]map[string]*types.DocumentRow{},
		executions: map[string]*types.ExecutionRow{},
		states:     map[string]*types.ExecutionStateRow{},
		codeLogs:   map[string][]types.CodeLogEntry{},
	}
}

func memKey(tenant, id string) string {
	return tenant + "|" + id
}

// clone deep-copies a row through msgpack so callers never alias stored data.
func clone[T any](in *T) *T {
	body, err := msgpack.Marshal(in)
	if err != nil {
		panic(fmt.Sprintf("record: clone marshal: %v", err))
	}
	out := new(T)
	if err := msgpack.Unmarshal(body, out); err != nil {
		panic(fmt.Sprintf("record: clone unmarshal: %v", err))
	}
	return out
}

func (s *MemoryStore) PutSession(ctx context.Context, row *types.SessionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[memKey(row.Tenant, row.Session)] = clone(row)
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, tenant, session string) (*types.SessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[memKey(tenant, session)]
	if !ok {
		return nil, fmt.Errorf("session %s/%s: %w", tenant, session, ErrNotFound)
	}
	return clone(row), nil
}

func (s *MemoryStore) PutDocument(ctx context.Context, row *types.DocumentRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(row.Tenant, row.Session)
	if s.documents[key] == nil {
		s.documents[key] = map[string]*types.DocumentRow{}
	}
	s.documents[key][row.DocID] = clone(row)
	return nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, tenant, session string) ([]types.DocumentRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.documents[memKey(tenant, session)]
	docs := make([]types.DocumentRow, 0, len(byID))
	for _, row := range byID {
		docs = append(docs, *clone(row))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocIndex < docs[j].DocIndex })
	return docs, nil
}

func (s *MemoryStore) PutExecution(ctx context.Context, row *types.ExecutionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(row.Tenant, row.Execution)
	next := clone(row)
	// Lease fields are owned by the lease operations, not by row writes.
	if prev, ok := s.executions[key]; ok {
		next.LeaseOwner = prev.LeaseOwner
		next.LeaseExpiresAt = prev.LeaseExpiresAt
		next.LeaseUpdatedAt = prev.LeaseUpdatedAt
	} else {
		next.LeaseOwner = ""
		next.LeaseExpiresAt = 0
		next.LeaseUpdatedAt = 0
	}
	s.executions[key] = next
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, tenant, execution string) (*types.ExecutionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.executions[memKey(tenant, execution)]
	if !ok {
		return nil, fmt.Errorf("execution %s/%s: %w", tenant, execution, ErrNotFound)
	}
	return clone(row), nil
}

func (s *MemoryStore) UpdateExecutionStatus(ctx context.Context, update StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.executions[memKey(update.Tenant, update.Execution)]
	if !ok {
		return false, fmt.Errorf("execution %s/%s: %w", update.Tenant, update.Execution, ErrNotFound)
	}
	if row.Status != update.Expected {
		return false, nil
	}
	row.Status = update.Status
	row.Answer = update.Answer
	if len(update.Citations) > 0 {
		row.Citations = append([]types.SpanRef(nil), update.Citations...)
	}
	if update.Failure != nil {
		row.Failure = clone(update.Failure)
	}
	row.CompletedAt = time.Now().UnixMilli()
	return true, nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, tenant, execution, owner string, now time.Time, duration time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.executions[memKey(tenant, execution)]
	if !ok {
		return false, fmt.Errorf("execution %s/%s: %w", tenant, execution, ErrNotFound)
	}
	nowMs := now.UnixMilli()
	if row.LeaseOwner != "" && row.LeaseExpiresAt > nowMs && row.LeaseOwner != owner {
		return false, nil
	}
	row.LeaseOwner = owner
	row.LeaseExpiresAt = now.Add(duration).UnixMilli()
	row.LeaseUpdatedAt = nowMs
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, tenant, execution, owner string, now time.Time, duration time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.executions[memKey(tenant, execution)]
	if !ok {
		return false, fmt.Errorf("execution %s/%s: %w", tenant, execution, ErrNotFound)
	}
	if row.LeaseOwner != owner {
		return false, nil
	}
	row.LeaseExpiresAt = now.Add(duration).UnixMilli()
	row.LeaseUpdatedAt = now.UnixMilli()
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, tenant, execution, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.executions[memKey(tenant, execution)]
	if !ok {
		return nil
	}
	if row.LeaseOwner == owner {
		row.LeaseOwner = ""
		row.LeaseExpiresAt = 0
		row.LeaseUpdatedAt = 0
	}
	return nil
}

func (s *MemoryStore) PutExecutionState(ctx context.Context, row *types.ExecutionStateRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[memKey(row.Tenant, row.Execution)] = clone(row)
	return nil
}

func (s *MemoryStore) GetExecutionState(ctx context.Context, tenant, execution string) (*types.ExecutionStateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.states[memKey(tenant, execution)]
	if !ok {
		return nil, fmt.Errorf("execution state %s/%s: %w", tenant, execution, ErrNotFound)
	}
	return clone(row), nil
}

func (s *MemoryStore) AppendCodeLog(ctx context.Context, entry *types.CodeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(entry.Tenant, entry.Execution)
	entry.Seq = int64(len(s.codeLogs[key]) + 1)
	s.codeLogs[key] = append(s.codeLogs[key], *clone(entry))
	return nil
}

func (s *MemoryStore) ListCodeLog(ctx context.Context, tenant, execution string) ([]types.CodeLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.codeLogs[memKey(tenant, execution)]
	entries := make([]types.CodeLogEntry, 0, len(stored))
	for i := range stored {
		entries = append(entries, *clone(&stored[i]))
	}
	return entries, nil
}

func (s *MemoryStore) ScanRunnable(ctx context.Context) ([]types.ExecutionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]types.ExecutionRow, 0)
	for _, row := range s.executions {
		if row.Status == types.ExecRunning && row.Mode == types.ModeAnswerer {
			rows = append(rows, *clone(row))
		}
	}
	sortRunnable(rows)
	return rows, nil
}

var _ Store = (*MemoryStore)(nil)
