package blob

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory blob Store for tests and local development.
// Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Get reads the full object at key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, &StorageError{Kind: ErrNotFound, Op: "get", Key: key, Err: fmt.Errorf("no such key")}
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// GetRange reads bytes [start, end) of the object at key.
func (m *MemoryStore) GetRange(_ context.Context, key string, start, end int64) ([]byte, error) {
	if start < 0 || (end != -1 && end < start) {
		return nil, fmt.Errorf("invalid byte range [%d, %d)", start, end)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, &StorageError{Kind: ErrNotFound, Op: "get_range", Key: key, Err: fmt.Errorf("no such key")}
	}
	if start > int64(len(body)) {
		return nil, fmt.Errorf("range start %d beyond object length %d", start, len(body))
	}
	stop := int64(len(body))
	if end != -1 && end < stop {
		stop = end
	}
	out := make([]byte, stop-start)
	copy(out, body[start:stop])
	return out, nil
}

// Put writes the full object at key.
func (m *MemoryStore) Put(_ context.Context, key string, body []byte) error {
	stored := make([]byte, len(body))
	copy(stored, body)
	m.mu.Lock()
	m.objects[key] = stored
	m.mu.Unlock()
	return nil
}

// Exists reports whether an object exists at key.
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Len returns the number of stored objects. Test helper.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Verify MemoryStore implements the Store interface.
var _ Store = (*MemoryStore)(nil)
