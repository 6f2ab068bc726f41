// Package blob abstracts the raw blob store: parsed text, offsets indexes,
// offloaded state payloads, caches, and traces all live behind this
// interface. The production backend is S3 (or any S3-compatible provider);
// tests use the in-memory backend.
package blob

import "context"

// Store is the blob store capability surface used by the runtime.
//
// All keys are flat strings under the configured bucket/prefix. Writes are
// idempotent: concurrent writers to the same key must write equal bodies
// (keys are deterministic or content-addressed).
type Store interface {
	// Get reads the full object at key.
	// Returns an error matching ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetRange reads bytes [start, end) of the object at key.
	// end == -1 reads to the end of the object.
	GetRange(ctx context.Context, key string, start, end int64) ([]byte, error)

	// Put writes the full object at key, replacing any existing object.
	Put(ctx context.Context, key string, body []byte) error

	// Exists reports whether an object exists at key.
	Exists(ctx context.Context, key string) (bool, error)
}
