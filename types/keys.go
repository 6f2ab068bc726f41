package types

import "fmt"

// Blob key layout. All persisted blobs live under deterministic keys so that
// writers are idempotent and concurrent writers to the same key are safe.

// ParsedTextKey returns the blob key of a document's parsed UTF-8 text.
func ParsedTextKey(tenant, session, doc string) string {
	return fmt.Sprintf("parsed/%s/%s/%s/text.txt", tenant, session, doc)
}

// OffsetsKey returns the blob key of a document's offsets index.
func OffsetsKey(tenant, session, doc string) string {
	return fmt.Sprintf("parsed/%s/%s/%s/offsets.json", tenant, session, doc)
}

// MetaKey returns the blob key of a document's parser metadata.
func MetaKey(tenant, session, doc string) string {
	return fmt.Sprintf("parsed/%s/%s/%s/meta.json", tenant, session, doc)
}

// StateBlobKey returns the blob key of an offloaded state payload for one turn.
func StateBlobKey(tenant, execution string, turn int) string {
	return fmt.Sprintf("state/%s/%s/state_%d.json.gz", tenant, execution, turn)
}

// LLMCacheKey returns the blob key of a cached sub-completion record.
func LLMCacheKey(prefix, tenant, digest string) string {
	if prefix != "" {
		return fmt.Sprintf("%s/%s/llm/%s.json", prefix, tenant, digest)
	}
	return fmt.Sprintf("%s/llm/%s.json", tenant, digest)
}

// SearchCacheKey returns the blob key of a cached search result record.
func SearchCacheKey(prefix, tenant, digest string) string {
	if prefix != "" {
		return fmt.Sprintf("%s/%s/search/%s.json", prefix, tenant, digest)
	}
	return fmt.Sprintf("%s/search/%s.json", tenant, digest)
}

// TraceKey returns the blob key of an execution's exported trace.
func TraceKey(tenant, execution string) string {
	return fmt.Sprintf("traces/%s/%s/trace.json.gz", tenant, execution)
}
