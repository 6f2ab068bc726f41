package types

// IngestStatus is the document ingest pipeline state.
type IngestStatus string

// Document ingest status constants.
const (
	DocRegistered IngestStatus = "Registered"
	DocParsing    IngestStatus = "Parsing"
	DocParsed     IngestStatus = "Parsed"
	DocIndexing   IngestStatus = "Indexing"
	DocIndexed    IngestStatus = "Indexed"
	DocFailed     IngestStatus = "Failed"
)

// DocumentRow is the persisted document record, keyed by (session, doc).
// DocIndex values form a dense 0-based ordering within the session and are
// never reused once assigned.
type DocumentRow struct {
	// Tenant is the owning tenant identifier.
	Tenant string `msgpack:"tenant"`
	// Session is the owning session identifier.
	Session string `msgpack:"session"`
	// DocID is the document identifier, unique within the session.
	DocID string `msgpack:"doc_id"`
	// DocIndex is the stable 0-based position within the session.
	DocIndex int `msgpack:"doc_index"`
	// Status is the ingest status.
	Status IngestStatus `msgpack:"status"`
	// RawKey is the blob key of the raw uploaded bytes.
	RawKey string `msgpack:"raw_key"`
	// TextKey is the blob key of the parsed UTF-8 text.
	TextKey string `msgpack:"text_key"`
	// OffsetsKey is the blob key of the character-to-byte checkpoint index.
	OffsetsKey string `msgpack:"offsets_key"`
	// SearchIndexKey is the blob key of the search index, when indexed.
	SearchIndexKey string `msgpack:"search_index_key,omitempty"`
	// CharLength is the parsed text length in characters.
	CharLength int `msgpack:"char_length"`
}

// OffsetsIndex is the decoded offsets blob: a sorted list of character-to-byte
// checkpoints over the parsed text. The first checkpoint is {0,0}; the last is
// {CharLength, ByteLength}.
type OffsetsIndex struct {
	Version            int          `json:"version"`
	DocID              string       `json:"doc_id"`
	CharLength         int          `json:"char_length"`
	ByteLength         int          `json:"byte_length"`
	Encoding           string       `json:"encoding"`
	Checkpoints        []Checkpoint `json:"checkpoints"`
	CheckpointInterval int          `json:"checkpoint_interval"`
}

// Checkpoint is a single character-to-byte offset pair.
type Checkpoint struct {
	Char int `json:"char"`
	Byte int `json:"byte"`
}
