package statecodec

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/types"
)

// Persister applies the inline-vs-offload storage decision: canonical
// payloads at or under InlineMaxBytes live inline in the ExecutionState row;
// larger payloads are gzipped into the blob store at a deterministic key
// derived from (tenant, execution, turn).
type Persister struct {
	store     blob.Store
	inlineMax int
}

// NewPersister creates a Persister over the given blob store.
// inlineMax <= 0 selects the default inline threshold.
func NewPersister(store blob.Store, inlineMax int) *Persister {
	if inlineMax <= 0 {
		inlineMax = types.DefaultInlineMaxBytes
	}
	return &Persister{store: store, inlineMax: inlineMax}
}

// Persist stores the encoded payload and fills the state fields of the row.
// Exactly one of StateJSON and StateBlobKey is set on return.
func (p *Persister) Persist(ctx context.Context, row *types.ExecutionStateRow, enc *Encoded) error {
	row.Checksum = enc.Checksum
	row.StateBytes = enc.Bytes
	row.StateChars = enc.Chars

	if enc.Bytes <= p.inlineMax {
		row.StateJSON = string(enc.Canonical)
		row.StateBlobKey = ""
		return nil
	}

	key := types.StateBlobKey(row.Tenant, row.Execution, row.TurnIndex)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(enc.Canonical); err != nil {
		return types.E(types.KindInternalError, "state offload compress: %v", err)
	}
	if err := gz.Close(); err != nil {
		return types.E(types.KindInternalError, "state offload compress: %v", err)
	}
	if err := p.store.Put(ctx, key, buf.Bytes()); err != nil {
		return types.E(types.KindS3ReadError, "state offload write %s: %v", key, err)
	}

	row.StateJSON = ""
	row.StateBlobKey = key
	return nil
}

// Load reads the state payload back from the row, verifying the checksum.
// Returns the decoded JSON tree (nil for an absent payload).
func (p *Persister) Load(ctx context.Context, row *types.ExecutionStateRow) (any, error) {
	var canonical []byte
	switch {
	case row.StateJSON != "":
		canonical = []byte(row.StateJSON)
	case row.StateBlobKey != "":
		compressed, err := p.store.Get(ctx, row.StateBlobKey)
		if err != nil {
			return nil, types.E(types.KindS3ReadError, "state load %s: %v", row.StateBlobKey, err)
		}
		gz, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, types.E(types.KindInternalError, "state load decompress: %v", err)
		}
		canonical, err = io.ReadAll(gz)
		if err != nil {
			return nil, types.E(types.KindInternalError, "state load decompress: %v", err)
		}
	default:
		return nil, nil
	}

	if row.Checksum != "" && Checksum(canonical) != row.Checksum {
		return nil, types.E(types.KindChecksumMismatch,
			"state checksum mismatch at turn %d", row.TurnIndex)
	}
	return Decode(canonical)
}
