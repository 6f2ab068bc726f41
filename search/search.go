// Package search resolves queued corpus searches. The shipped default is a
// deterministic stub; production backends implement Backend and plug in. The
// canonical deployment wraps any backend in a content-addressed blob cache.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/pithecene-io/delve/types"
)

// Backend answers one search request against a session's documents.
// doc_indexes and doc_lengths are parallel: doc_lengths[i] is the character
// length of the document at doc_indexes[i].
type Backend interface {
	Search(ctx context.Context, tenant, session string, req types.SearchRequest, docIndexes, docLengths []int) ([]types.SearchHit, error)
}

// stubSpanChars is the hit span width produced by the stub backend.
const stubSpanChars = 64

// Stub is a deterministic search backend: hits are derived from a hash of
// the query, so identical requests against identical manifests always return
// identical results. It exists for tests and for deployments without a real
// search index.
type Stub struct{}

// NewStub creates the deterministic stub backend.
func NewStub() *Stub {
	return &Stub{}
}

// Name identifies the stub in persisted cache records.
func (s *Stub) Name() string { return "stub" }

// Search derives up to req.K hits from sha256(query). Empty queries,
// non-positive k, and manifests with no non-empty documents return no hits.
func (s *Stub) Search(ctx context.Context, tenant, session string, req types.SearchRequest, docIndexes, docLengths []int) ([]types.SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.K <= 0 || strings.TrimSpace(req.Query) == "" {
		return []types.SearchHit{}, nil
	}

	type eligible struct {
		index  int
		length int
	}
	var docs []eligible
	for i, di := range docIndexes {
		if i < len(docLengths) && docLengths[i] > 0 {
			docs = append(docs, eligible{index: di, length: docLengths[i]})
		}
	}
	if len(docs) == 0 {
		return []types.SearchHit{}, nil
	}

	seed := sha256.Sum256([]byte(req.Query))
	hits := make([]types.SearchHit, 0, req.K)
	for i := 0; i < req.K; i++ {
		buf := make([]byte, 0, len(seed)+1)
		buf = append(buf, seed[:]...)
		buf = append(buf, byte(i))
		h := sha256.Sum256(buf)

		doc := docs[binary.BigEndian.Uint64(h[:8])%uint64(len(docs))]
		span := stubSpanChars
		if span > doc.length {
			span = doc.length
		}
		start := 0
		if maxStart := doc.length - span; maxStart > 0 {
			start = int(binary.BigEndian.Uint64(h[8:16]) % uint64(maxStart+1))
		}

		hits = append(hits, types.SearchHit{
			DocIndex:  doc.index,
			StartChar: start,
			EndChar:   start + span,
			Score:     1 - float64(i)/float64(req.K),
		})
	}
	return hits, nil
}

var _ Backend = (*Stub)(nil)
