package search

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/metrics"
	"github.com/pithecene-io/delve/types"
)

var (
	testIndexes = []int{0, 1}
	testLengths = []int{500, 12000}
)

func TestStub_Deterministic(t *testing.T) {
	s := NewStub()
	ctx := context.Background()
	req := types.SearchRequest{Key: "s1", Query: "delivery date", K: 3}

	h1, err := s.Search(ctx, "t1", "sess", req, testIndexes, testLengths)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	h2, err := s.Search(ctx, "t1", "sess", req, testIndexes, testLengths)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !reflect.DeepEqual(h1, h2) {
		t.Error("identical requests must produce identical hits")
	}
	if len(h1) != 3 {
		t.Fatalf("hits = %d, want 3", len(h1))
	}
}

func TestStub_HitsAreInBounds(t *testing.T) {
	s := NewStub()
	hits, err := s.Search(context.Background(), "t1", "sess",
		types.SearchRequest{Query: "term", K: 8}, testIndexes, testLengths)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	lengthByIndex := map[int]int{0: 500, 1: 12000}
	for _, h := range hits {
		length, ok := lengthByIndex[h.DocIndex]
		if !ok {
			t.Fatalf("hit references unknown doc_index %d", h.DocIndex)
		}
		if h.StartChar < 0 || h.EndChar > length || h.StartChar >= h.EndChar {
			t.Errorf("hit [%d,%d) out of bounds for doc of length %d",
				h.StartChar, h.EndChar, length)
		}
	}
}

func TestStub_DistinctQueriesDiffer(t *testing.T) {
	s := NewStub()
	ctx := context.Background()

	h1, _ := s.Search(ctx, "t1", "sess", types.SearchRequest{Query: "alpha", K: 4}, testIndexes, testLengths)
	h2, _ := s.Search(ctx, "t1", "sess", types.SearchRequest{Query: "omega", K: 4}, testIndexes, testLengths)
	if reflect.DeepEqual(h1, h2) {
		t.Error("different queries should produce different hits")
	}
}

func TestStub_EmptyCases(t *testing.T) {
	s := NewStub()
	ctx := context.Background()

	tests := []struct {
		name    string
		req     types.SearchRequest
		indexes []int
		lengths []int
	}{
		{"zero_k", types.SearchRequest{Query: "term", K: 0}, testIndexes, testLengths},
		{"blank_query", types.SearchRequest{Query: "  ", K: 3}, testIndexes, testLengths},
		{"no_docs", types.SearchRequest{Query: "term", K: 3}, nil, nil},
		{"only_empty_docs", types.SearchRequest{Query: "term", K: 3}, []int{0}, []int{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := s.Search(ctx, "t1", "sess", tt.req, tt.indexes, tt.lengths)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if len(hits) != 0 {
				t.Errorf("hits = %+v, want none", hits)
			}
		})
	}
}

// countingBackend records how many times the inner backend was invoked.
type countingBackend struct {
	inner Backend
	calls int
}

func (b *countingBackend) Search(ctx context.Context, tenant, session string, req types.SearchRequest, docIndexes, docLengths []int) ([]types.SearchHit, error) {
	b.calls++
	return b.inner.Search(ctx, tenant, session, req, docIndexes, docLengths)
}

func TestCache_HitSkipsInnerBackend(t *testing.T) {
	store := blob.NewMemoryStore()
	inner := &countingBackend{inner: NewStub()}
	collector := metrics.NewCollector("w", "stub", "memory")
	c := NewCache(inner, store, "cache", nil, collector)

	ctx := context.Background()
	req := types.SearchRequest{Query: "delivery", K: 2}

	h1, err := c.Search(ctx, "t1", "sess", req, testIndexes, testLengths)
	if err != nil {
		t.Fatalf("first search: %v", err)
	}
	h2, err := c.Search(ctx, "t1", "sess", req, testIndexes, testLengths)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}

	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
	if !reflect.DeepEqual(h1, h2) {
		t.Error("cached hits differ from computed hits")
	}

	s := collector.Snapshot()
	if s.SearchCacheMisses != 1 || s.SearchCacheHits != 1 {
		t.Errorf("cache counters = %d hit / %d miss, want 1/1",
			s.SearchCacheHits, s.SearchCacheMisses)
	}
}

func TestCache_KeyCoversManifest(t *testing.T) {
	store := blob.NewMemoryStore()
	inner := &countingBackend{inner: NewStub()}
	c := NewCache(inner, store, "cache", nil, nil)

	ctx := context.Background()
	req := types.SearchRequest{Query: "delivery", K: 2}

	if _, err := c.Search(ctx, "t1", "sess", req, testIndexes, testLengths); err != nil {
		t.Fatal(err)
	}
	// Same request, different manifest: must recompute.
	if _, err := c.Search(ctx, "t1", "sess", req, []int{0}, []int{500}); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2 (manifest change must miss)", inner.calls)
	}
}

func TestCache_RecordShape(t *testing.T) {
	store := blob.NewMemoryStore()
	c := NewCache(NewStub(), store, "cache", nil, nil)

	ctx := context.Background()
	req := types.SearchRequest{Query: "delivery", K: 2}

	hits, err := c.Search(ctx, "t1", "sess", req, testIndexes, testLengths)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	key, err := c.cacheKey("t1", "sess", req, testIndexes, testLengths)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get cached record: %v", err)
	}

	var rec cacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.CreatedAt <= 0 {
		t.Errorf("created_at = %d, want > 0", rec.CreatedAt)
	}
	if rec.Backend != "stub" {
		t.Errorf("backend = %q, want stub", rec.Backend)
	}
	if rec.Request.Session != "sess" || rec.Request.Query != "delivery" || rec.Request.K != 2 {
		t.Errorf("request = %+v, want session/query/k echoed", rec.Request)
	}
	if !reflect.DeepEqual(rec.Request.DocIndexes, testIndexes) {
		t.Errorf("request.doc_indexes = %v, want %v", rec.Request.DocIndexes, testIndexes)
	}
	if !reflect.DeepEqual(rec.Request.DocLengths, testLengths) {
		t.Errorf("request.doc_lengths = %v, want %v", rec.Request.DocLengths, testLengths)
	}
	if !reflect.DeepEqual(rec.Response.Hits, hits) {
		t.Errorf("response.hits = %+v, want %+v", rec.Response.Hits, hits)
	}

	// Field names are the persisted contract, independent of the Go struct.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"created_at", "backend", "request", "response"} {
		if _, ok := fields[name]; !ok {
			t.Errorf("record missing field %q", name)
		}
	}
}

// failingStore wraps a store and fails reads with a non-not-found error.
type failingStore struct {
	*blob.MemoryStore
}

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func TestCache_NonNotFoundReadErrorPropagates(t *testing.T) {
	c := NewCache(NewStub(), &failingStore{blob.NewMemoryStore()}, "cache", nil, nil)

	_, err := c.Search(context.Background(), "t1", "sess",
		types.SearchRequest{Query: "q", K: 1}, testIndexes, testLengths)
	if err == nil {
		t.Fatal("expected read error to propagate")
	}
	if types.KindOf(err) != types.KindS3ReadError {
		t.Errorf("kind = %s, want S3ReadError", types.KindOf(err))
	}
}

func TestCache_EmptyResultIsCached(t *testing.T) {
	store := blob.NewMemoryStore()
	inner := &countingBackend{inner: NewStub()}
	c := NewCache(inner, store, "cache", nil, nil)

	ctx := context.Background()
	req := types.SearchRequest{Query: "q", K: 0} // stub returns no hits

	for range 2 {
		hits, err := c.Search(ctx, "t1", "sess", req, testIndexes, testLengths)
		if err != nil {
			t.Fatal(err)
		}
		if hits == nil || len(hits) != 0 {
			t.Errorf("hits = %#v, want empty non-nil slice", hits)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1 (empty result should still cache)", inner.calls)
	}
}
