package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/log"
	"github.com/pithecene-io/delve/metrics"
	"github.com/pithecene-io/delve/types"
)

// cacheKeyInput is the canonical digest input for one search request. Field
// order is fixed and encoding/json sorts map keys, so equal requests always
// digest identically.
type cacheKeyInput struct {
	Session    string         `json:"session"`
	Query      string         `json:"query"`
	K          int            `json:"k"`
	Filters    map[string]any `json:"filters"`
	DocIndexes []int          `json:"doc_indexes"`
	DocLengths []int          `json:"doc_lengths"`
}

// cacheRecord is the persisted shape of one cached search result. The
// layout is part of the blob contract; readers tolerate missing fields but
// writers always emit the full record.
type cacheRecord struct {
	CreatedAt int64         `json:"created_at"`
	Backend   string        `json:"backend"`
	Request   cacheKeyInput `json:"request"`
	Response  cacheResponse `json:"response"`
}

// cacheResponse carries the resolved hits.
type cacheResponse struct {
	Hits []types.SearchHit `json:"hits"`
}

// namedBackend is implemented by backends that identify themselves in
// persisted cache records.
type namedBackend interface {
	Name() string
}

// backendName returns the inner backend's identity for the cache record.
func backendName(b Backend) string {
	if n, ok := b.(namedBackend); ok {
		return n.Name()
	}
	return "unknown"
}

// Cache is a content-addressed cache over an inner Backend. Results live in
// the blob store under {prefix}/{tenant}/search/{digest}.json; a not-found
// read is a miss and recomputes, any other read error propagates as a
// backend error.
type Cache struct {
	inner   Backend
	store   blob.Store
	prefix  string
	logger  *log.Logger
	metrics *metrics.Collector
}

// NewCache wraps inner with a blob-store cache under the given key prefix.
func NewCache(inner Backend, store blob.Store, prefix string, logger *log.Logger, collector *metrics.Collector) *Cache {
	if logger == nil {
		logger = log.Nop()
	}
	return &Cache{inner: inner, store: store, prefix: prefix, logger: logger, metrics: collector}
}

// Search serves the request from the cache when present, otherwise invokes
// the inner backend and persists its result.
func (c *Cache) Search(ctx context.Context, tenant, session string, req types.SearchRequest, docIndexes, docLengths []int) ([]types.SearchHit, error) {
	key, err := c.cacheKey(tenant, session, req, docIndexes, docLengths)
	if err != nil {
		return nil, err
	}

	raw, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		var rec cacheRecord
		if jerr := json.Unmarshal(raw, &rec); jerr == nil {
			c.metrics.IncSearchCacheHit()
			if rec.Response.Hits == nil {
				return []types.SearchHit{}, nil
			}
			return rec.Response.Hits, nil
		}
		// A corrupt record is recomputed and overwritten.
		c.logger.Warn("search cache record corrupt, recomputing", map[string]any{"key": key})
	case !blob.IsNotFound(err):
		return nil, types.EDetails(types.KindS3ReadError,
			map[string]any{"key": key},
			"search cache read: %v", err)
	}

	c.metrics.IncSearchCacheMiss()
	hits, err := c.inner.Search(ctx, tenant, session, req, docIndexes, docLengths)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []types.SearchHit{}
	}

	body, err := json.Marshal(cacheRecord{
		CreatedAt: time.Now().UnixMilli(),
		Backend:   backendName(c.inner),
		Request: cacheKeyInput{
			Session:    session,
			Query:      req.Query,
			K:          req.K,
			Filters:    req.Filters,
			DocIndexes: docIndexes,
			DocLengths: docLengths,
		},
		Response: cacheResponse{Hits: hits},
	})
	if err != nil {
		return nil, fmt.Errorf("search cache: marshal record: %w", err)
	}
	// Write-after-success. A failed write costs a recompute next time, not
	// the result.
	if perr := c.store.Put(ctx, key, body); perr != nil {
		c.logger.Warn("search cache write failed", map[string]any{"key": key, "error": perr.Error()})
	}
	return hits, nil
}

func (c *Cache) cacheKey(tenant, session string, req types.SearchRequest, docIndexes, docLengths []int) (string, error) {
	body, err := json.Marshal(cacheKeyInput{
		Session:    session,
		Query:      req.Query,
		K:          req.K,
		Filters:    req.Filters,
		DocIndexes: docIndexes,
		DocLengths: docLengths,
	})
	if err != nil {
		return "", fmt.Errorf("search cache: marshal key input: %w", err)
	}
	sum := sha256.Sum256(body)
	return types.SearchCacheKey(c.prefix, tenant, hex.EncodeToString(sum[:])), nil
}

var _ Backend = (*Cache)(nil)
