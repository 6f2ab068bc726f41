package provider

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

// Options configures a Provider.
type Options struct {
	// Retry is the retry policy; zero value uses DefaultRetryPolicy.
	Retry RetryPolicy
	// CacheStore enables the sub-completion cache when non-nil.
	CacheStore blob.Store
	// CachePrefix is the blob key prefix for cached sub-completions.
	CachePrefix string
	// Logger receives cache diagnostics; nil means no logging.
	Logger *log.Logger
	// Metrics receives retry and cache counters; nil disables them.
	Metrics *metrics.Collector
}

// Provider layers the retry policy and the content-addressed sub-completion
// cache over a Backend. Root completions are never cached; sub-completions
// are cached by digest of (provider, model, max_tokens, temperature, prompt).
type Provider struct {
	backend Backend
	policy  RetryPolicy
	store   blob.Store
	prefix  string
	logger  *log.Logger
	metrics *metrics.Collector
}

// New wraps backend with retries and the optional sub-completion cache.
func New(backend Backend, opts Options) *Provider {
	policy := opts.Retry
	if policy.Retries == 0 && policy.BackoffBase == 0 {
		policy = DefaultRetryPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Provider{
		backend: backend,
		policy:  policy,
		store:   opts.CacheStore,
		prefix:  opts.CachePrefix,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Name returns the underlying backend name.
func (p *Provider) Name() string { return p.backend.Name() }

// CompleteRoot issues a root completion with retries. Never cached: the root
// conversation must observe fresh model behavior every turn.
func (p *Provider) CompleteRoot(ctx context.Context, req Request) (string, error) {
	return p.policy.do(ctx, p.metrics, func() (string, error) {
		return p.backend.Complete(ctx, req)
	})
}

// cacheRecord is the persisted shape of one cached sub-completion. The
// layout is part of the blob contract; readers tolerate missing fields but
// writers always emit the full record.
type cacheRecord struct {
	CreatedAt int64         `json:"created_at"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Request   cacheRequest  `json:"request"`
	Response  cacheResponse `json:"response"`
}

// cacheRequest identifies the completion parameters the record answers.
type cacheRequest struct {
	PromptSHA   string  `json:"prompt_sha256"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// cacheResponse carries the completion text. Raw holds the vendor response
// body when an adapter surfaces one; adapters that return only text leave it
// null.
type cacheResponse struct {
	Text string          `json:"text"`
	Raw  json.RawMessage `json:"raw"`
}

// cacheKeyInput is the canonical digest input for one sub-completion. The
// prompt enters as its own sha256 so the digest input stays small.
type cacheKeyInput struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	PromptSHA   string  `json:"prompt_sha256"`
}

// CompleteSubcall issues a sub-completion with retries and the idempotency
// cache. Cache reads that fail for any reason fall through to a miss; the
// upstream call is the source of truth. The cache is populated
// write-after-success.
func (p *Provider) CompleteSubcall(ctx context.Context, req Request) (string, error) {
	if p.store == nil {
		return p.policy.do(ctx, p.metrics, func() (string, error) {
			return p.backend.Complete(ctx, req)
		})
	}

	promptSHA := promptDigest(req.Prompt)
	key, err := p.cacheKey(req, promptSHA)
	if err != nil {
		return "", err
	}

	if raw, gerr := p.store.Get(ctx, key); gerr == nil {
		var rec cacheRecord
		if jerr := json.Unmarshal(raw, &rec); jerr == nil {
			p.metrics.IncLLMCacheHit()
			return rec.Response.Text, nil
		}
		p.logger.Warn("subcall cache record corrupt, recomputing", map[string]any{"key": key})
	} else if !blob.IsNotFound(gerr) {
		p.logger.Warn("subcall cache read failed, treating as miss", map[string]any{
			"key": key, "error": gerr.Error(),
		})
	}
	p.metrics.IncLLMCacheMiss()

	text, err := p.policy.do(ctx, p.metrics, func() (string, error) {
		return p.backend.Complete(ctx, req)
	})
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(cacheRecord{
		CreatedAt: time.Now().UnixMilli(),
		Provider:  p.backend.Name(),
		Model:     req.Model,
		Request: cacheRequest{
			PromptSHA:   promptSHA,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		},
		Response: cacheResponse{Text: text},
	})
	if err != nil {
		return "", fmt.Errorf("provider: marshal cache record: %w", err)
	}
	if perr := p.store.Put(ctx, key, body); perr != nil {
		p.logger.Warn("subcall cache write failed", map[string]any{"key": key, "error": perr.Error()})
	}
	return text, nil
}

// promptDigest returns the hex sha256 of the prompt text.
func promptDigest(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func (p *Provider) cacheKey(req Request, promptSHA string) (string, error) {
	body, err := json.Marshal(cacheKeyInput{
		Provider:    p.backend.Name(),
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		PromptSHA:   promptSHA,
	})
	if err != nil {
		return "", fmt.Errorf("provider: marshal cache key input: %w", err)
	}
	sum := sha256.Sum256(body)
	return types.LLMCacheKey(p.prefix, req.Tenant, hex.EncodeToString(sum[:])), nil
}
