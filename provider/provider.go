// Package provider issues root and sub-model completions. Backends adapt one
// vendor SDK each; the Provider wrapper layers the retry policy and the
// content-addressed sub-completion cache on top of any backend.
package provider

import "context"

// Request is one completion request.
type Request struct {
	// Tenant is the owning tenant, carried for per-tenant cache keys.
	Tenant string
	// Model is the model identifier; empty selects the backend default.
	Model string
	// Prompt is the full prompt text.
	Prompt string
	// MaxTokens bounds the completion length; 0 uses the backend default.
	MaxTokens int
	// Temperature is the sampling temperature.
	Temperature float64
}

// Backend issues a single completion attempt against one vendor API.
// Backends classify their own failures: transient ones (rate limits, 5xx,
// timeouts) are wrapped with Transient so the retry layer can tell them
// apart from permanent errors.
type Backend interface {
	// Name identifies the backend, used in cache keys and metrics.
	Name() string
	// Complete returns the completion text for the request.
	Complete(ctx context.Context, req Request) (string, error)
}
