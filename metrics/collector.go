// Package metrics provides worker-scope metrics collection.
//
// The Collector accumulates counters while a worker processes executions. It
// is a leaf package with no internal dependencies. All increment methods are
// nil-receiver safe so callers never need to guard instrumentation.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all collected metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Leasing
	LeasesAcquired int64
	LeasesLost     int64
	LeasesRenewed  int64

	// Control loop
	TurnsStarted   int64
	StepsSucceeded int64
	StepsFailed    int64
	ParseErrors    int64

	// Execution outcomes
	ExecutionsCompleted int64
	ExecutionsFailed    int64

	// Caching
	LLMCacheHits      int64
	LLMCacheMisses    int64
	SearchCacheHits   int64
	SearchCacheMisses int64

	// Providers
	ProviderRetries int64
	ProviderErrors  int64

	// Dimensions (informational, set at construction)
	Worker         string
	Provider       string
	StorageBackend string
}

// Collector accumulates metrics for one worker replica.
// Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	leasesAcquired int64
	leasesLost     int64
	leasesRenewed  int64

	turnsStarted   int64
	stepsSucceeded int64
	stepsFailed    int64
	parseErrors    int64

	executionsCompleted int64
	executionsFailed    int64

	llmCacheHits      int64
	llmCacheMisses    int64
	searchCacheHits   int64
	searchCacheMisses int64

	providerRetries int64
	providerErrors  int64

	worker         string
	provider       string
	storageBackend string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(worker, provider, storageBackend string) *Collector {
	return &Collector{
		worker:         worker,
		provider:       provider,
		storageBackend: storageBackend,
	}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// --- Leasing ---

// IncLeaseAcquired records a successful lease acquisition.
func (c *Collector) IncLeaseAcquired() {
	if c == nil {
		return
	}
	c.inc(&c.leasesAcquired)
}

// IncLeaseLost records a lease lost to another replica mid-loop.
func (c *Collector) IncLeaseLost() {
	if c == nil {
		return
	}
	c.inc(&c.leasesLost)
}

// IncLeaseRenewed records a mid-loop lease renewal.
func (c *Collector) IncLeaseRenewed() {
	if c == nil {
		return
	}
	c.inc(&c.leasesRenewed)
}

// --- Control loop ---

// IncTurnStarted records the start of one control-loop turn.
func (c *Collector) IncTurnStarted() {
	if c == nil {
		return
	}
	c.inc(&c.turnsStarted)
}

// IncStepSucceeded records a sandbox step that completed successfully.
func (c *Collector) IncStepSucceeded() {
	if c == nil {
		return
	}
	c.inc(&c.stepsSucceeded)
}

// IncStepFailed records a sandbox step that failed.
func (c *Collector) IncStepFailed() {
	if c == nil {
		return
	}
	c.inc(&c.stepsFailed)
}

// IncParseError records a root-output parse error.
func (c *Collector) IncParseError() {
	if c == nil {
		return
	}
	c.inc(&c.parseErrors)
}

// --- Execution outcomes ---

// IncExecutionCompleted records an execution reaching Completed.
func (c *Collector) IncExecutionCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.executionsCompleted)
}

// IncExecutionFailed records an execution reaching Failed.
func (c *Collector) IncExecutionFailed() {
	if c == nil {
		return
	}
	c.inc(&c.executionsFailed)
}

// --- Caching ---

// IncLLMCacheHit records a sub-completion served from the cache.
func (c *Collector) IncLLMCacheHit() {
	if c == nil {
		return
	}
	c.inc(&c.llmCacheHits)
}

// IncLLMCacheMiss records a sub-completion cache miss.
func (c *Collector) IncLLMCacheMiss() {
	if c == nil {
		return
	}
	c.inc(&c.llmCacheMisses)
}

// IncSearchCacheHit records a search served from the cache.
func (c *Collector) IncSearchCacheHit() {
	if c == nil {
		return
	}
	c.inc(&c.searchCacheHits)
}

// IncSearchCacheMiss records a search cache miss.
func (c *Collector) IncSearchCacheMiss() {
	if c == nil {
		return
	}
	c.inc(&c.searchCacheMisses)
}

// --- Providers ---

// IncProviderRetry records one retried provider call.
func (c *Collector) IncProviderRetry() {
	if c == nil {
		return
	}
	c.inc(&c.providerRetries)
}

// IncProviderError records a provider call that exhausted its retries.
func (c *Collector) IncProviderError() {
	if c == nil {
		return
	}
	c.inc(&c.providerErrors)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		LeasesAcquired: c.leasesAcquired,
		LeasesLost:     c.leasesLost,
		LeasesRenewed:  c.leasesRenewed,

		TurnsStarted:   c.turnsStarted,
		StepsSucceeded: c.stepsSucceeded,
		StepsFailed:    c.stepsFailed,
		ParseErrors:    c.parseErrors,

		ExecutionsCompleted: c.executionsCompleted,
		ExecutionsFailed:    c.executionsFailed,

		LLMCacheHits:      c.llmCacheHits,
		LLMCacheMisses:    c.llmCacheMisses,
		SearchCacheHits:   c.searchCacheHits,
		SearchCacheMisses: c.searchCacheMisses,

		ProviderRetries: c.providerRetries,
		ProviderErrors:  c.providerErrors,

		Worker:         c.worker,
		Provider:       c.provider,
		StorageBackend: c.storageBackend,
	}
}
