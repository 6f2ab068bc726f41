// Package runtime drives executions to a terminal status: the Answerer
// orchestrator (tick scan, lease acquisition, root-model loop, tool fan-out)
// and the caller-driven single-step API share the same step and persistence
// machinery.
package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/citation"
	"github.com/pithecene-io/delve/log"
	"github.com/pithecene-io/delve/metrics"
	"github.com/pithecene-io/delve/provider"
	"github.com/pithecene-io/delve/record"
	"github.com/pithecene-io/delve/sandbox"
	"github.com/pithecene-io/delve/search"
	"github.com/pithecene-io/delve/statecodec"
	"github.com/pithecene-io/delve/types"
)

// DefaultLeaseDuration is the execution lease lifetime.
const DefaultLeaseDuration = 30 * time.Second

// DefaultWorkerCapacity bounds concurrent executions per replica.
const DefaultWorkerCapacity = 4

// Config tunes one orchestrator replica.
type Config struct {
	// Worker is the replica identity used as lease owner; defaults to a
	// fresh UUID.
	Worker string
	// LeaseDuration is the execution lease lifetime.
	LeaseDuration time.Duration
	// Capacity bounds concurrent executions handled per tick.
	Capacity int
	// ToolConcurrency bounds the tool-resolution fan-out.
	ToolConcurrency int
	// MergeGapChars is the citation merge tolerance.
	MergeGapChars int
	// InlineMaxBytes is the state inline-vs-offload threshold; 0 selects
	// the default.
	InlineMaxBytes int
}

// Deps are the collaborators an orchestrator operates against.
type Deps struct {
	Records record.Store
	Blobs   blob.Store
	// Root issues root completions.
	Root *provider.Provider
	// Sub issues sub completions; nil disables queue_llm resolution and
	// selects the base prompt template.
	Sub *provider.Provider
	// Search resolves queued searches; consulted only when the execution
	// has search enabled.
	Search  search.Backend
	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Orchestrator runs the Answerer control loop for one worker replica.
type Orchestrator struct {
	cfg  Config
	deps Deps

	executor  *sandbox.StepExecutor
	persister *statecodec.Persister
	citations *citation.Resolver
	tools     *toolResolver

	now func() time.Time
}

// NewOrchestrator wires an orchestrator from its dependencies.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.Worker == "" {
		cfg.Worker = uuid.NewString()
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultWorkerCapacity
	}
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}

	resolver := citation.NewResolver(deps.Blobs)
	resolver.MergeGap = cfg.MergeGapChars

	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		executor:  sandbox.NewStepExecutor(deps.Blobs, deps.Logger, deps.Metrics),
		persister: statecodec.NewPersister(deps.Blobs, cfg.InlineMaxBytes),
		citations: resolver,
		tools: &toolResolver{
			sub:         deps.Sub,
			search:      deps.Search,
			concurrency: cfg.ToolConcurrency,
		},
		now: time.Now,
	}
}

// Worker returns the replica identity (the lease owner string).
func (o *Orchestrator) Worker() string { return o.cfg.Worker }

// Tick scans for runnable executions, takes leases, and drives each leased
// execution until it yields a terminal status or the context ends. Losing a
// lease race is not an error; the execution belongs to another replica.
func (o *Orchestrator) Tick(ctx context.Context) error {
	candidates, err := o.deps.Records.ScanRunnable(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Capacity)

	for _, row := range candidates {
		g.Go(func() error {
			acquired, err := o.deps.Records.AcquireLease(gctx,
				row.Tenant, row.Execution, o.cfg.Worker, o.now(), o.cfg.LeaseDuration)
			if err != nil {
				if record.IsNotFound(err) {
					return nil
				}
				return err
			}
			if !acquired {
				o.deps.Metrics.IncLeaseLost()
				return nil
			}
			o.deps.Metrics.IncLeaseAcquired()
			defer func() {
				_ = o.deps.Records.ReleaseLease(context.WithoutCancel(gctx),
					row.Tenant, row.Execution, o.cfg.Worker)
			}()

			o.runExecution(gctx, &row)
			return nil
		})
	}
	return g.Wait()
}

// Serve ticks in a loop until the context is cancelled.
func (o *Orchestrator) Serve(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
			o.deps.Logger.Error("tick failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// terminalStatusFor maps a step or resolution error kind onto the terminal
// execution status it escalates to; ok is false for locally recoverable
// errors that feed back into the next root prompt instead.
func terminalStatusFor(kind types.ErrorKind) (types.ExecutionStatus, bool) {
	switch kind {
	case types.KindStepTimeout:
		return types.ExecTimeout, true
	case types.KindBudgetExceeded, types.KindStateTooLarge:
		return types.ExecBudgetExceeded, true
	case types.KindMaxTurnsExceeded:
		return types.ExecMaxTurnsExceeded, true
	case types.KindStateInvalidType, types.KindSessionNotReady, types.KindChecksumMismatch:
		return types.ExecFailed, true
	default:
		return "", false
	}
}
