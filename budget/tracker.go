// Package budget tracks whole-execution budget consumption: turns, elapsed
// wall-clock seconds, cumulative prompt characters, and sub-LLM calls.
//
// The tracker is reconstructed from the persisted state._budgets snapshot on
// worker restart, so consumed budgets survive failover: the start time is
// shifted so elapsed seconds continue from the previously consumed total.
package budget

import (
	"sync"
	"time"

	"github.com/pithecene-io/delve/types"
)

// Tracker accumulates budget consumption for one execution.
// Safe for concurrent use: tool resolution records prompt lengths and
// subcall counts before parallel dispatch.
type Tracker struct {
	mu sync.Mutex

	limits      types.BudgetLimits
	turns       int
	promptChars int
	subcalls    int

	// start is shifted on resume so that elapsed() includes the seconds
	// consumed before this process took over.
	start time.Time
	now   func() time.Time
}

// NewTracker creates a tracker with zero consumption.
func NewTracker(limits types.BudgetLimits) *Tracker {
	t := &Tracker{limits: limits, now: time.Now}
	t.start = t.now()
	return t
}

// Resume creates a tracker whose consumption continues from a persisted
// snapshot. The start time is shifted so ElapsedSeconds picks up where the
// previous owner left off.
func Resume(limits types.BudgetLimits, consumed types.BudgetConsumed) *Tracker {
	t := &Tracker{
		limits:      limits,
		turns:       consumed.Turns,
		promptChars: consumed.PromptChars,
		subcalls:    consumed.LLMSubcalls,
		now:         time.Now,
	}
	t.start = t.now().Add(-time.Duration(consumed.ElapsedSeconds * float64(time.Second)))
	return t
}

// elapsed returns total consumed wall-clock seconds. Caller holds mu.
func (t *Tracker) elapsed() float64 {
	return t.now().Sub(t.start).Seconds()
}

// OverMaxTurns reports whether the next turn would exceed max_turns.
func (t *Tracker) OverMaxTurns() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits.MaxTurns > 0 && t.turns >= t.limits.MaxTurns
}

// OverTotalSeconds reports whether the wall-clock budget is exhausted.
func (t *Tracker) OverTotalSeconds() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits.MaxTotalSeconds > 0 && t.elapsed() >= t.limits.MaxTotalSeconds
}

// CanAcceptPrompt reports whether a prompt of n characters fits the
// remaining prompt budget.
func (t *Tracker) CanAcceptPrompt(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits.MaxPromptChars <= 0 || t.promptChars+n <= t.limits.MaxPromptChars
}

// CanAcceptSubcalls reports whether n more sub-LLM calls fit the budget.
func (t *Tracker) CanAcceptSubcalls(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits.MaxLLMSubcalls <= 0 || t.subcalls+n <= t.limits.MaxLLMSubcalls
}

// RecordPrompt adds n characters to the consumed prompt budget.
func (t *Tracker) RecordPrompt(n int) {
	t.mu.Lock()
	t.promptChars += n
	t.mu.Unlock()
}

// RecordSubcalls adds n to the consumed subcall budget.
func (t *Tracker) RecordSubcalls(n int) {
	t.mu.Lock()
	t.subcalls += n
	t.mu.Unlock()
}

// RecordTurn marks one turn as consumed.
func (t *Tracker) RecordTurn() {
	t.mu.Lock()
	t.turns++
	t.mu.Unlock()
}

// Turns returns the number of consumed turns.
func (t *Tracker) Turns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turns
}

// Snapshot returns the {limits, consumed, remaining} view persisted into
// state._budgets at each turn boundary.
func (t *Tracker) Snapshot() types.BudgetSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	consumed := types.BudgetConsumed{
		Turns:          t.turns,
		ElapsedSeconds: t.elapsed(),
		PromptChars:    t.promptChars,
		LLMSubcalls:    t.subcalls,
	}
	return types.BudgetSnapshot{
		Limits:   t.limits,
		Consumed: consumed,
		Remaining: types.BudgetConsumed{
			Turns:          clampInt(t.limits.MaxTurns - consumed.Turns),
			ElapsedSeconds: clampFloat(t.limits.MaxTotalSeconds - consumed.ElapsedSeconds),
			PromptChars:    clampInt(t.limits.MaxPromptChars - consumed.PromptChars),
			LLMSubcalls:    clampInt(t.limits.MaxLLMSubcalls - consumed.LLMSubcalls),
		},
	}
}

func clampInt(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func clampFloat(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
