package budget

import (
	"testing"
	"time"

	"github.com/pithecene-io/delve/types"
)

func limits() types.BudgetLimits {
	return types.BudgetLimits{
		MaxTurns:        3,
		MaxTotalSeconds: 60,
		MaxPromptChars:  100,
		MaxLLMSubcalls:  2,
	}
}

func TestTracker_Turns(t *testing.T) {
	tr := NewTracker(limits())

	for i := 0; i < 3; i++ {
		if tr.OverMaxTurns() {
			t.Fatalf("over max turns after %d turns", i)
		}
		tr.RecordTurn()
	}
	if !tr.OverMaxTurns() {
		t.Error("should be over max turns after 3 turns")
	}
	if tr.Turns() != 3 {
		t.Errorf("Turns = %d, want 3", tr.Turns())
	}
}

func TestTracker_PromptBudget(t *testing.T) {
	tr := NewTracker(limits())

	if !tr.CanAcceptPrompt(100) {
		t.Error("prompt of exactly the limit should fit")
	}
	tr.RecordPrompt(60)
	if tr.CanAcceptPrompt(41) {
		t.Error("prompt pushing past the limit should not fit")
	}
	if !tr.CanAcceptPrompt(40) {
		t.Error("prompt reaching exactly the limit should fit")
	}
}

func TestTracker_Subcalls(t *testing.T) {
	tr := NewTracker(limits())

	if !tr.CanAcceptSubcalls(2) {
		t.Error("2 subcalls should fit a budget of 2")
	}
	tr.RecordSubcalls(2)
	if tr.CanAcceptSubcalls(1) {
		t.Error("3rd subcall should not fit")
	}
}

func TestTracker_ZeroLimitsUnbounded(t *testing.T) {
	tr := NewTracker(types.BudgetLimits{})
	tr.RecordTurn()
	tr.RecordPrompt(1 << 20)
	tr.RecordSubcalls(100)

	if tr.OverMaxTurns() || tr.OverTotalSeconds() {
		t.Error("zero limits should never trip")
	}
	if !tr.CanAcceptPrompt(1<<30) || !tr.CanAcceptSubcalls(1000) {
		t.Error("zero limits should accept anything")
	}
}

func TestTracker_ElapsedSeconds(t *testing.T) {
	tr := NewTracker(limits())
	base := time.Now()
	tr.now = func() time.Time { return base.Add(90 * time.Second) }
	tr.start = base

	if !tr.OverTotalSeconds() {
		t.Error("90s elapsed should exceed a 60s budget")
	}
	snap := tr.Snapshot()
	if snap.Consumed.ElapsedSeconds < 89 || snap.Consumed.ElapsedSeconds > 91 {
		t.Errorf("consumed seconds = %f, want ~90", snap.Consumed.ElapsedSeconds)
	}
	if snap.Remaining.ElapsedSeconds != 0 {
		t.Errorf("remaining seconds = %f, want 0 (clamped)", snap.Remaining.ElapsedSeconds)
	}
}

func TestResume_ContinuesConsumption(t *testing.T) {
	tr := Resume(limits(), types.BudgetConsumed{
		Turns:          2,
		ElapsedSeconds: 45,
		PromptChars:    80,
		LLMSubcalls:    1,
	})

	snap := tr.Snapshot()
	if snap.Consumed.Turns != 2 {
		t.Errorf("resumed turns = %d, want 2", snap.Consumed.Turns)
	}
	if snap.Consumed.ElapsedSeconds < 45 {
		t.Errorf("resumed elapsed = %f, want >= 45", snap.Consumed.ElapsedSeconds)
	}
	if snap.Consumed.PromptChars != 80 || snap.Consumed.LLMSubcalls != 1 {
		t.Errorf("resumed consumption = %+v", snap.Consumed)
	}
	if tr.CanAcceptPrompt(30) {
		t.Error("resumed prompt budget should reject 30 more chars past 80/100")
	}

	if tr.OverMaxTurns() {
		t.Error("2 of 3 turns consumed, should not be over")
	}
	tr.RecordTurn()
	if !tr.OverMaxTurns() {
		t.Error("3 of 3 turns consumed, should be over")
	}
}

func TestSnapshot_Remaining(t *testing.T) {
	tr := NewTracker(limits())
	tr.RecordTurn()
	tr.RecordPrompt(30)
	tr.RecordSubcalls(1)

	snap := tr.Snapshot()
	if snap.Remaining.Turns != 2 {
		t.Errorf("remaining turns = %d, want 2", snap.Remaining.Turns)
	}
	if snap.Remaining.PromptChars != 70 {
		t.Errorf("remaining prompt chars = %d, want 70", snap.Remaining.PromptChars)
	}
	if snap.Remaining.LLMSubcalls != 1 {
		t.Errorf("remaining subcalls = %d, want 1", snap.Remaining.LLMSubcalls)
	}
	if snap.Limits != limits() {
		t.Errorf("limits = %+v", snap.Limits)
	}
}
