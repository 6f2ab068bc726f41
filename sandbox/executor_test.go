package sandbox

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/types"
)

// newFixture builds an executor over an in-memory store holding one document
// per text, with a two-checkpoint offsets index each.
func newFixture(t *testing.T, texts ...string) (*StepExecutor, []types.DocumentRow) {
	t.Helper()
	ctx := context.Background()
	store := blob.NewMemoryStore()

	docs := make([]types.DocumentRow, len(texts))
	for i, text := range texts {
		docID := "d" + string(rune('1'+i))
		textKey := types.ParsedTextKey("t1", "s1", docID)
		offsetsKey := types.OffsetsKey("t1", "s1", docID)
		if err := store.Put(ctx, textKey, []byte(text)); err != nil {
			t.Fatal(err)
		}
		runes := []rune(text)
		idx := types.OffsetsIndex{
			Version:    1,
			DocID:      docID,
			CharLength: len(runes),
			ByteLength: len(text),
			Encoding:   "utf-8",
			Checkpoints: []types.Checkpoint{
				{Char: 0, Byte: 0},
				{Char: len(runes), Byte: len(text)},
			},
		}
		raw, _ := json.Marshal(idx)
		if err := store.Put(ctx, offsetsKey, raw); err != nil {
			t.Fatal(err)
		}
		docs[i] = types.DocumentRow{
			Tenant: "t1", Session: "s1", DocID: docID, DocIndex: i,
			TextKey: textKey, OffsetsKey: offsetsKey, CharLength: len(runes),
		}
	}
	return NewStepExecutor(store, nil, nil), docs
}

func runStep(t *testing.T, exec *StepExecutor, docs []types.DocumentRow, code string, state any, limits types.StepLimits) StepResult {
	t.Helper()
	return exec.Execute(context.Background(), StepEvent{
		Tenant: "t1", Session: "s1", Execution: "e1", TurnIndex: 0,
		Code: code, State: state, Documents: docs, Limits: limits,
	})
}

func TestExecute_SingleTurnFinal(t *testing.T) {
	exec, docs := newFixture(t, "Alpha beta gamma")

	res := runStep(t, exec, docs, `tool.final("ok")`, nil, types.DefaultStepLimits())
	if !res.Success {
		t.Fatalf("step failed: %+v", res.Err)
	}
	if res.Final == nil || !res.Final.IsFinal || res.Final.Answer != "ok" {
		t.Errorf("final = %+v, want is_final answer %q", res.Final, "ok")
	}
	if len(res.SpanLog) != 0 {
		t.Errorf("span log = %+v, want empty", res.SpanLog)
	}
}

func TestExecute_SliceThenFinal(t *testing.T) {
	exec, docs := newFixture(t, "Alpha beta gamma delta")

	code := `local d = context:doc(0)
local s = d:slice(0, 5)
tool.final(s)`
	res := runStep(t, exec, docs, code, nil, types.DefaultStepLimits())
	if !res.Success {
		t.Fatalf("step failed: %+v", res.Err)
	}
	if res.Final == nil || res.Final.Answer != "Alpha" {
		t.Errorf("final = %+v, want answer %q", res.Final, "Alpha")
	}
	want := []types.SpanLogEntry{{DocIndex: 0, StartChar: 0, EndChar: 5}}
	if !reflect.DeepEqual(res.SpanLog, want) {
		t.Errorf("span log = %+v, want %+v", res.SpanLog, want)
	}
}

func TestExecute_YieldWithQueuedLLM(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	code := `tool.queue_llm("k1", "summarize the doc", { max_tokens = 100 })
tool.yield("waiting for results")`
	res := runStep(t, exec, docs, code, nil, types.DefaultStepLimits())
	if !res.Success {
		t.Fatalf("step failed: %+v", res.Err)
	}
	if res.Final == nil || res.Final.IsFinal || res.Final.Answer != "waiting for results" {
		t.Errorf("final = %+v, want yield with reason", res.Final)
	}
	if len(res.ToolRequests.LLM) != 1 {
		t.Fatalf("llm requests = %+v, want 1", res.ToolRequests.LLM)
	}
	req := res.ToolRequests.LLM[0]
	if req.Key != "k1" || req.Prompt != "summarize the doc" || req.MaxTokens != 100 || req.ModelHint != "sub" {
		t.Errorf("request = %+v", req)
	}
}

func TestExecute_FindProducesOnlyScanSpans(t *testing.T) {
	exec, docs := newFixture(t, "Alpha beta gamma")

	code := `local d = context:doc(0)
d:find("beta")
tool.final("done")`
	res := runStep(t, exec, docs, code, nil, types.DefaultStepLimits())
	if !res.Success {
		t.Fatalf("step failed: %+v", res.Err)
	}
	if len(res.SpanLog) == 0 {
		t.Fatal("find should log a scan span")
	}
	for _, s := range res.SpanLog {
		if !s.IsScan() {
			t.Errorf("span %+v should carry a scan tag", s)
		}
	}
}

func TestExecute_FindReturnsHitPairs(t *testing.T) {
	exec, docs := newFixture(t, "Alpha beta gamma")

	code := `local hits = context:doc(0):find("beta")
tool.final(tostring(hits[1][1]) .. ":" .. tostring(hits[1][2]))`
	res := runStep(t, exec, docs, code, nil, types.DefaultStepLimits())
	if !res.Success {
		t.Fatalf("step failed: %+v", res.Err)
	}
	if res.Final.Answer != "6:10" {
		t.Errorf("answer = %q, want %q", res.Final.Answer, "6:10")
	}
}

func TestExecute_StateRoundTrip(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	prior := map[string]any{"count": float64(1), "tags": []any{"a"}}
	code := `state = { count = state.count + 1, tags = { "a", "b" } }
tool.yield()`
	res := runStep(t, exec, docs, code, prior, types.DefaultStepLimits())
	if !res.Success {
		t.Fatalf("step failed: %+v", res.Err)
	}
	want := map[string]any{"count": float64(2), "tags": []any{"a", "b"}}
	if !reflect.DeepEqual(res.State, want) {
		t.Errorf("state = %#v, want %#v", res.State, want)
	}
}

func TestExecute_StringAndNilState(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	res := runStep(t, exec, docs, `state = "note to self"
tool.yield()`, nil, types.DefaultStepLimits())
	if !res.Success || res.State != "note to self" {
		t.Errorf("state = %#v, err = %+v", res.State, res.Err)
	}

	res = runStep(t, exec, docs, `state = nil
tool.yield()`, "prior", types.DefaultStepLimits())
	if !res.Success || res.State != nil {
		t.Errorf("state = %#v, err = %+v", res.State, res.Err)
	}
}

func TestExecute_InvalidStateTypeRetainsPrior(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	prior := map[string]any{"keep": "me"}
	res := runStep(t, exec, docs, `state = 42
tool.yield()`, prior, types.DefaultStepLimits())
	if res.Success {
		t.Fatal("numeric top-level state should fail")
	}
	if res.Err.Kind != types.KindStateInvalidType {
		t.Errorf("kind = %s, want StateInvalidType", res.Err.Kind)
	}
	if !reflect.DeepEqual(res.State, prior) {
		t.Errorf("state = %#v, want prior retained", res.State)
	}
}

func TestExecute_StateTooLarge(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	limits := types.DefaultStepLimits()
	limits.MaxStateChars = 50
	res := runStep(t, exec, docs, `state = { blob = string.rep("x", 200) }
tool.yield()`, nil, limits)
	if res.Success {
		t.Fatal("oversized state should fail")
	}
	if res.Err.Kind != types.KindStateTooLarge {
		t.Errorf("kind = %s, want StateTooLarge", res.Err.Kind)
	}
}

func TestExecute_PolicyRejection(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	res := runStep(t, exec, docs, `os.exit(1)`, nil, types.DefaultStepLimits())
	if res.Success {
		t.Fatal("banned identifier should fail validation")
	}
	if res.Err.Kind != types.KindSandboxAstRejected {
		t.Errorf("kind = %s, want SandboxAstRejected", res.Err.Kind)
	}
	if res.Err.Details["violations"] == nil {
		t.Error("details should carry the violation list")
	}
}

func TestExecute_RuntimeErrorIsInternal(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	res := runStep(t, exec, docs, `local x = nil
tool.final(x.field)`, nil, types.DefaultStepLimits())
	if res.Success {
		t.Fatal("nil index should fail")
	}
	if res.Err.Kind != types.KindInternalError {
		t.Errorf("kind = %s, want InternalError", res.Err.Kind)
	}
}

func TestExecute_Timeout(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	limits := types.DefaultStepLimits()
	limits.MaxStepSeconds = 0.05
	res := runStep(t, exec, docs, `local i = 0
while true do i = i + 1 end`, nil, limits)
	if res.Success {
		t.Fatal("infinite loop should time out")
	}
	if res.Err.Kind != types.KindStepTimeout {
		t.Errorf("kind = %s, want StepTimeout", res.Err.Kind)
	}
}

func TestExecute_ToolCapacityZero(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	limits := types.DefaultStepLimits()
	limits.MaxToolRequestsPerStep = 0
	res := runStep(t, exec, docs, `tool.queue_search("s", "anything")
tool.yield()`, nil, limits)
	if res.Success {
		t.Fatal("queueing at zero capacity should fail")
	}
	if res.Err.Kind != types.KindBudgetExceeded {
		t.Errorf("kind = %s, want BudgetExceeded", res.Err.Kind)
	}
}

func TestExecute_MaxTokensAliasValidation(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	tests := []struct {
		name string
		opts string
	}{
		{"none", `{}`},
		{"two", `{ max_tokens = 10, max_output_tokens = 10 }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := `tool.queue_llm("k", "p", ` + tt.opts + `)
tool.yield()`
			res := runStep(t, exec, docs, code, nil, types.DefaultStepLimits())
			if res.Success {
				t.Fatal("alias misuse should fail")
			}
			if res.Err.Kind != types.KindValidationError {
				t.Errorf("kind = %s, want ValidationError", res.Err.Kind)
			}
		})
	}

	// Each alias alone is accepted.
	for _, alias := range []string{"max_tokens", "max_output_tokens", "max_output_chars"} {
		code := `tool.queue_llm("k", "p", { ` + alias + ` = 64 })
tool.yield()`
		res := runStep(t, exec, docs, code, nil, types.DefaultStepLimits())
		if !res.Success {
			t.Errorf("alias %s rejected: %+v", alias, res.Err)
		}
	}
}

func TestExecute_RequiresLLMKeysPrecondition(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	code := `tool.queue_llm("synth", "combine", {
  max_tokens = 64,
  metadata = { requires_llm_keys = { "part1", "part2" } },
})
tool.yield()`

	// Missing results: fails with the missing keys listed.
	res := runStep(t, exec, docs, code, nil, types.DefaultStepLimits())
	if res.Success {
		t.Fatal("missing prerequisites should fail")
	}
	if res.Err.Kind != types.KindValidationError {
		t.Errorf("kind = %s, want ValidationError", res.Err.Kind)
	}
	missing, _ := res.Err.Details["missing"].([]string)
	if len(missing) != 2 {
		t.Errorf("missing = %v, want both keys", res.Err.Details["missing"])
	}

	// Present results: queue succeeds.
	state := map[string]any{
		types.KeyToolResults: map[string]any{
			"llm": map[string]any{
				"part1": map[string]any{"text": "a"},
				"part2": map[string]any{"text": "b"},
			},
		},
	}
	res = runStep(t, exec, docs, code, state, types.DefaultStepLimits())
	if !res.Success {
		t.Fatalf("satisfied prerequisites should pass: %+v", res.Err)
	}
	if len(res.ToolRequests.LLM) != 1 {
		t.Errorf("llm requests = %+v, want 1", res.ToolRequests.LLM)
	}
}

func TestExecute_SliceOutOfRange(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	res := runStep(t, exec, docs, `context:doc(0):slice(0, 99)
tool.yield()`, nil, types.DefaultStepLimits())
	if res.Success {
		t.Fatal("out-of-range slice should fail")
	}
	if res.Err.Kind != types.KindValidationError {
		t.Errorf("kind = %s, want ValidationError", res.Err.Kind)
	}
}

func TestExecute_PartialStepReportsRequestsAndSpans(t *testing.T) {
	exec, docs := newFixture(t, "Alpha beta gamma")

	// Slice and queue succeed, then the program crashes. The error result
	// must still carry the span log and the queued request.
	code := `context:doc(0):slice(0, 5)
tool.queue_search("s", "beta")
local x = nil
print(x.boom)`
	res := runStep(t, exec, docs, code, nil, types.DefaultStepLimits())
	if res.Success {
		t.Fatal("expected failure")
	}
	if len(res.SpanLog) != 1 {
		t.Errorf("span log = %+v, want the pre-crash span", res.SpanLog)
	}
	if len(res.ToolRequests.Search) != 1 {
		t.Errorf("search requests = %+v, want the pre-crash request", res.ToolRequests.Search)
	}
}

func TestExecute_PrintCapture(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	code := `print("hello", 42)
print("second line")
tool.yield()`
	res := runStep(t, exec, docs, code, nil, types.DefaultStepLimits())
	if !res.Success {
		t.Fatalf("step failed: %+v", res.Err)
	}
	want := "hello\t42\nsecond line\n"
	if res.Stdout != want {
		t.Errorf("stdout = %q, want %q", res.Stdout, want)
	}
}

func TestExecute_StdoutTruncated(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	limits := types.DefaultStepLimits()
	limits.MaxStdoutChars = 10
	res := runStep(t, exec, docs, `print(string.rep("z", 100))
tool.yield()`, nil, limits)
	if !res.Success {
		t.Fatalf("step failed: %+v", res.Err)
	}
	if len(res.Stdout) != 10 {
		t.Errorf("stdout length = %d, want 10", len(res.Stdout))
	}
}

func TestExecute_RunOffEndBehavesLikeYield(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	res := runStep(t, exec, docs, `state = { progressed = true }`, nil, types.DefaultStepLimits())
	if !res.Success {
		t.Fatalf("step failed: %+v", res.Err)
	}
	if res.Final != nil {
		t.Errorf("final = %+v, want nil for a program with no termination call", res.Final)
	}
	if !reflect.DeepEqual(res.State, map[string]any{"progressed": true}) {
		t.Errorf("state = %#v", res.State)
	}
}

func TestExecute_Deterministic(t *testing.T) {
	exec, docs := newFixture(t, "Alpha beta gamma delta")

	code := `local d = context:doc(0)
local s = d:slice(6, 10)
print(s)
tool.queue_search("k", s)
tool.yield("again")`
	r1 := runStep(t, exec, docs, code, map[string]any{"n": float64(1)}, types.DefaultStepLimits())
	r2 := runStep(t, exec, docs, code, map[string]any{"n": float64(1)}, types.DefaultStepLimits())
	if !r1.Success || !r2.Success {
		t.Fatalf("steps failed: %+v / %+v", r1.Err, r2.Err)
	}
	if r1.Stdout != r2.Stdout || !reflect.DeepEqual(r1.SpanLog, r2.SpanLog) ||
		!reflect.DeepEqual(r1.ToolRequests, r2.ToolRequests) ||
		!reflect.DeepEqual(r1.Final, r2.Final) {
		t.Error("identical inputs must produce identical results")
	}
}

func TestExecute_MathRandomUnavailable(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	res := runStep(t, exec, docs, `tool.final(tostring(math.random()))`, nil, types.DefaultStepLimits())
	if res.Success {
		t.Fatal("math.random must not be callable")
	}
}

func TestStateConversion_RejectsInvalidTrees(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	tests := []struct {
		name string
		code string
	}{
		{"function_value", `state = { f = function() end }
tool.yield()`},
		{"mixed_keys", `state = { list = { 1, 2, named = "x" } }
tool.yield()`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runStep(t, exec, docs, tt.code, nil, types.DefaultStepLimits())
			if res.Success {
				t.Fatal("invalid state tree should fail")
			}
			if res.Err.Kind != types.KindStateInvalidType {
				t.Errorf("kind = %s, want StateInvalidType", res.Err.Kind)
			}
		})
	}
}

func TestExecute_MultiDocument(t *testing.T) {
	exec, docs := newFixture(t, "first doc", "second doc text")

	code := `local parts = {}
for i = 0, context.doc_count - 1 do
  local d = context:doc(i)
  parts[i + 1] = tostring(d:len())
end
tool.final(table.concat(parts, ","))`
	res := runStep(t, exec, docs, code, nil, types.DefaultStepLimits())
	if !res.Success {
		t.Fatalf("step failed: %+v", res.Err)
	}
	if res.Final.Answer != "9,15" {
		t.Errorf("answer = %q, want %q", res.Final.Answer, "9,15")
	}
}

func TestExecute_StdoutOnlyOnFailureStillReported(t *testing.T) {
	exec, docs := newFixture(t, "Alpha")

	res := runStep(t, exec, docs, `print("before crash")
error("boom")`, nil, types.DefaultStepLimits())
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Stdout, "before crash") {
		t.Errorf("stdout = %q, want the pre-crash output", res.Stdout)
	}
}
