package sandbox

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/docview"
	"github.com/pithecene-io/delve/log"
	"github.com/pithecene-io/delve/metrics"
	"github.com/pithecene-io/delve/statecodec"
	"github.com/pithecene-io/delve/types"
)

// StepEvent is one program execution request.
type StepEvent struct {
	Tenant    string
	Session   string
	Execution string
	TurnIndex int
	// Code is the program source.
	Code string
	// State is the decoded state going into the step (object, string, or nil).
	State any
	// Documents is the session's document manifest.
	Documents []types.DocumentRow
	// Limits is the per-step limits snapshot. Callers set every field;
	// a zero field means a zero limit, not a default.
	Limits types.StepLimits
}

// StepResult is the outcome of one program execution. On failure State
// retains the pre-step value, but SpanLog and ToolRequests observed before
// the failure are still reported.
type StepResult struct {
	Success      bool
	Stdout       string
	State        any
	SpanLog      []types.SpanLogEntry
	ToolRequests types.ToolRequestsEnvelope
	Final        *types.FinalMarker
	Err          *types.Error
}

// StepExecutor validates and runs step programs. Stateless and safe for
// concurrent use; every step gets a fresh interpreter.
type StepExecutor struct {
	store   blob.Store
	logger  *log.Logger
	metrics *metrics.Collector
}

// NewStepExecutor creates an executor reading documents from store.
func NewStepExecutor(store blob.Store, logger *log.Logger, collector *metrics.Collector) *StepExecutor {
	if logger == nil {
		logger = log.Nop()
	}
	return &StepExecutor{store: store, logger: logger, metrics: collector}
}

// stepEnv is the per-step mutable environment shared by the injected
// bindings. Single-threaded within a step.
type stepEnv struct {
	ctx      context.Context
	view     *docview.ContextView
	limits   types.StepLimits
	priorLLM map[string]string

	requests types.ToolRequestsEnvelope
	marker   *types.FinalMarker
	failure  error

	stdout          strings.Builder
	stdoutTruncated bool
}

// fail records the first hard failure and unwinds the program.
func (env *stepEnv) fail(L *lua.LState, err error) {
	if env.failure == nil {
		env.failure = err
	}
	L.RaiseError("%v", err)
}

// terminate records the yield/final marker and unwinds the program.
func (env *stepEnv) terminate(L *lua.LState, marker *types.FinalMarker) {
	env.marker = marker
	L.RaiseError("step terminated")
}

// Execute runs one step to completion and classifies the outcome.
func (e *StepExecutor) Execute(ctx context.Context, ev StepEvent) StepResult {
	logger := e.logger.WithExecution(ev.Tenant, ev.Session, ev.Execution)

	if violations := Validate(ev.Code); len(violations) > 0 {
		e.metrics.IncStepFailed()
		logger.Warn("step rejected by policy", map[string]any{
			"turn": ev.TurnIndex, "violations": len(violations),
		})
		return StepResult{
			State: ev.State,
			Err: types.EDetails(types.KindSandboxAstRejected,
				map[string]any{"violations": violations},
				"program rejected by policy (%d violations)", len(violations)),
		}
	}

	env := &stepEnv{
		view:     docview.NewContextView(e.store, ev.Documents),
		limits:   ev.Limits,
		priorLLM: priorLLMResults(ev.State),
	}

	stepCtx := ctx
	var cancel context.CancelFunc
	if ev.Limits.MaxStepSeconds > 0 {
		timeout := time.Duration(ev.Limits.MaxStepSeconds * float64(time.Second))
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	env.ctx = stepCtx

	L := newSandboxState()
	defer L.Close()
	L.SetContext(stepCtx)

	env.registerContext(L)
	env.registerTool(L)
	env.registerPrint(L, ev.Limits.MaxStdoutChars)
	L.SetGlobal("state", toLua(L, ev.State))

	runErr := L.DoString(ev.Code)

	result := StepResult{
		Stdout:       truncate(env.stdout.String(), ev.Limits.MaxStdoutChars),
		SpanLog:      env.view.SpanLog(),
		ToolRequests: env.requests,
	}

	if failed := e.classify(env, stepCtx, runErr); failed != nil {
		e.metrics.IncStepFailed()
		logger.Warn("step failed", map[string]any{
			"turn": ev.TurnIndex, "kind": string(failed.Kind), "error": failed.Message,
		})
		result.State = ev.State
		result.Err = failed
		return result
	}

	// The program either terminated through tool.yield/tool.final or ran off
	// the end; the latter behaves like an unannotated yield.
	nextState, err := stateFromLua(L.GetGlobal("state"))
	if err == nil {
		err = e.postChecks(nextState, env, ev.Limits)
	}
	if err != nil {
		e.metrics.IncStepFailed()
		logger.Warn("step post-check failed", map[string]any{
			"turn": ev.TurnIndex, "kind": string(types.KindOf(err)),
		})
		result.State = ev.State
		result.Err = types.AsError(err)
		return result
	}

	e.metrics.IncStepSucceeded()
	result.Success = true
	result.State = nextState
	result.Final = env.marker
	return result
}

// classify maps an interpreter error to a step failure, or nil when the step
// counts as a successful termination.
func (e *StepExecutor) classify(env *stepEnv, stepCtx context.Context, runErr error) *types.Error {
	if runErr == nil || env.marker != nil {
		return nil
	}
	if env.failure != nil {
		return types.AsError(env.failure)
	}
	if stepCtx.Err() == context.DeadlineExceeded {
		return types.E(types.KindStepTimeout, "step exceeded its deadline")
	}
	return types.EDetails(types.KindInternalError,
		map[string]any{"error_type": "lua"},
		"program error: %v", runErr)
}

// postChecks applies the ordered success conditions: state shape and size,
// tool-request count, span count.
func (e *StepExecutor) postChecks(nextState any, env *stepEnv, limits types.StepLimits) error {
	enc, err := statecodec.Encode(nextState)
	if err != nil {
		return err
	}
	if enc.Chars > limits.MaxStateChars {
		return types.EDetails(types.KindStateTooLarge,
			map[string]any{"chars": enc.Chars, "limit": limits.MaxStateChars},
			"state size %d chars exceeds limit %d", enc.Chars, limits.MaxStateChars)
	}
	if env.requests.Count() > limits.MaxToolRequestsPerStep {
		return types.EDetails(types.KindBudgetExceeded,
			map[string]any{"count": env.requests.Count(), "limit": limits.MaxToolRequestsPerStep},
			"tool request count %d exceeds limit %d", env.requests.Count(), limits.MaxToolRequestsPerStep)
	}
	if len(env.view.SpanLog()) > limits.MaxSpansPerStep {
		return types.EDetails(types.KindBudgetExceeded,
			map[string]any{"count": len(env.view.SpanLog()), "limit": limits.MaxSpansPerStep},
			"span count %d exceeds limit %d", len(env.view.SpanLog()), limits.MaxSpansPerStep)
	}
	return nil
}

// registerPrint replaces print with a capturing variant. Arguments are
// joined by tabs, lines by newlines, matching the stock print.
func (env *stepEnv) registerPrint(L *lua.LState, maxChars int) {
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		if env.stdoutTruncated {
			return 0
		}
		top := L.GetTop()
		for i := 1; i <= top; i++ {
			if i > 1 {
				env.stdout.WriteByte('\t')
			}
			env.stdout.WriteString(L.ToStringMeta(L.Get(i)).String())
		}
		env.stdout.WriteByte('\n')
		if maxChars > 0 && env.stdout.Len() > maxChars*4 {
			env.stdoutTruncated = true
		}
		return 0
	}))
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

// priorLLMResults extracts _tool_results.llm key→text from the incoming
// state for queue_llm precondition checks.
func priorLLMResults(state any) map[string]string {
	results := map[string]string{}
	obj, ok := state.(map[string]any)
	if !ok {
		return results
	}
	tr, ok := obj[types.KeyToolResults].(map[string]any)
	if !ok {
		return results
	}
	llm, ok := tr["llm"].(map[string]any)
	if !ok {
		return results
	}
	for key, raw := range llm {
		if rec, ok := raw.(map[string]any); ok {
			if text, ok := rec["text"].(string); ok {
				results[key] = text
			}
		}
	}
	return results
}

// strippedGlobals are removed from the environment after the base libraries
// load. The policy validator rejects references to them up front; stripping
// closes the gap for dynamically computed access.
var strippedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"collectgarbage", "getmetatable", "setmetatable", "rawget", "rawset",
	"rawequal", "getfenv", "setfenv", "newproxy", "pcall", "xpcall", "_G",
	"package", "_printregs",
}

// newSandboxState builds a Lua state with only the pure standard libraries
// loaded, then strips every escape hatch from the globals.
func newSandboxState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range strippedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	// Determinism: no randomness inside a step.
	if mathTbl, ok := L.GetGlobal(lua.MathLibName).(*lua.LTable); ok {
		mathTbl.RawSetString("random", lua.LNil)
		mathTbl.RawSetString("randomseed", lua.LNil)
	}
	return L
}
