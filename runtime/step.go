package runtime

import (
	"context"

	"github.com/pithecene-io/delve/budget"
	"github.com/pithecene-io/delve/record"
	"github.com/pithecene-io/delve/sandbox"
	"github.com/pithecene-io/delve/trace"
	"github.com/pithecene-io/delve/types"
)

// Runtime is the caller-driven single-step facade: the caller supplies each
// program and drives tool resolution explicitly, instead of the orchestrator
// looping against a root model.
type Runtime struct {
	o *Orchestrator
}

// NewRuntime wires a caller-driven runtime. Root completions are never
// issued; Deps.Root may be nil.
func NewRuntime(cfg Config, deps Deps) *Runtime {
	return &Runtime{o: NewOrchestrator(cfg, deps)}
}

// StepOutcome is the result of one caller-driven step.
type StepOutcome struct {
	TurnIndex int
	Result    sandbox.StepResult
	// Status is the execution status after the step; Completed when the
	// program called tool.final.
	Status types.ExecutionStatus
	// Citations are resolved on completion.
	Citations []types.SpanRef
}

// Step executes one program against the stored state. stateOverride, when
// non-nil, replaces the stored state for this step with the reserved keys
// merged back on. The turn index is bumped and persisted before execution so
// an interrupted step is re-run rather than skipped.
func (r *Runtime) Step(ctx context.Context, tenant, execution, code string, stateOverride any) (*StepOutcome, error) {
	o := r.o

	row, err := o.deps.Records.GetExecution(ctx, tenant, execution)
	if err != nil {
		if record.IsNotFound(err) {
			return nil, types.E(types.KindExecutionNotFound, "execution %s not found", execution)
		}
		return nil, err
	}
	if row.Status != types.ExecRunning {
		return nil, types.E(types.KindValidationError,
			"execution %s is %s, not Running", execution, row.Status)
	}

	docs, err := o.deps.Records.ListDocuments(ctx, tenant, row.Session)
	if err != nil {
		return nil, err
	}

	stateRow, err := o.deps.Records.GetExecutionState(ctx, tenant, execution)
	if record.IsNotFound(err) {
		stateRow = &types.ExecutionStateRow{
			Tenant:    tenant,
			Session:   row.Session,
			Execution: execution,
			TurnIndex: -1,
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}

	state, err := o.persister.Load(ctx, stateRow)
	if err != nil {
		return nil, err
	}
	res := reservedOf(state)
	if stateOverride != nil {
		state = res.mergeState(stateOverride)
	}
	spans := res.spanLogEntries()

	tracker := budget.NewTracker(row.Budgets)
	if consumed, ok := consumedFromState(state); ok {
		tracker = budget.Resume(row.Budgets, consumed)
	}
	if tracker.OverMaxTurns() {
		failure := types.E(types.KindMaxTurnsExceeded, "max_turns %d exhausted", row.Budgets.MaxTurns)
		o.finalize(ctx, row, nil, types.ExecMaxTurnsExceeded, "", nil, failure)
		return nil, failure
	}

	// Pre-increment and persist with an unobserved snapshot: a crash between
	// here and the post-step write re-runs this turn instead of skipping it.
	turn := stateRow.TurnIndex + 1
	if err := o.persistTurn(ctx, stateRow, turn, state, types.StepSnapshot{}); err != nil {
		return nil, err
	}

	result := o.executor.Execute(ctx, sandbox.StepEvent{
		Tenant:    tenant,
		Session:   row.Session,
		Execution: execution,
		TurnIndex: turn,
		Code:      code,
		State:     state,
		Documents: docs,
		Limits:    row.Limits,
	})
	tracker.RecordTurn()
	spans = append(spans, result.SpanLog...)

	if result.Success {
		state = res.mergeState(result.State)
	}
	if err := res.setSpanLog(spans); err != nil {
		return nil, err
	}
	if budTree, terr := toTree(tracker.Snapshot()); terr == nil {
		res.budgets = budTree
	}
	state = res.mergeState(state)

	step := types.StepSnapshot{
		Observed: true,
		Success:  result.Success,
		Stdout:   result.Stdout,
		SpanLog:  result.SpanLog,
		Final:    result.Final,
		Error:    result.Err,
	}
	if !result.ToolRequests.Empty() {
		envelope := result.ToolRequests
		step.ToolRequests = &envelope
		for _, req := range result.ToolRequests.LLM {
			res.toolStatus[req.Key] = string(types.ToolPending)
		}
		for _, req := range result.ToolRequests.Search {
			res.toolStatus[req.Key] = string(types.ToolPending)
		}
	}
	if err := o.persistTurn(ctx, stateRow, turn, state, step); err != nil {
		return nil, err
	}
	o.appendCodeLog(ctx, row, turn, code, result.Success, result.Stdout)

	outcome := &StepOutcome{TurnIndex: turn, Result: result, Status: types.ExecRunning}

	if result.Err != nil {
		if status, terminal := terminalStatusFor(result.Err.Kind); terminal {
			o.finalize(ctx, row, nil, status, "", nil, result.Err)
			outcome.Status = status
		}
		return outcome, nil
	}

	if result.Final != nil && result.Final.IsFinal {
		traceC := trace.NewCollector(tenant, row.Session, execution, docs)
		traceC.RecordTurn(trace.TurnTrace{
			TurnIndex: turn,
			Code:      code,
			Stdout:    result.Stdout,
			Success:   true,
			SpanLog:   result.SpanLog,
			Final:     result.Final,
		})
		citations, cerr := o.citations.Resolve(ctx, tenant, row.Session, docs, spans)
		if cerr != nil {
			o.finalize(ctx, row, traceC, types.ExecFailed, "", nil, types.AsError(cerr))
			return nil, cerr
		}
		o.finalize(ctx, row, traceC, types.ExecCompleted, result.Final.Answer, citations, nil)
		outcome.Status = types.ExecCompleted
		outcome.Citations = citations
	}
	return outcome, nil
}

// ResolveTools resolves the tool requests queued by the last observed step
// and re-persists the state at the same turn index.
func (r *Runtime) ResolveTools(ctx context.Context, tenant, execution string) (map[string]types.ToolStatus, error) {
	o := r.o

	row, err := o.deps.Records.GetExecution(ctx, tenant, execution)
	if err != nil {
		if record.IsNotFound(err) {
			return nil, types.E(types.KindExecutionNotFound, "execution %s not found", execution)
		}
		return nil, err
	}
	if row.Status != types.ExecRunning {
		return nil, types.E(types.KindValidationError,
			"execution %s is %s, not Running", execution, row.Status)
	}

	stateRow, err := o.deps.Records.GetExecutionState(ctx, tenant, execution)
	if err != nil {
		if record.IsNotFound(err) {
			return map[string]types.ToolStatus{}, nil
		}
		return nil, err
	}
	if stateRow.Step.ToolRequests.Empty() {
		return map[string]types.ToolStatus{}, nil
	}
	requests := *stateRow.Step.ToolRequests

	state, err := o.persister.Load(ctx, stateRow)
	if err != nil {
		return nil, err
	}
	res := reservedOf(state)

	tracker := budget.NewTracker(row.Budgets)
	if consumed, ok := consumedFromState(state); ok {
		tracker = budget.Resume(row.Budgets, consumed)
	}

	docs, err := o.deps.Records.ListDocuments(ctx, tenant, row.Session)
	if err != nil {
		return nil, err
	}
	docIndexes, docLengths, err := o.manifest(ctx, docs)
	if err != nil {
		return nil, err
	}

	statuses, rerr := o.tools.resolve(ctx, toolEnv{
		tenant:        tenant,
		session:       row.Session,
		subModel:      row.SubModel,
		searchEnabled: row.SearchEnabled && o.deps.Search != nil,
		docIndexes:    docIndexes,
		docLengths:    docLengths,
	}, requests, tracker, res)
	if rerr != nil {
		e := types.AsError(rerr)
		if status, terminal := terminalStatusFor(e.Kind); terminal {
			o.finalize(ctx, row, nil, status, "", nil, e)
		}
		return nil, e
	}

	if budTree, terr := toTree(tracker.Snapshot()); terr == nil {
		res.budgets = budTree
	}
	state = res.mergeState(state)
	if err := o.persistTurn(ctx, stateRow, stateRow.TurnIndex, state, stateRow.Step); err != nil {
		return nil, err
	}
	return statuses, nil
}
