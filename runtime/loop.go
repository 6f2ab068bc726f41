package runtime

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/pithecene-io/delve/budget"
	"github.com/pithecene-io/delve/docview"
	"github.com/pithecene-io/delve/metrics"
	"github.com/pithecene-io/delve/prompt"
	"github.com/pithecene-io/delve/provider"
	"github.com/pithecene-io/delve/record"
	"github.com/pithecene-io/delve/sandbox"
	"github.com/pithecene-io/delve/statecodec"
	"github.com/pithecene-io/delve/trace"
	"github.com/pithecene-io/delve/types"
)

// runExecution drives one leased execution until it reaches a terminal
// status, the lease is lost, or the context ends. Every error path either
// finalizes the execution or leaves it Running for a later tick.
func (o *Orchestrator) runExecution(ctx context.Context, row *types.ExecutionRow) {
	logger := o.deps.Logger.WithExecution(row.Tenant, row.Session, row.Execution)

	session, err := o.deps.Records.GetSession(ctx, row.Tenant, row.Session)
	if err != nil {
		if record.IsNotFound(err) {
			o.finalize(ctx, row, nil, types.ExecFailed, "", nil,
				types.E(types.KindSessionNotFound, "session %s not found", row.Session))
			return
		}
		logger.Error("session load failed", map[string]any{"error": err.Error()})
		return
	}

	docs, err := o.deps.Records.ListDocuments(ctx, row.Tenant, row.Session)
	if err != nil {
		logger.Error("document list failed", map[string]any{"error": err.Error()})
		return
	}
	if !session.ReadyFor(docs) {
		o.finalize(ctx, row, nil, types.ExecFailed, "", nil,
			types.E(types.KindSessionNotReady, "session %s is not ready", row.Session))
		return
	}

	docIndexes, docLengths, err := o.manifest(ctx, docs)
	if err != nil {
		o.finalize(ctx, row, nil, types.ExecFailed, "", nil, types.AsError(err))
		return
	}

	stateRow, err := o.deps.Records.GetExecutionState(ctx, row.Tenant, row.Execution)
	if record.IsNotFound(err) {
		stateRow = &types.ExecutionStateRow{
			Tenant:    row.Tenant,
			Session:   row.Session,
			Execution: row.Execution,
			TurnIndex: -1,
		}
		err = nil
	}
	if err != nil {
		logger.Error("execution state load failed", map[string]any{"error": err.Error()})
		return
	}

	state, err := o.persister.Load(ctx, stateRow)
	if err != nil {
		o.finalize(ctx, row, nil, types.ExecFailed, "", nil, types.AsError(err))
		return
	}
	res := reservedOf(state)
	spans := res.spanLogEntries()

	tracker := budget.NewTracker(row.Budgets)
	if consumed, ok := consumedFromState(state); ok {
		tracker = budget.Resume(row.Budgets, consumed)
	}

	traceC := trace.NewCollector(row.Tenant, row.Session, row.Execution, docs)

	// Re-run detection: a row whose last step was never observed re-runs at
	// the same turn index instead of advancing.
	turn := stateRow.TurnIndex + 1
	if stateRow.TurnIndex >= 0 && !stateRow.Step.Observed {
		turn = stateRow.TurnIndex
	}

	leaseExpires := o.now().Add(o.cfg.LeaseDuration)

	var lastStdout, lastError string
	if stateRow.Step.Observed {
		lastStdout = stateRow.Step.Stdout
		if stateRow.Step.Error != nil {
			lastError = stateRow.Step.Error.Message
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if tracker.OverMaxTurns() {
			o.finalize(ctx, row, traceC, types.ExecMaxTurnsExceeded, "", nil,
				types.E(types.KindMaxTurnsExceeded, "max_turns %d exhausted", row.Budgets.MaxTurns))
			return
		}
		if tracker.OverTotalSeconds() {
			o.finalize(ctx, row, traceC, types.ExecBudgetExceeded, "", nil,
				types.E(types.KindBudgetExceeded, "max_total_seconds %.0f exhausted", row.Budgets.MaxTotalSeconds))
			return
		}

		budTree, terr := toTree(tracker.Snapshot())
		if terr != nil {
			o.finalize(ctx, row, traceC, types.ExecFailed, "", nil, types.AsError(terr))
			return
		}
		res.budgets = budTree
		state = res.mergeState(state)

		promptText, promptVersion := prompt.Build(prompt.Input{
			Question:        row.Question,
			DocCount:        len(docs),
			DocLengths:      docLengths,
			Budgets:         tracker.Snapshot(),
			LastStdout:      lastStdout,
			LastError:       lastError,
			SubcallsEnabled: o.deps.Sub != nil,
		})
		promptChars := utf8.RuneCountInString(promptText)
		if !tracker.CanAcceptPrompt(promptChars) {
			o.finalize(ctx, row, traceC, types.ExecBudgetExceeded, "", nil,
				types.E(types.KindBudgetExceeded, "root prompt of %d chars exceeds remaining prompt budget", promptChars))
			return
		}

		o.deps.Metrics.IncTurnStarted()
		rootText, err := o.deps.Root.CompleteRoot(ctx, provider.Request{
			Tenant: row.Tenant,
			Model:  row.RootModel,
			Prompt: promptText,
		})
		if err != nil {
			o.finalize(ctx, row, traceC, types.ExecFailed, "", nil,
				types.E(types.KindLLMProviderError, "root completion: %v", err))
			return
		}
		tracker.RecordPrompt(promptChars)

		code, perr := prompt.ParseRootOutput(rootText)
		if perr != nil {
			// The turn is consumed; the parse error feeds the next prompt.
			tracker.RecordTurn()
			o.deps.Metrics.IncParseError()
			e := types.AsError(perr)
			logger.Warn("root output unparseable", map[string]any{"turn": turn, "error": e.Message})

			if budTree, terr := toTree(tracker.Snapshot()); terr == nil {
				res.budgets = budTree
			}
			state = res.mergeState(state)
			step := types.StepSnapshot{Observed: true, Error: e}
			if err := o.persistTurn(ctx, stateRow, turn, state, step); err != nil {
				o.finalize(ctx, row, traceC, types.ExecFailed, "", nil, types.AsError(err))
				return
			}
			o.appendCodeLog(ctx, row, turn, rootText, false, "")
			traceC.RecordTurn(trace.TurnTrace{
				TurnIndex:     turn,
				PromptVersion: promptVersion,
				PromptChars:   promptChars,
				ParseError:    e.Message,
			})
			lastStdout, lastError = "", e.Message
			turn++
			continue
		}

		result := o.executor.Execute(ctx, sandbox.StepEvent{
			Tenant:    row.Tenant,
			Session:   row.Session,
			Execution: row.Execution,
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
			o.finalize(ctx, row, traceC, types.ExecFailed, "", nil, types.AsError(err))
			return
		}
		if budTree, terr := toTree(tracker.Snapshot()); terr == nil {
			res.budgets = budTree
		}
		state = res.mergeState(state)

		// Statuses start pending so a crash between persist and resolution is
		// visible in the stored state.
		if result.Success && !result.ToolRequests.Empty() {
			for _, req := range result.ToolRequests.LLM {
				res.toolStatus[req.Key] = string(types.ToolPending)
			}
			for _, req := range result.ToolRequests.Search {
				res.toolStatus[req.Key] = string(types.ToolPending)
			}
		}

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
		}
		if err := o.persistTurn(ctx, stateRow, turn, state, step); err != nil {
			o.finalize(ctx, row, traceC, types.ExecFailed, "", nil, types.AsError(err))
			return
		}
		o.appendCodeLog(ctx, row, turn, code, result.Success, result.Stdout)
		traceC.RecordTurn(trace.TurnTrace{
			TurnIndex:     turn,
			PromptVersion: promptVersion,
			PromptChars:   promptChars,
			Code:          code,
			Stdout:        result.Stdout,
			Success:       result.Success,
			SpanLog:       result.SpanLog,
			ToolRequests:  step.ToolRequests,
			Final:         result.Final,
			Error:         result.Err,
		})

		if result.Err != nil {
			if status, terminal := terminalStatusFor(result.Err.Kind); terminal {
				o.finalize(ctx, row, traceC, status, "", nil, result.Err)
				return
			}
			lastStdout, lastError = result.Stdout, result.Err.Message
			turn++
			continue
		}

		if result.Final != nil && result.Final.IsFinal {
			citations, cerr := o.citations.Resolve(ctx, row.Tenant, row.Session, docs, spans)
			if cerr != nil {
				o.finalize(ctx, row, traceC, types.ExecFailed, "", nil, types.AsError(cerr))
				return
			}
			o.finalize(ctx, row, traceC, types.ExecCompleted, result.Final.Answer, citations, nil)
			return
		}

		lastStdout, lastError = result.Stdout, ""

		if result.ToolRequests.Empty() {
			turn++
			continue
		}

		if !o.maybeRenewLease(ctx, row, &leaseExpires) {
			logger.Warn("lease lost before tool resolution", map[string]any{"turn": turn})
			return
		}

		statuses, rerr := o.tools.resolve(ctx, toolEnv{
			tenant:        row.Tenant,
			session:       row.Session,
			subModel:      row.SubModel,
			searchEnabled: row.SearchEnabled && o.deps.Search != nil,
			docIndexes:    docIndexes,
			docLengths:    docLengths,
		}, result.ToolRequests, tracker, res)
		if rerr != nil {
			e := types.AsError(rerr)
			if status, terminal := terminalStatusFor(e.Kind); terminal {
				o.finalize(ctx, row, traceC, status, "", nil, e)
				return
			}
			o.finalize(ctx, row, traceC, types.ExecFailed, "", nil, e)
			return
		}
		traceC.RecordToolStatuses(turn, statuses)

		// Results land in the reserved namespace; re-persist the same turn.
		if budTree, terr := toTree(tracker.Snapshot()); terr == nil {
			res.budgets = budTree
		}
		state = res.mergeState(state)
		if err := o.persistTurn(ctx, stateRow, turn, state, step); err != nil {
			o.finalize(ctx, row, traceC, types.ExecFailed, "", nil, types.AsError(err))
			return
		}

		turn++
	}
}

// manifest derives the (doc_indexes, doc_lengths) vectors, preferring the
// stored char_length and falling back to the offsets index.
func (o *Orchestrator) manifest(ctx context.Context, docs []types.DocumentRow) ([]int, []int, error) {
	indexes := make([]int, len(docs))
	lengths := make([]int, len(docs))
	view := docview.NewContextView(o.deps.Blobs, docs)
	for i, doc := range docs {
		indexes[i] = doc.DocIndex
		if doc.CharLength > 0 {
			lengths[i] = doc.CharLength
			continue
		}
		d, err := view.Doc(i)
		if err != nil {
			return nil, nil, err
		}
		n, err := d.Len(ctx)
		if err != nil {
			return nil, nil, err
		}
		lengths[i] = n
	}
	return indexes, lengths, nil
}

// persistTurn encodes and stores the state payload and step snapshot at the
// given turn. The state row is mutated in place.
func (o *Orchestrator) persistTurn(ctx context.Context, stateRow *types.ExecutionStateRow, turn int, state any, step types.StepSnapshot) error {
	enc, err := statecodec.Encode(state)
	if err != nil {
		return err
	}
	stateRow.TurnIndex = turn
	stateRow.Step = step
	if err := o.persister.Persist(ctx, stateRow, enc); err != nil {
		return err
	}
	return o.deps.Records.PutExecutionState(ctx, stateRow)
}

// appendCodeLog records the turn's program off the critical path; failures
// are logged and ignored.
func (o *Orchestrator) appendCodeLog(ctx context.Context, row *types.ExecutionRow, turn int, code string, success bool, stdout string) {
	err := o.deps.Records.AppendCodeLog(ctx, &types.CodeLogEntry{
		Tenant:    row.Tenant,
		Session:   row.Session,
		Execution: row.Execution,
		TurnIndex: turn,
		Code:      code,
		Stdout:    stdout,
		Success:   success,
		CreatedAt: o.now().UnixMilli(),
	})
	if err != nil {
		o.deps.Logger.Warn("code log append failed", map[string]any{
			"execution": row.Execution, "turn": turn, "error": err.Error(),
		})
	}
}

// maybeRenewLease extends the lease when less than half its duration remains.
// Returns false when the lease has been taken by another replica.
func (o *Orchestrator) maybeRenewLease(ctx context.Context, row *types.ExecutionRow, expires *time.Time) bool {
	now := o.now()
	if expires.Sub(now) > o.cfg.LeaseDuration/2 {
		return true
	}
	ok, err := o.deps.Records.RenewLease(ctx, row.Tenant, row.Execution, o.cfg.Worker, now, o.cfg.LeaseDuration)
	if err != nil {
		o.deps.Logger.Warn("lease renewal failed", map[string]any{
			"execution": row.Execution, "error": err.Error(),
		})
		return false
	}
	if !ok {
		return false
	}
	o.deps.Metrics.IncLeaseRenewed()
	*expires = now.Add(o.cfg.LeaseDuration)
	return true
}

// finalize applies the conditional terminal transition and exports the trace.
// Losing the conditional write means another replica finalized first.
func (o *Orchestrator) finalize(ctx context.Context, row *types.ExecutionRow, traceC *trace.Collector, status types.ExecutionStatus, answer string, citations []types.SpanRef, failure *types.Error) {
	logger := o.deps.Logger.WithExecution(row.Tenant, row.Session, row.Execution)

	won, err := o.deps.Records.UpdateExecutionStatus(ctx, record.StatusUpdate{
		Tenant:    row.Tenant,
		Execution: row.Execution,
		Expected:  types.ExecRunning,
		Status:    status,
		Answer:    answer,
		Citations: citations,
		Failure:   failure,
	})
	if err != nil {
		logger.Error("terminal transition failed", map[string]any{
			"status": string(status), "error": err.Error(),
		})
		return
	}
	if !won {
		logger.Warn("terminal transition lost", map[string]any{"status": string(status)})
		return
	}

	if status == types.ExecCompleted {
		o.deps.Metrics.IncExecutionCompleted()
		logger.Info("execution completed", map[string]any{"citations": len(citations)})
	} else {
		o.deps.Metrics.IncExecutionFailed()
		fields := map[string]any{"status": string(status)}
		if failure != nil {
			fields["error"] = failure.Message
		}
		logger.Warn("execution terminated", fields)
	}

	if traceC != nil {
		var snap *metrics.Snapshot
		if o.deps.Metrics != nil {
			s := o.deps.Metrics.Snapshot()
			snap = &s
		}
		key, terr := traceC.Export(ctx, o.deps.Blobs, snap)
		if terr != nil {
			logger.Warn("trace export failed", map[string]any{"error": terr.Error()})
		} else {
			logger.Debug("trace exported", map[string]any{"key": key})
		}
	}
}
