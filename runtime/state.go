package runtime

import (
	"encoding/json"

	"github.com/pithecene-io/delve/types"
)

// toTree converts a typed value into a JSON tree (map[string]any and friends)
// so it can live inside the canonical state payload.
func toTree(v any) (any, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, types.E(types.KindInternalError, "state tree encode: %v", err)
	}
	var tree any
	if err := json.Unmarshal(body, &tree); err != nil {
		return nil, types.E(types.KindInternalError, "state tree decode: %v", err)
	}
	return tree, nil
}

// reserved is the orchestrator-owned portion of the state: the four
// underscore-prefixed top-level keys the program may read but never owns.
type reserved struct {
	toolResults map[string]any // {"llm": {...}, "search": {...}}
	toolStatus  map[string]any // key -> "pending"|"resolved"|"error"
	budgets     any
	trace       any
}

func newReserved() *reserved {
	return &reserved{
		toolResults: map[string]any{"llm": map[string]any{}, "search": map[string]any{}},
		toolStatus:  map[string]any{},
	}
}

// reservedOf extracts the reserved keys from a loaded state, falling back to
// empty structures for anything absent or of the wrong shape.
func reservedOf(state any) *reserved {
	r := newReserved()
	obj, ok := state.(map[string]any)
	if !ok {
		return r
	}
	if tr, ok := obj[types.KeyToolResults].(map[string]any); ok {
		if _, ok := tr["llm"].(map[string]any); !ok {
			tr["llm"] = map[string]any{}
		}
		if _, ok := tr["search"].(map[string]any); !ok {
			tr["search"] = map[string]any{}
		}
		r.toolResults = tr
	}
	if ts, ok := obj[types.KeyToolStatus].(map[string]any); ok {
		r.toolStatus = ts
	}
	if b, ok := obj[types.KeyBudgets]; ok {
		r.budgets = b
	}
	if t, ok := obj[types.KeyTrace]; ok {
		r.trace = t
	}
	return r
}

// apply writes the reserved keys onto an object state. The reserved values
// always win over whatever the program left behind.
func (r *reserved) apply(obj map[string]any) {
	obj[types.KeyToolResults] = r.toolResults
	obj[types.KeyToolStatus] = r.toolStatus
	if r.budgets != nil {
		obj[types.KeyBudgets] = r.budgets
	}
	if r.trace != nil {
		obj[types.KeyTrace] = r.trace
	}
}

// mergeState folds the reserved keys back onto the program's post-step state.
// Object states are merged in place; nil becomes a fresh object. A string
// state is preserved under "value" so tool results still have a home.
func (r *reserved) mergeState(state any) any {
	switch s := state.(type) {
	case map[string]any:
		r.apply(s)
		return s
	case nil:
		obj := map[string]any{}
		r.apply(obj)
		return obj
	case string:
		obj := map[string]any{"value": s}
		r.apply(obj)
		return obj
	default:
		return state
	}
}

// llmResults returns the llm sub-map of _tool_results.
func (r *reserved) llmResults() map[string]any {
	return r.toolResults["llm"].(map[string]any)
}

// searchResults returns the search sub-map of _tool_results.
func (r *reserved) searchResults() map[string]any {
	return r.toolResults["search"].(map[string]any)
}

// setSpanLog stores the accumulated span log under _trace.span_log so
// citations survive worker failover.
func (r *reserved) setSpanLog(spans []types.SpanLogEntry) error {
	tree, err := toTree(spans)
	if err != nil {
		return err
	}
	if tree == nil {
		tree = []any{}
	}
	obj, ok := r.trace.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}
	obj["span_log"] = tree
	r.trace = obj
	return nil
}

// spanLogEntries decodes the accumulated span log back out of _trace.
func (r *reserved) spanLogEntries() []types.SpanLogEntry {
	obj, ok := r.trace.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := obj["span_log"]
	if !ok {
		return nil
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var spans []types.SpanLogEntry
	if err := json.Unmarshal(body, &spans); err != nil {
		return nil
	}
	return spans
}

// consumedFromState reads _budgets.consumed back out of a loaded state so
// budget tracking survives worker failover.
func consumedFromState(state any) (types.BudgetConsumed, bool) {
	obj, ok := state.(map[string]any)
	if !ok {
		return types.BudgetConsumed{}, false
	}
	budgets, ok := obj[types.KeyBudgets].(map[string]any)
	if !ok {
		return types.BudgetConsumed{}, false
	}
	consumed, ok := budgets["consumed"].(map[string]any)
	if !ok {
		return types.BudgetConsumed{}, false
	}
	num := func(key string) float64 {
		v, _ := consumed[key].(float64)
		return v
	}
	return types.BudgetConsumed{
		Turns:          int(num("turns")),
		ElapsedSeconds: num("elapsed_seconds"),
		PromptChars:    int(num("prompt_chars")),
		LLMSubcalls:    int(num("llm_subcalls")),
	}, true
}

// errorTree renders an Error as the {code, message, details?} envelope tree
// stored under a tool result's meta.error.
func errorTree(e *types.Error) map[string]any {
	tree := map[string]any{
		"code":    string(e.Kind),
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		tree["details"] = e.Details
	}
	return tree
}
