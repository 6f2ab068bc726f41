package sandbox

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/pithecene-io/delve/types"
)

// maxTokenAliases are the mutually exclusive spellings of the sub-completion
// output bound; exactly one must be present on queue_llm.
var maxTokenAliases = []string{"max_tokens", "max_output_tokens", "max_output_chars"}

// registerTool installs the tool global: queue_llm, queue_search, yield,
// final.
func (env *stepEnv) registerTool(L *lua.LState) {
	tool := L.NewTable()
	L.SetField(tool, "queue_llm", L.NewFunction(env.toolQueueLLM))
	L.SetField(tool, "queue_search", L.NewFunction(env.toolQueueSearch))
	L.SetField(tool, "yield", L.NewFunction(env.toolYield))
	L.SetField(tool, "final", L.NewFunction(env.toolFinal))
	L.SetGlobal("tool", tool)
}

// checkCapacity enforces max_tool_requests_per_step before every enqueue.
func (env *stepEnv) checkCapacity(L *lua.LState) bool {
	if env.requests.Count()+1 > env.limits.MaxToolRequestsPerStep {
		env.fail(L, types.EDetails(types.KindBudgetExceeded,
			map[string]any{"limit": env.limits.MaxToolRequestsPerStep},
			"tool request capacity exceeded"))
		return false
	}
	return true
}

// toolQueueLLM implements tool.queue_llm(key, prompt, opts).
func (env *stepEnv) toolQueueLLM(L *lua.LState) int {
	key := L.CheckString(1)
	prompt := L.CheckString(2)
	opts := L.OptTable(3, L.NewTable())

	if !env.checkCapacity(L) {
		return 0
	}

	req := types.LLMRequest{Key: key, Prompt: prompt, ModelHint: "sub"}
	if hint := L.GetField(opts, "model_hint"); hint != lua.LNil {
		req.ModelHint = lua.LVAsString(hint)
	}
	if temp := L.GetField(opts, "temperature"); temp != lua.LNil {
		req.Temperature = float64(lua.LVAsNumber(temp))
	}

	var boundAliases []string
	for _, alias := range maxTokenAliases {
		if v := L.GetField(opts, alias); v != lua.LNil {
			boundAliases = append(boundAliases, alias)
			req.MaxTokens = int(lua.LVAsNumber(v))
		}
	}
	if len(boundAliases) != 1 {
		env.fail(L, types.EDetails(types.KindValidationError,
			map[string]any{"aliases": maxTokenAliases, "provided": boundAliases},
			"queue_llm %q: exactly one of max_tokens, max_output_tokens, max_output_chars is required", key))
		return 0
	}

	if meta := L.GetField(opts, "metadata"); meta != lua.LNil {
		decoded, err := fromLua(meta)
		if err != nil {
			env.fail(L, err)
			return 0
		}
		obj, ok := decoded.(map[string]any)
		if !ok {
			env.fail(L, types.E(types.KindValidationError,
				"queue_llm %q: metadata must be a table of string keys", key))
			return 0
		}
		req.Metadata = obj
	}

	// Read-results-first discipline: every declared prerequisite must already
	// hold a non-empty resolved text.
	if required := req.RequiredLLMKeys(); len(required) > 0 {
		var missing []string
		for _, rk := range required {
			if env.priorLLM[rk] == "" {
				missing = append(missing, rk)
			}
		}
		if len(missing) > 0 {
			env.fail(L, types.EDetails(types.KindValidationError,
				map[string]any{"missing": missing},
				"queue_llm %q: required prior results are missing or empty", key))
			return 0
		}
	}

	env.requests.LLM = append(env.requests.LLM, req)
	return 0
}

// toolQueueSearch implements tool.queue_search(key, query, opts).
func (env *stepEnv) toolQueueSearch(L *lua.LState) int {
	key := L.CheckString(1)
	query := L.CheckString(2)
	opts := L.OptTable(3, L.NewTable())

	if !env.checkCapacity(L) {
		return 0
	}

	req := types.SearchRequest{Key: key, Query: query, K: 10}
	if k := L.GetField(opts, "k"); k != lua.LNil {
		req.K = int(lua.LVAsNumber(k))
	}
	if filters := L.GetField(opts, "filters"); filters != lua.LNil {
		decoded, err := fromLua(filters)
		if err != nil {
			env.fail(L, err)
			return 0
		}
		obj, ok := decoded.(map[string]any)
		if !ok {
			env.fail(L, types.E(types.KindValidationError,
				"queue_search %q: filters must be a table of string keys", key))
			return 0
		}
		req.Filters = obj
	}

	env.requests.Search = append(env.requests.Search, req)
	return 0
}

// toolYield implements tool.yield(reason). Terminates the step.
func (env *stepEnv) toolYield(L *lua.LState) int {
	reason := L.OptString(1, "")
	env.terminate(L, &types.FinalMarker{IsFinal: false, Answer: reason})
	return 0
}

// toolFinal implements tool.final(answer). Terminates the step.
func (env *stepEnv) toolFinal(L *lua.LState) int {
	answer := L.CheckString(1)
	env.terminate(L, &types.FinalMarker{IsFinal: true, Answer: answer})
	return 0
}
