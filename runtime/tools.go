package runtime

import (
	"context"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/delve/budget"
	"github.com/pithecene-io/delve/provider"
	"github.com/pithecene-io/delve/search"
	"github.com/pithecene-io/delve/types"
)

// DefaultToolConcurrency bounds the tool-resolution fan-out.
const DefaultToolConcurrency = 4

// toolEnv is the per-turn input to tool resolution.
type toolEnv struct {
	tenant        string
	session       string
	subModel      string
	searchEnabled bool
	docIndexes    []int
	docLengths    []int
}

// toolResolver fans queued tool requests out to the sub-model and the search
// backend. Per-request failures become status=error results; only a budget
// breach is returned as an error, which the caller escalates to a terminal
// status.
type toolResolver struct {
	sub         *provider.Provider
	search      search.Backend
	concurrency int
}

// resolve dispatches every request in the envelope and writes results and
// statuses into the reserved namespace. Budgets are recorded before dispatch
// so concurrent checks stay consistent.
func (tr *toolResolver) resolve(ctx context.Context, env toolEnv, requests types.ToolRequestsEnvelope, tracker *budget.Tracker, res *reserved) (map[string]types.ToolStatus, error) {
	for _, req := range requests.LLM {
		promptChars := utf8.RuneCountInString(req.Prompt)
		if !tracker.CanAcceptPrompt(promptChars) {
			return nil, types.EDetails(types.KindBudgetExceeded,
				map[string]any{"key": req.Key},
				"sub-LLM prompt for %q exceeds remaining prompt budget", req.Key)
		}
		if !tracker.CanAcceptSubcalls(1) {
			return nil, types.EDetails(types.KindBudgetExceeded,
				map[string]any{"key": req.Key},
				"sub-LLM call for %q exceeds max_llm_subcalls", req.Key)
		}
		tracker.RecordPrompt(promptChars)
		tracker.RecordSubcalls(1)
	}

	concurrency := tr.concurrency
	if concurrency <= 0 {
		concurrency = DefaultToolConcurrency
	}

	var mu sync.Mutex
	statuses := make(map[string]types.ToolStatus, requests.Count())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, req := range requests.LLM {
		g.Go(func() error {
			text, err := tr.sub.CompleteSubcall(gctx, provider.Request{
				Tenant:      env.tenant,
				Model:       env.subModel,
				Prompt:      req.Prompt,
				MaxTokens:   req.MaxTokens,
				Temperature: req.Temperature,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e := types.AsError(err)
				if e.Kind == types.KindInternalError {
					e = types.E(types.KindLLMProviderError, "%s", e.Message)
				}
				res.llmResults()[req.Key] = map[string]any{
					"meta": map[string]any{"error": errorTree(e)},
				}
				res.toolStatus[req.Key] = string(types.ToolError)
				statuses[req.Key] = types.ToolError
				return nil
			}
			res.llmResults()[req.Key] = map[string]any{"text": text, "meta": map[string]any{}}
			res.toolStatus[req.Key] = string(types.ToolResolved)
			statuses[req.Key] = types.ToolResolved
			return nil
		})
	}

	for _, req := range requests.Search {
		g.Go(func() error {
			var hits []types.SearchHit
			var err error
			if !env.searchEnabled {
				err = types.E(types.KindValidationError, "Search is disabled")
			} else {
				hits, err = tr.search.Search(gctx, env.tenant, env.session, req, env.docIndexes, env.docLengths)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.searchResults()[req.Key] = map[string]any{
					"meta": map[string]any{"error": errorTree(types.AsError(err))},
				}
				res.toolStatus[req.Key] = string(types.ToolError)
				statuses[req.Key] = types.ToolError
				return nil
			}
			tree, terr := toTree(hits)
			if terr != nil {
				return terr
			}
			if tree == nil {
				tree = []any{}
			}
			res.searchResults()[req.Key] = map[string]any{"hits": tree, "meta": map[string]any{}}
			res.toolStatus[req.Key] = string(types.ToolResolved)
			statuses[req.Key] = types.ToolResolved
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}
