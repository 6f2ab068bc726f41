// Package prompt builds the root-model prompt and parses the root-model
// output. Templates are fixed literals expanded by token replacement, never
// format interpolation, so user text cannot break the template structure.
package prompt

import (
	"fmt"
	"strings"

	"github.com/pithecene-io/delve/types"
)

// Template version identifiers. Stable per template variant; recorded in
// traces so transcripts can be replayed against the right template.
const (
	VersionBase     = "root-lua-v1"
	VersionSubcalls = "root-lua-v1-subcalls"
)

// Input is the deterministic input to the root prompt. Two calls with equal
// Input produce byte-identical prompts.
type Input struct {
	// Question is the user question.
	Question string
	// DocCount is the number of documents in the session.
	DocCount int
	// DocLengths are the per-document character lengths, indexed by doc_index.
	DocLengths []int
	// Budgets is the current budget snapshot.
	Budgets types.BudgetSnapshot
	// LastStdout is the previous step's captured output, if any.
	LastStdout string
	// LastError is the previous step's error message, if any.
	LastError string
	// SubcallsEnabled selects the template variant with queue_llm/queue_search.
	SubcallsEnabled bool
}

const baseTemplate = `You are operating a document analysis runtime. Answer the question by
writing small Lua programs; the runtime executes each program and calls you
again with the results.

Question:
<<QUESTION>>

Documents: <<DOC_COUNT>> document(s) with character lengths [<<DOC_LENGTHS>>].
Documents may be far larger than your context window. Read them in slices.

Available inside your program:
  context.doc_count            -- number of documents
  local d = context:doc(i)     -- document handle, i from 0
  d:len()                      -- length in characters
  d:slice(a, b)                -- characters [a, b), logged as a citation span
  d:tagged(a, b, tag)          -- slice with a custom span tag
  d:find(term, max_hits, a, b) -- literal search, returns {{start,end}, ...}
  state                        -- your persistent value between turns (JSON tree)
  print(...)                   -- shown back to you next turn
  tool.yield(reason)           -- end this turn, run again later
  tool.final(answer)           -- finish with the final answer string

Keys starting with "_" in state are reserved by the runtime; read but never
overwrite them. state._budgets holds your remaining budgets.

Budgets: <<BUDGETS>>
Previous output:
<<LAST_STDOUT>>
Previous error:
<<LAST_ERROR>>

Reply with exactly one fenced code block labelled repl containing only Lua:

` + "```repl" + `
-- your program
` + "```" + `

No text before or after the block.`

const subcallsTemplate = `You are operating a document analysis runtime. Answer the question by
writing small Lua programs; the runtime executes each program and calls you
again with the results.

Question:
<<QUESTION>>

Documents: <<DOC_COUNT>> document(s) with character lengths [<<DOC_LENGTHS>>].
Documents may be far larger than your context window. Read them in slices,
and delegate bulk reading to sub-model calls.

Available inside your program:
  context.doc_count            -- number of documents
  local d = context:doc(i)     -- document handle, i from 0
  d:len()                      -- length in characters
  d:slice(a, b)                -- characters [a, b), logged as a citation span
  d:tagged(a, b, tag)          -- slice with a custom span tag
  d:find(term, max_hits, a, b) -- literal search, returns {{start,end}, ...}
  state                        -- your persistent value between turns (JSON tree)
  print(...)                   -- shown back to you next turn
  tool.queue_llm(key, prompt, opts)    -- queue a sub-model completion
      opts: {max_tokens=..., temperature=..., metadata={...}}
  tool.queue_search(key, query, opts)  -- queue a corpus search
      opts: {k=..., filters={...}}
  tool.yield(reason)           -- end this turn; queued tools resolve before
                               -- your next turn
  tool.final(answer)           -- finish with the final answer string

Queued results appear next turn under state._tool_results.llm[key].text and
state._tool_results.search[key].hits; check state._tool_status[key] first.
Keys starting with "_" in state are reserved by the runtime; read but never
overwrite them. state._budgets holds your remaining budgets.

Budgets: <<BUDGETS>>
Previous output:
<<LAST_STDOUT>>
Previous error:
<<LAST_ERROR>>

Reply with exactly one fenced code block labelled repl containing only Lua:

` + "```repl" + `
-- your program
` + "```" + `

No text before or after the block.`

// Build expands the template for the given input and returns the prompt and
// the template version identifier.
func Build(in Input) (string, string) {
	tmpl, version := baseTemplate, VersionBase
	if in.SubcallsEnabled {
		tmpl, version = subcallsTemplate, VersionSubcalls
	}

	lengths := make([]string, len(in.DocLengths))
	for i, n := range in.DocLengths {
		lengths[i] = fmt.Sprintf("%d", n)
	}

	budgets := fmt.Sprintf(
		"turns %d/%d, seconds %.0f/%.0f, prompt_chars %d/%d, llm_subcalls %d/%d",
		in.Budgets.Consumed.Turns, in.Budgets.Limits.MaxTurns,
		in.Budgets.Consumed.ElapsedSeconds, in.Budgets.Limits.MaxTotalSeconds,
		in.Budgets.Consumed.PromptChars, in.Budgets.Limits.MaxPromptChars,
		in.Budgets.Consumed.LLMSubcalls, in.Budgets.Limits.MaxLLMSubcalls,
	)

	stdout := in.LastStdout
	if stdout == "" {
		stdout = "(none)"
	}
	lastErr := in.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}

	// Token replacement only. Replacements are applied to the fixed template,
	// so user-controlled text cannot introduce further placeholders.
	r := strings.NewReplacer(
		"<<QUESTION>>", in.Question,
		"<<DOC_COUNT>>", fmt.Sprintf("%d", in.DocCount),
		"<<DOC_LENGTHS>>", strings.Join(lengths, ", "),
		"<<BUDGETS>>", budgets,
		"<<LAST_STDOUT>>", stdout,
		"<<LAST_ERROR>>", lastErr,
	)
	return r.Replace(tmpl), version
}
