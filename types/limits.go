package types

// Default limit and budget values.
const (
	DefaultInlineMaxBytes         = 358400
	DefaultLeaseDurationMillis    = 30_000
	DefaultToolResolutionParallel = 4

	DefaultMaxStepSeconds         = 10
	DefaultMaxStdoutChars         = 8192
	DefaultMaxStateChars          = 400_000
	DefaultMaxSpansPerStep        = 256
	DefaultMaxToolRequestsPerStep = 16

	DefaultMaxTurns        = 32
	DefaultMaxTotalSeconds = 600
	DefaultMaxPromptChars  = 1_000_000
	DefaultMaxLLMSubcalls  = 64
)

// StepLimits are the per-step resource limits enforced by the step executor.
type StepLimits struct {
	// MaxStepSeconds is the wall-clock deadline for one program execution.
	MaxStepSeconds float64 `json:"max_step_seconds" msgpack:"max_step_seconds"`
	// MaxStdoutChars truncates captured standard output.
	MaxStdoutChars int `json:"max_stdout_chars" msgpack:"max_stdout_chars"`
	// MaxStateChars bounds the canonical state length in characters.
	MaxStateChars int `json:"max_state_chars" msgpack:"max_state_chars"`
	// MaxSpansPerStep bounds the span log length for one step.
	MaxSpansPerStep int `json:"max_spans_per_step" msgpack:"max_spans_per_step"`
	// MaxToolRequestsPerStep bounds queued tool requests for one step.
	MaxToolRequestsPerStep int `json:"max_tool_requests_per_step" msgpack:"max_tool_requests_per_step"`
}

// DefaultStepLimits returns the default per-step limits.
func DefaultStepLimits() StepLimits {
	return StepLimits{
		MaxStepSeconds:         DefaultMaxStepSeconds,
		MaxStdoutChars:         DefaultMaxStdoutChars,
		MaxStateChars:          DefaultMaxStateChars,
		MaxSpansPerStep:        DefaultMaxSpansPerStep,
		MaxToolRequestsPerStep: DefaultMaxToolRequestsPerStep,
	}
}

// BudgetLimits are the whole-execution budgets.
type BudgetLimits struct {
	// MaxTurns bounds the number of turns (parse errors count).
	MaxTurns int `json:"max_turns" msgpack:"max_turns"`
	// MaxTotalSeconds bounds total wall-clock time across the execution.
	MaxTotalSeconds float64 `json:"max_total_seconds" msgpack:"max_total_seconds"`
	// MaxPromptChars bounds cumulative prompt characters (root + sub).
	MaxPromptChars int `json:"max_prompt_chars" msgpack:"max_prompt_chars"`
	// MaxLLMSubcalls bounds the number of sub-LLM completions.
	MaxLLMSubcalls int `json:"max_llm_subcalls" msgpack:"max_llm_subcalls"`
}

// DefaultBudgetLimits returns the default execution budgets.
func DefaultBudgetLimits() BudgetLimits {
	return BudgetLimits{
		MaxTurns:        DefaultMaxTurns,
		MaxTotalSeconds: DefaultMaxTotalSeconds,
		MaxPromptChars:  DefaultMaxPromptChars,
		MaxLLMSubcalls:  DefaultMaxLLMSubcalls,
	}
}

// BudgetConsumed is the consumed portion of each budget dimension.
type BudgetConsumed struct {
	Turns          int     `json:"turns" msgpack:"turns"`
	ElapsedSeconds float64 `json:"elapsed_seconds" msgpack:"elapsed_seconds"`
	PromptChars    int     `json:"prompt_chars" msgpack:"prompt_chars"`
	LLMSubcalls    int     `json:"llm_subcalls" msgpack:"llm_subcalls"`
}

// BudgetSnapshot is the {limits, consumed, remaining} view written into
// state._budgets at each turn boundary.
type BudgetSnapshot struct {
	Limits    BudgetLimits   `json:"limits" msgpack:"limits"`
	Consumed  BudgetConsumed `json:"consumed" msgpack:"consumed"`
	Remaining BudgetConsumed `json:"remaining" msgpack:"remaining"`
}
