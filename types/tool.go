package types

// ToolStatus is the resolution status of one queued tool request.
type ToolStatus string

// Tool status constants.
const (
	ToolPending  ToolStatus = "pending"
	ToolResolved ToolStatus = "resolved"
	ToolError    ToolStatus = "error"
)

// LLMRequest is one queued sub-LLM completion.
type LLMRequest struct {
	// Key is the user-chosen correlation key for the result.
	Key string `json:"key" msgpack:"key"`
	// Prompt is the sub completion prompt.
	Prompt string `json:"prompt" msgpack:"prompt"`
	// ModelHint selects the sub model variant; "sub" is the default.
	ModelHint string `json:"model_hint,omitempty" msgpack:"model_hint,omitempty"`
	// MaxTokens bounds the completion length.
	MaxTokens int `json:"max_tokens" msgpack:"max_tokens"`
	// Temperature is the sampling temperature; 0 by default.
	Temperature float64 `json:"temperature" msgpack:"temperature"`
	// Metadata carries caller extras, including requires_llm_keys.
	Metadata map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// RequiredLLMKeys extracts the requires_llm_keys precondition list from the
// request metadata. Non-string entries are ignored.
func (r *LLMRequest) RequiredLLMKeys() []string {
	if r.Metadata == nil {
		return nil
	}
	raw, ok := r.Metadata["requires_llm_keys"].([]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys
}

// SearchRequest is one queued corpus search.
type SearchRequest struct {
	// Key is the user-chosen correlation key for the result.
	Key string `json:"key" msgpack:"key"`
	// Query is the search query text.
	Query string `json:"query" msgpack:"query"`
	// K bounds the number of hits; 0 returns no hits.
	K int `json:"k" msgpack:"k"`
	// Filters are backend-specific filters.
	Filters map[string]any `json:"filters,omitempty" msgpack:"filters,omitempty"`
}

// SearchHit is one search result as a character range within a document.
type SearchHit struct {
	DocIndex  int     `json:"doc_index" msgpack:"doc_index"`
	StartChar int     `json:"start_char" msgpack:"start_char"`
	EndChar   int     `json:"end_char" msgpack:"end_char"`
	Score     float64 `json:"score" msgpack:"score"`
	Snippet   string  `json:"snippet,omitempty" msgpack:"snippet,omitempty"`
}

// ToolRequestsEnvelope aggregates the tool requests queued by one step.
type ToolRequestsEnvelope struct {
	LLM    []LLMRequest    `json:"llm,omitempty" msgpack:"llm,omitempty"`
	Search []SearchRequest `json:"search,omitempty" msgpack:"search,omitempty"`
}

// Empty reports whether no requests were queued.
func (t *ToolRequestsEnvelope) Empty() bool {
	return t == nil || (len(t.LLM) == 0 && len(t.Search) == 0)
}

// Count returns the total number of queued requests.
func (t *ToolRequestsEnvelope) Count() int {
	if t == nil {
		return 0
	}
	return len(t.LLM) + len(t.Search)
}

// FinalMarker records the terminal primitive a step invoked.
type FinalMarker struct {
	// IsFinal is true for tool.final, false for tool.yield.
	IsFinal bool `json:"is_final" msgpack:"is_final"`
	// Answer is the final answer, or the yield reason.
	Answer string `json:"answer" msgpack:"answer"`
}

// Reserved top-level state keys owned by the orchestrator. Programs may read
// them but may not shadow them; the runtime merges them back onto any
// program-provided state before persistence.
const (
	KeyToolResults = "_tool_results"
	KeyToolStatus  = "_tool_status"
	KeyBudgets     = "_budgets"
	KeyTrace       = "_trace"
)

// ReservedStateKeys lists the orchestrator-owned top-level state keys.
var ReservedStateKeys = []string{KeyToolResults, KeyToolStatus, KeyBudgets, KeyTrace}
