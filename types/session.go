package types

// SessionStatus is the session lifecycle state.
type SessionStatus string

// Session status constants.
const (
	SessionCreating SessionStatus = "Creating"
	SessionReady    SessionStatus = "Ready"
	SessionFailed   SessionStatus = "Failed"
	SessionExpired  SessionStatus = "Expired"
	SessionDeleting SessionStatus = "Deleting"
)

// ReadinessMode controls when a session counts as Ready.
type ReadinessMode string

// Readiness mode constants.
const (
	// ReadinessLax requires every document to be parsed.
	ReadinessLax ReadinessMode = "Lax"
	// ReadinessStrict requires every document to be parsed and search-indexed.
	ReadinessStrict ReadinessMode = "Strict"
)

// SessionRow is the persisted session record, keyed by (tenant, session).
type SessionRow struct {
	// Tenant is the owning tenant identifier.
	Tenant string `msgpack:"tenant"`
	// Session is the session identifier, unique within the tenant.
	Session string `msgpack:"session"`
	// Status is the lifecycle status.
	Status SessionStatus `msgpack:"status"`
	// Readiness selects the Lax or Strict readiness rule.
	Readiness ReadinessMode `msgpack:"readiness"`
	// SearchEnabled snapshots the search on/off option at creation.
	SearchEnabled bool `msgpack:"search_enabled"`
	// DefaultRootModel is the model used for root completions when the
	// execution does not override it.
	DefaultRootModel string `msgpack:"default_root_model"`
	// DefaultSubModel is the model used for sub completions when the
	// execution does not override it.
	DefaultSubModel string `msgpack:"default_sub_model"`
	// DefaultBudgets are the execution budgets applied when the execution
	// does not request its own.
	DefaultBudgets BudgetLimits `msgpack:"default_budgets"`
	// CreatedAt is the creation time in unix milliseconds.
	CreatedAt int64 `msgpack:"created_at"`
	// ExpiresAt is the TTL boundary in unix milliseconds; zero means no TTL.
	ExpiresAt int64 `msgpack:"expires_at,omitempty"`
}

// ReadyFor reports whether the given document statuses satisfy the session's
// readiness rule. Lax requires Parsed or better; Strict requires Indexed.
func (s *SessionRow) ReadyFor(docs []DocumentRow) bool {
	for i := range docs {
		switch s.Readiness {
		case ReadinessStrict:
			if docs[i].Status != DocIndexed {
				return false
			}
		default:
			if docs[i].Status != DocParsed && docs[i].Status != DocIndexing && docs[i].Status != DocIndexed {
				return false
			}
		}
	}
	return true
}
