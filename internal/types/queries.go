package types

// SessionFilter selects sessions for listing
type SessionFilter struct {
	ProjectID string
	Status    SessionStatus
	Limit     int
}

// FindingFilter selects findings of one session. Findings are always
// addressed through their session.
type FindingFilter struct {
	SessionID   string
	Capability  CapabilityType
	Kind        string
	MinSeverity Severity
	Limit       int
	Offset      int
}

// SessionState is a consistent read of a session, its runs (in declared
// order) and its recorded finding counts per capability.
type SessionState struct {
	Session       *Session
	Runs          []*CapabilityRun
	FindingCounts map[CapabilityType]int
}
