package domain

// Severity captures rule outcomes.
type Severity string

const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	// SeverityLog is recorded at info level and never affects commit.
	SeverityLog Severity = "log"
)

// Action enumerates graph mutations captured in change records.
type Action string

const (
	// ActionCreate indicates a node was added.
	ActionCreate Action = "create"
	// ActionUpdate indicates a node was updated.
	ActionUpdate Action = "update"
	// ActionDelete indicates a node was removed.
	ActionDelete Action = "delete"
)

// Change records a node mutation within a transaction.
type Change struct {
	Action Action
	Before *Node
	After  *Node
}

// NodeID returns the id of the changed node.
func (c Change) NodeID() string {
	if c.After != nil {
		return c.After.ID
	}
	if c.Before != nil {
		return c.Before.ID
	}
	return ""
}

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	NodeType NodeType
	NodeID   string
	Slot     string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rule " + v.Rule + ": " + v.Message
		}
	}
	return "transaction blocked by rules"
}

// Unwrap classifies blocking violations as schema violations.
func (e RuleViolationError) Unwrap() error { return ErrSchemaViolation }
