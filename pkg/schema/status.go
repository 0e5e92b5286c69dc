package schema

import "slices"

// Status is the lifecycle state of a node or of a whole run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether no further transition is expected.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := NodeTransitions[s]
	return ok
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", NewErrorf(ErrCodeValidation, "unknown status %q", v)
	}
	return s, nil
}

// NodeTransitions defines the allowed state transitions for nodes.
var NodeTransitions = map[Status][]Status{
	StatusPending:   {StatusReady, StatusSkipped},
	StatusReady:     {StatusRunning, StatusSkipped, StatusFailed},
	StatusRunning:   {StatusSucceeded, StatusFailed},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusSkipped:   {},
}

// RunTransitions defines the allowed state transitions for the run record.
var RunTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning},
	StatusRunning:   {StatusSucceeded, StatusFailed},
	StatusSucceeded: {},
	StatusFailed:    {},
}

// CanTransition reports whether table allows from -> to.
func CanTransition(table map[Status][]Status, from, to Status) bool {
	allowed, ok := table[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}
