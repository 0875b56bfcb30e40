package session

import "fmt"

// State is the lifecycle state of a session.
type State string

const (
	StateEmpty      State = "empty"
	StateInProgress State = "in_progress"
	StateReviewed   State = "reviewed"
	StateCompleted  State = "completed"
)

// validTransitions lists the legal state changes. Staying in the same state
// is always allowed and not listed.
var validTransitions = map[State]map[State]bool{
	StateEmpty:      {StateInProgress: true},
	StateInProgress: {StateReviewed: true, StateCompleted: true},
	StateReviewed:   {StateInProgress: true, StateCompleted: true},
}

// IsValidTransition reports whether a session may move from one state to
// another.
func IsValidTransition(from, to State) bool {
	if from == to {
		return from != StateCompleted
	}
	return validTransitions[from][to]
}

// PhaseStatus tracks the clinician's progress through a single phase.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "not_started"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseReviewed   PhaseStatus = "reviewed"
)

// CompletionPolicy decides when Complete is allowed.
type CompletionPolicy string

const (
	// PolicyStrict requires every required visible field to be answered.
	PolicyStrict CompletionPolicy = "strict"
	// PolicyBestEffort completes with whatever has been answered.
	PolicyBestEffort CompletionPolicy = "best_effort"
)

// ParsePolicy maps a configuration value to a policy.
func ParsePolicy(s string) (CompletionPolicy, error) {
	switch CompletionPolicy(s) {
	case PolicyStrict, "":
		return PolicyStrict, nil
	case PolicyBestEffort:
		return PolicyBestEffort, nil
	}
	return "", fmt.Errorf("unknown completion policy %q", s)
}
