package types

import "fmt"

// ErrorMsgLimit caps the error message persisted on a FAILED run.
const ErrorMsgLimit = 500

// ValidationError rejects a malformed allocation request before any run row
// is created. Surfaced to the caller as a 400-class error.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// CollaboratorError wraps a failure from the store, clusterer, or event sink.
// The run is marked FAILED with the truncated message before it propagates.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string { return fmt.Sprintf("collaborator %s: %v", e.Op, e.Err) }
func (e *CollaboratorError) Unwrap() error { return e.Err }

// InfeasibleAssignmentError means no solver backend could produce a proposal
// covering every route.
type InfeasibleAssignmentError struct {
	Reason string
}

func (e *InfeasibleAssignmentError) Error() string { return "infeasible assignment: " + e.Reason }

// NonFatalLearningError wraps a failure in learning-episode creation.
// The controller logs and swallows it; the run still succeeds.
type NonFatalLearningError struct {
	Err error
}

func (e *NonFatalLearningError) Error() string { return fmt.Sprintf("learning (non-fatal): %v", e.Err) }
func (e *NonFatalLearningError) Unwrap() error { return e.Err }

// Truncate clips s to at most ErrorMsgLimit bytes for run persistence.
func Truncate(s string) string {
	if len(s) <= ErrorMsgLimit {
		return s
	}
	return s[:ErrorMsgLimit]
}
