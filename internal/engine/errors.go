package engine

import "fmt"

// StateError reports a precondition or state-machine violation. The HTTP
// layer surfaces it as a 400 with the reason string.
type StateError struct {
	Reason string
}

func (e StateError) Error() string { return e.Reason }

// ValidationError reports malformed or out-of-range input on a named field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
