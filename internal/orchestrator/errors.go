package orchestrator

import (
	"fmt"
	"strings"
)

// ValidationError rejects a scenario before any state change. It
// carries every violation found, not just the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("orchestrator: invalid scenario: %s", strings.Join(e.Violations, "; "))
}

// InvalidStateError reports an operation attempted from a state that
// forbids it. The caller may retry from the correct state; nothing has
// changed.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("orchestrator: cannot %s from state %s", e.Op, e.State)
}
