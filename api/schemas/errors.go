package schemas

import (
	"errors"
	"fmt"
	"strings"
)

// -- Error Taxonomy --

var (
	// ErrNotFound is returned for unknown tasks, guards, actions or missions.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a CAS transition loses a race. The losing
	// tick aborts silently; this is not a user-visible failure.
	ErrConflict = errors.New("concurrent transition conflict")
	// ErrDuplicate is returned when a registry name is registered twice.
	ErrDuplicate = errors.New("duplicate registration")
)

// ExecutorError classifies a failed executor call. Executor failures are
// recoverable: the tick ends without a transition and the failure counts
// toward stuck-task detection.
type ExecutorError struct {
	Kind string // timeout | unavailable | toolFailure
	Err  error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %s: %v", e.Kind, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// Violation is one validation finding. Warnings do not block activation.
type Violation struct {
	Mission string
	Check   string
	Message string
	Warning bool
}

func (v Violation) String() string {
	kind := "error"
	if v.Warning {
		kind = "warning"
	}
	return fmt.Sprintf("[%s] %s/%s: %s", kind, v.Mission, v.Check, v.Message)
}

// ValidationErrors aggregates every violation found while validating a
// mission document. Activation is blocked whenever HasErrors is true; the
// previously active definitions remain in force.
type ValidationErrors struct {
	Violations []Violation
}

// Add records an error-level violation.
func (ve *ValidationErrors) Add(mission, check, format string, args ...any) {
	ve.Violations = append(ve.Violations, Violation{
		Mission: mission, Check: check, Message: fmt.Sprintf(format, args...),
	})
}

// Warn records a warning-level violation.
func (ve *ValidationErrors) Warn(mission, check, format string, args ...any) {
	ve.Violations = append(ve.Violations, Violation{
		Mission: mission, Check: check, Message: fmt.Sprintf(format, args...), Warning: true,
	})
}

// HasErrors reports whether any non-warning violation was recorded.
func (ve *ValidationErrors) HasErrors() bool {
	for _, v := range ve.Violations {
		if !v.Warning {
			return true
		}
	}
	return false
}

// Warnings returns only the warning-level violations.
func (ve *ValidationErrors) Warnings() []Violation {
	var out []Violation
	for _, v := range ve.Violations {
		if v.Warning {
			out = append(out, v)
		}
	}
	return out
}

func (ve *ValidationErrors) Error() string {
	var b strings.Builder
	b.WriteString("mission validation failed:")
	for _, v := range ve.Violations {
		b.WriteString("\n  ")
		b.WriteString(v.String())
	}
	return b.String()
}
