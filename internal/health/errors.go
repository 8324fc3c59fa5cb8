package health

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StartupTimeoutError is returned when some checks never passed within the
// startup budget.
type StartupTimeoutError struct {
	Timeout time.Duration
	// Pending lists the names of the checks still unsatisfied.
	Pending []string
	// LastErrors maps a pending check to its most recent probe failure.
	LastErrors map[string]string
}

func (e *StartupTimeoutError) Error() string {
	parts := make([]string, 0, len(e.Pending))
	for _, name := range e.Pending {
		if msg := e.LastErrors[name]; msg != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, msg))
		} else {
			parts = append(parts, name)
		}
	}
	return fmt.Sprintf("startup timeout after %s: %d service(s) not ready: %s",
		e.Timeout, len(e.Pending), strings.Join(parts, ", "))
}

func newStartupTimeout(timeout time.Duration, states []*tracked) *StartupTimeoutError {
	e := &StartupTimeoutError{Timeout: timeout, LastErrors: make(map[string]string)}
	for _, s := range states {
		if s.state == Satisfied {
			continue
		}
		e.Pending = append(e.Pending, s.check.Name)
		if s.lastErr != nil {
			e.LastErrors[s.check.Name] = s.lastErr.Error()
		}
	}
	return e
}

// HookError wraps a failure of a check's OnFirstSuccess hook. It is fatal:
// the check is not retried.
type HookError struct {
	Check string
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("check %s: on-first-success hook failed: %v", e.Check, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// IsStartupTimeout reports whether err is or wraps a *StartupTimeoutError.
func IsStartupTimeout(err error) bool {
	var target *StartupTimeoutError
	return errors.As(err, &target)
}
