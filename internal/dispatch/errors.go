package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// TransportError wraps a failure to get any response for a command.
type TransportError struct {
	Command Command
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ResponseTimeoutError is returned when a retried command still answered the
// transient status once its budget was spent.
type ResponseTimeoutError struct {
	Command Command
	Last    int
	Budget  time.Duration
}

func (e *ResponseTimeoutError) Error() string {
	return fmt.Sprintf("response timeout after %s, last status: %d: %s", e.Budget, e.Last, e.Command)
}

// UnexpectedStatusError is a non-2xx, non-transient response.
type UnexpectedStatusError struct {
	Command Command
	Status  int
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Command)
}

// CountMismatchError is returned by Query when the read model never reached
// the expected number of items.
type CountMismatchError struct {
	URL      string
	Expected int
	Actual   int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("%s: expected items: %d, actual: %d", e.URL, e.Expected, e.Actual)
}

// IsResponseTimeout reports whether err is or wraps a *ResponseTimeoutError.
func IsResponseTimeout(err error) bool {
	var target *ResponseTimeoutError
	return errors.As(err, &target)
}

// IsUnexpectedStatus reports whether err is or wraps an *UnexpectedStatusError.
func IsUnexpectedStatus(err error) bool {
	var target *UnexpectedStatusError
	return errors.As(err, &target)
}
