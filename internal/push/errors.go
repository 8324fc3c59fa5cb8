package push

import (
	"errors"
	"fmt"
	"time"
)

// ErrNegativeCount is returned by AwaitCount for n below zero.
var ErrNegativeCount = errors.New("push: requested event count is negative")

// NotFoundError is returned when no value of a type arrived in time.
type NotFoundError struct {
	Type    string
	Timeout time.Duration
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("the expected push event %s was not found within %s", e.Type, e.Timeout)
}

// InsufficientEventsError is returned when fewer values than requested
// arrived in time.
type InsufficientEventsError struct {
	Type     string
	Expected int
	Found    []any
}

func (e *InsufficientEventsError) Error() string {
	return fmt.Sprintf("the expected number of push events %s should be: %d, but found: %d %v",
		e.Type, e.Expected, len(e.Found), e.Found)
}

// TypeMismatchError is returned when a buffered value is not of the
// requested type.
type TypeMismatchError struct {
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("the expected push event is %s, but found: %s", e.Expected, e.Actual)
}

// ProtocolError is a STOMP ERROR frame received during the handshake.
type ProtocolError struct {
	Message string
	Body    string
}

func (e *ProtocolError) Error() string {
	if e.Body == "" {
		return "stomp error: " + e.Message
	}
	return fmt.Sprintf("stomp error: %s: %s", e.Message, e.Body)
}

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
