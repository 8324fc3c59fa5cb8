package replay

import (
	"errors"
	"fmt"
)

// MalformedLineError reports a scenario line that cannot be parsed.
type MalformedLineError struct {
	Line   int
	Text   string
	Reason string
	Err    error
}

func (e *MalformedLineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid record at line %d (%s): %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid record at line %d: %s", e.Line, e.Reason)
}

func (e *MalformedLineError) Unwrap() error {
	return e.Err
}

// LineError wraps the failure of applying one scenario line.
type LineError struct {
	Line int
	Kind Kind
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("scenario line %d (%s): %v", e.Line, e.Kind, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// IsMalformedLine reports whether err is or wraps a *MalformedLineError.
func IsMalformedLine(err error) bool {
	var target *MalformedLineError
	return errors.As(err, &target)
}
