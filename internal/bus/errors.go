package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNegativeCount is returned for a wait on fewer than zero events.
var ErrNegativeCount = errors.New("bus: expected event count is negative")

// MissingEventsError is returned when a wait ended with fewer events than
// expected.
type MissingEventsError struct {
	Topic    string
	Expected int
	Found    []Message
}

func (e *MissingEventsError) Error() string {
	return fmt.Sprintf("the expected number of events in topic %s should be: %d, but found: %d %s",
		e.Topic, e.Expected, len(e.Found), values(e.Found))
}

// IsMissingEvents reports whether err is or wraps a *MissingEventsError.
func IsMissingEvents(err error) bool {
	var target *MissingEventsError
	return errors.As(err, &target)
}

// RedundantEvents describes a wait that received more events than expected.
// It is logged as a warning, never returned as an error.
type RedundantEvents struct {
	Topic    string
	Expected int
	Found    []Message
}

// LogValue implements slog.LogValuer.
func (r RedundantEvents) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("topic", r.Topic),
		slog.Int("expected", r.Expected),
		slog.Int("found", len(r.Found)),
		slog.String("values", values(r.Found)),
	)
}

func values(msgs []Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = string(m.Value)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
