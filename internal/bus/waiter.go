package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sangdongvan/football-events/internal/clock"
	"github.com/sangdongvan/football-events/internal/domain"
	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/metrics"
)

// WaiterOptions configures a Waiter. Zero values select defaults.
type WaiterOptions struct {
	Factory     SourceFactory
	TopicPrefix string
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

// Waiter collects events for assertions.
//
// Thread-safety: AwaitEvents may be called concurrently; each call owns its
// Source.
type Waiter struct {
	factory SourceFactory
	prefix  string
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewWaiter creates a Waiter reading from sources opened by opts.Factory.
func NewWaiter(opts WaiterOptions) *Waiter {
	return &Waiter{
		factory: opts.Factory,
		prefix:  opts.TopicPrefix,
		clock:   clock.OrReal(opts.Clock),
		logger:  logging.OrDefault(opts.Logger),
		metrics: opts.Metrics,
	}
}

// Topic returns the topic AwaitEvents reads for eventType.
func (w *Waiter) Topic(eventType string) string {
	return TopicName(w.prefix, eventType)
}

// AwaitEvents polls the topic of eventType until at least expected events
// have arrived or timeout has elapsed.
//
// Fewer events than expected is a *MissingEventsError, returned only after
// the whole timeout. More events than expected are all returned and a
// RedundantEvents warning is logged.
func (w *Waiter) AwaitEvents(ctx context.Context, eventType string, expected int, timeout time.Duration) ([]Message, error) {
	if expected < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeCount, expected)
	}
	topic := w.Topic(eventType)
	src, err := w.factory.Open(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			w.logger.Warn("failed to close bus subscription", "topic", topic, "error", cerr)
		}
	}()

	start := w.clock.Now()
	end := start.Add(timeout)
	remaining := timeout
	found := make([]Message, 0, expected)

	for {
		msgs, err := src.Poll(ctx, remaining)
		if err != nil {
			w.metrics.ObserveWait(metrics.WaitBus, metrics.OutcomeError, w.clock.Now().Sub(start))
			return found, fmt.Errorf("poll %s: %w", topic, err)
		}
		found = append(found, msgs...)
		w.metrics.AddEvents("bus", len(msgs))
		logging.Trace(ctx, w.logger, "polled bus", "topic", topic, "received", len(msgs), "total", len(found))

		remaining = end.Sub(w.clock.Now())
		if len(found) >= expected || remaining <= 0 {
			break
		}
	}

	elapsed := w.clock.Now().Sub(start)
	if len(found) < expected {
		w.metrics.ObserveWait(metrics.WaitBus, metrics.OutcomeTimeout, elapsed)
		return found, &MissingEventsError{Topic: topic, Expected: expected, Found: found}
	}
	w.metrics.ObserveWait(metrics.WaitBus, metrics.OutcomeOK, elapsed)
	if len(found) > expected {
		w.logger.Warn("redundant events", "events", RedundantEvents{Topic: topic, Expected: expected, Found: found})
	}
	return found, nil
}

// Await is AwaitEvents for the event type T, decoding every record as JSON.
func Await[T any](ctx context.Context, w *Waiter, expected int, timeout time.Duration) ([]T, error) {
	msgs, err := w.AwaitEvents(ctx, domain.TypeName[T](), expected, timeout)
	if err != nil {
		return nil, err
	}
	return Decode[T](msgs)
}

// AwaitOne waits for a single event of type T and returns the first one read.
func AwaitOne[T any](ctx context.Context, w *Waiter, timeout time.Duration) (T, error) {
	events, err := Await[T](ctx, w, 1, timeout)
	if err != nil {
		var zero T
		return zero, err
	}
	return events[0], nil
}

// Decode unmarshals every message value into T.
func Decode[T any](msgs []Message) ([]T, error) {
	out := make([]T, len(msgs))
	for i, m := range msgs {
		if err := json.Unmarshal(m.Value, &out[i]); err != nil {
			return nil, fmt.Errorf("decode %s at %s[%d]@%d: %w", domain.TypeName[T](), m.Topic, m.Partition, m.Offset, err)
		}
	}
	return out, nil
}
