package environment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sangdongvan/football-events/internal/bus"
	"github.com/sangdongvan/football-events/internal/dispatch"
	"github.com/sangdongvan/football-events/internal/domain"
	"github.com/sangdongvan/football-events/internal/push"
	"github.com/sangdongvan/football-events/internal/replay"
)

// Command sends one command and returns its status without retrying.
func (e *Environment) Command(ctx context.Context, method, url, body string) (int, error) {
	if _, err := e.session(); err != nil {
		return 0, err
	}
	return e.dispatcher.Send(ctx, dispatch.Command{Method: method, URL: url, Body: body})
}

// CommandWithRetry resends the command while it answers transient, for at
// most the rest timeout.
func (e *Environment) CommandWithRetry(ctx context.Context, method, url, body string, transient int) (int, error) {
	s, err := e.session()
	if err != nil {
		return 0, err
	}
	return e.dispatcher.SendWithRetry(ctx, dispatch.Command{Method: method, URL: url, Body: body}, transient, s.timeouts.Rest)
}

// Query polls url until its JSON array has expected elements, for at most
// the rest timeout.
func (e *Environment) Query(ctx context.Context, url string, expected int) ([]json.RawMessage, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	return e.dispatcher.Query(ctx, url, expected, s.timeouts.Rest)
}

// QueryAs is Query decoding every element as T.
func QueryAs[T any](ctx context.Context, e *Environment, url string, expected int) ([]T, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	return dispatch.QueryAs[T](ctx, e.dispatcher, url, expected, s.timeouts.Rest)
}

// AwaitEvents waits for expected events of eventType, for at most the
// event timeout.
func (e *Environment) AwaitEvents(ctx context.Context, eventType string, expected int) ([]bus.Message, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	return s.waiter.AwaitEvents(ctx, eventType, expected, s.timeouts.Event)
}

// WaitForEvents waits for expected events of type T.
func WaitForEvents[T any](ctx context.Context, e *Environment, expected int) ([]T, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	return bus.Await[T](ctx, s.waiter, expected, s.timeouts.Event)
}

// WaitForEvent waits for one event of type T and returns the first received.
func WaitForEvent[T any](ctx context.Context, e *Environment) (T, error) {
	s, err := e.session()
	if err != nil {
		var zero T
		return zero, err
	}
	return bus.AwaitOne[T](ctx, s.waiter, s.timeouts.Event)
}

// AwaitLast returns the latest push notification of payloadType.
func (e *Environment) AwaitLast(ctx context.Context, payloadType string) (any, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	return s.push.AwaitLast(ctx, payloadType, s.timeouts.Event)
}

// AwaitCount returns the first n push notifications of payloadType.
func (e *Environment) AwaitCount(ctx context.Context, payloadType string, n int) ([]any, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	return s.push.AwaitCount(ctx, payloadType, n, s.timeouts.Event)
}

// WaitForPush returns the latest push notification of type T.
func WaitForPush[T any](ctx context.Context, e *Environment) (T, error) {
	s, err := e.session()
	if err != nil {
		var zero T
		return zero, err
	}
	return push.Last[T](ctx, s.push, s.timeouts.Event)
}

// WaitForPushes returns the first n push notifications of type T.
func WaitForPushes[T any](ctx context.Context, e *Environment, n int) ([]T, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	return push.First[T](ctx, s.push, n, s.timeouts.Event)
}

// Exec runs a setup statement against the relational store.
func (e *Environment) Exec(ctx context.Context, stmt string, args ...any) error {
	s, err := e.session()
	if err != nil {
		return err
	}
	return s.store.Exec(ctx, stmt, args...)
}

// QueryRows runs a read-only statement against the relational store.
func (e *Environment) QueryRows(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	return s.store.Query(ctx, query, args...)
}

// CreatePlayersTable creates the table the CDC connector captures.
func (e *Environment) CreatePlayersTable(ctx context.Context) error {
	s, err := e.session()
	if err != nil {
		return err
	}
	return s.store.CreatePlayersTable(ctx)
}

// InsertPlayer inserts a player row stamped with the current time. The
// connector turns it into a PlayerStartedCareer event.
func (e *Environment) InsertPlayer(ctx context.Context, id int64, name string) error {
	s, err := e.session()
	if err != nil {
		return err
	}
	return s.store.InsertPlayer(ctx, id, name, e.clock.Now())
}

// Publish writes a raw event to the topic of eventType.
func (e *Environment) Publish(ctx context.Context, eventType, key string, value []byte) error {
	if _, err := e.session(); err != nil {
		return err
	}
	if !domain.IsEvent(eventType) {
		return &domain.UnknownTypeError{Kind: "event", Name: eventType}
	}
	p, err := e.publisherFor()
	if err != nil {
		return err
	}
	return p.Publish(ctx, eventType, key, value)
}

func (e *Environment) publisherFor() (*bus.Publisher, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.publisher != nil {
		return e.publisher, nil
	}
	p, err := bus.NewKafkaPublisher(e.cfg.Bus, e.logger)
	if err != nil {
		return nil, err
	}
	e.publisher = p
	return p, nil
}

// Replay plays a scenario log through the dispatcher, pacing lines with
// the configured compression. Each REST line retries on the configured
// transient status for at most the rest timeout.
func (e *Environment) Replay(ctx context.Context, r io.Reader) (*replay.Report, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	rc := e.cfg.Replay
	player := replay.NewPlayer(e.dispatcher, s.store, replay.Options{
		Factor:          rc.Factor,
		MinDelay:        rc.MinDelay,
		MaxDelay:        rc.MaxDelay,
		TransientStatus: rc.TransientStatus,
		Budget:          s.timeouts.Rest,
		SQLEnabled:      rc.SQLEnabled,
		Clock:           e.clock,
		Logger:          e.logger,
		Metrics:         e.metrics,
	})
	report, err := player.Play(ctx, r)
	if err != nil {
		return report, fmt.Errorf("replay: %w", err)
	}
	return report, nil
}

// Push returns the push collector of the current run.
func (e *Environment) Push() (*push.Collector, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	return s.push, nil
}
