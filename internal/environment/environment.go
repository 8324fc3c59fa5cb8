// Package environment owns the lifecycle of the system under test.
//
// An Environment composes the harness components around one run:
//
//	Start    compose up → health checks (connector hook) → store → push → bus
//	use      commands, queries, bus and push waits, SQL setup, replay
//	Shutdown push close → compose down → store close
//
// Start blocks until every health check has passed or the startup timeout
// has elapsed. Every other operation requires a started environment and
// fails with ErrNotStarted otherwise. Shutdown is only reachable after a
// successful Start; a failed Start releases what it acquired but never
// tears the stack down, so the startup error is not masked by a teardown
// error.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sangdongvan/football-events/internal/bus"
	"github.com/sangdongvan/football-events/internal/clock"
	"github.com/sangdongvan/football-events/internal/compose"
	"github.com/sangdongvan/football-events/internal/config"
	"github.com/sangdongvan/football-events/internal/connector"
	"github.com/sangdongvan/football-events/internal/dispatch"
	"github.com/sangdongvan/football-events/internal/health"
	"github.com/sangdongvan/football-events/internal/ids"
	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/metrics"
	"github.com/sangdongvan/football-events/internal/push"
	"github.com/sangdongvan/football-events/internal/store"
)

var (
	// ErrNotStarted is returned by operations that need a started environment.
	ErrNotStarted = errors.New("environment: not started")
	// ErrAlreadyStarted is returned by Start and SetTimeouts after Start.
	ErrAlreadyStarted = errors.New("environment: already started")
)

// Options injects collaborators. Zero values build the production ones
// from Config.
type Options struct {
	Config  config.Config
	Clock   clock.Clock
	IDs     ids.Generator
	Logger  *slog.Logger
	Metrics *metrics.Collector

	// HTTPClient is used for commands, queries, health checks and the
	// connector registration.
	HTTPClient   *http.Client
	Orchestrator compose.Orchestrator
	// Inspector, when set, logs container states after a startup timeout.
	Inspector *compose.Inspector
	// Sources opens bus subscriptions. Defaults to a Kafka consumer group.
	Sources bus.SourceFactory
	// Publisher seeds bus fixtures. Defaults to a Kafka producer created on
	// first use.
	Publisher *bus.Publisher
	Dialer    *websocket.Dialer
}

// Environment is the single controller of a harness run.
//
// Thread-safety: Lifecycle methods are serialized by a mutex. Operations
// between Start and Shutdown may be called from several goroutines.
type Environment struct {
	cfg     config.Config
	opts    Options
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector

	dispatcher   *dispatch.Dispatcher
	poller       *health.Poller
	orchestrator compose.Orchestrator

	mu        sync.Mutex
	started   bool
	timeouts  config.Timeouts
	runID     string
	store     *store.Store
	push      *push.Collector
	waiter    *bus.Waiter
	publisher *bus.Publisher
}

// New creates an Environment. Nothing is contacted before Start.
func New(opts Options) *Environment {
	cfg := opts.Config
	clk := clock.OrReal(opts.Clock)
	logger := logging.OrDefault(opts.Logger)

	client := opts.HTTPClient
	if client == nil {
		client = dispatch.NewHTTPClient(cfg.Dispatch.RequestTimeout)
	}
	orchestrator := opts.Orchestrator
	if orchestrator == nil {
		orchestrator = compose.New(cfg.Compose, logger)
	}
	opts.HTTPClient = client
	opts.IDs = ids.OrUUIDv7(opts.IDs)

	return &Environment{
		cfg:     cfg,
		opts:    opts,
		clock:   clk,
		logger:  logger,
		metrics: opts.Metrics,
		dispatcher: dispatch.New(dispatch.Options{
			Client:  client,
			Clock:   clk,
			Backoff: cfg.Dispatch.RetryBackoff,
			Logger:  logger,
			Metrics: opts.Metrics,
		}),
		poller: health.NewPoller(health.Options{
			Client:   client,
			Clock:    clk,
			Interval: cfg.Timeouts.HealthInterval,
			Logger:   logger,
			Metrics:  opts.Metrics,
		}),
		orchestrator: orchestrator,
		timeouts:     cfg.Timeouts,
		publisher:    opts.Publisher,
	}
}

// SetTimeouts replaces the wait budgets. It fails once started.
func (e *Environment) SetTimeouts(t config.Timeouts) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	if t.Startup <= 0 || t.Rest <= 0 || t.Event <= 0 {
		return fmt.Errorf("environment: timeouts must be positive")
	}
	e.timeouts = t
	return nil
}

// Timeouts returns the current wait budgets.
func (e *Environment) Timeouts() config.Timeouts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeouts
}

// Started reports whether Start succeeded and Shutdown has not run yet.
func (e *Environment) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// RunID identifies the current run in logs. Empty before Start.
func (e *Environment) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Start brings the stack up and blocks until it is ready.
func (e *Environment) Start(ctx context.Context) (*health.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil, ErrAlreadyStarted
	}

	runID := e.opts.IDs.Generate()
	logger := e.logger.With("run", runID)
	logger.Info("starting environment", "services", len(e.cfg.Services), "startup_timeout", e.timeouts.Startup)

	if err := e.orchestrator.Up(ctx); err != nil {
		e.release()
		return nil, fmt.Errorf("start containers: %w", err)
	}

	checks, err := e.checks()
	if err != nil {
		e.release()
		return nil, err
	}
	report, err := e.poller.AwaitReady(ctx, checks, e.timeouts.Startup)
	if err != nil {
		if health.IsStartupTimeout(err) && e.opts.Inspector != nil {
			e.opts.Inspector.LogStates(ctx, logger)
		}
		e.release()
		return report, err
	}

	if err := e.connect(ctx); err != nil {
		e.release()
		return report, err
	}

	e.runID = runID
	e.started = true
	logger.Info("environment ready", "elapsed", report.Elapsed)
	return report, nil
}

// Shutdown closes the push channel, stops the stack and closes the store.
// Every step runs even if an earlier one fails; the errors are joined.
func (e *Environment) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return ErrNotStarted
	}

	var errs []error
	if e.push != nil {
		if err := e.push.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close push channel: %w", err))
		}
	}
	if err := e.orchestrator.Down(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop containers: %w", err))
	}
	if e.publisher != nil && e.opts.Publisher == nil {
		if err := e.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
		e.publisher = nil
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := e.closeInspector(); err != nil {
		errs = append(errs, err)
	}

	e.store, e.push, e.waiter = nil, nil, nil
	e.started = false
	e.logger.Info("environment stopped", "run", e.runID)
	return errors.Join(errs...)
}

func (e *Environment) checks() ([]health.Check, error) {
	checks := make([]health.Check, 0, len(e.cfg.Services))
	for _, s := range e.cfg.Services {
		var hook health.Hook
		if s.Hook == config.HookConnector {
			hook = e.bootstrapConnector
		}
		c, err := health.NewCheck(s.Name, s.URL, s.Pattern, hook)
		if err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}
	return checks, nil
}

// bootstrapConnector creates the players table and registers the CDC
// connector as soon as the connect service answers, before the other
// services finish starting, so that no player row is missed by the snapshot.
func (e *Environment) bootstrapConnector(ctx context.Context) error {
	st, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	if err := st.CreatePlayersTable(ctx); err != nil {
		return err
	}
	definition, err := connector.Load(e.cfg.Connector.File)
	if err != nil {
		return err
	}
	if err := connector.Register(ctx, e.opts.HTTPClient, e.cfg.Connector.URL, definition, e.logger); err != nil {
		return err
	}
	return e.clock.Sleep(ctx, e.cfg.Connector.Settle)
}

func (e *Environment) openStore(ctx context.Context) (*store.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	st, err := store.Open(ctx, e.cfg.Store.Driver, e.cfg.Store.DSN, e.logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e.store = st
	return st, nil
}

// connect acquires the handles used after readiness.
func (e *Environment) connect(ctx context.Context) error {
	if _, err := e.openStore(ctx); err != nil {
		return err
	}

	collector := push.New(push.Options{
		URL:       e.cfg.Push.URL,
		Dialer:    e.opts.Dialer,
		Heartbeat: e.cfg.Push.Heartbeat,
		Clock:     e.clock,
		IDs:       e.opts.IDs,
		Logger:    e.logger,
		Metrics:   e.metrics,
	})
	for _, f := range e.cfg.Push.Feeds {
		if err := collector.SubscribeView(f.Name, f.Payload); err != nil {
			return fmt.Errorf("subscribe %s: %w", f.Name, err)
		}
	}
	if err := collector.Connect(ctx); err != nil {
		return err
	}
	e.push = collector

	sources := e.opts.Sources
	if sources == nil {
		bc := e.cfg.Bus
		if bc.ClientID == "" {
			bc.ClientID = "football-tests-" + e.opts.IDs.Generate()
		}
		kf, err := bus.NewKafkaFactory(bc, e.logger)
		if err != nil {
			return err
		}
		sources = kf
	}
	e.waiter = bus.NewWaiter(bus.WaiterOptions{
		Factory:     sources,
		TopicPrefix: e.cfg.Bus.TopicPrefix,
		Clock:       e.clock,
		Logger:      e.logger,
		Metrics:     e.metrics,
	})
	return nil
}

// release closes handles acquired by a Start that did not complete.
func (e *Environment) release() {
	if e.push != nil {
		_ = e.push.Close()
		e.push = nil
	}
	if e.store != nil {
		_ = e.store.Close()
		e.store = nil
	}
	e.waiter = nil
	if err := e.closeInspector(); err != nil {
		e.logger.Warn("failed to release environment", "error", err)
	}
}

func (e *Environment) closeInspector() error {
	if e.opts.Inspector == nil {
		return nil
	}
	if err := e.opts.Inspector.Close(); err != nil {
		return fmt.Errorf("close docker client: %w", err)
	}
	return nil
}

// session returns the started state under the lock.
func (e *Environment) session() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, ErrNotStarted
	}
	return &session{
		timeouts: e.timeouts,
		store:    e.store,
		push:     e.push,
		waiter:   e.waiter,
	}, nil
}

type session struct {
	timeouts config.Timeouts
	store    *store.Store
	push     *push.Collector
	waiter   *bus.Waiter
}

// Now is the environment clock's current time.
func (e *Environment) Now() time.Time {
	return e.clock.Now()
}
