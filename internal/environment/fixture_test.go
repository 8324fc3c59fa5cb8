package environment_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/sangdongvan/football-events/internal/bus/bustest"
	"github.com/sangdongvan/football-events/internal/clock"
	"github.com/sangdongvan/football-events/internal/config"
	"github.com/sangdongvan/football-events/internal/environment"
	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/metrics"
	"github.com/sangdongvan/football-events/internal/push"
	"github.com/sangdongvan/football-events/internal/push/pushtest"
	"github.com/sangdongvan/football-events/internal/testutil"
)

// fakeDocker lists no containers and counts Close calls.
type fakeDocker struct {
	closes   atomic.Int32
	closeErr error
}

func (d *fakeDocker) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	return nil, nil
}

func (d *fakeDocker) Close() error {
	d.closes.Add(1)
	return d.closeErr
}

// fakeOrchestrator counts Up and Down calls.
type fakeOrchestrator struct {
	mu      sync.Mutex
	ups     int
	downs   int
	downErr error
}

func (o *fakeOrchestrator) Up(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ups++
	return nil
}

func (o *fakeOrchestrator) Down(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.downs++
	return o.downErr
}

func (o *fakeOrchestrator) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ups, o.downs
}

// stack fakes every service the environment talks to.
type stack struct {
	t *testing.T

	services *httptest.Server
	push     *pushtest.Server
	broker   *bustest.Broker
	compose  *fakeOrchestrator
	metrics  *metrics.Collector

	// healthFailures is how many health probes answer DOWN before UP.
	healthFailures  atomic.Int32
	healthProbes    atomic.Int32
	connectorStatus atomic.Int32
	registrations   atomic.Int32

	mu       sync.Mutex
	commands []int // scripted statuses of /command
	calls    int
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{
		t:       t,
		push:    pushtest.NewServer(t),
		broker:  bustest.NewBroker(clock.Real{}),
		compose: &fakeOrchestrator{},
		metrics: metrics.New(),
	}
	s.connectorStatus.Store(http.StatusCreated)

	mux := http.NewServeMux()
	mux.HandleFunc("/actuator/health", func(w http.ResponseWriter, _ *http.Request) {
		n := s.healthProbes.Add(1)
		if n <= s.healthFailures.Load() {
			_, _ = w.Write([]byte(`{"status":"DOWN"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"UP"}`))
	})
	mux.HandleFunc("GET /connectors", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("POST /connectors/", func(w http.ResponseWriter, _ *http.Request) {
		s.registrations.Add(1)
		w.WriteHeader(int(s.connectorStatus.Load()))
	})
	mux.HandleFunc("/command", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls++
		status := http.StatusOK
		if len(s.commands) > 0 {
			status = s.commands[min(s.calls, len(s.commands))-1]
		}
		w.WriteHeader(status)
	})
	mux.HandleFunc("/query", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"playerId":"1","playerName":"Kane","goals":2}]`))
	})
	s.services = httptest.NewServer(mux)
	t.Cleanup(s.services.Close)
	return s
}

func (s *stack) script(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = statuses
	s.calls = 0
}

func (s *stack) commandCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stack) config() config.Config {
	cfg := config.Default()
	cfg.Timeouts = config.Timeouts{
		Startup:        2 * time.Second,
		Rest:           time.Second,
		Event:          300 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
	}
	cfg.Services = []config.ServiceCheck{
		{Name: "football-match", URL: s.services.URL + "/actuator/health", Pattern: `\{"status":"UP"\}`},
		{Name: "connect", URL: s.services.URL + "/connectors", Pattern: `\[.*\]`, Hook: config.HookConnector},
	}
	cfg.Connector.URL = s.services.URL + "/connectors/"
	cfg.Connector.Settle = 0
	cfg.Push.URL = s.push.URL()
	cfg.Store = config.StoreConfig{Driver: "sqlite3", DSN: ":memory:"}
	cfg.Dispatch.RetryBackoff = 10 * time.Millisecond
	cfg.Replay.MinDelay = time.Millisecond
	cfg.Replay.MaxDelay = 5 * time.Millisecond
	return cfg
}

func (s *stack) environment(cfg config.Config, with ...func(*environment.Options)) *environment.Environment {
	opts := environment.Options{
		Config:       cfg,
		IDs:          testutil.NewSequentialIDs("run"),
		Logger:       logging.Discard(),
		Metrics:      s.metrics,
		HTTPClient:   s.services.Client(),
		Orchestrator: s.compose,
		Sources:      s.broker,
	}
	for _, f := range with {
		f(&opts)
	}
	return environment.New(opts)
}

// started returns an environment started against the stack and shut down
// at cleanup if the test left it running.
func (s *stack) started() *environment.Environment {
	s.t.Helper()
	env := s.environment(s.config())
	if _, err := env.Start(context.Background()); err != nil {
		s.t.Fatalf("start: %v", err)
	}
	s.t.Cleanup(func() {
		if env.Started() {
			_ = env.Shutdown(context.Background())
		}
	})
	if !s.push.WaitFor(push.CmdSubscribe, len(s.config().Push.Feeds), 5*time.Second) {
		s.t.Fatal("push subscriptions not received")
	}
	return env
}
