package cli

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sangdongvan/football-events/internal/bus"
	"github.com/sangdongvan/football-events/internal/config"
	"github.com/sangdongvan/football-events/internal/dispatch"
	"github.com/sangdongvan/football-events/internal/environment"
	"github.com/sangdongvan/football-events/internal/health"
	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/push"
	"github.com/sangdongvan/football-events/internal/replay"
	"github.com/sangdongvan/football-events/internal/store"
)

const scenarioLog = "../replay/testdata/scenario.txt"

// fakeSession stands in for a started environment.
type fakeSession struct {
	st *store.Store

	startErr    error
	replayErr   error
	shutdownErr error

	mu        sync.Mutex
	started   bool
	timeouts  config.Timeouts
	shutdowns int
	replayed  int
}

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, ":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &fakeSession{st: st, timeouts: config.Default().Timeouts}
}

func (f *fakeSession) SetTimeouts(t config.Timeouts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return environment.ErrAlreadyStarted
	}
	f.timeouts = t
	return nil
}

func (f *fakeSession) Timeouts() config.Timeouts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeouts
}

func (f *fakeSession) Start(context.Context) (*health.Report, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return &health.Report{
		Checks: []health.Status{
			{Name: "football-match", URL: "http://football-match:18081/actuator/health", State: "UP", Attempts: 2},
			{Name: "connect", URL: "http://connect:8083/connectors", State: "UP", Attempts: 1},
		},
		Elapsed: 1500 * time.Millisecond,
	}, nil
}

func (f *fakeSession) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.started = false
	return f.shutdownErr
}

func (f *fakeSession) Replay(_ context.Context, r io.Reader) (*replay.Report, error) {
	sum, err := replay.Scan(r, time.UTC)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.replayed = sum.Lines
	f.mu.Unlock()
	return &replay.Report{Lines: sum.Lines, REST: sum.REST, SQL: sum.SQL, Elapsed: 2 * time.Second}, f.replayErr
}

func (f *fakeSession) RunID() string { return "run-1" }

func (f *fakeSession) Command(context.Context, string, string, string) (int, error) {
	return http.StatusCreated, nil
}

func (f *fakeSession) CommandWithRetry(context.Context, string, string, string, int) (int, error) {
	return http.StatusCreated, nil
}

func (f *fakeSession) Query(_ context.Context, url string, expected int) ([]json.RawMessage, error) {
	if expected != 0 {
		return nil, &dispatch.CountMismatchError{URL: url, Expected: expected, Actual: 0}
	}
	return []json.RawMessage{}, nil
}

func (f *fakeSession) Exec(ctx context.Context, stmt string, args ...any) error {
	return f.st.Exec(ctx, stmt, args...)
}

func (f *fakeSession) InsertPlayer(ctx context.Context, id int64, name string) error {
	return f.st.InsertPlayer(ctx, id, name, time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC))
}

func (f *fakeSession) AwaitEvents(_ context.Context, eventType string, expected int) ([]bus.Message, error) {
	return nil, &bus.MissingEventsError{Topic: bus.TopicName(bus.DefaultTopicPrefix, eventType), Expected: expected}
}

func (f *fakeSession) AwaitCount(_ context.Context, payloadType string, n int) ([]any, error) {
	return nil, &push.InsufficientEventsError{Type: payloadType, Expected: n}
}

func (f *fakeSession) QueryRows(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return f.st.Query(ctx, query, args...)
}

// cliRun is the captured outcome of one CLI invocation.
type cliRun struct {
	code   int
	stdout string
	stderr string
}

// runCLI executes the root command with session standing in for the
// environment. A nil session keeps the production one.
func runCLI(t *testing.T, session Session, args ...string) cliRun {
	t.Helper()
	cmd, opts := newRoot()
	if session != nil {
		opts.NewSession = func(*RootOptions) Session { return session }
	}
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), cmd, opts, args, &stdout, &stderr)
	return cliRun{code: code, stdout: stdout.String(), stderr: stderr.String()}
}
