package harness

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangdongvan/football-events/internal/bus"
	"github.com/sangdongvan/football-events/internal/dispatch"
	"github.com/sangdongvan/football-events/internal/domain"
	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/push"
	"github.com/sangdongvan/football-events/internal/store"
)

var created = time.Date(2018, 1, 1, 10, 0, 0, 0, time.UTC)

// fakeEnv answers from canned data and keeps a real in-memory store.
type fakeEnv struct {
	st *store.Store

	mu       sync.Mutex
	statuses []int
	calls    []string
	queries  map[string][]json.RawMessage
	events   map[string][]bus.Message
	pushes   map[string][]any
}

func newFakeEnv(t *testing.T) *fakeEnv {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, ":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &fakeEnv{
		st:      st,
		queries: make(map[string][]json.RawMessage),
		events:  make(map[string][]bus.Message),
		pushes:  make(map[string][]any),
	}
}

func (f *fakeEnv) next() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return http.StatusOK
	}
	s := f.statuses[0]
	f.statuses = f.statuses[1:]
	return s
}

func (f *fakeEnv) Command(_ context.Context, method, url, _ string) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method+" "+url)
	f.mu.Unlock()
	return f.next(), nil
}

func (f *fakeEnv) CommandWithRetry(ctx context.Context, method, url, body string, transient int) (int, error) {
	for {
		status, err := f.Command(ctx, method, url, body)
		if err != nil || status != transient {
			return status, err
		}
	}
}

func (f *fakeEnv) Query(_ context.Context, url string, expected int) ([]json.RawMessage, error) {
	elems := f.queries[url]
	if len(elems) != expected {
		return elems, &dispatch.CountMismatchError{URL: url, Expected: expected, Actual: len(elems)}
	}
	return elems, nil
}

func (f *fakeEnv) Exec(ctx context.Context, stmt string, args ...any) error {
	return f.st.Exec(ctx, stmt, args...)
}

func (f *fakeEnv) InsertPlayer(ctx context.Context, id int64, name string) error {
	return f.st.InsertPlayer(ctx, id, name, created)
}

func (f *fakeEnv) AwaitEvents(_ context.Context, eventType string, expected int) ([]bus.Message, error) {
	msgs := f.events[eventType]
	if len(msgs) < expected {
		return msgs, &bus.MissingEventsError{Topic: bus.TopicName(bus.DefaultTopicPrefix, eventType), Expected: expected, Found: msgs}
	}
	return msgs[:expected], nil
}

func (f *fakeEnv) AwaitCount(_ context.Context, payloadType string, n int) ([]any, error) {
	values := f.pushes[payloadType]
	if len(values) < n {
		return nil, &push.InsufficientEventsError{Type: payloadType, Expected: n, Found: values}
	}
	return values[:n], nil
}

func (f *fakeEnv) QueryRows(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return f.st.Query(ctx, query, args...)
}

// goalsEnv serves everything the player_goals scenario waits for.
func goalsEnv(t *testing.T) *fakeEnv {
	env := newFakeEnv(t)
	env.statuses = []int{http.StatusNotFound, http.StatusCreated}
	env.events["GoalScored"] = []bus.Message{{Topic: "fb-event.goal-scored", Value: []byte(`{"eventId":"e1","goalId":"g1"}`)}}
	env.pushes["PlayerGoals"] = []any{domain.PlayerGoals{PlayerID: "1", PlayerName: "Kane", Goals: 1}}
	env.queries["http://football-view-basic:18083/player-goals"] = []json.RawMessage{
		json.RawMessage(`{"playerId":"1","playerName":"Kane","goals":1}`),
	}
	return env
}

func TestRun_PlayerGoalsGolden(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/player_goals.yaml")
	require.NoError(t, err)
	env := goalsEnv(t)

	result, err := RunWithGolden(t, context.Background(), env, scenario)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{
		"POST http://football-match:18081/matches/m1/goals",
		"POST http://football-match:18081/matches/m1/goals",
	}, env.calls)
}

func TestRun_UnexpectedStatusStopsFlow(t *testing.T) {
	env := newFakeEnv(t)
	env.statuses = []int{http.StatusBadRequest}
	scenario := &Scenario{
		Name:        "bad_request",
		Description: "rejected command",
		Flow: []Step{
			{Command: &CommandStep{Method: http.MethodPost, URL: "http://football-match:18081/matches", Body: `{}`}},
			{WaitEvents: &WaitStep{Type: "MatchScheduled", Count: 1}},
		},
	}

	result, err := Run(context.Background(), env, scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Trace, 1, "the flow stops at the first failing step")
	assert.Equal(t, map[string]any{"status": http.StatusBadRequest}, result.Trace[0].Result)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "flow step 0 (command)")
	assert.Contains(t, result.Errors[0], "400")
}

func TestRun_ExpectedStatusMismatch(t *testing.T) {
	env := newFakeEnv(t)
	env.statuses = []int{http.StatusCreated}
	scenario := &Scenario{
		Name:        "conflict",
		Description: "expects a conflict",
		Flow: []Step{{
			Command: &CommandStep{Method: http.MethodPost, URL: "http://football-player:18082/players"},
			Expect:  &ExpectClause{Status: http.StatusConflict},
		}},
	}

	result, err := Run(context.Background(), env, scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, "expected status 409, got 201", result.Trace[0].Error)
}

func TestRun_MissingEvents(t *testing.T) {
	env := newFakeEnv(t)
	scenario := &Scenario{
		Name:        "no_events",
		Description: "nothing published",
		Flow:        []Step{{WaitEvents: &WaitStep{Type: "PlayerStartedCareer", Count: 2}}},
	}

	result, err := Run(context.Background(), env, scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, map[string]any{"count": 0}, result.Trace[0].Result)
	assert.Contains(t, result.Errors[0], "fb-event.player-started-career")
}

func TestRun_LastMismatch(t *testing.T) {
	env := goalsEnv(t)
	scenario := &Scenario{
		Name:        "wrong_goals",
		Description: "push payload differs",
		Flow: []Step{{
			WaitPush: &WaitStep{Type: "PlayerGoals", Count: 1},
			Expect:   &ExpectClause{Last: map[string]any{"goals": 2}},
		}},
	}

	result, err := Run(context.Background(), env, scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Trace[0].Error, `"goals":1`)
}

func TestRun_SetupFailureAborts(t *testing.T) {
	env := newFakeEnv(t)
	scenario := &Scenario{
		Name:        "bad_setup",
		Description: "setup statement fails",
		Setup:       []Step{{SQL: "INSERT INTO missing VALUES (1)"}},
		Flow:        []Step{{SQL: "SELECT 1"}},
	}

	result, err := Run(context.Background(), env, scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup step 0 (sql)")
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "setup", result.Trace[0].Phase)
}

func TestRun_FinalStateMismatch(t *testing.T) {
	env := newFakeEnv(t)
	scenario := &Scenario{
		Name:        "state",
		Description: "player row",
		Setup: []Step{
			{SQL: "CREATE TABLE players (id bigint PRIMARY KEY, name varchar(50) NOT NULL, created timestamp NOT NULL)"},
			{InsertPlayer: &PlayerStep{ID: 9, Name: "Vardy"}},
		},
		Flow: []Step{{SQL: "SELECT 1"}},
		Assertions: []Assertion{
			{Type: AssertFinalState, Table: "players", Where: map[string]any{"id": 9}, Expect: map[string]any{"name": "Kane"}},
		},
	}

	result, err := Run(context.Background(), env, scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `field "name" = Kane`)
}

func TestExpand(t *testing.T) {
	t.Setenv("FOOTBALL_UI", "http://localhost:18080")
	s := &Scenario{Vars: map[string]string{"match": "http://football-match:18081"}}

	assert.Equal(t, "http://football-match:18081/matches", s.expand("${match}/matches"))
	assert.Equal(t, "http://localhost:18080/ws", s.expand("${FOOTBALL_UI}/ws"))
	assert.Equal(t, `{"date":"${0}"}`, s.expand(`{"date":"${0}"}`))
}

func TestMatchArgs(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		expected map[string]any
		want     bool
	}{
		{"empty expectation", nil, nil, true},
		{"yaml int against json number", json.RawMessage(`{"goals":1}`), map[string]any{"goals": 1}, true},
		{"struct", domain.MatchScore{HomeGoals: 2}, map[string]any{"homeGoals": 2, "awayGoals": 0}, true},
		{"missing key", map[string]any{"a": 1}, map[string]any{"b": 1}, false},
		{"different value", map[string]any{"a": "x"}, map[string]any{"a": "y"}, false},
		{"not an object", json.RawMessage(`[1]`), map[string]any{"a": 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchArgs(tt.actual, tt.expected))
		})
	}
}

func TestEvaluateAssertions_Trace(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Phase: "flow", Action: ActionCommand, Args: map[string]any{"method": "POST"}, Result: map[string]any{"status": 404}},
		{Seq: 2, Phase: "flow", Action: ActionWaitEvents, Args: map[string]any{"type": "GoalScored", "count": 1}},
		{Seq: 3, Phase: "flow", Action: ActionCommand, Args: map[string]any{"method": "POST"}, Result: map[string]any{"status": 201}},
	}
	result := &Result{Trace: trace}

	tests := []struct {
		name      string
		assertion Assertion
		failure   string
	}{
		{"contains with result", Assertion{Type: AssertTraceContains, Action: ActionCommand, Result: map[string]any{"status": 201}}, ""},
		{"contains wrong result", Assertion{Type: AssertTraceContains, Action: ActionCommand, Result: map[string]any{"status": 500}}, "no such step in trace"},
		{"count", Assertion{Type: AssertTraceCount, Action: ActionCommand, Count: 2}, ""},
		{"count mismatch", Assertion{Type: AssertTraceCount, Action: ActionWaitPush, Count: 1}, "0 wait_push steps"},
		{"order", Assertion{Type: AssertTraceOrder, Actions: []string{ActionCommand, ActionWaitEvents}}, ""},
		{"order reversed", Assertion{Type: AssertTraceOrder, Actions: []string{ActionWaitEvents, ActionCommand}}, "command (step 1) is not after wait_events (step 2)"},
		{"order missing", Assertion{Type: AssertTraceOrder, Actions: []string{ActionSQL}}, "no sql step"},
		{"final state without env", Assertion{Type: AssertFinalState, Table: "players", Expect: map[string]any{"name": "Kane"}}, "final_state needs an environment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures := EvaluateAssertions(result, []Assertion{tt.assertion}, nil)
			if tt.failure == "" {
				assert.Empty(t, failures)
				return
			}
			require.Len(t, failures, 1)
			assert.Contains(t, failures[0], tt.failure)
		})
	}
}

func TestEvaluateAssertions_FinalStateRowErrors(t *testing.T) {
	env := newFakeEnv(t)
	ctx := context.Background()
	require.NoError(t, env.st.CreatePlayersTable(ctx))
	require.NoError(t, env.InsertPlayer(ctx, 1, "Kane"))
	require.NoError(t, env.InsertPlayer(ctx, 2, "Vardy"))
	actx := &AssertionContext{Env: env, Ctx: ctx}

	failures := EvaluateAssertions(&Result{}, []Assertion{
		{Type: AssertFinalState, Table: "players", Where: map[string]any{"id": 3}, Expect: map[string]any{"name": "Kane"}},
		{Type: AssertFinalState, Table: "players", Expect: map[string]any{"name": "Kane"}},
		{Type: AssertFinalState, Table: "players; DROP TABLE players", Expect: map[string]any{"name": "Kane"}},
		{Type: AssertFinalState, Table: "players", Where: map[string]any{"id": 2}, Expect: map[string]any{"name": "Vardy", "id": 2}},
	}, actx)

	require.Len(t, failures, 3)
	assert.Contains(t, failures[0], "row not found")
	assert.Contains(t, failures[1], "more than one row matched")
	assert.Contains(t, failures[2], "invalid table name")
}
