package environment_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangdongvan/football-events/internal/bus"
	"github.com/sangdongvan/football-events/internal/compose"
	"github.com/sangdongvan/football-events/internal/config"
	"github.com/sangdongvan/football-events/internal/connector"
	"github.com/sangdongvan/football-events/internal/domain"
	"github.com/sangdongvan/football-events/internal/environment"
	"github.com/sangdongvan/football-events/internal/health"
	"github.com/sangdongvan/football-events/internal/push"
)

func TestStart_WaitsForServicesAndRegistersConnectorOnce(t *testing.T) {
	s := newStack(t)
	s.healthFailures.Store(3)
	env := s.environment(s.config())

	report, err := env.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Shutdown(context.Background()) })

	assert.True(t, env.Started())
	assert.Equal(t, "run-1", env.RunID())
	assert.Len(t, report.Checks, 2)
	assert.GreaterOrEqual(t, int(s.healthProbes.Load()), 4)
	assert.Equal(t, int32(1), s.registrations.Load())

	ups, downs := s.compose.counts()
	assert.Equal(t, 1, ups)
	assert.Equal(t, 0, downs)

	// The connector hook created the players table.
	require.NoError(t, env.InsertPlayer(context.Background(), 7, "Kane"))
}

func TestOperations_BeforeStartFail(t *testing.T) {
	s := newStack(t)
	env := s.environment(s.config())
	ctx := context.Background()

	_, err := env.Command(ctx, http.MethodPost, s.services.URL+"/command", "{}")
	assert.ErrorIs(t, err, environment.ErrNotStarted)
	_, err = env.Query(ctx, s.services.URL+"/query", 1)
	assert.ErrorIs(t, err, environment.ErrNotStarted)
	_, err = environment.WaitForEvent[domain.PlayerStartedCareer](ctx, env)
	assert.ErrorIs(t, err, environment.ErrNotStarted)
	_, err = environment.WaitForPush[domain.MatchScore](ctx, env)
	assert.ErrorIs(t, err, environment.ErrNotStarted)
	assert.ErrorIs(t, env.Exec(ctx, "SELECT 1"), environment.ErrNotStarted)
	_, err = env.Replay(ctx, strings.NewReader(""))
	assert.ErrorIs(t, err, environment.ErrNotStarted)
	assert.ErrorIs(t, env.Shutdown(ctx), environment.ErrNotStarted)
}

func TestStart_Twice(t *testing.T) {
	s := newStack(t)
	env := s.started()

	_, err := env.Start(context.Background())
	assert.ErrorIs(t, err, environment.ErrAlreadyStarted)
	assert.ErrorIs(t, env.SetTimeouts(config.Timeouts{Startup: time.Second, Rest: time.Second, Event: time.Second}),
		environment.ErrAlreadyStarted)
}

func TestSetTimeouts(t *testing.T) {
	s := newStack(t)
	env := s.environment(s.config())

	want := config.Timeouts{Startup: 3 * time.Second, Rest: 2 * time.Second, Event: time.Second}
	require.NoError(t, env.SetTimeouts(want))
	assert.Equal(t, want, env.Timeouts())

	assert.Error(t, env.SetTimeouts(config.Timeouts{Startup: time.Second}))
	assert.Equal(t, want, env.Timeouts())
}

func TestStart_TimeoutDoesNotTearDown(t *testing.T) {
	s := newStack(t)
	s.healthFailures.Store(1 << 20)
	env := s.environment(s.config())
	require.NoError(t, env.SetTimeouts(config.Timeouts{Startup: 100 * time.Millisecond, Rest: time.Second, Event: time.Second}))

	_, err := env.Start(context.Background())

	var timeout *health.StartupTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, []string{"football-match"}, timeout.Pending)
	assert.False(t, env.Started())

	ups, downs := s.compose.counts()
	assert.Equal(t, 1, ups)
	assert.Equal(t, 0, downs)
	assert.ErrorIs(t, env.Shutdown(context.Background()), environment.ErrNotStarted)
}

func TestStart_FailureClosesDockerClient(t *testing.T) {
	s := newStack(t)
	s.healthFailures.Store(1 << 20)
	docker := &fakeDocker{}
	env := s.environment(s.config(), func(o *environment.Options) {
		o.Inspector = compose.NewInspectorWithClient(docker, "football")
	})
	require.NoError(t, env.SetTimeouts(config.Timeouts{Startup: 100 * time.Millisecond, Rest: time.Second, Event: time.Second}))

	_, err := env.Start(context.Background())

	assert.True(t, health.IsStartupTimeout(err))
	assert.Equal(t, int32(1), docker.closes.Load())
}

func TestStart_ConnectorRejected(t *testing.T) {
	s := newStack(t)
	s.connectorStatus.Store(http.StatusInternalServerError)
	env := s.environment(s.config())

	_, err := env.Start(context.Background())

	var hookErr *health.HookError
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, "connect", hookErr.Check)
	var regErr *connector.RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, http.StatusInternalServerError, regErr.Status)
	assert.False(t, env.Started())
}

func TestStart_ExistingConnectorIsAccepted(t *testing.T) {
	s := newStack(t)
	s.connectorStatus.Store(http.StatusConflict)
	env := s.environment(s.config())

	_, err := env.Start(context.Background())
	require.NoError(t, err)
	assert.NoError(t, env.Shutdown(context.Background()))
}

func TestCommandWithRetry(t *testing.T) {
	s := newStack(t)
	env := s.started()
	s.script(http.StatusNotFound, http.StatusNotFound, http.StatusCreated)

	status, err := env.CommandWithRetry(context.Background(), http.MethodPost, s.services.URL+"/command", `{"id":"1"}`, http.StatusNotFound)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 3, s.commandCalls())
}

func TestCommand_NoRetry(t *testing.T) {
	s := newStack(t)
	env := s.started()
	s.script(http.StatusNotFound, http.StatusCreated)

	status, err := env.Command(context.Background(), http.MethodPost, s.services.URL+"/command", `{}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 1, s.commandCalls())
}

func TestQueryAs(t *testing.T) {
	s := newStack(t)
	env := s.started()

	goals, err := environment.QueryAs[domain.PlayerGoals](context.Background(), env, s.services.URL+"/query", 1)
	require.NoError(t, err)
	assert.Equal(t, []domain.PlayerGoals{{PlayerID: "1", PlayerName: "Kane", Goals: 2}}, goals)
}

func TestWaitForEvent(t *testing.T) {
	s := newStack(t)
	env := s.started()
	s.broker.Publish("fb-event.player-started-career", []byte(`{"eventId":"e1","playerId":"7","name":"Kane"}`))

	got, err := environment.WaitForEvent[domain.PlayerStartedCareer](context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "7", got.PlayerID)
	assert.Equal(t, "Kane", got.Name)
}

func TestWaitForEvents_Missing(t *testing.T) {
	s := newStack(t)
	env := s.started()

	_, err := environment.WaitForEvents[domain.PlayerStartedCareer](context.Background(), env, 2)
	assert.True(t, bus.IsMissingEvents(err), "got %v", err)
}

func TestWaitForPush(t *testing.T) {
	s := newStack(t)
	env := s.started()

	for i := 1; i <= 2; i++ {
		n, err := s.push.Send("/topic/MatchScore", fmt.Sprintf(`{"matchId":"m1","homeClubId":"c1","awayClubId":"c2","homeGoals":%d,"awayGoals":0}`, i))
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	scores, err := environment.WaitForPushes[domain.MatchScore](context.Background(), env, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, scores[0].HomeGoals)

	last, err := environment.WaitForPush[domain.MatchScore](context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 2, last.HomeGoals)
}

func TestWaitForPush_NotFound(t *testing.T) {
	s := newStack(t)
	env := s.started()

	_, err := env.AwaitLast(context.Background(), "TopPlayers")
	assert.True(t, push.IsNotFound(err), "got %v", err)
}

func TestPublish_UnknownEvent(t *testing.T) {
	s := newStack(t)
	env := s.started()

	err := env.Publish(context.Background(), "MatchScore", "k", []byte(`{}`))
	var unknown *domain.UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "event", unknown.Kind)
}

func TestReplay_RetriesTransientAnswers(t *testing.T) {
	s := newStack(t)
	env := s.started()
	s.script(http.StatusNotFound, http.StatusNotFound, http.StatusCreated)

	scenario := "2017-08-05T11:00\tPOST\t" + s.services.URL + "/command\t{\"date\":\"${0}\"}\t2017-08-05T11:00\n"
	report, err := env.Replay(context.Background(), strings.NewReader(scenario))
	require.NoError(t, err)

	assert.Equal(t, 1, report.REST)
	assert.Equal(t, http.StatusCreated, report.Steps[0].Status)
	assert.Equal(t, 3, s.commandCalls())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.ReplayLines.WithLabelValues("rest")))
}

func TestReplay_SQLLines(t *testing.T) {
	s := newStack(t)
	cfg := s.config()
	cfg.Replay.SQLEnabled = true
	env := s.environment(cfg)
	_, err := env.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Shutdown(context.Background()) })

	scenario := "2017-08-05T11:05\tINSERT INTO players VALUES (2, 'Vardy', '${0}') ON CONFLICT DO NOTHING\t2017-08-05 11:05\n"
	report, err := env.Replay(context.Background(), strings.NewReader(scenario))
	require.NoError(t, err)
	assert.Equal(t, 1, report.SQL)
	assert.Zero(t, report.Skipped)
}

func TestShutdown_JoinsErrors(t *testing.T) {
	s := newStack(t)
	s.compose.downErr = errors.New("compose down failed")
	env := s.started()

	err := env.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop containers: compose down failed")
	assert.False(t, env.Started())

	_, downs := s.compose.counts()
	assert.Equal(t, 1, downs)
	assert.True(t, s.push.WaitFor(push.CmdDisconnect, 1, 5*time.Second))
}

func TestShutdown_ReportsDockerCloseError(t *testing.T) {
	s := newStack(t)
	docker := &fakeDocker{closeErr: errors.New("daemon gone")}
	env := s.environment(s.config(), func(o *environment.Options) {
		o.Inspector = compose.NewInspectorWithClient(docker, "football")
	})
	_, err := env.Start(context.Background())
	require.NoError(t, err)

	err = env.Shutdown(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "close docker client: daemon gone")
	assert.False(t, env.Started())
	assert.Equal(t, int32(1), docker.closes.Load())
}

func TestRestart(t *testing.T) {
	s := newStack(t)
	env := s.started()
	first := env.RunID()
	require.NoError(t, env.Shutdown(context.Background()))

	_, err := env.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, env.RunID())
	assert.Equal(t, int32(2), s.registrations.Load())
	require.NoError(t, env.Shutdown(context.Background()))
}
