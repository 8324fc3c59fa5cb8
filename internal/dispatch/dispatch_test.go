package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/metrics"
	fake "github.com/sangdongvan/football-events/internal/testutil"
)

var epoch = time.Date(2018, 1, 1, 10, 0, 0, 0, time.UTC)

type recorded struct {
	Method      string
	Path        string
	Body        string
	ContentType string
}

// scripted answers with statuses in order, repeating the last one.
type scripted struct {
	mu       sync.Mutex
	statuses []int
	bodies   []string
	requests []recorded
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, _ := io.ReadAll(r.Body)
	s.requests = append(s.requests, recorded{r.Method, r.URL.Path, string(body), r.Header.Get("Content-Type")})

	i := len(s.requests) - 1
	status := s.statuses[min(i, len(s.statuses)-1)]
	w.WriteHeader(status)
	if len(s.bodies) > 0 {
		fmt.Fprint(w, s.bodies[min(i, len(s.bodies)-1)])
	}
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newServer(t *testing.T, s *scripted) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv
}

func newTestDispatcher(clk *fake.FakeClock, m *metrics.Collector) *Dispatcher {
	return New(Options{Clock: clk, Logger: logging.Discard(), Metrics: m})
}

func TestSend_ReturnsStatusAndSendsJSON(t *testing.T) {
	s := &scripted{statuses: []int{http.StatusCreated}}
	srv := newServer(t, s)
	d := newTestDispatcher(fake.NewFakeClock(epoch), nil)

	status, err := d.Send(context.Background(), Command{Method: "POST", URL: srv.URL + "/command/matches", Body: `{"id":"m1"}`})

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	require.Len(t, s.requests, 1)
	assert.Equal(t, recorded{"POST", "/command/matches", `{"id":"m1"}`, "application/json"}, s.requests[0])
}

func TestSend_ClientErrorIsAStatusNotAnError(t *testing.T) {
	s := &scripted{statuses: []int{http.StatusUnprocessableEntity}}
	srv := newServer(t, s)

	status, err := newTestDispatcher(fake.NewFakeClock(epoch), nil).
		Send(context.Background(), Command{Method: "PATCH", URL: srv.URL})

	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestSend_TransportErrorCarriesCommand(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cmd := Command{Method: "POST", URL: url + "/command/goals", Body: `{"id":1}`}
	_, err := newTestDispatcher(fake.NewFakeClock(epoch), nil).Send(context.Background(), cmd)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, cmd, te.Command)
	assert.Contains(t, err.Error(), `POST `+url+`/command/goals {"id":1}`)
}

func TestSend_TraceLogsCommand(t *testing.T) {
	s := &scripted{statuses: []int{http.StatusOK}}
	srv := newServer(t, s)

	var buf bytes.Buffer
	d := New(Options{Clock: fake.NewFakeClock(epoch), Logger: logging.New(&buf, logging.LevelTrace)})
	_, err := d.Send(context.Background(), Command{Method: "POST", URL: srv.URL, Body: `{"x":1}`})

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "level=TRACE")
	assert.Contains(t, buf.String(), "method=POST")
	assert.Contains(t, buf.String(), `body="{\"x\":1}"`)
}

func TestSendWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	s := &scripted{statuses: []int{404, 404, 201}}
	srv := newServer(t, s)
	clk := fake.NewFakeClock(epoch)
	m := metrics.New()

	status, err := newTestDispatcher(clk, m).
		SendWithRetry(context.Background(), Command{Method: "POST", URL: srv.URL}, 404, 10*time.Second)

	require.NoError(t, err)
	assert.Equal(t, 201, status)
	assert.Equal(t, 3, s.count())
	assert.Equal(t, []time.Duration{DefaultBackoff, DefaultBackoff}, clk.Sleeps())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retries))
}

func TestSendWithRetry_NonTransientReturnsImmediately(t *testing.T) {
	for _, code := range []int{200, 201, 400, 409, 500} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			s := &scripted{statuses: []int{code}}
			srv := newServer(t, s)
			clk := fake.NewFakeClock(epoch)

			status, err := newTestDispatcher(clk, nil).
				SendWithRetry(context.Background(), Command{Method: "POST", URL: srv.URL}, 404, 10*time.Second)

			require.NoError(t, err)
			assert.Equal(t, code, status)
			assert.Equal(t, 1, s.count())
			assert.Empty(t, clk.Sleeps())
		})
	}
}

func TestSendWithRetry_TimeoutAfterFullBudget(t *testing.T) {
	s := &scripted{statuses: []int{404}}
	srv := newServer(t, s)
	clk := fake.NewFakeClock(epoch)
	budget := 2 * time.Second

	status, err := newTestDispatcher(clk, nil).
		SendWithRetry(context.Background(), Command{Method: "PUT", URL: srv.URL}, 404, budget)

	assert.Equal(t, 404, status)
	var rt *ResponseTimeoutError
	require.ErrorAs(t, err, &rt)
	assert.Equal(t, 404, rt.Last)
	assert.True(t, IsResponseTimeout(err))
	assert.GreaterOrEqual(t, clk.Elapsed(), budget)
	assert.Equal(t, 4, s.count(), "one send per backoff slot within the budget")
}

func TestSendWithRetry_CustomBackoff(t *testing.T) {
	s := &scripted{statuses: []int{422, 204}}
	srv := newServer(t, s)
	clk := fake.NewFakeClock(epoch)
	d := New(Options{Clock: clk, Backoff: 2 * time.Second, Logger: logging.Discard()})

	status, err := d.SendWithRetry(context.Background(), Command{Method: "POST", URL: srv.URL}, 422, time.Minute)

	require.NoError(t, err)
	assert.Equal(t, 204, status)
	assert.Equal(t, []time.Duration{2 * time.Second}, clk.Sleeps())
}

func TestExecute_UnexpectedStatusIsFatal(t *testing.T) {
	s := &scripted{statuses: []int{404, 500}}
	srv := newServer(t, s)

	cmd := Command{Method: "POST", URL: srv.URL, Body: "{}"}
	status, err := newTestDispatcher(fake.NewFakeClock(epoch), nil).
		Execute(context.Background(), cmd, 404, time.Minute)

	assert.Equal(t, 500, status)
	var us *UnexpectedStatusError
	require.ErrorAs(t, err, &us)
	assert.Equal(t, 500, us.Status)
	assert.True(t, IsUnexpectedStatus(err))
	assert.Equal(t, 2, s.count())
}

func TestExpect2xx(t *testing.T) {
	cmd := Command{Method: "GET", URL: "http://x"}
	assert.NoError(t, Expect2xx(cmd, 200))
	assert.NoError(t, Expect2xx(cmd, 299))
	assert.Error(t, Expect2xx(cmd, 199))
	assert.Error(t, Expect2xx(cmd, 300))
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "GET http://x", Command{Method: "GET", URL: "http://x"}.String())
	assert.Equal(t, "POST http://x {}", Command{Method: "POST", URL: "http://x", Body: "{}"}.String())
}
