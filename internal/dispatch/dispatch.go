// Package dispatch sends HTTP commands to the system under test.
//
// The backend is eventually consistent: a command that depends on an
// earlier one may be rejected with a designated transient status until the
// earlier command has propagated. SendWithRetry resends while that status
// comes back, bounded by a time budget. Any other status is returned to the
// caller unchanged.
package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sangdongvan/football-events/internal/clock"
	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/metrics"
)

// DefaultBackoff is the pause between two attempts of a retried command.
const DefaultBackoff = 500 * time.Millisecond

// Command is a single HTTP request with a JSON body.
type Command struct {
	Method string `json:"method" yaml:"method"`
	URL    string `json:"url" yaml:"url"`
	Body   string `json:"body,omitempty" yaml:"body,omitempty"`
}

func (c Command) String() string {
	if c.Body == "" {
		return c.Method + " " + c.URL
	}
	return c.Method + " " + c.URL + " " + c.Body
}

// Options configures a Dispatcher. Zero values select defaults.
type Options struct {
	Client  *http.Client
	Clock   clock.Clock
	Backoff time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Dispatcher sends commands and queries.
//
// Thread-safety: Safe for concurrent use; it holds no per-call state.
type Dispatcher struct {
	client  *http.Client
	clock   clock.Clock
	backoff time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		client:  opts.Client,
		clock:   clock.OrReal(opts.Clock),
		backoff: opts.Backoff,
		logger:  logging.OrDefault(opts.Logger),
		metrics: opts.Metrics,
	}
	if d.client == nil {
		d.client = NewHTTPClient(0)
	}
	if d.backoff <= 0 {
		d.backoff = DefaultBackoff
	}
	return d
}

// NewHTTPClient returns a client whose transport records OpenTelemetry spans.
// A zero timeout means no per-request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Send issues cmd once and returns the response status. The response body
// is discarded. Transport failures are returned as *TransportError.
func (d *Dispatcher) Send(ctx context.Context, cmd Command) (int, error) {
	logging.Trace(ctx, d.logger, "command", "method", cmd.Method, "url", cmd.URL, "body", cmd.Body)

	var body io.Reader
	if cmd.Body != "" {
		body = strings.NewReader(cmd.Body)
	}
	req, err := http.NewRequestWithContext(ctx, cmd.Method, cmd.URL, body)
	if err != nil {
		return 0, &TransportError{Command: cmd, Err: err}
	}
	if cmd.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.metrics.RecordCommand(cmd.Method, 0)
		return 0, &TransportError{Command: cmd, Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	d.metrics.RecordCommand(cmd.Method, resp.StatusCode)
	logging.Trace(ctx, d.logger, "command response", "method", cmd.Method, "url", cmd.URL, "status", resp.StatusCode)
	return resp.StatusCode, nil
}

// SendWithRetry sends cmd, and resends it after the backoff for as long as
// the response equals transient and budget has not elapsed.
//
// The first non-transient status is returned as-is, success or not. If the
// budget runs out while the status is still transient, the result is a
// *ResponseTimeoutError carrying that last status.
func (d *Dispatcher) SendWithRetry(ctx context.Context, cmd Command, transient int, budget time.Duration) (int, error) {
	end := d.clock.Now().Add(budget)

	for {
		status, err := d.Send(ctx, cmd)
		if err != nil {
			return status, err
		}
		if status != transient {
			return status, nil
		}

		logging.Trace(ctx, d.logger, "retry status received, trying again", "status", status, "url", cmd.URL)
		if err := d.clock.Sleep(ctx, d.backoff); err != nil {
			return status, err
		}
		if !d.clock.Now().Before(end) {
			return status, &ResponseTimeoutError{Command: cmd, Last: status, Budget: budget}
		}
		d.metrics.RecordRetry()
	}
}

// Execute is SendWithRetry followed by Expect2xx.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command, transient int, budget time.Duration) (int, error) {
	status, err := d.SendWithRetry(ctx, cmd, transient, budget)
	if err != nil {
		return status, err
	}
	return status, Expect2xx(cmd, status)
}

// Expect2xx returns an *UnexpectedStatusError unless status is 2xx.
func Expect2xx(cmd Command, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return &UnexpectedStatusError{Command: cmd, Status: status}
}
