// Package health blocks until every service of the system under test reports ready.
//
// A Check is a readiness probe: an HTTP GET whose response body must match a
// pattern. Each check moves from Pending to Satisfied exactly once. The
// optional OnFirstSuccess hook runs synchronously on that transition and may
// do further setup (create a table, register a connector) before polling
// moves on to the next check.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/sangdongvan/football-events/internal/clock"
	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/metrics"
)

// DefaultInterval is the pause between two polling rounds.
const DefaultInterval = time.Second

// maxBody bounds how much of a health response is read for matching.
const maxBody = 1 << 20

// State is the lifecycle of a single check.
type State int

const (
	Pending State = iota
	Satisfied
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Satisfied:
		return "satisfied"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Hook is a one-shot action fired the first time a check passes.
type Hook func(ctx context.Context) error

// Check is an immutable readiness probe.
type Check struct {
	Name           string
	URL            string
	Pattern        *regexp.Regexp
	OnFirstSuccess Hook
}

// NewCheck compiles pattern and returns a Check.
func NewCheck(name, url, pattern string, hook Hook) (Check, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Check{}, fmt.Errorf("check %s: invalid pattern: %w", name, err)
	}
	return Check{Name: name, URL: url, Pattern: re, OnFirstSuccess: hook}, nil
}

// Status is the outcome of one check after AwaitReady returns.
type Status struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	// LastError describes the most recent failed probe, if any.
	LastError string `json:"last_error,omitempty"`
}

// Report summarizes an AwaitReady call.
type Report struct {
	Checks  []Status      `json:"checks"`
	Elapsed time.Duration `json:"elapsed"`
}

// Options configures a Poller. Zero values select defaults.
type Options struct {
	Client   *http.Client
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Poller runs readiness checks in round-robin until all pass.
//
// Thread-safety: A Poller holds no per-call state; AwaitReady may be called
// from several goroutines, though the harness calls it once per run.
type Poller struct {
	client   *http.Client
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// NewPoller creates a Poller.
func NewPoller(opts Options) *Poller {
	p := &Poller{
		client:   opts.Client,
		clock:    clock.OrReal(opts.Clock),
		interval: opts.Interval,
		logger:   logging.OrDefault(opts.Logger),
		metrics:  opts.Metrics,
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 5 * time.Second}
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	return p
}

type tracked struct {
	check    Check
	state    State
	attempts int
	lastErr  error
}

// AwaitReady polls checks until every one has been satisfied at least once.
//
// Checks are probed in order; satisfied checks are skipped in later rounds.
// A hook error aborts immediately with a *HookError. If checks remain pending
// once timeout has elapsed, AwaitReady returns a *StartupTimeoutError.
func (p *Poller) AwaitReady(ctx context.Context, checks []Check, timeout time.Duration) (*Report, error) {
	start := p.clock.Now()
	deadline := start.Add(timeout)

	states := make([]*tracked, len(checks))
	for i, c := range checks {
		states[i] = &tracked{check: c}
	}
	p.logger.Info("waiting for services", "count", len(checks), "timeout", timeout)

	for {
		pending := 0
		for _, s := range states {
			if s.state == Satisfied {
				continue
			}
			if s.attempts > 0 && !p.clock.Now().Before(deadline) {
				pending++
				continue
			}
			if err := p.poll(ctx, s, deadline); err != nil {
				p.metrics.ObserveWait(metrics.WaitHealth, metrics.OutcomeError, p.clock.Now().Sub(start))
				return p.report(states, start), err
			}
			if s.state == Pending {
				pending++
			}
		}

		if pending == 0 {
			elapsed := p.clock.Now().Sub(start)
			p.metrics.ObserveWait(metrics.WaitHealth, metrics.OutcomeOK, elapsed)
			p.logger.Info("all services ready", "elapsed", elapsed)
			return p.report(states, start), nil
		}

		if !p.clock.Now().Before(deadline) {
			p.metrics.ObserveWait(metrics.WaitHealth, metrics.OutcomeTimeout, p.clock.Now().Sub(start))
			return p.report(states, start), newStartupTimeout(timeout, states)
		}

		if err := p.clock.Sleep(ctx, p.interval); err != nil {
			return p.report(states, start), fmt.Errorf("waiting for services: %w", err)
		}
	}
}

// poll probes one pending check and fires its hook on first success.
// Only hook failures and context cancellation are returned as errors.
func (p *Poller) poll(ctx context.Context, s *tracked, deadline time.Time) error {
	s.attempts++
	err := p.probe(ctx, s.check, deadline)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.lastErr = err
		p.logger.Debug("service not ready", "service", s.check.Name, "attempt", s.attempts, "error", err)
		return nil
	}

	s.state = Satisfied
	s.lastErr = nil
	p.logger.Info("service ready", "service", s.check.Name, "attempts", s.attempts)

	if s.check.OnFirstSuccess != nil {
		if err := s.check.OnFirstSuccess(ctx); err != nil {
			return &HookError{Check: s.check.Name, Err: err}
		}
	}
	return nil
}

// probe GETs the check URL. The request never outlives the startup deadline.
func (p *Poller) probe(ctx context.Context, c Check, deadline time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, deadline.Sub(p.clock.Now()))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if c.Pattern == nil || !c.Pattern.Match(body) {
		return fmt.Errorf("status %d: body does not match %s", resp.StatusCode, c.Pattern)
	}
	return nil
}

func (p *Poller) report(states []*tracked, start time.Time) *Report {
	r := &Report{Checks: make([]Status, len(states)), Elapsed: p.clock.Now().Sub(start)}
	for i, s := range states {
		st := Status{
			Name:     s.check.Name,
			URL:      s.check.URL,
			State:    s.state.String(),
			Attempts: s.attempts,
		}
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		r.Checks[i] = st
	}
	return r
}
