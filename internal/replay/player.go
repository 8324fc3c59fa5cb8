package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sangdongvan/football-events/internal/clock"
	"github.com/sangdongvan/football-events/internal/dispatch"
	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/metrics"
)

// Dispatcher issues REST lines. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Execute(ctx context.Context, cmd dispatch.Command, transient int, budget time.Duration) (int, error)
}

// Executor runs SQL lines. *store.Store satisfies it.
type Executor interface {
	Exec(ctx context.Context, stmt string, args ...any) error
}

// Options configures a Player. Zero values select the reference pacing.
type Options struct {
	Factor   float64
	MinDelay time.Duration
	MaxDelay time.Duration
	// TransientStatus is the status that makes a REST line retry.
	TransientStatus int
	// Budget bounds the retries of one REST line.
	Budget time.Duration
	// SQLEnabled runs SQL lines; otherwise they are counted as skipped.
	SQLEnabled bool
	// Location is used to read and format dates. Defaults to time.Local.
	Location *time.Location

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Step records how one line was applied.
type Step struct {
	Line    int           `json:"line"`
	Kind    Kind          `json:"kind"`
	Command string        `json:"command"`
	Status  int           `json:"status,omitempty"`
	Skipped bool          `json:"skipped,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
}

// Report summarizes a replay.
type Report struct {
	Lines   int           `json:"lines"`
	REST    int           `json:"rest"`
	SQL     int           `json:"sql"`
	Skipped int           `json:"skipped"`
	Steps   []Step        `json:"steps"`
	Elapsed time.Duration `json:"elapsed"`
}

// Player replays scenario logs.
//
// Thread-safety: a Player holds no per-run state, but lines of one log are
// always issued sequentially in log order.
type Player struct {
	dispatcher Dispatcher
	executor   Executor
	opts       Options
	clock      clock.Clock
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewPlayer creates a Player. executor may be nil when SQL lines are disabled.
func NewPlayer(d Dispatcher, executor Executor, opts Options) *Player {
	if opts.Factor <= 0 {
		opts.Factor = DefaultFactor
	}
	if opts.MinDelay == 0 && opts.MaxDelay == 0 {
		opts.MinDelay, opts.MaxDelay = DefaultMinDelay, DefaultMaxDelay
	}
	if opts.TransientStatus == 0 {
		opts.TransientStatus = 404
	}
	if opts.Budget <= 0 {
		opts.Budget = 10 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("replay")
	}
	return &Player{
		dispatcher: d,
		executor:   executor,
		opts:       opts,
		clock:      clock.OrReal(opts.Clock),
		logger:     logging.OrDefault(opts.Logger),
		tracer:     tracer,
	}
}

// Play issues every line of the log in order, sleeping the clamped,
// compressed gap between consecutive lines. The first line's timestamp is
// the anchor for parameter substitution.
//
// Play stops at the first malformed line or failed command. The returned
// report covers the lines applied so far, also on error.
func (p *Player) Play(ctx context.Context, r io.Reader) (*Report, error) {
	start := p.clock.Now()
	report := &Report{Steps: []Step{}}
	finish := func(err error) (*Report, error) {
		report.Elapsed = p.clock.Now().Sub(start)
		return report, err
	}

	reader := NewReader(r, p.opts.Location)
	cur, err := reader.Next()
	if errors.Is(err, io.EOF) {
		return finish(nil)
	}
	if err != nil {
		return finish(err)
	}
	anchor := cur.Timestamp

	for {
		step, err := p.apply(ctx, cur, anchor)
		report.record(step)
		if err != nil {
			return finish(err)
		}

		next, err := reader.Next()
		if errors.Is(err, io.EOF) {
			p.logger.Info("scenario finished", "lines", report.Lines, "skipped", report.Skipped)
			return finish(nil)
		}
		if err != nil {
			return finish(err)
		}

		delay := Delay(cur.Timestamp, next.Timestamp, p.opts.Factor, p.opts.MinDelay, p.opts.MaxDelay)
		report.Steps[len(report.Steps)-1].Delay = delay
		p.logger.Debug("delay", "ms", delay.Milliseconds())
		if err := p.clock.Sleep(ctx, delay); err != nil {
			return finish(err)
		}
		cur = next
	}
}

func (p *Player) apply(ctx context.Context, line Line, anchor time.Time) (Step, error) {
	ctx, span := p.tracer.Start(ctx, "replay.line",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("replay.line", line.Number),
			attribute.String("replay.kind", string(line.Kind)),
		),
	)
	defer span.End()

	now := p.clock.Now().In(p.opts.Location)
	step := Step{Line: line.Number, Kind: line.Kind}
	var err error

	switch line.Kind {
	case KindSQL:
		stmt := Substitute(line.Target, line.Params, anchor, now, p.opts.Factor, LayoutSQL)
		step.Command = stmt
		if !p.opts.SQLEnabled || p.executor == nil {
			step.Skipped = true
			p.logger.Debug("sql line skipped", "line", line.Number)
			break
		}
		if err = p.executor.Exec(ctx, stmt); err == nil {
			p.logger.Debug("sql", "line", line.Number, "stmt", stmt)
		}
	default:
		cmd := dispatch.Command{
			Method: line.Method,
			URL:    line.Target,
			Body:   Substitute(line.Body, line.Params, anchor, now, p.opts.Factor, LayoutREST),
		}
		step.Command = cmd.String()
		span.SetAttributes(attribute.String("http.request.method", cmd.Method), attribute.String("url.full", cmd.URL))
		step.Status, err = p.dispatcher.Execute(ctx, cmd, p.opts.TransientStatus, p.opts.Budget)
		if err == nil {
			p.logger.Debug("command applied", "line", line.Number, "status", step.Status, "command", cmd.String())
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return step, &LineError{Line: line.Number, Kind: line.Kind, Err: err}
	}
	kind := string(line.Kind)
	if step.Skipped {
		kind = "skipped"
	}
	p.opts.Metrics.RecordReplayLine(kind)
	return step, nil
}

func (r *Report) record(s Step) {
	r.Lines++
	switch {
	case s.Skipped:
		r.Skipped++
	case s.Kind == KindSQL:
		r.SQL++
	default:
		r.REST++
	}
	r.Steps = append(r.Steps, s)
}
