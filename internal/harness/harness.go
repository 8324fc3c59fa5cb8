package harness

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sangdongvan/football-events/internal/bus"
	"github.com/sangdongvan/football-events/internal/dispatch"
	"github.com/sangdongvan/football-events/internal/logging"
)

// Env is the part of a started environment.Environment that scenarios use.
type Env interface {
	Command(ctx context.Context, method, url, body string) (int, error)
	CommandWithRetry(ctx context.Context, method, url, body string, transient int) (int, error)
	Query(ctx context.Context, url string, expected int) ([]json.RawMessage, error)
	Exec(ctx context.Context, stmt string, args ...any) error
	InsertPlayer(ctx context.Context, id int64, name string) error
	AwaitEvents(ctx context.Context, eventType string, expected int) ([]bus.Message, error)
	AwaitCount(ctx context.Context, payloadType string, n int) ([]any, error)
	QueryRows(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Harness executes scenarios against one environment.
type Harness struct {
	env    Env
	logger *slog.Logger
}

// New creates a Harness. A nil logger discards logs.
func New(env Env, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Harness{env: env, logger: logger}
}

// Run executes a scenario with a discarding logger.
func Run(ctx context.Context, env Env, scenario *Scenario) (*Result, error) {
	return New(env, nil).Run(ctx, scenario)
}

// Run executes setup, then the flow, then the assertions.
//
// The returned error is reserved for setup failures and cancellation; flow
// and assertion failures are reported through Result.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	logger := h.logger.With("scenario", scenario.Name)
	result := NewResult()

	for i, step := range scenario.Setup {
		ev, err := h.execute(ctx, scenario, step)
		ev.Phase = "setup"
		result.record(ev)
		if err != nil {
			return result, fmt.Errorf("setup step %d (%s): %w", i, step.Action(), err)
		}
	}

	for i, step := range scenario.Flow {
		ev, err := h.execute(ctx, scenario, step)
		ev.Phase = "flow"
		if err == nil {
			err = checkExpect(step, ev)
		}
		if err != nil {
			ev.Error = err.Error()
		}
		result.record(ev)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			logger.Warn("flow step failed", "step", i, "action", ev.Action, "error", err)
			result.AddError(fmt.Sprintf("flow step %d (%s): %v", i, ev.Action, err))
			break
		}
		logger.Info("flow step completed", "step", i, "action", ev.Action)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, &AssertionContext{Env: h.env, Ctx: ctx}) {
		result.AddError(msg)
	}
	logger.Info("scenario finished", "pass", result.Pass, "steps", len(result.Trace), "errors", len(result.Errors))
	return result, nil
}

// execute runs one step and describes it as a trace event.
func (h *Harness) execute(ctx context.Context, sc *Scenario, step Step) (TraceEvent, error) {
	ev := TraceEvent{Action: step.Action()}
	switch {
	case step.Command != nil:
		c := step.Command
		url, body := sc.expand(c.URL), sc.expand(c.Body)
		ev.Args = map[string]any{"method": c.Method, "url": url}
		if body != "" {
			ev.Args["body"] = body
		}
		var status int
		var err error
		if c.RetryOn != 0 {
			ev.Args["retry_on"] = c.RetryOn
			status, err = h.env.CommandWithRetry(ctx, c.Method, url, body, c.RetryOn)
		} else {
			status, err = h.env.Command(ctx, c.Method, url, body)
		}
		if status != 0 {
			ev.Result = map[string]any{"status": status}
		}
		return ev, err

	case step.Query != nil:
		url := sc.expand(step.Query.URL)
		ev.Args = map[string]any{"url": url, "count": step.Query.Count}
		elems, err := h.env.Query(ctx, url, step.Query.Count)
		ev.Result = map[string]any{"count": len(elems)}
		if len(elems) > 0 {
			ev.Result["last"] = elems[len(elems)-1]
		}
		return ev, err

	case step.SQL != "":
		stmt := sc.expand(step.SQL)
		ev.Args = map[string]any{"statement": stmt}
		return ev, h.env.Exec(ctx, stmt)

	case step.InsertPlayer != nil:
		p := step.InsertPlayer
		ev.Args = map[string]any{"id": p.ID, "name": p.Name}
		return ev, h.env.InsertPlayer(ctx, p.ID, p.Name)

	case step.WaitEvents != nil:
		w := step.WaitEvents
		ev.Args = map[string]any{"type": w.Type, "count": w.Count}
		msgs, err := h.env.AwaitEvents(ctx, w.Type, w.Count)
		ev.Result = map[string]any{"count": len(msgs)}
		if len(msgs) > 0 {
			ev.Result["last"] = json.RawMessage(msgs[len(msgs)-1].Value)
		}
		return ev, err

	case step.WaitPush != nil:
		w := step.WaitPush
		ev.Args = map[string]any{"type": w.Type, "count": w.Count}
		values, err := h.env.AwaitCount(ctx, w.Type, w.Count)
		ev.Result = map[string]any{"count": len(values)}
		if len(values) > 0 {
			ev.Result["last"] = values[len(values)-1]
		}
		return ev, err
	}
	return ev, errors.New("step has no action")
}

// checkExpect compares a successful step with its expect clause.
func checkExpect(step Step, ev TraceEvent) error {
	if step.Command != nil {
		status, _ := ev.Result["status"].(int)
		if step.Expect != nil && step.Expect.Status != 0 {
			if status != step.Expect.Status {
				return fmt.Errorf("expected status %d, got %d", step.Expect.Status, status)
			}
		} else if err := dispatch.Expect2xx(dispatch.Command{Method: step.Command.Method, URL: ev.Args["url"].(string)}, status); err != nil {
			return err
		}
	}
	if step.Expect == nil || step.Expect.Last == nil {
		return nil
	}
	last, ok := ev.Result["last"]
	if !ok {
		return errors.New("expected a last element, got none")
	}
	if !matchArgs(last, step.Expect.Last) {
		return fmt.Errorf("last element %s does not match %v", compact(last), step.Expect.Last)
	}
	return nil
}

// expand substitutes ${name} with a scenario variable, then an environment
// variable. Unknown names are kept as written.
func (s *Scenario) expand(text string) string {
	return os.Expand(text, func(name string) string {
		if v, ok := s.Vars[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}

func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
