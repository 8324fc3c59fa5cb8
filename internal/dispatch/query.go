package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/metrics"
)

// Query polls a read-model endpoint returning a JSON array until it holds
// exactly expected elements.
//
// The endpoint is always fetched at least once; the budget is enforced
// after each fetch. A non-2xx response or an undecodable body fails
// immediately. When the budget runs out, the result is a *CountMismatchError
// with the size of the last array seen.
func (d *Dispatcher) Query(ctx context.Context, url string, expected int, budget time.Duration) ([]json.RawMessage, error) {
	start := d.clock.Now()
	end := start.Add(budget)

	for {
		items, err := d.fetch(ctx, url)
		if err != nil {
			d.metrics.ObserveWait(metrics.WaitQuery, metrics.OutcomeError, d.clock.Now().Sub(start))
			return nil, err
		}
		if len(items) == expected {
			d.metrics.ObserveWait(metrics.WaitQuery, metrics.OutcomeOK, d.clock.Now().Sub(start))
			return items, nil
		}
		logging.Trace(ctx, d.logger, "items received, trying again", "url", url, "count", len(items), "expected", expected)

		if !d.clock.Now().Before(end) {
			d.metrics.ObserveWait(metrics.WaitQuery, metrics.OutcomeTimeout, d.clock.Now().Sub(start))
			return items, &CountMismatchError{URL: url, Expected: expected, Actual: len(items)}
		}
		if err := d.clock.Sleep(ctx, d.backoff); err != nil {
			return items, err
		}
	}
}

// QueryAs is Query with every element decoded into T.
func QueryAs[T any](ctx context.Context, d *Dispatcher, url string, expected int, budget time.Duration) ([]T, error) {
	raw, err := d.Query(ctx, url, expected, budget)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return nil, fmt.Errorf("decode %s item %d: %w", url, i, err)
		}
	}
	return out, nil
}

func (d *Dispatcher) fetch(ctx context.Context, url string) ([]json.RawMessage, error) {
	cmd := Command{Method: http.MethodGet, URL: url}
	req, err := http.NewRequestWithContext(ctx, cmd.Method, url, nil)
	if err != nil {
		return nil, &TransportError{Command: cmd, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &TransportError{Command: cmd, Err: err}
	}
	defer resp.Body.Close()
	d.metrics.RecordCommand(cmd.Method, resp.StatusCode)

	if err := Expect2xx(cmd, resp.StatusCode); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Command: cmd, Err: err}
	}
	logging.Trace(ctx, d.logger, "query response", "url", url, "body", string(body))

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode %s: expected a JSON array: %w", url, err)
	}
	return items, nil
}
