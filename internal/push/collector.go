// Package push collects notifications from the dashboard's STOMP-over-WebSocket
// channel.
//
// Feeds are subscribed once, before Connect. A background loop then decodes
// every MESSAGE frame with its feed's decoder and appends the value to the
// buffer of the feed's payload type. Buffers are append-only and are read,
// never drained, by the wait operations, so one run can assert on the same
// notifications several times.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sangdongvan/football-events/internal/clock"
	"github.com/sangdongvan/football-events/internal/domain"
	"github.com/sangdongvan/football-events/internal/ids"
	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/metrics"
)

// DefaultPollInterval is the pause between two buffer checks of a wait.
const DefaultPollInterval = 100 * time.Millisecond

// connectTimeout bounds the wait for the CONNECTED frame.
const connectTimeout = 10 * time.Second

// ErrConnected is returned by Subscribe after Connect.
var ErrConnected = errors.New("push: already connected")

// ErrNotConnected is returned by operations that need an open channel.
var ErrNotConnected = errors.New("push: not connected")

// Options configures a Collector. Zero values select defaults.
type Options struct {
	URL          string
	Dialer       *websocket.Dialer
	Heartbeat    time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
	IDs          ids.Generator
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

type subscription struct {
	id     string
	feed   string
	typ    string
	decode domain.Decoder
}

// Collector owns the push channel and the per-type buffers.
//
// Thread-safety: The receive loop is the only writer; waits and snapshots
// may run concurrently from any goroutine.
type Collector struct {
	url          string
	dialer       *websocket.Dialer
	heartbeat    time.Duration
	pollInterval time.Duration
	clock        clock.Clock
	ids          ids.Generator
	logger       *slog.Logger
	metrics      *metrics.Collector

	subs []subscription

	writeMu sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	group   *errgroup.Group

	mu      sync.RWMutex
	buffers map[string][]any
	closing bool
}

// New creates a Collector for the channel at opts.URL.
func New(opts Options) *Collector {
	c := &Collector{
		url:          opts.URL,
		dialer:       opts.Dialer,
		heartbeat:    opts.Heartbeat,
		pollInterval: opts.PollInterval,
		clock:        clock.OrReal(opts.Clock),
		ids:          ids.OrUUIDv7(opts.IDs),
		logger:       logging.OrDefault(opts.Logger),
		metrics:      opts.Metrics,
		buffers:      make(map[string][]any),
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	return c
}

// Subscribe registers feed and the decoder for its payload type. All
// subscriptions must be made before Connect.
func (c *Collector) Subscribe(feed, payloadType string, decode domain.Decoder) error {
	c.mu.RLock()
	connected := c.conn != nil
	c.mu.RUnlock()
	if connected {
		return ErrConnected
	}
	if decode == nil {
		return fmt.Errorf("push: nil decoder for %s", feed)
	}
	c.subs = append(c.subs, subscription{id: c.ids.Generate(), feed: feed, typ: payloadType, decode: decode})
	return nil
}

// Feeds returns the subscribed feed names in subscription order.
func (c *Collector) Feeds() []string {
	out := make([]string, len(c.subs))
	for i, s := range c.subs {
		out[i] = s.feed
	}
	return out
}

// SubscribeView subscribes feed to the registered view type payloadType.
func (c *Collector) SubscribeView(feed, payloadType string) error {
	decode, err := domain.ViewDecoder(payloadType)
	if err != nil {
		return err
	}
	return c.Subscribe(feed, payloadType, decode)
}

// Subscribe registers feed with a JSON decoder for T.
func Subscribe[T any](c *Collector, feed string) error {
	return c.Subscribe(feed, domain.TypeName[T](), func(data []byte) (any, error) {
		var v T
		err := json.Unmarshal(data, &v)
		return v, err
	})
}

// Connect opens the channel, performs the STOMP handshake, sends one
// SUBSCRIBE per feed and starts the receive loop.
func (c *Collector) Connect(ctx context.Context) error {
	c.mu.RLock()
	connected := c.conn != nil
	c.mu.RUnlock()
	if connected {
		return ErrConnected
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		return err
	}
	for _, s := range c.subs {
		frame := NewFrame(CmdSubscribe, nil, "id", s.id, "destination", s.feed, "ack", "auto")
		if err := conn.WriteMessage(websocket.TextMessage, frame.Encode()); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe %s: %w", s.feed, err)
		}
		c.logger.Debug("subscribed", "feed", s.feed, "type", s.typ, "id", s.id)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(loopCtx)

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.group = g
	c.mu.Unlock()

	g.Go(func() error { return c.receive(gctx, conn) })
	if c.heartbeat > 0 {
		g.Go(func() error { return c.beat(gctx) })
	}
	c.logger.Info("push channel connected", "url", c.url, "feeds", len(c.subs))
	return nil
}

func (c *Collector) handshake(ctx context.Context, conn *websocket.Conn) error {
	host := c.url
	if u, err := url.Parse(c.url); err == nil {
		host = u.Host
	}
	hb := int(c.heartbeat / time.Millisecond)
	connect := NewFrame(CmdConnect, nil,
		"accept-version", "1.1,1.2",
		"host", host,
		"heart-beat", fmt.Sprintf("%d,%d", hb, hb),
	)
	if err := conn.WriteMessage(websocket.TextMessage, connect.Encode()); err != nil {
		return fmt.Errorf("stomp connect: %w", err)
	}

	deadline := time.Now().Add(connectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stomp connect: %w", err)
		}
		frame, err := ParseFrame(data)
		if err != nil {
			return err
		}
		switch frame.Command {
		case "":
			continue
		case CmdConnected:
			return nil
		case CmdError:
			return &ProtocolError{Message: frame.Header("message"), Body: string(frame.Body)}
		default:
			return fmt.Errorf("stomp connect: unexpected %s frame", frame.Command)
		}
	}
}

func (c *Collector) receive(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosing() || ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			c.logger.Error("push channel lost", "url", c.url, "error", err)
			return err
		}
		frame, err := ParseFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		switch frame.Command {
		case "":
		case CmdMessage:
			c.dispatch(frame)
		case CmdError:
			c.logger.Error("push channel error frame", "message", frame.Header("message"), "body", string(frame.Body))
		default:
			logging.Trace(ctx, c.logger, "ignoring frame", "command", frame.Command)
		}
	}
}

func (c *Collector) dispatch(frame Frame) {
	sub, ok := c.lookup(frame.Header("subscription"), frame.Header("destination"))
	if !ok {
		c.logger.Warn("message for unknown subscription", "subscription", frame.Header("subscription"),
			"destination", frame.Header("destination"))
		return
	}
	value, err := sub.decode(frame.Body)
	if err != nil {
		c.logger.Warn("dropping undecodable message", "feed", sub.feed, "type", sub.typ, "error", err)
		return
	}

	c.mu.Lock()
	c.buffers[sub.typ] = append(c.buffers[sub.typ], value)
	size := len(c.buffers[sub.typ])
	c.mu.Unlock()

	c.metrics.AddEvents("push", 1)
	c.logger.Debug("push notification", "feed", sub.feed, "type", sub.typ, "buffered", size)
}

func (c *Collector) lookup(id, destination string) (subscription, bool) {
	for _, s := range c.subs {
		if id != "" && s.id == id {
			return s, true
		}
	}
	for _, s := range c.subs {
		if id == "" && s.feed == destination {
			return s, true
		}
	}
	return subscription{}, false
}

func (c *Collector) beat(ctx context.Context) error {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.write(Frame{}); err != nil {
				if c.isClosing() {
					return nil
				}
				return fmt.Errorf("heart-beat: %w", err)
			}
		}
	}
}

func (c *Collector) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, f.Encode())
}

func (c *Collector) isClosing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

// Snapshot returns a copy of the buffer for payloadType.
func (c *Collector) Snapshot(payloadType string) []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]any(nil), c.buffers[payloadType]...)
}

func (c *Collector) size(payloadType string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buffers[payloadType])
}

// waitFor polls until the buffer of payloadType holds at least n values or
// timeout elapses, and reports whether it got there.
func (c *Collector) waitFor(ctx context.Context, payloadType string, n int, timeout time.Duration) (bool, error) {
	start := c.clock.Now()
	deadline := start.Add(timeout)
	for {
		if c.size(payloadType) >= n {
			c.metrics.ObserveWait(metrics.WaitPush, metrics.OutcomeOK, c.clock.Now().Sub(start))
			return true, nil
		}
		if !c.clock.Now().Before(deadline) {
			c.metrics.ObserveWait(metrics.WaitPush, metrics.OutcomeTimeout, c.clock.Now().Sub(start))
			return false, nil
		}
		if err := c.clock.Sleep(ctx, c.pollInterval); err != nil {
			return false, err
		}
	}
}

// AwaitLast waits until at least one value of payloadType has arrived and
// returns the most recent one, or a *NotFoundError after timeout.
func (c *Collector) AwaitLast(ctx context.Context, payloadType string, timeout time.Duration) (any, error) {
	ok, err := c.waitFor(ctx, payloadType, 1, timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFoundError{Type: payloadType, Timeout: timeout}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf := c.buffers[payloadType]
	return buf[len(buf)-1], nil
}

// AwaitCount waits until at least n values of payloadType have arrived and
// returns the first n in arrival order, or an *InsufficientEventsError
// after timeout.
func (c *Collector) AwaitCount(ctx context.Context, payloadType string, n int, timeout time.Duration) ([]any, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeCount, n)
	}
	ok, err := c.waitFor(ctx, payloadType, n, timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &InsufficientEventsError{Type: payloadType, Expected: n, Found: c.Snapshot(payloadType)}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]any(nil), c.buffers[payloadType][:n]...), nil
}

// Last is AwaitLast for the payload type T.
func Last[T any](ctx context.Context, c *Collector, timeout time.Duration) (T, error) {
	var zero T
	v, err := c.AwaitLast(ctx, domain.TypeName[T](), timeout)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{Expected: domain.TypeName[T](), Actual: fmt.Sprintf("%T", v)}
	}
	return typed, nil
}

// First is AwaitCount for the payload type T.
func First[T any](ctx context.Context, c *Collector, n int, timeout time.Duration) ([]T, error) {
	values, err := c.AwaitCount(ctx, domain.TypeName[T](), n, timeout)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(values))
	for i, v := range values {
		typed, ok := v.(T)
		if !ok {
			return nil, &TypeMismatchError{Expected: domain.TypeName[T](), Actual: fmt.Sprintf("%T", v)}
		}
		out[i] = typed
	}
	return out, nil
}

// Close sends DISCONNECT, closes the channel and waits for the background
// loops to stop. Closing a collector that never connected is a no-op.
func (c *Collector) Close() error {
	c.mu.Lock()
	if c.conn == nil || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, NewFrame(CmdDisconnect, nil).Encode())
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.cancel()
	closeErr := conn.Close()
	loopErr := c.group.Wait()
	c.logger.Info("push channel closed", "url", c.url)
	if loopErr != nil {
		return loopErr
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return fmt.Errorf("close push channel: %w", closeErr)
	}
	return nil
}
