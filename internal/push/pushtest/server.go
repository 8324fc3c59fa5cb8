// Package pushtest provides a STOMP-over-WebSocket server for tests.
package pushtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sangdongvan/football-events/internal/push"
)

// Server accepts STOMP clients on any path, answers CONNECT and records
// SUBSCRIBE frames. Tests push notifications with Send.
//
// Thread-safety: All methods are safe for concurrent use.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*conn
	received []push.Frame
	nextID   int

	// RejectConnect, if set, answers CONNECT with an ERROR frame carrying
	// this message.
	RejectConnect string
}

type conn struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	subs map[string]string // destination -> subscription id
}

func (c *conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// NewServer starts a server closed automatically at test cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the dashboard endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/dashboard"
}

// Close disconnects every client and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
	s.srv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, subs: make(map[string]string)}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := push.ParseFrame(data)
		if err != nil || frame.IsHeartbeat() {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, frame)
		reject := s.RejectConnect
		if frame.Command == push.CmdSubscribe {
			c.subs[frame.Header("destination")] = frame.Header("id")
		}
		s.mu.Unlock()

		switch frame.Command {
		case push.CmdConnect:
			if reject != "" {
				_ = c.write(push.NewFrame(push.CmdError, nil, "message", reject).Encode())
				return
			}
			_ = c.write(push.NewFrame(push.CmdConnected, nil, "version", "1.2", "heart-beat", "0,0").Encode())
		case push.CmdDisconnect:
			return
		}
	}
}

// Send pushes body to every client subscribed to destination and returns
// how many received it.
func (s *Server) Send(destination, body string) (int, error) {
	s.mu.Lock()
	type target struct {
		c  *conn
		id string
	}
	var targets []target
	for _, c := range s.conns {
		if id, ok := c.subs[destination]; ok {
			targets = append(targets, target{c, id})
		}
	}
	s.nextID++
	msgID := strconv.Itoa(s.nextID)
	s.mu.Unlock()

	for _, tg := range targets {
		frame := push.NewFrame(push.CmdMessage, []byte(body),
			"subscription", tg.id,
			"destination", destination,
			"message-id", msgID,
			"content-type", "application/json",
		)
		if err := tg.c.write(frame.Encode()); err != nil {
			return 0, fmt.Errorf("send to %s: %w", destination, err)
		}
	}
	return len(targets), nil
}

// SendRaw writes data as-is to every connected client.
func (s *Server) SendRaw(data string) {
	s.mu.Lock()
	conns := append([]*conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.write([]byte(data))
	}
}

// Received returns how many frames with command have been received.
func (s *Server) Received(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.received {
		if f.Command == command {
			n++
		}
	}
	return n
}

// Frames returns a copy of every non-heartbeat frame received.
func (s *Server) Frames() []push.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]push.Frame(nil), s.received...)
}

// WaitFor polls until at least n frames with command have been received or
// timeout elapses.
func (s *Server) WaitFor(command string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Received(command) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.Received(command) >= n
}
