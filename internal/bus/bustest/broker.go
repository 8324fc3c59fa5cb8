// Package bustest provides an in-memory bus for tests.
package bustest

import (
	"context"
	"sync"
	"time"

	"github.com/sangdongvan/football-events/internal/bus"
	"github.com/sangdongvan/football-events/internal/clock"
)

// Broker is an in-memory bus.SourceFactory with a single consumer group.
//
// Sources see every record published after the group's committed offset;
// a record is committed as soon as a Poll returns it. An empty Poll sleeps
// for its full max on the broker's clock, so a fake clock makes timeouts
// deterministic.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Broker struct {
	mu        sync.Mutex
	clock     clock.Clock
	topics    map[string][]bus.Message
	committed map[string]int
	polls     map[string]int
	opened    []string
	closed    int

	// OnPoll, if set, runs before each Poll with the topic and the 1-based
	// poll number on that topic. Tests use it to publish records mid-wait.
	OnPoll func(topic string, poll int)
}

// NewBroker creates an empty broker on clk (nil means the real clock).
func NewBroker(clk clock.Clock) *Broker {
	return &Broker{
		clock:     clock.OrReal(clk),
		topics:    make(map[string][]bus.Message),
		committed: make(map[string]int),
		polls:     make(map[string]int),
	}
}

// Publish appends a record to topic.
func (b *Broker) Publish(topic string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic] = append(b.topics[topic], bus.Message{
		Topic:     topic,
		Offset:    int64(len(b.topics[topic])),
		Value:     value,
		Timestamp: b.clock.Now(),
	})
}

// Open implements bus.SourceFactory.
func (b *Broker) Open(ctx context.Context, topic string) (bus.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, topic)
	return &source{broker: b, topic: topic}, nil
}

// Opened returns the topics of every source opened so far, in order.
func (b *Broker) Opened() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.opened...)
}

// Closed returns how many sources have been closed.
func (b *Broker) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) take(topic string) []bus.Message {
	b.mu.Lock()
	b.polls[topic]++
	n := b.polls[topic]
	hook := b.OnPoll
	b.mu.Unlock()

	if hook != nil {
		hook(topic, n)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.topics[topic][b.committed[topic]:]
	b.committed[topic] = len(b.topics[topic])
	return append([]bus.Message(nil), pending...)
}

type source struct {
	broker *Broker
	topic  string
	closed bool
}

func (s *source) Poll(ctx context.Context, max time.Duration) ([]bus.Message, error) {
	if msgs := s.broker.take(s.topic); len(msgs) > 0 {
		return msgs, nil
	}
	if err := s.broker.clock.Sleep(ctx, max); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *source) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.closed++
	return nil
}
