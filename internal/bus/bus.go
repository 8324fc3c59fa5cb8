// Package bus waits for domain events on the message bus.
//
// Every wait opens a fresh Source on the event type's topic, polls it until
// the expected number of events has arrived or the timeout has elapsed, and
// closes it. Nothing survives between waits except the offsets the broker
// keeps for the consumer group.
package bus

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// Message is one record read from a topic. The key is carried for
// diagnostics only.
type Message struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       []byte    `json:"key,omitempty"`
	Value     []byte    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Source is a read position on a single topic.
//
// Thread-safety: A Source is used by one goroutine at a time.
type Source interface {
	// Poll waits up to max for records and returns whatever arrived.
	// An empty result with a nil error means nothing arrived in time.
	Poll(ctx context.Context, max time.Duration) ([]Message, error)
	Close() error
}

// SourceFactory opens a new Source per wait call.
type SourceFactory interface {
	Open(ctx context.Context, topic string) (Source, error)
}

// DefaultTopicPrefix is prepended to every event topic.
const DefaultTopicPrefix = "fb-event"

// TopicName derives the topic of an event type: the prefix, a dot, and the
// type name in kebab case. TopicName("fb-event", "PlayerStartedCareer")
// is "fb-event.player-started-career".
func TopicName(prefix, eventType string) string {
	name := kebab(eventType)
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func kebab(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('-')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
