package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/sangdongvan/football-events/internal/config"
	"github.com/sangdongvan/football-events/internal/domain"
	"github.com/sangdongvan/football-events/internal/logging"
)

// Publisher writes events to their topics. The harness uses it to seed
// fixtures; the system under test publishes its own events.
//
// Thread-safety: Safe for concurrent use, as is the underlying SyncProducer.
type Publisher struct {
	producer sarama.SyncProducer
	prefix   string
	logger   *slog.Logger
}

// NewPublisher wraps an existing producer.
func NewPublisher(producer sarama.SyncProducer, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{producer: producer, prefix: prefix, logger: logging.OrDefault(logger)}
}

// NewKafkaPublisher connects a SyncProducer to the configured brokers.
func NewKafkaPublisher(cfg config.BusConfig, logger *slog.Logger) (*Publisher, error) {
	sc, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewPublisher(producer, cfg.TopicPrefix, logger), nil
}

// Publish sends value to the topic of eventType.
func (p *Publisher) Publish(ctx context.Context, eventType, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topic := TopicName(p.prefix, eventType)
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message to topic %q: %w", topic, err)
	}
	p.logger.Debug("event published", "topic", topic, "partition", partition, "offset", offset)
	return nil
}

// PublishEvent marshals event as JSON and publishes it to the topic of T.
func PublishEvent[T any](ctx context.Context, p *Publisher, key string, event T) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", domain.TypeName[T](), err)
	}
	return p.Publish(ctx, domain.TypeName[T](), key, value)
}

// Close closes the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
