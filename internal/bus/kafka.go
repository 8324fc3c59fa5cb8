package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/sangdongvan/football-events/internal/config"
	"github.com/sangdongvan/football-events/internal/logging"
)

// maxBatch bounds how many records a single Poll returns.
const maxBatch = 500

// NewSaramaConfig maps the bus settings onto a sarama configuration.
//
// Consumers start from the oldest offset when the group has no committed
// offset, and commit automatically every record handed out by Poll.
func NewSaramaConfig(cfg config.BusConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("bus version: %w", err)
		}
		sc.Version = v
	}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Enable = true
	if cfg.MaxPollInterval > 0 {
		sc.Consumer.Group.Rebalance.Timeout = cfg.MaxPollInterval
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true
	return sc, nil
}

// GroupConstructor creates a consumer group. It matches sarama.NewConsumerGroup.
type GroupConstructor func(addrs []string, groupID string, config *sarama.Config) (sarama.ConsumerGroup, error)

// KafkaFactory opens consumer-group backed sources.
//
// Thread-safety: Open may be called concurrently.
type KafkaFactory struct {
	brokers  []string
	groupID  string
	config   *sarama.Config
	logger   *slog.Logger
	newGroup GroupConstructor
}

// NewKafkaFactory creates a factory for the configured brokers and group.
func NewKafkaFactory(cfg config.BusConfig, logger *slog.Logger) (*KafkaFactory, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("bus: no brokers configured")
	}
	sc, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaFactory{
		brokers:  cfg.Brokers,
		groupID:  cfg.GroupID,
		config:   sc,
		logger:   logging.OrDefault(logger),
		newGroup: sarama.NewConsumerGroup,
	}, nil
}

// WithGroupConstructor replaces the consumer group constructor. Used in tests.
func (f *KafkaFactory) WithGroupConstructor(fn GroupConstructor) *KafkaFactory {
	f.newGroup = fn
	return f
}

// Open joins the consumer group on topic and starts consuming in the background.
func (f *KafkaFactory) Open(ctx context.Context, topic string) (Source, error) {
	group, err := f.newGroup(f.brokers, f.groupID, f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &KafkaSource{
		topic:    topic,
		group:    group,
		messages: make(chan *sarama.ConsumerMessage),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	handler := &groupHandler{out: s.messages}

	go func() {
		defer close(s.done)
		for {
			if err := group.Consume(cctx, []string{topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				f.logger.Warn("Kafka consumer group error", "topic", topic, "error", err)
				select {
				case <-cctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if cctx.Err() != nil {
				return
			}
		}
	}()

	f.logger.Debug("subscribed", "topic", topic, "group", f.groupID)
	return s, nil
}

// KafkaSource is a Source backed by a sarama consumer group session.
type KafkaSource struct {
	topic    string
	group    sarama.ConsumerGroup
	messages chan *sarama.ConsumerMessage
	cancel   context.CancelFunc
	done     chan struct{}
}

// Poll blocks until the first record arrives or max elapses, then returns
// that record together with any others already waiting.
func (s *KafkaSource) Poll(ctx context.Context, max time.Duration) ([]Message, error) {
	if max <= 0 {
		return s.drain(nil), nil
	}
	timer := time.NewTimer(max)
	defer timer.Stop()

	select {
	case msg := <-s.messages:
		return s.drain([]Message{convert(msg)}), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *KafkaSource) drain(out []Message) []Message {
	for len(out) < maxBatch {
		select {
		case msg := <-s.messages:
			out = append(out, convert(msg))
		default:
			return out
		}
	}
	return out
}

// Close leaves the consumer group and waits for the consume loop to stop.
func (s *KafkaSource) Close() error {
	s.cancel()
	err := s.group.Close()
	<-s.done
	if err != nil {
		return fmt.Errorf("failed to close consumer group: %w", err)
	}
	return nil
}

func convert(m *sarama.ConsumerMessage) Message {
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
}

// groupHandler implements sarama.ConsumerGroupHandler. A record is marked
// only once Poll has taken it, so records left in flight at Close are read
// again by the next subscription.
type groupHandler struct {
	out chan<- *sarama.ConsumerMessage
}

func (h *groupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.out <- msg:
				session.MarkMessage(msg, "")
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}
