// Package kafka implements the stream client on Kafka with
// confluent-kafka-go. Topics are used as named; retry streams are ordinary
// topics ending in "-retry".
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/taskhub/go/internal/events"
	"github.com/mcdev12/taskhub/go/internal/events/stream"
)

// RetryPattern subscribes to every retry topic.
const RetryPattern = "^.*" + events.RetrySuffix + "$"

type Config struct {
	Brokers        string        `yaml:"brokers"`
	ClientID       string        `yaml:"client_id"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Brokers:        "localhost:9092",
		ClientID:       "taskhub-events",
		SessionTimeout: 45 * time.Second,
	}
}

// Producer implements stream.Publisher. Publish waits for the delivery report.
type Producer struct {
	p *kafka.Producer
}

func NewProducer(cfg Config) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"client.id":          cfg.ClientID,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	// Delivery reports go to per-call channels; this only sees client errors.
	go func() {
		for e := range p.Events() {
			if kerr, ok := e.(kafka.Error); ok {
				log.Error().Err(kerr).Msg("kafka producer error")
			}
		}
	}()

	return &Producer{p: p}, nil
}

// Publish produces msg and blocks until the broker acknowledges it. msg.ID is
// not sent; the idempotent producer covers in-session duplicates.
func (p *Producer) Publish(ctx context.Context, msg stream.Message) error {
	topic := msg.Topic
	delivery := make(chan kafka.Event, 1)

	err := p.p.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Payload,
		Headers:        toKafkaHeaders(msg.Headers),
	}, delivery)
	if err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %T", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("deliver to %s: %w", topic, m.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes outstanding messages for up to timeout.
func (p *Producer) Close(timeout time.Duration) {
	if left := p.p.Flush(int(timeout.Milliseconds())); left > 0 {
		log.Warn().Int("unflushed", left).Msg("kafka producer closed with undelivered messages")
	}
	p.p.Close()
}

// Consumer is a consumer-group member with auto-commit disabled. Handlers
// finish out of offset order, so commits go through an OffsetTracker and only
// ever store the lowest offset still in flight.
type Consumer struct {
	c       *kafka.Consumer
	offsets *stream.OffsetTracker
}

// NewConsumer joins group and subscribes to topics, which may be regular
// expressions starting with "^".
func NewConsumer(cfg Config, group string, topics ...string) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"client.id":          cfg.ClientID,
		"group.id":           group,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
		"session.timeout.ms": int(cfg.SessionTimeout.Milliseconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := &Consumer{c: c, offsets: stream.NewOffsetTracker()}
	if err := c.SubscribeTopics(topics, consumer.rebalance); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %v: %w", topics, err)
	}
	log.Info().Str("group", group).Strs("topics", topics).Msg("kafka consumer subscribed")
	return consumer, nil
}

// rebalance forgets revoked partitions; their new owner resumes from the
// stored offset. The library performs the assignment itself.
func (c *Consumer) rebalance(_ *kafka.Consumer, ev kafka.Event) error {
	if revoked, ok := ev.(kafka.RevokedPartitions); ok {
		for _, tp := range revoked.Partitions {
			if tp.Topic != nil {
				c.offsets.Forget(*tp.Topic, tp.Partition)
			}
		}
		log.Info().Int("partitions", len(revoked.Partitions)).Msg("kafka partitions revoked")
	}
	return nil
}

func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*stream.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := c.c.ReadMessage(timeout)
	if err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
			return nil, nil
		}
		return nil, fmt.Errorf("read kafka message: %w", err)
	}
	msg := fromKafkaMessage(m)
	c.offsets.Received(msg.Position)
	return msg, nil
}

// Commit acknowledges positions and stores, per partition, the offset after
// the contiguous run of handled messages.
func (c *Consumer) Commit(_ context.Context, positions []stream.Position) error {
	c.offsets.Ack(positions)
	points := c.offsets.CommitPoints()
	if len(points) == 0 {
		return nil
	}
	if _, err := c.c.CommitOffsets(topicPartitions(points)); err != nil {
		return fmt.Errorf("commit kafka offsets: %w", err)
	}
	c.offsets.Committed(points)
	return nil
}

func (c *Consumer) Close() error {
	return c.c.Close()
}

func fromKafkaMessage(m *kafka.Message) *stream.Message {
	var topic string
	if m.TopicPartition.Topic != nil {
		topic = *m.TopicPartition.Topic
	}
	offset := int64(m.TopicPartition.Offset)
	return &stream.Message{
		Topic:    topic,
		Key:      m.Key,
		Payload:  m.Value,
		Headers:  fromKafkaHeaders(m.Headers),
		Position: stream.NewPosition(topic, m.TopicPartition.Partition, offset, nil),
	}
}

// topicPartitions converts commit points, which already hold the next offset
// to read, into what CommitOffsets takes.
func topicPartitions(points []stream.Position) []kafka.TopicPartition {
	out := make([]kafka.TopicPartition, 0, len(points))
	for _, p := range points {
		topic := p.Topic
		out = append(out, kafka.TopicPartition{
			Topic:     &topic,
			Partition: p.Partition,
			Offset:    kafka.Offset(p.Offset),
		})
	}
	return out
}

func toKafkaHeaders(md events.Metadata) []kafka.Header {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kafka.Header, 0, len(md))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(md[k])})
	}
	return out
}

func fromKafkaHeaders(hs []kafka.Header) events.Metadata {
	md := make(events.Metadata, len(hs))
	for _, h := range hs {
		md[h.Key] = string(h.Value)
	}
	return md
}
