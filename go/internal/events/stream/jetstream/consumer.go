package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/taskhub/go/internal/events/stream"
)

type ConsumerConfig struct {
	Name string `yaml:"name"`
	// Retry selects the retry subjects instead of the event subjects.
	Retry         bool          `yaml:"retry"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxAckPending int           `yaml:"max_ack_pending"`
	MaxDeliver    int           `yaml:"max_deliver"`
}

func DefaultConsumerConfig(name string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		AckWait:       time.Minute,
		MaxAckPending: 1000,
		MaxDeliver:    -1,
	}
}

// Consumer is a durable pull consumer. Commit acks each position.
type Consumer struct {
	prefix string
	cons   jetstream.Consumer

	mu     sync.Mutex
	closed bool
}

// Consumer creates or updates a durable consumer on the client's stream.
func (c *Client) Consumer(ctx context.Context, cfg ConsumerConfig) (*Consumer, error) {
	s, err := c.js.Stream(ctx, c.cfg.StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}

	filter := eventFilter(c.cfg.SubjectPrefix)
	if cfg.Retry {
		filter = retryFilter(c.cfg.SubjectPrefix)
	}

	cons, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		Description:   "taskhub event consumer",
		FilterSubject: filter,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
		MaxDeliver:    cfg.MaxDeliver,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Name, err)
	}

	log.Info().
		Str("consumer", cfg.Name).
		Str("filter", filter).
		Msg("JetStream consumer ready")

	return &Consumer{prefix: c.cfg.SubjectPrefix, cons: cons}, nil
}

func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*stream.Message, error) {
	if c.isClosed() {
		return nil, stream.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := c.cons.Next(jetstream.FetchMaxWait(timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch from JetStream: %w", err)
	}
	return c.convert(msg)
}

func (c *Consumer) convert(msg jetstream.Msg) (*stream.Message, error) {
	topic, ok := topicFor(c.prefix, msg.Subject())
	if !ok {
		// Not a subject this client publishes; stop redelivery.
		log.Warn().Str("subject", msg.Subject()).Msg("terminating message on unexpected subject")
		_ = msg.Term()
		return nil, nil
	}

	var seq uint64
	if meta, err := msg.Metadata(); err == nil {
		seq = meta.Sequence.Stream
	}

	md, key := fromNatsHeader(msg.Headers())
	return &stream.Message{
		Topic:    topic,
		Key:      key,
		Payload:  msg.Data(),
		Headers:  md,
		Position: stream.NewPosition(topic, 0, int64(seq), msg),
	}, nil
}

// Commit acks every position. Failed acks are reported together and may be
// retried; positions already acked are skipped.
func (c *Consumer) Commit(ctx context.Context, positions []stream.Position) error {
	var errs []error
	for _, p := range positions {
		msg, ok := p.Ref().(jetstream.Msg)
		if !ok {
			errs = append(errs, fmt.Errorf("position %s/%d has no JetStream message", p.Topic, p.Offset))
			continue
		}
		if err := msg.DoubleAck(ctx); err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
			errs = append(errs, fmt.Errorf("ack %s/%d: %w", p.Topic, p.Offset, err))
		}
	}
	return errors.Join(errs...)
}

// Touch marks held messages as in progress, which restarts their AckWait.
func (c *Consumer) Touch(_ context.Context, positions []stream.Position) error {
	var errs []error
	for _, p := range positions {
		msg, ok := p.Ref().(jetstream.Msg)
		if !ok {
			continue
		}
		if err := msg.InProgress(); err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
			errs = append(errs, fmt.Errorf("touch %s/%d: %w", p.Topic, p.Offset, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
