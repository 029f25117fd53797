package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/taskhub/go/internal/config"
	"github.com/mcdev12/taskhub/go/internal/events/admin"
	"github.com/mcdev12/taskhub/go/internal/events/deadletter"
	"github.com/mcdev12/taskhub/go/internal/events/outbox"
	"github.com/mcdev12/taskhub/go/internal/events/stream"
	"github.com/mcdev12/taskhub/go/internal/events/stream/jetstream"
	"github.com/mcdev12/taskhub/go/internal/events/stream/kafka"
)

// closeStack closes resources in reverse order of creation. Consumers are
// not pushed here; the dispatcher and relay close their own on shutdown.
type closeStack []func() error

func (s *closeStack) push(name string, fn func() error) {
	*s = append(*s, func() error {
		if err := fn(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		return nil
	})
}

func (s closeStack) closeAll() {
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i](); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}
}

func newMutex(cfg config.Config, pool *pgxpool.Pool, closers *closeStack) (outbox.Mutex, error) {
	switch cfg.Mutex.Backend {
	case config.MutexRedis:
		opts, err := goredislib.ParseURL(cfg.Mutex.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredislib.NewClient(opts)
		closers.push("redis", client.Close)
		return outbox.NewRedisLock(client, cfg.Mutex.Name, cfg.Mutex.Expiry), nil
	case config.MutexLocal:
		log.Warn().Msg("local outbox mutex only excludes drainers in this process")
		return outbox.NewLocalLock(), nil
	default:
		return outbox.NewAdvisoryLock(pool, cfg.Outbox.LockKey), nil
	}
}

type transport struct {
	publisher stream.Publisher
	events    stream.Consumer
	retries   stream.Consumer
	// broker is nil when the transport cannot report its connection state.
	broker admin.Broker
}

func newTransport(ctx context.Context, cfg config.Config, topics []string, closers *closeStack) (transport, error) {
	if cfg.Transport == config.TransportKafka {
		return newKafkaTransport(cfg, topics, closers)
	}

	client, err := jetstream.Connect(ctx, cfg.JetStream)
	if err != nil {
		return transport{}, err
	}
	closers.push("jetstream", client.Close)

	eventsCfg := jetstream.DefaultConsumerConfig(cfg.ConsumerGroup)
	eventsCfg.AckWait = cfg.JetStream.AckWait
	events, err := client.Consumer(ctx, eventsCfg)
	if err != nil {
		return transport{}, err
	}
	// The relay holds messages for their whole backoff and keeps them alive
	// with Touch every Relay.TouchInterval.
	retryCfg := jetstream.DefaultConsumerConfig(cfg.ConsumerGroup + "-relay")
	retryCfg.Retry = true
	retryCfg.AckWait = cfg.JetStream.AckWait
	retries, err := client.Consumer(ctx, retryCfg)
	if err != nil {
		_ = events.Close()
		return transport{}, err
	}
	return transport{publisher: client, events: events, retries: retries, broker: client}, nil
}

func newKafkaTransport(cfg config.Config, topics []string, closers *closeStack) (transport, error) {
	producer, err := kafka.NewProducer(cfg.Kafka)
	if err != nil {
		return transport{}, err
	}
	closers.push("kafka producer", func() error {
		producer.Close(cfg.Relay.ShutdownTimeout)
		return nil
	})

	events, err := kafka.NewConsumer(cfg.Kafka, cfg.ConsumerGroup, topics...)
	if err != nil {
		return transport{}, err
	}
	retries, err := kafka.NewConsumer(cfg.Kafka, cfg.ConsumerGroup+"-relay", kafka.RetryPattern)
	if err != nil {
		_ = events.Close()
		return transport{}, err
	}
	return transport{publisher: producer, events: events, retries: retries}, nil
}

type deadLetters struct {
	sink deadletter.Sink
	// lister is nil for sinks that cannot be read back.
	lister deadletter.Lister
}

func newDeadLetterSink(ctx context.Context, cfg config.Config, closers *closeStack) (deadLetters, error) {
	switch cfg.DeadLetter.Backend {
	case config.DeadLetterRabbitMQ:
		sink, err := deadletter.DialRabbitMQ(cfg.DeadLetter.RabbitMQ)
		if err != nil {
			return deadLetters{}, err
		}
		closers.push("rabbitmq", sink.Close)
		return deadLetters{sink: sink}, nil
	case config.DeadLetterLog:
		return deadLetters{sink: deadletter.LogSink{}}, nil
	default:
		db, err := cfg.Database.OpenSQL(ctx)
		if err != nil {
			return deadLetters{}, err
		}
		closers.push("dead letter database", db.Close)
		sink := deadletter.NewPostgresSink(db)
		if err := sink.Migrate(ctx); err != nil {
			return deadLetters{}, err
		}
		return deadLetters{sink: sink, lister: sink}, nil
	}
}
