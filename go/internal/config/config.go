// Package config loads the event pipeline configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/taskhub/go/internal/dbconfig"
	"github.com/mcdev12/taskhub/go/internal/events/consumer"
	"github.com/mcdev12/taskhub/go/internal/events/deadletter"
	"github.com/mcdev12/taskhub/go/internal/events/outbox"
	"github.com/mcdev12/taskhub/go/internal/events/relay"
	"github.com/mcdev12/taskhub/go/internal/events/stream"
	"github.com/mcdev12/taskhub/go/internal/events/stream/jetstream"
	"github.com/mcdev12/taskhub/go/internal/events/stream/kafka"
)

const (
	TransportJetStream = "jetstream"
	TransportKafka     = "kafka"

	MutexPostgres = "postgres"
	MutexRedis    = "redis"
	MutexLocal    = "local"

	DeadLetterPostgres = "postgres"
	DeadLetterRabbitMQ = "rabbitmq"
	DeadLetterLog      = "log"
)

var ErrInvalidConfig = errors.New("invalid config")

type MutexConfig struct {
	Backend  string        `yaml:"backend"`
	RedisURL string        `yaml:"redis_url"`
	Name     string        `yaml:"name"`
	Expiry   time.Duration `yaml:"expiry"`
}

type DeadLetterConfig struct {
	Backend  string                    `yaml:"backend"`
	RabbitMQ deadletter.RabbitMQConfig `yaml:"rabbitmq"`
}

type AdminConfig struct {
	Addr         string        `yaml:"addr"`
	StallAfter   time.Duration `yaml:"stall_after"`
	PendingAlert int           `yaml:"pending_alert"`
}

type Config struct {
	LogLevel  string `yaml:"log_level"`
	Transport string `yaml:"transport"`

	Database   dbconfig.Config       `yaml:"-"`
	Outbox     outbox.Config         `yaml:"outbox"`
	Listener   outbox.ListenerConfig `yaml:"listener"`
	Mutex      MutexConfig           `yaml:"mutex"`
	Consumer   consumer.Config       `yaml:"consumer"`
	Relay      relay.Config          `yaml:"relay"`
	Breaker    stream.BreakerConfig  `yaml:"breaker"`
	JetStream  jetstream.Config      `yaml:"jetstream"`
	Kafka      kafka.Config          `yaml:"kafka"`
	DeadLetter DeadLetterConfig      `yaml:"dead_letter"`
	Admin      AdminConfig           `yaml:"admin"`

	// ConsumerGroup names the durable consumer (JetStream) or group (Kafka).
	ConsumerGroup string `yaml:"consumer_group"`
}

func Default() Config {
	return Config{
		LogLevel:      "info",
		Transport:     TransportJetStream,
		Database:      dbconfig.NewConfigFromEnv(),
		Outbox:        outbox.DefaultConfig(),
		Listener:      outbox.DefaultListenerConfig(),
		Mutex:         MutexConfig{Backend: MutexPostgres, RedisURL: "redis://localhost:6379/0", Name: "taskhub-outbox", Expiry: 30 * time.Second},
		Consumer:      consumer.DefaultConfig(),
		Relay:         relay.DefaultConfig(),
		Breaker:       stream.DefaultBreakerConfig(),
		JetStream:     jetstream.DefaultConfig(),
		Kafka:         kafka.DefaultConfig(),
		DeadLetter:    DeadLetterConfig{Backend: DeadLetterPostgres, RabbitMQ: deadletter.DefaultRabbitMQConfig()},
		Admin:         AdminConfig{Addr: ":8081", StallAfter: 2 * time.Minute, PendingAlert: 1000},
		ConsumerGroup: "taskhub-events",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.Listener.DatabaseURL = cfg.Database.DSN()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Transport = getEnv("EVENTS_TRANSPORT", c.Transport)
	c.ConsumerGroup = getEnv("EVENTS_CONSUMER_GROUP", c.ConsumerGroup)

	c.Outbox.PollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", c.Outbox.PollInterval)
	c.Outbox.BatchSize = getEnvAsInt("OUTBOX_BATCH_SIZE", c.Outbox.BatchSize)
	c.Outbox.LockKey = int64(getEnvAsInt("OUTBOX_LOCK_KEY", int(c.Outbox.LockKey)))

	c.Mutex.Backend = getEnv("OUTBOX_MUTEX", c.Mutex.Backend)
	c.Mutex.RedisURL = getEnv("REDIS_URL", c.Mutex.RedisURL)

	c.Consumer.MaxConcurrency = int64(getEnvAsInt("CONSUMER_MAX_CONCURRENCY", int(c.Consumer.MaxConcurrency)))
	c.Consumer.MaxRetries = getEnvAsInt("CONSUMER_MAX_RETRIES", c.Consumer.MaxRetries)
	c.Relay.Workers = getEnvAsInt("RELAY_WORKERS", c.Relay.Workers)
	c.Relay.MaxPending = int64(getEnvAsInt("RELAY_MAX_PENDING", int(c.Relay.MaxPending)))
	c.Relay.TouchInterval = getEnvAsDuration("RELAY_TOUCH_INTERVAL", c.Relay.TouchInterval)

	c.JetStream.URL = getEnv("NATS_URL", c.JetStream.URL)
	c.JetStream.AckWait = getEnvAsDuration("NATS_ACK_WAIT", c.JetStream.AckWait)
	c.Kafka.Brokers = getEnv("KAFKA_BROKERS", c.Kafka.Brokers)

	c.DeadLetter.Backend = getEnv("DEAD_LETTER_BACKEND", c.DeadLetter.Backend)
	c.DeadLetter.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.DeadLetter.RabbitMQ.URL)

	c.Admin.Addr = getEnv("ADMIN_ADDR", c.Admin.Addr)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportJetStream, TransportKafka:
	default:
		errs = append(errs, fmt.Errorf("transport %q", c.Transport))
	}
	switch c.Mutex.Backend {
	case MutexPostgres, MutexRedis, MutexLocal:
	default:
		errs = append(errs, fmt.Errorf("mutex backend %q", c.Mutex.Backend))
	}
	switch c.DeadLetter.Backend {
	case DeadLetterPostgres, DeadLetterRabbitMQ, DeadLetterLog:
	default:
		errs = append(errs, fmt.Errorf("dead letter backend %q", c.DeadLetter.Backend))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("outbox batch size %d", c.Outbox.BatchSize))
	}
	if c.Consumer.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries %d", c.Consumer.MaxRetries))
	}
	if c.Transport == TransportJetStream && c.Relay.TouchInterval >= c.JetStream.AckWait {
		errs = append(errs, fmt.Errorf("relay touch interval %s must be below JetStream ack wait %s", c.Relay.TouchInterval, c.JetStream.AckWait))
	}
	if c.Outbox.Backoff.Base > c.Outbox.Backoff.Cap || c.Consumer.Backoff.Base > c.Consumer.Backoff.Cap {
		errs = append(errs, errors.New("backoff base above cap"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
