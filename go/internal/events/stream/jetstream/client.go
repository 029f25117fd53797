// Package jetstream implements the stream client on NATS JetStream. Logical
// topics map onto subjects of one stream: event topics live under
// "<prefix>.event.<name>" and retry topics under "<prefix>.retry.<name>", so
// each side can be consumed with a single wildcard filter.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/taskhub/go/internal/events"
	"github.com/mcdev12/taskhub/go/internal/events/stream"
)

const (
	eventToken = "event"
	retryToken = "retry"

	// headerKey carries the partition key; JetStream has no native key.
	headerKey = "Taskhub-Key"
)

type Config struct {
	URL             string        `yaml:"url"`
	StreamName      string        `yaml:"stream_name"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	MaxReconnects   int           `yaml:"max_reconnects"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxAge          time.Duration `yaml:"max_age"`
	MaxMsgs         int64         `yaml:"max_msgs"`
	Replicas        int           `yaml:"replicas"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	AckWait         time.Duration `yaml:"ack_wait"` // redelivery deadline for both consumers
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "TASKHUB_EVENTS",
		SubjectPrefix:   "taskhub",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
		AckWait:         time.Minute,
	}
}

// Client is a JetStream publisher and consumer factory sharing one connection.
type Client struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg Config
}

func Connect(ctx context.Context, cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name("taskhub-events"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	c := &Client{nc: nc, js: js, cfg: cfg}
	if err := c.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return c, nil
}

func (c *Client) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        c.cfg.StreamName,
		Description: "taskhub domain events and retry streams",
		Subjects: []string{
			eventFilter(c.cfg.SubjectPrefix),
			retryFilter(c.cfg.SubjectPrefix),
		},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     c.cfg.MaxAge,
		MaxMsgs:    c.cfg.MaxMsgs,
		Storage:    jetstream.FileStorage,
		Replicas:   c.cfg.Replicas,
		Duplicates: c.cfg.DuplicateWindow,
	}
}

func (c *Client) ensureStream(ctx context.Context) error {
	sc := c.streamConfig()

	s, err := c.js.Stream(ctx, sc.Name)
	if err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return fmt.Errorf("get stream: %w", err)
		}
		if _, err = c.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", sc.Name).Msg("created JetStream stream")
		return nil
	}

	info, err := s.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !streamConfigEqual(info.Config, sc) {
		if _, err = c.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", sc.Name).Msg("updated JetStream stream")
	}
	return nil
}

// Publish implements stream.Publisher. A non-empty msg.ID becomes the
// JetStream message id so the duplicate window drops republished copies.
func (c *Client) Publish(ctx context.Context, msg stream.Message) error {
	subject, err := subjectFor(c.cfg.SubjectPrefix, msg.Topic)
	if err != nil {
		return err
	}

	opts := []jetstream.PublishOpt{jetstream.WithExpectStream(c.cfg.StreamName)}
	if msg.ID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.ID))
	}

	ack, err := c.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  toNatsHeader(msg.Headers, msg.Key),
	}, opts...)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published to JetStream")
	return nil
}

// Connected reports whether the NATS connection is up.
func (c *Client) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains the connection.
func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func eventFilter(prefix string) string {
	return prefix + "." + eventToken + ".>"
}

func retryFilter(prefix string) string {
	return prefix + "." + retryToken + ".>"
}

// subjectFor maps a logical topic to its subject.
func subjectFor(prefix, topic string) (string, error) {
	if topic == "" || strings.ContainsAny(topic, " .*>") {
		return "", fmt.Errorf("invalid topic %q for JetStream subject", topic)
	}
	if name, ok := strings.CutSuffix(topic, events.RetrySuffix); ok {
		return prefix + "." + retryToken + "." + name, nil
	}
	return prefix + "." + eventToken + "." + topic, nil
}

// topicFor is the inverse of subjectFor.
func topicFor(prefix, subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", false
	}
	kind, name, ok := strings.Cut(rest, ".")
	if !ok || name == "" {
		return "", false
	}
	switch kind {
	case eventToken:
		return name, true
	case retryToken:
		return events.RetryTopic(name), true
	default:
		return "", false
	}
}

func toNatsHeader(md events.Metadata, key []byte) nats.Header {
	h := make(nats.Header, len(md)+1)
	for k, v := range md {
		// Direct assignment keeps the wire key's case.
		h[k] = []string{v}
	}
	if len(key) > 0 {
		h[headerKey] = []string{string(key)}
	}
	return h
}

func fromNatsHeader(h nats.Header) (events.Metadata, []byte) {
	md := make(events.Metadata, len(h))
	var key []byte
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		switch {
		case k == headerKey:
			key = []byte(vs[0])
		case strings.HasPrefix(k, "Nats-"):
		default:
			md[k] = vs[0]
		}
	}
	return md, key
}

func streamConfigEqual(a, b jetstream.StreamConfig) bool {
	if len(a.Subjects) != len(b.Subjects) {
		return false
	}
	for i := range a.Subjects {
		if a.Subjects[i] != b.Subjects[i] {
			return false
		}
	}
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}
