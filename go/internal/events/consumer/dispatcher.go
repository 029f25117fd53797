// Package consumer reads the event stream, dispatches each message to its
// registered handler and acts on the handler's disposition.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/mcdev12/taskhub/go/internal/events"
	"github.com/mcdev12/taskhub/go/internal/events/deadletter"
	"github.com/mcdev12/taskhub/go/internal/events/stream"
	"github.com/mcdev12/taskhub/go/internal/events/telemetry"
)

type Config struct {
	MaxConcurrency  int64                `yaml:"max_concurrency"`
	MaxRetries      int                  `yaml:"max_retries"`
	ReceiveTimeout  time.Duration        `yaml:"receive_timeout"`
	ErrorBackoff    time.Duration        `yaml:"error_backoff"`
	ShutdownTimeout time.Duration        `yaml:"shutdown_timeout"`
	Commit          stream.BatcherConfig `yaml:"commit"`
	Backoff         events.BackoffConfig `yaml:"backoff"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  16,
		MaxRetries:      5,
		ReceiveTimeout:  time.Second,
		ErrorBackoff:    time.Second,
		ShutdownTimeout: 30 * time.Second,
		Commit:          stream.DefaultBatcherConfig(),
		Backoff:         events.DefaultBackoffConfig(),
	}
}

// Dispatcher owns one stream consumer. Receive and commit happen on the Run
// goroutine; handlers run on up to MaxConcurrency goroutines.
type Dispatcher struct {
	client    stream.Consumer
	publisher stream.Publisher
	registry  *events.Registry
	sink      deadletter.Sink
	metrics   telemetry.Metrics
	tracer    trace.Tracer
	clock     clockwork.Clock
	cfg       Config

	batcher  *stream.CommitBatcher
	sem      *semaphore.Weighted
	inflight sync.WaitGroup
}

type Option func(*Dispatcher)

func WithMetrics(m telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// NewDispatcher wires a consumer. publisher is used for retry offload and must
// reach the same cluster as client.
func NewDispatcher(client stream.Consumer, publisher stream.Publisher, registry *events.Registry, sink deadletter.Sink, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = def.ReceiveTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	d := &Dispatcher{
		client:    client,
		publisher: publisher,
		registry:  registry,
		sink:      sink,
		metrics:   telemetry.Nop{},
		clock:     clockwork.NewRealClock(),
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrency),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = telemetry.Tracer()
	}
	d.batcher = stream.NewCommitBatcher(client, cfg.Commit, d.clock)
	return d
}

// Run consumes until ctx is cancelled, then waits for in-flight handlers,
// flushes pending offsets and closes the client.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().
		Int64("max_concurrency", d.cfg.MaxConcurrency).
		Int("max_retries", d.cfg.MaxRetries).
		Msg("stream consumer started")

	// Handlers finish their work even after shutdown begins.
	handlerCtx := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		msg, err := d.client.Receive(ctx, d.cfg.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Msg("failed to receive message")
			d.commitIfDue(ctx)
			d.pause(ctx)
			continue
		}

		if msg != nil {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				// Shutting down; the message stays uncommitted and is redelivered.
				break
			}
			d.inflight.Add(1)
			go func(msg *stream.Message) {
				defer d.inflight.Done()
				defer d.sem.Release(1)
				d.handle(handlerCtx, msg)
			}(msg)
		}

		d.commitIfDue(ctx)
	}

	return d.shutdown()
}

func (d *Dispatcher) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-d.clock.After(d.cfg.ErrorBackoff):
	}
}

func (d *Dispatcher) commitIfDue(ctx context.Context) {
	if err := d.batcher.CommitIfDue(ctx); err != nil {
		log.Error().Err(err).Msg("failed to commit offsets")
	}
}

func (d *Dispatcher) shutdown() error {
	log.Info().Msg("stream consumer draining in-flight handlers")
	d.inflight.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	var flushErr error
	if err := d.batcher.CommitAllNow(ctx); err != nil {
		flushErr = fmt.Errorf("flush offsets: %w", err)
		log.Error().Err(err).Int("pending", d.batcher.Len()).Msg("failed to flush offsets on shutdown")
	}
	if err := d.client.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close stream consumer")
	}

	log.Info().Msg("stream consumer stopped")
	return flushErr
}

func (d *Dispatcher) handle(ctx context.Context, msg *stream.Message) {
	name := msg.EventName()
	ctx, span := telemetry.StartMessageSpan(ctx, d.tracer, "consume "+name, msg.Headers, trace.SpanKindConsumer)
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int64("messaging.partition", int64(msg.Position.Partition)),
		attribute.Int64("messaging.offset", msg.Position.Offset),
	)

	logger := log.With().
		Str("event_name", name).
		Str("topic", msg.Topic).
		Int64("offset", msg.Position.Offset).
		Logger()

	d.metrics.Received(ctx, name)

	binding, ok := d.registry.Lookup(name)
	if !ok {
		logger.Warn().Msg("unknown event type, skipping")
		d.batcher.Enqueue(msg.Position)
		d.metrics.UnknownType(ctx, name)
		return
	}

	payload, err := binding.Decode(msg.Payload)
	if err != nil {
		telemetry.RecordError(span, "decode failed", err)
		logger.Error().Err(err).Msg("failed to decode payload")
		d.deadLetter(ctx, logger, msg, events.ReasonDeserializationFailed)
		return
	}

	res := d.invoke(ctx, logger, binding, payload, msg.Headers.Clone())
	span.SetAttributes(attribute.String("event.disposition", res.Disposition.String()))

	if res.Commits() {
		d.batcher.Enqueue(msg.Position)
		d.metrics.HandlerSuccess(ctx, name)
		return
	}

	switch res.Disposition {
	case events.DispositionRetry:
		attempts := msg.Headers.Attempts()
		if attempts >= d.cfg.MaxRetries {
			logger.Warn().Int("attempts", attempts).Str("reason", res.Reason).Msg("retries exhausted")
			d.deadLetter(ctx, logger, msg, events.ReasonMaxRetriesExceeded)
			return
		}
		d.offload(ctx, logger, msg, attempts)

	case events.DispositionDeadLetter:
		reason := res.Reason
		if reason == "" {
			reason = events.ReasonHandlerRejected
		}
		d.deadLetter(ctx, logger, msg, reason)

	default:
		logger.Error().Str("disposition", res.Disposition.String()).Msg("unknown disposition, leaving uncommitted")
	}
}

// invoke runs the handler. A panic is treated as a retryable failure.
func (d *Dispatcher) invoke(ctx context.Context, logger zerolog.Logger, b *events.Binding, payload any, md events.Metadata) (res events.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("handler panicked")
			res = events.Retry(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return b.Dispatch(ctx, payload, md)
}

// offload moves the message to its retry stream. The original offset is
// enqueued only once the retry copy is durably published; on failure the
// message stays uncommitted and will be redelivered.
func (d *Dispatcher) offload(ctx context.Context, logger zerolog.Logger, msg *stream.Message, attempts int) {
	name := msg.EventName()
	next := attempts + 1
	availableAt := d.clock.Now().Add(d.cfg.Backoff.Backoff(next))

	md := msg.Headers.Clone()
	md.SetAttempts(next)
	md.SetAvailableAt(availableAt)
	md[events.HeaderOriginalTopic] = msg.Topic
	telemetry.InjectIDs(ctx, md)

	retry := stream.Message{
		Topic:   events.RetryTopic(name),
		Key:     msg.Key,
		Payload: msg.Payload,
		Headers: md,
	}
	if err := d.publisher.Publish(ctx, retry); err != nil {
		logger.Error().Err(err).Int("attempt", next).Msg("failed to publish to retry stream")
		return
	}

	d.batcher.Enqueue(msg.Position)
	d.metrics.RetryOffloaded(ctx, name, next)
	logger.Info().
		Int("attempt", next).
		Time("available_at", availableAt).
		Msg("offloaded to retry stream")
}

// deadLetter stores the message and commits it. If the sink fails the offset
// is left uncommitted so the message is redelivered rather than lost.
func (d *Dispatcher) deadLetter(ctx context.Context, logger zerolog.Logger, msg *stream.Message, reason string) {
	name := msg.EventName()
	letter := deadletter.New(name, msg.Topic, reason, msg.Payload, msg.Headers, d.clock.Now())
	if err := d.sink.Save(ctx, letter); err != nil {
		logger.Error().Err(err).Str("reason", reason).Msg("failed to dead-letter message")
		return
	}

	d.batcher.Enqueue(msg.Position)
	d.metrics.DeadLettered(ctx, name, reason)
	logger.Warn().Str("reason", reason).Msg("message dead-lettered")
}
