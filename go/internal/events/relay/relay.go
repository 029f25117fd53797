// Package relay moves messages from retry streams back to their original
// stream once their backoff has elapsed.
package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/mcdev12/taskhub/go/internal/events"
	"github.com/mcdev12/taskhub/go/internal/events/deadletter"
	"github.com/mcdev12/taskhub/go/internal/events/stream"
	"github.com/mcdev12/taskhub/go/internal/events/telemetry"
)

// Config tunes the relay. TouchInterval is how often waiting messages are
// reported in progress to brokers that redeliver on an ack deadline; keep it
// well under that deadline.
type Config struct {
	Workers         int                  `yaml:"workers"`
	MaxPending      int64                `yaml:"max_pending"`
	ReceiveTimeout  time.Duration        `yaml:"receive_timeout"`
	ErrorBackoff    time.Duration        `yaml:"error_backoff"`
	RepublishDelay  time.Duration        `yaml:"republish_delay"`
	ShutdownTimeout time.Duration        `yaml:"shutdown_timeout"`
	TouchInterval   time.Duration        `yaml:"touch_interval"`
	Commit          stream.BatcherConfig `yaml:"commit"`
}

func DefaultConfig() Config {
	return Config{
		Workers:         4,
		MaxPending:      1000,
		ReceiveTimeout:  time.Second,
		ErrorBackoff:    time.Second,
		RepublishDelay:  5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		TouchInterval:   20 * time.Second,
		Commit:          stream.DefaultBatcherConfig(),
	}
}

// Relay consumes every retry stream. Received messages wait in a delay queue
// keyed by Available-At-Utc; a scheduler hands due messages to a worker pool
// that republishes them to Original-Topic with their headers untouched.
type Relay struct {
	client    stream.Consumer
	publisher stream.Publisher
	sink      deadletter.Sink
	metrics   telemetry.Metrics
	tracer    trace.Tracer
	clock     clockwork.Clock
	cfg       Config

	batcher *stream.CommitBatcher
	queue   *delayQueue
	slots   *semaphore.Weighted
	work    chan *stream.Message
	held    atomic.Int64
}

type Option func(*Relay)

func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Relay) { r.tracer = t }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *Relay) { r.clock = c }
}

func New(client stream.Consumer, publisher stream.Publisher, sink deadletter.Sink, cfg Config, opts ...Option) *Relay {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = def.ReceiveTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.RepublishDelay <= 0 {
		cfg.RepublishDelay = def.RepublishDelay
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = def.TouchInterval
	}

	r := &Relay{
		client:    client,
		publisher: publisher,
		sink:      sink,
		metrics:   telemetry.Nop{},
		clock:     clockwork.NewRealClock(),
		cfg:       cfg,
		queue:     newDelayQueue(),
		slots:     semaphore.NewWeighted(cfg.MaxPending),
		work:      make(chan *stream.Message),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = telemetry.Tracer()
	}
	r.batcher = stream.NewCommitBatcher(client, cfg.Commit, r.clock)
	return r
}

// Pending returns how many received messages have not been relayed yet.
func (r *Relay) Pending() int64 {
	return r.held.Load()
}

// Run relays until ctx is cancelled. Messages still waiting at shutdown are
// left uncommitted and will be redelivered to the next relay.
func (r *Relay) Run(ctx context.Context) error {
	log.Info().
		Int("workers", r.cfg.Workers).
		Int64("max_pending", r.cfg.MaxPending).
		Msg("retry relay started")

	schedCtx, stopSched := context.WithCancel(context.Background())
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		r.schedule(schedCtx)
	}()
	if toucher, ok := r.client.(stream.Toucher); ok {
		background.Add(1)
		go func() {
			defer background.Done()
			r.keepAlive(schedCtx, toucher)
		}()
	}

	// Workers finish the message in hand after shutdown begins.
	workCtx := context.WithoutCancel(ctx)
	var workers sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for msg := range r.work {
				r.relay(workCtx, msg)
			}
		}()
	}

	r.receive(ctx)

	stopSched()
	background.Wait()
	close(r.work)
	workers.Wait()

	return r.shutdown()
}

func (r *Relay) receive(ctx context.Context) {
	for ctx.Err() == nil {
		// Blocks while MaxPending messages are held.
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return
		}

		msg, err := r.client.Receive(ctx, r.cfg.ReceiveTimeout)
		if err != nil || msg == nil {
			r.slots.Release(1)
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("failed to receive retry message")
				r.pause(ctx)
			}
			r.commitIfDue(ctx)
			continue
		}

		due, ok := msg.Headers.AvailableAt()
		if !ok {
			due = r.clock.Now()
		}
		r.held.Add(1)
		r.queue.push(msg, due)
		r.commitIfDue(ctx)
	}
}

// schedule sleeps until the earliest wake time and feeds due messages to the
// workers.
func (r *Relay) schedule(ctx context.Context) {
	for {
		msg, next, ok := r.queue.popDue(r.clock.Now())
		if ok {
			select {
			case r.work <- msg:
				continue
			case <-ctx.Done():
				return
			}
		}

		var (
			timer  clockwork.Timer
			timerC <-chan time.Time
		)
		if !next.IsZero() {
			timer = r.clock.NewTimer(next.Sub(r.clock.Now()))
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-r.queue.changed:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// keepAlive stops the broker from redelivering messages that wait longer than
// its ack deadline. Only messages in the delay queue are touched; a worker
// holds a message just for one publish.
func (r *Relay) keepAlive(ctx context.Context, toucher stream.Toucher) {
	ticker := r.clock.NewTicker(r.cfg.TouchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			positions := r.queue.positions()
			if len(positions) == 0 {
				continue
			}
			if err := toucher.Touch(ctx, positions); err != nil {
				log.Warn().Err(err).Int("count", len(positions)).Msg("failed to touch waiting retry messages")
			}
		}
	}
}

func (r *Relay) relay(ctx context.Context, msg *stream.Message) {
	target := msg.Headers.OriginalTopic()
	ctx, span := telemetry.StartMessageSpan(ctx, r.tracer, "relay "+msg.Topic, msg.Headers, trace.SpanKindConsumer)
	defer span.End()
	span.SetAttributes(
		attribute.String("relay.source", msg.Topic),
		attribute.String("relay.target", target),
		attribute.Int("retry.attempt", msg.Headers.Attempts()),
	)

	logger := log.With().
		Str("source", msg.Topic).
		Str("target", target).
		Int64("offset", msg.Position.Offset).
		Logger()

	if target == "" {
		letter := deadletter.New(msg.EventName(), msg.Topic, events.ReasonMissingOriginalTopic, msg.Payload, msg.Headers, r.clock.Now())
		if err := r.sink.Save(ctx, letter); err != nil {
			logger.Error().Err(err).Msg("failed to dead-letter retry message")
			r.requeue(msg)
			return
		}
		logger.Warn().Msg("retry message has no original topic, dead-lettered")
		r.metrics.DeadLettered(ctx, msg.EventName(), events.ReasonMissingOriginalTopic)
		r.done(msg)
		return
	}

	out := stream.Message{
		Topic:   target,
		Key:     msg.Key,
		Payload: msg.Payload,
		Headers: msg.Headers.Clone(),
	}
	if err := r.publisher.Publish(ctx, out); err != nil {
		telemetry.RecordError(span, "republish failed", err)
		logger.Error().Err(err).Dur("retry_in", r.cfg.RepublishDelay).Msg("failed to republish retry message")
		r.requeue(msg)
		return
	}

	r.metrics.Relayed(ctx, target)
	logger.Debug().Int("attempt", msg.Headers.Attempts()).Msg("relayed retry message")
	r.done(msg)
}

// requeue keeps the message and its slot and tries again after RepublishDelay.
func (r *Relay) requeue(msg *stream.Message) {
	r.queue.push(msg, r.clock.Now().Add(r.cfg.RepublishDelay))
}

func (r *Relay) done(msg *stream.Message) {
	r.batcher.Enqueue(msg.Position)
	r.held.Add(-1)
	r.slots.Release(1)
}

func (r *Relay) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-r.clock.After(r.cfg.ErrorBackoff):
	}
}

func (r *Relay) commitIfDue(ctx context.Context) {
	if err := r.batcher.CommitIfDue(ctx); err != nil {
		log.Error().Err(err).Msg("failed to commit retry offsets")
	}
}

func (r *Relay) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()

	var flushErr error
	if err := r.batcher.CommitAllNow(ctx); err != nil {
		flushErr = fmt.Errorf("flush retry offsets: %w", err)
		log.Error().Err(err).Msg("failed to flush retry offsets on shutdown")
	}
	if err := r.client.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close retry consumer")
	}

	log.Info().Int("abandoned", r.queue.len()).Msg("retry relay stopped")
	return flushErr
}
