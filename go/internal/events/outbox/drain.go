package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcdev12/taskhub/go/internal/events"
	"github.com/mcdev12/taskhub/go/internal/events/stream"
	"github.com/mcdev12/taskhub/go/internal/events/telemetry"
)

type Config struct {
	PollInterval   time.Duration        `yaml:"poll_interval"`
	BatchSize      int                  `yaml:"batch_size"`
	LockKey        int64                `yaml:"lock_key"`
	PublishTimeout time.Duration        `yaml:"publish_timeout"`
	Backoff        events.BackoffConfig `yaml:"backoff"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		BatchSize:      50,
		LockKey:        7_310_001,
		PublishTimeout: 10 * time.Second,
		Backoff:        events.DefaultBackoffConfig(),
	}
}

// CycleResult summarizes one drain cycle.
type CycleResult struct {
	Acquired  bool
	Published int
	Failed    int
	Rejected  int
}

// Drainer publishes eligible outbox records. Any number of instances may run
// against the same table; the mutex lets one of them drain per cycle.
type Drainer struct {
	store     Store
	mutex     Mutex
	publisher stream.Publisher
	registry  *events.Registry
	metrics   telemetry.Metrics
	tracer    trace.Tracer
	clock     clockwork.Clock
	config    Config

	wake chan struct{}

	mu        sync.Mutex
	running   bool
	published uint64
	lastCycle time.Time
}

type Option func(*Drainer)

func WithMetrics(m telemetry.Metrics) Option {
	return func(d *Drainer) { d.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Drainer) { d.tracer = t }
}

func WithClock(c clockwork.Clock) Option {
	return func(d *Drainer) { d.clock = c }
}

func NewDrainer(store Store, mutex Mutex, publisher stream.Publisher, registry *events.Registry, cfg Config, opts ...Option) *Drainer {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}

	d := &Drainer{
		store:     store,
		mutex:     mutex,
		publisher: publisher,
		registry:  registry,
		metrics:   telemetry.Nop{},
		clock:     clockwork.NewRealClock(),
		config:    cfg,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = telemetry.Tracer()
	}
	return d
}

// Run drains once immediately, then on every poll tick or wake signal, until
// ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	log.Info().
		Dur("poll_interval", d.config.PollInterval).
		Int("batch_size", d.config.BatchSize).
		Msg("outbox drain loop started")

	ticker := d.clock.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.DrainOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox drain loop stopped")
			return nil
		case <-ticker.Chan():
			d.DrainOnce(ctx)
		case <-d.wake:
			d.DrainOnce(ctx)
		}
	}
}

// Wake asks the loop to run a cycle without waiting for the next tick. The
// cycle still goes through the mutex.
func (d *Drainer) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Running reports whether Run is active.
func (d *Drainer) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stats returns the number of records published and when the last cycle that
// held the lock finished.
func (d *Drainer) Stats() (published uint64, lastCycle time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.published, d.lastCycle
}

// DrainOnce runs a single cycle. Errors are logged, never returned.
func (d *Drainer) DrainOnce(ctx context.Context) CycleResult {
	release, acquired, err := d.mutex.TryLock(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("outbox lock unavailable, skipping cycle")
		return CycleResult{}
	}
	if !acquired {
		log.Debug().Msg("outbox lock held by another instance, skipping cycle")
		return CycleResult{}
	}
	defer release()

	res, err := d.drain(ctx)
	res.Acquired = true
	if err != nil {
		log.Error().Err(err).Msg("outbox drain cycle failed")
	}

	d.mu.Lock()
	d.lastCycle = d.clock.Now()
	if err == nil {
		d.published += uint64(res.Published)
	}
	d.mu.Unlock()

	return res
}

func (d *Drainer) drain(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	batch, err := d.store.Begin(ctx)
	if err != nil {
		return res, err
	}
	committed := false
	defer func() {
		if !committed {
			if err := batch.Rollback(context.WithoutCancel(ctx)); err != nil {
				log.Error().Err(err).Msg("failed to roll back drain transaction")
			}
		}
	}()

	now := d.clock.Now().UTC()
	records, err := batch.Eligible(ctx, now, d.config.BatchSize)
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		return res, nil
	}

	log.Debug().Int("count", len(records)).Msg("draining outbox records")

	for _, rec := range records {
		switch d.processRecord(ctx, batch, rec, now) {
		case outcomePublished:
			res.Published++
		case outcomeFailed:
			res.Failed++
		case outcomeRejected:
			res.Rejected++
		}
	}

	if err := batch.Commit(ctx); err != nil {
		return res, err
	}
	committed = true

	log.Info().
		Int("total", len(records)).
		Int("published", res.Published).
		Int("failed", res.Failed).
		Int("rejected", res.Rejected).
		Msg("drained outbox records")

	return res, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomePublished
	outcomeFailed
	outcomeRejected
)

func (d *Drainer) processRecord(ctx context.Context, batch Batch, rec Record, now time.Time) outcome {
	md := rec.Headers()
	ctx, span := telemetry.StartMessageSpan(ctx, d.tracer, "outbox.publish", md, trace.SpanKindProducer)
	defer span.End()
	span.SetAttributes(
		attribute.String("outbox.id", rec.ID.String()),
		attribute.Int("outbox.attempt_count", rec.AttemptCount),
	)

	logger := log.With().
		Str("outbox_id", rec.ID.String()).
		Str("event_name", rec.EventName).
		Logger()

	binding, ok := d.registry.Lookup(rec.EventName)
	if !ok {
		return d.reject(ctx, batch, rec, now, fmt.Sprintf("%v: %q", events.ErrUnknownEventType, rec.EventName))
	}
	if _, err := binding.Decode(rec.Payload); err != nil {
		return d.reject(ctx, batch, rec, now, err.Error())
	}

	telemetry.InjectIDs(ctx, md)
	msg := stream.Message{
		ID:      rec.ID.String(),
		Topic:   rec.EventName,
		Key:     []byte(rec.ID.String()),
		Payload: rec.Payload,
		Headers: md,
	}

	if err := d.publish(ctx, msg); err != nil {
		telemetry.RecordError(span, "publish failed", err)
		d.metrics.OutboxFailed(ctx, rec.EventName)

		attempts := rec.AttemptCount + 1
		availableAt := now.Add(d.config.Backoff.Backoff(attempts))
		logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Time("available_at", availableAt).
			Msg("failed to publish outbox record")

		if err := batch.MarkFailed(ctx, rec.ID, attempts, availableAt, err.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to record publish failure")
			return outcomeSkipped
		}
		return outcomeFailed
	}

	if err := batch.MarkProcessed(ctx, rec.ID, now); err != nil {
		logger.Error().Err(err).Msg("failed to mark outbox record processed")
		return outcomeSkipped
	}
	d.metrics.OutboxPublished(ctx, rec.EventName)
	return outcomePublished
}

// publish shields the loop from a panicking publisher.
func (d *Drainer) publish(ctx context.Context, msg stream.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.config.PublishTimeout)
	defer cancel()
	return d.publisher.Publish(ctx, msg)
}

func (d *Drainer) reject(ctx context.Context, batch Batch, rec Record, now time.Time, reason string) outcome {
	log.Error().
		Str("outbox_id", rec.ID.String()).
		Str("event_name", rec.EventName).
		Str("reason", reason).
		Msg("rejecting outbox record permanently")

	if err := batch.Reject(ctx, rec.ID, now, reason); err != nil {
		log.Error().Err(err).Str("outbox_id", rec.ID.String()).Msg("failed to reject outbox record")
		return outcomeSkipped
	}
	d.metrics.OutboxRejected(ctx, rec.EventName)
	return outcomeRejected
}
