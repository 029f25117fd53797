package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/taskhub/go/internal/config"
	"github.com/mcdev12/taskhub/go/internal/events"
	"github.com/mcdev12/taskhub/go/internal/events/admin"
	"github.com/mcdev12/taskhub/go/internal/events/consumer"
	"github.com/mcdev12/taskhub/go/internal/events/outbox"
	"github.com/mcdev12/taskhub/go/internal/events/relay"
	"github.com/mcdev12/taskhub/go/internal/events/stream"
	"github.com/mcdev12/taskhub/go/internal/events/telemetry"
	"github.com/mcdev12/taskhub/go/internal/tasks"
)

func main() {
	// load .env
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(os.Getenv("EVENTS_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("event pipeline exited")
	}
	log.Info().Msg("graceful shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	pool, err := cfg.Database.NewPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Info().
		Str("host", cfg.Database.Host).
		Int("port", cfg.Database.Port).
		Str("database", cfg.Database.Database).
		Msg("connected to database")

	store := outbox.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, tasks.Schema); err != nil {
		return fmt.Errorf("failed to migrate tasks: %w", err)
	}

	var closers closeStack
	defer closers.closeAll()

	mutex, err := newMutex(cfg, pool, &closers)
	if err != nil {
		return err
	}

	registry := events.NewRegistry()
	projection := tasks.NewProjection()
	if err := tasks.RegisterHandlers(registry, projection, tasks.NewAssignmentHandler(tasks.LogNotifier{})); err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}

	tr, err := newTransport(ctx, cfg, registry.Names(), &closers)
	if err != nil {
		return err
	}
	publisher := stream.NewBreakerPublisher(tr.publisher, cfg.Breaker)

	sink, err := newDeadLetterSink(ctx, cfg, &closers)
	if err != nil {
		return err
	}

	otelMetrics, err := telemetry.NewOtel(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	counters := telemetry.NewCounters()
	metrics := telemetry.Multi{otelMetrics, counters}

	drainer := outbox.NewDrainer(store, mutex, publisher, registry, cfg.Outbox, outbox.WithMetrics(metrics))
	listener, err := outbox.NewListener(cfg.Listener)
	if err != nil {
		return err
	}
	dispatcher := consumer.NewDispatcher(tr.events, publisher, registry, sink.sink, cfg.Consumer, consumer.WithMetrics(metrics))
	retries := relay.New(tr.retries, publisher, sink.sink, cfg.Relay, relay.WithMetrics(metrics))

	checker := &admin.Checker{
		DB:           pool,
		Broker:       tr.broker,
		Drainer:      drainer,
		Pending:      store,
		Breaker:      publisher,
		StallAfter:   cfg.Admin.StallAfter,
		PendingAlert: cfg.Admin.PendingAlert,
	}
	server := admin.NewServer(checker, counters, sink.lister)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return drainer.Run(ctx) })
	g.Go(func() error { return listener.Run(ctx, drainer.Wake) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return retries.Run(ctx) })
	g.Go(func() error { return server.ListenAndServe(ctx, cfg.Admin.Addr) })

	log.Info().
		Str("transport", cfg.Transport).
		Str("mutex", cfg.Mutex.Backend).
		Str("dead_letter", cfg.DeadLetter.Backend).
		Str("admin_addr", cfg.Admin.Addr).
		Strs("events", registry.Names()).
		Msg("event pipeline started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
