/**
 * @description
 * Main entry point for the deposit relay. It loads configuration, opens the
 * record store, wires the source and destination ledger clients, the crediting
 * engine and the observation channels, then serves the webhook and health
 * endpoints until a termination signal arrives.
 *
 * @dependencies
 * - github.com/joho/godotenv: loads .env files during local development.
 * - github.com/jackc/pgx/v5/pgxpool or github.com/dgraph-io/badger/v4: record store.
 * - github.com/redis/go-redis/v9: sweep leases across replicas.
 * - pkg/rabbitmq: credited/alert events and the optional broker webhook queue.
 * - golang.org/x/sync/errgroup: runs the long-lived components together.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/transfa/deposit-relay/internal/api"
	"github.com/transfa/deposit-relay/internal/app"
	"github.com/transfa/deposit-relay/internal/config"
	"github.com/transfa/deposit-relay/internal/normalize"
	"github.com/transfa/deposit-relay/internal/store"
	"github.com/transfa/deposit-relay/pkg/alerting"
	"github.com/transfa/deposit-relay/pkg/directoryclient"
	"github.com/transfa/deposit-relay/pkg/ledgerclient"
	"github.com/transfa/deposit-relay/pkg/rabbitmq"
	"github.com/transfa/deposit-relay/pkg/solanarpc"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	bootLog := logger.With("component", "bootstrap")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repository, closeStore, err := openRepository(ctx, cfg, bootLog)
	if err != nil {
		bootLog.Error("failed to open record store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Messaging. In broker queue mode the producer is mandatory: a fallback would
	// acknowledge webhooks that were never stored.
	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			if cfg.WebhookQueueDriver == config.QueueDriverRabbitMQ {
				bootLog.Error("rabbitmq producer unavailable", "error", err)
				os.Exit(1)
			}
			bootLog.Warn("rabbitmq producer unavailable; events will not be published", "error", err)
		} else {
			publisher = producer
			defer producer.Close()
			bootLog.Info("rabbitmq producer connected")
		}
	} else {
		bootLog.Warn("rabbitmq url missing; events will not be published", "env", "RABBITMQ_URL")
	}
	events := app.NewBrokerEvents(publisher, cfg.RelayExchange)

	sinks := []app.AlertSink{events}
	if cfg.SentryDSN != "" {
		sentrySink, err := alerting.NewSentrySink(cfg.SentryDSN, cfg.Environment)
		if err != nil {
			bootLog.Warn("sentry unavailable; alerts go to logs and rabbitmq only", "error", err)
		} else {
			sinks = append(sinks, sentrySink)
			defer sentrySink.Flush(2 * time.Second)
		}
	}
	alerts := app.NewAlertFanout(logger, sinks...)

	lease := openLease(cfg, bootLog)

	// Collaborators.
	var resolver normalize.Directory
	if cfg.DirectoryAPIBaseURL != "" {
		resolver = directoryclient.NewClient(cfg.DirectoryAPIBaseURL, cfg.DirectoryAPIKey, cfg.LedgerTimeout())
	} else {
		bootLog.Warn("directory url missing; deposits without a destination hint will dead-letter", "env", "DIRECTORY_API_BASE_URL")
	}
	ledger := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerJWTSecret, cfg.LedgerTimeout())
	source := solanarpc.NewClient(cfg.SourceRPCURL, cfg.SourceWSURL, cfg.SourceCommitment, cfg.RPCTimeout())

	normalizer := normalize.NewNormalizer(cfg.WatchedAddress, cfg.AcceptedMint, resolver, logger)
	engine := app.NewEngine(repository, ledger, alerts, events, app.EngineConfig{
		Workers:     cfg.CreditWorkers,
		QueueSize:   cfg.CreditQueueSize,
		MaxAttempts: cfg.CreditMaxAttempts,
		MaxCycles:   cfg.CreditMaxCycles,
		BackoffBase: cfg.CreditBackoffBase(),
		BackoffMax:  cfg.CreditBackoffMax(),
		CallTimeout: cfg.LedgerTimeout(),
	}, logger)
	relay := app.NewRelay(repository, normalizer, engine, logger)

	guard := func(name string) *app.GuardedSource {
		return app.NewGuardedSource(name, source, cfg.BreakerFailureThreshold, cfg.BreakerOpenFor(), cfg.RPCTimeout(), logger)
	}
	poll := app.NewPollAdapter(guard("poll"), repository, repository, relay, app.PollConfig{
		Interval:        cfg.PollInterval(),
		PageLimit:       cfg.PollPageLimit,
		InitialLookback: cfg.PollInitialLookback(),
	}, logger)
	reconciler := app.NewReconciler(guard("reconcile"), repository, relay, cfg.ReconcileWindow(), cfg.ReconcileMaxSignatures, logger)

	correlation := app.NewCorrelationRetrier(repository, normalizer, engine, alerts, cfg.CorrelationMaxAttempts, logger)

	jobs := app.NewJobs(engine, relay, correlation, reconciler, lease, app.JobsConfig{
		StaleReservationAge: cfg.StaleReservationAge(),
	}, logger)
	scheduler := app.NewScheduler(jobs, app.Schedules{
		Reconcile:         cfg.ReconcileSchedule,
		Correlation:       cfg.CorrelationSchedule,
		CreditRetry:       cfg.CreditRetrySchedule,
		StaleReservations: "@every 1m",
		StaleObservations: "@every 1m",
	}, logger)

	var webhookQueue app.WebhookQueue
	group, groupCtx := errgroup.WithContext(ctx)

	switch cfg.WebhookQueueDriver {
	case config.QueueDriverRabbitMQ:
		producer, ok := publisher.(*rabbitmq.EventProducer)
		if !ok {
			bootLog.Error("rabbitmq webhook queue requires a connected producer")
			os.Exit(1)
		}
		if err := producer.BindQueue(cfg.RelayExchange, cfg.WebhookQueue, app.RoutingKeyWebhookReceived); err != nil {
			bootLog.Error("failed to bind webhook queue", "queue", cfg.WebhookQueue, "error", err)
			os.Exit(1)
		}
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.CreditWorkers*4, logger)
		if err != nil {
			bootLog.Error("rabbitmq consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()
		webhookConsumer := app.NewWebhookConsumer(relay, logger)
		group.Go(func() error {
			return consumer.ConsumeWithBindings(groupCtx, cfg.RelayExchange, cfg.WebhookQueue, map[string]rabbitmq.Handler{
				app.RoutingKeyWebhookReceived: webhookConsumer.Handle,
			})
		})
		webhookQueue = app.NewBrokerWebhookQueue(producer, cfg.RelayExchange)
	default:
		dispatcher := app.NewInboxDispatcher(repository, relay, logger)
		group.Go(func() error { return dispatcher.Run(groupCtx) })
		webhookQueue = app.NewStoreWebhookQueue(repository)
	}

	// Reservations left by a previous run go first; the ledger absorbs replays.
	if recovered, err := engine.RecoverReserved(ctx); err != nil {
		bootLog.Error("failed to requeue reservations from previous run", "error", err)
	} else {
		bootLog.Info("startup recovery complete", "requeued", recovered)
	}
	// Observations that never got past Seen are reserved or parked for correlation.
	if advanced, err := relay.AdvanceStaleSeen(ctx, 0, 0); err != nil {
		bootLog.Error("failed to advance observations from previous run", "error", err)
	} else if advanced > 0 {
		bootLog.Info("advanced observations from previous run", "count", advanced)
	}

	group.Go(func() error { return engine.Run(groupCtx) })
	group.Go(func() error { return poll.Run(groupCtx) })
	if cfg.PushEnabled {
		push := app.NewPushAdapter(guard("push"), repository, relay, poll, app.PushConfig{
			Lookback:     cfg.PushLookbackSignatures,
			ReconnectMax: cfg.PushReconnectMax(),
		}, logger)
		group.Go(func() error { return push.Run(groupCtx) })
	}

	scheduler.Start()
	bootLog.Info("scheduler started")

	router := api.NewRouter(
		api.NewWebhookHandler(webhookQueue, cfg.WebhookAuthToken, cfg.WebhookMaxBodyBytes, logger),
		api.NewHealthHandler(repository, cfg.WatchedAddress, logger),
		cfg.AllowedOrigins(),
	)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		logger.Info("server listening", "component", "http", "addr", server.Addr, "watched_address", cfg.WatchedAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received, stopping", "component", "http")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		bootLog.Error("relay stopped with error", "error", err)
	}

	<-scheduler.Stop().Done()
	logger.Info("deposit relay stopped gracefully")
}

func openRepository(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Repository, func(), error) {
	if cfg.StoreDriver == config.StoreDriverBadger {
		repo, err := store.OpenBadgerRepository(cfg.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		log.Info("badger store opened", "dir", cfg.BadgerDir)
		return repo, func() { _ = repo.Close() }, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching so the relay works behind pgbouncer.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	log.Info("database connection established")
	return store.NewPostgresRepository(pool), pool.Close, nil
}

func openLease(cfg config.Config, log *slog.Logger) app.Lease {
	if cfg.RedisURL == "" {
		log.Warn("redis url missing; sweeps run without a cross-replica lease", "env", "REDIS_URL")
		return app.LocalLease{}
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("redis url parse failed; sweeps run without a cross-replica lease", "error", err)
		return app.LocalLease{}
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis ping failed; sweeps run without a cross-replica lease", "error", err)
		_ = client.Close()
		return app.LocalLease{}
	}
	log.Info("redis connected")
	return app.NewRedisLease(client, cfg.RedisLeasePrefix)
}
