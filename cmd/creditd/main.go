package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/creditd/pkg/api"
	"github.com/platinummonkey/creditd/pkg/archive"
	"github.com/platinummonkey/creditd/pkg/async"
	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/config"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/metering"
	"github.com/platinummonkey/creditd/pkg/middleware"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/plans"
	"github.com/platinummonkey/creditd/pkg/storage"
	"github.com/platinummonkey/creditd/pkg/storage/memory"
	"github.com/platinummonkey/creditd/pkg/storage/postgres"
	"github.com/platinummonkey/creditd/pkg/storage/rediscache"
	"github.com/platinummonkey/creditd/pkg/stripeapi"
	"github.com/platinummonkey/creditd/pkg/webhooks"
)

var version = "dev"

var (
	reconcileOnce = flag.Bool("reconcile-once", false, "Report every outstanding overage once and exit")
	migrateOnly   = flag.Bool("migrate", false, "Apply the Postgres schema and exit")
)

// backend is what a storage implementation provides to the services
type backend interface {
	ledger.Store
	billing.PurchaseStore
	metering.SubscriptionLookup
	storage.HealthChecker
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLoggerWithFormat(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout).
		WithFields(map[string]interface{}{"service": "creditd", "version": version})

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("creditd stopped with an error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	defer func() {
		if err := shutdown.Shutdown(); err != nil {
			logger.WithError(err).Warn("Shutdown finished with errors")
		}
	}()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	if providers != nil {
		shutdown.Register("otel", providers.Shutdown)
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
		if providers != nil {
			inst, err := observability.NewOTelInstruments(providers.MeterProvider)
			if err != nil {
				return fmt.Errorf("failed to create otel instruments: %w", err)
			}
			metrics = metrics.WithOTel(inst)
		}
	}
	health := observability.NewHealthChecker(version)

	store, err := openBackend(ctx, cfg, logger, metrics, health, shutdown)
	if err != nil {
		return err
	}
	if *migrateOnly {
		logger.Info("Schema is up to date")
		return nil
	}

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger), ledger.WithMetrics(metrics)}
	var (
		remoteDedupe api.RemoteDeduper
		limiter      middleware.Limiter
	)
	rateCfg := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.API.RateLimitPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.API.RateLimitBurst,
	}

	if cfg.Storage.RedisEnabled() {
		client, err := rediscache.NewClient(cfg.Storage)
		if err != nil {
			return err
		}
		shutdown.Register("redis", func(context.Context) error { return client.Close() })
		health.AddCheck("redis", false, observability.RedisCheck(client))

		if cfg.Storage.CacheEnabled {
			ledgerOpts = append(ledgerOpts, ledger.WithBalanceCache(rediscache.NewBalanceCache(client, cfg.Storage.BalanceCacheTTL, metrics)))
		}
		remoteDedupe = rediscache.NewEventDeduper(client, cfg.Billing.DedupeTTL)
		if cfg.API.RateLimitEnabled {
			limiter = middleware.NewDistributedRateLimiter(client, rateCfg, "")
		}
	} else if cfg.API.RateLimitEnabled {
		local := middleware.NewRateLimiter(rateCfg)
		local.StartCleanup(ctx)
		limiter = local
	}

	credits := ledger.New(store, ledgerOpts...)

	stripeClient := stripeapi.NewClient(stripeapi.Config{
		APIKey:  cfg.Stripe.APIKey,
		Timeout: cfg.Stripe.Timeout,
		BaseURL: cfg.Stripe.BaseURL,
		Logger:  logger,
	})

	var (
		resolver plans.Resolver = plans.DefaultCatalog()
		watcher  *plans.Watcher
	)
	if cfg.Billing.CatalogPath != "" {
		watcher, err = plans.NewWatcher(cfg.Billing.CatalogPath, logger)
		if err != nil {
			return fmt.Errorf("failed to load plan catalog: %w", err)
		}
		resolver = watcher
	}

	// Pools run on their own context so that shutdown can drain them after
	// the servers stop accepting work.
	overagePool := async.NewWorkerPool(context.Background(), async.PoolConfig{
		Name:      "overage",
		Workers:   cfg.Metering.Workers,
		QueueSize: cfg.Metering.QueueSize,
		Timeout:   cfg.Metering.TaskTimeout,
		Logger:    logger,
	})
	shutdown.Register("overage-pool", drainPool(overagePool))

	reporter := metering.NewReporter(stripeClient, cfg.Stripe.OveragePriceID, logger, metrics)
	scheduler := metering.NewScheduler(metering.SchedulerConfig{
		Reporter:          reporter,
		Balances:          credits,
		Subscriptions:     store,
		Pool:              overagePool,
		ReconcileSchedule: cfg.Metering.ReconcileSchedule,
		ReconcileWorkers:  cfg.Metering.ReconcileWorkers,
		Logger:            logger,
	})

	if *reconcileOnce {
		n, err := scheduler.Reconcile(ctx)
		logger.WithField("balances", n).Info("Reconciliation run finished")
		return err
	}
	credits.AddObserver(scheduler)

	closers := []billing.PeriodCloser{scheduler}
	if cfg.Billing.ArchiveStatements {
		objects, err := archive.NewS3Store(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to configure statement archive: %w", err)
		}
		archivePool := async.NewWorkerPool(context.Background(), async.PoolConfig{
			Name:    "statement-archive",
			Workers: 2,
			Timeout: 2 * time.Minute,
			Logger:  logger,
		})
		shutdown.Register("archive-pool", drainPool(archivePool))
		closers = append(closers, archive.NewArchiver(store, objects, archivePool, cfg.Storage.S3Prefix, logger))
	}

	var (
		notifier      billing.Notifier
		notifications *webhooks.Manager
	)
	if len(cfg.Notify.Endpoints) > 0 {
		notifyPool := async.NewWorkerPool(context.Background(), async.PoolConfig{
			Name:    "notifications",
			Workers: 4,
			Timeout: cfg.Notify.Timeout + time.Second,
			Logger:  logger,
		})
		shutdown.Register("notification-pool", drainPool(notifyPool))

		notifications, err = webhooks.NewManager(webhooks.Config{
			Endpoints: webhooks.ParseEndpoints(cfg.Notify.Endpoints),
			Secret:    cfg.Notify.Secret,
			Retry: webhooks.RetryConfig{
				MaxAttempts:       cfg.Notify.MaxAttempts,
				InitialDelay:      cfg.Notify.InitialDelay,
				MaxDelay:          cfg.Notify.MaxDelay,
				BackoffMultiplier: 2,
			},
			RetryInterval: cfg.Notify.RetryInterval,
			Timeout:       cfg.Notify.Timeout,
			MaxLogs:       cfg.Notify.MaxLogs,
			RateLimit:     cfg.Notify.RateLimit,
			Pool:          notifyPool,
			Logger:        logger,
			Metrics:       metrics,
		})
		if err != nil {
			return fmt.Errorf("failed to configure notifications: %w", err)
		}
		notifications.Start(ctx)
		shutdown.Register("notifications", func(context.Context) error {
			notifications.Stop()
			return nil
		})
		notifier = notifications
	}

	lifecycle := billing.NewLifecycle(billing.LifecycleConfig{
		Ledger:         credits,
		Purchases:      store,
		Plans:          resolver,
		Provider:       stripeClient,
		Notifier:       notifier,
		PeriodClosers:  closers,
		OveragePriceID: cfg.Stripe.OveragePriceID,
		Logger:         logger,
	})

	var serviceAuth *middleware.ServiceTokenAuth
	if cfg.API.InternalEnabled {
		serviceAuth = middleware.NewServiceTokenAuth(cfg.API.ServiceTokens...)
	}
	apiServer := api.NewServer(api.Config{
		Credits:        credits,
		Events:         lifecycle,
		WebhookSecret:  cfg.Stripe.WebhookSecret,
		Dedupe:         api.NewEventDedupe(cfg.Billing.DedupeSize, cfg.Billing.DedupeTTL, remoteDedupe, logger),
		ServiceAuth:    serviceAuth,
		RateLimiter:    limiter,
		Notifications:  notifications,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	opsMux := http.NewServeMux()
	opsMux.HandleFunc("/health/live", health.Liveness)
	opsMux.HandleFunc("/health/ready", health.Readiness)
	observability.RegisterMetricsEndpoint(opsMux, registry)
	opsSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           opsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := scheduler.Start(gctx); err != nil {
		return err
	}
	shutdown.Register("overage-scheduler", func(context.Context) error {
		scheduler.Stop()
		return nil
	})

	if watcher != nil && cfg.Billing.WatchCatalog {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	g.Go(func() error {
		logger.WithField("addr", srv.Addr).Info("API server listening")
		return serve(srv)
	})
	g.Go(func() error {
		logger.WithField("addr", opsSrv.Addr).Info("Health and metrics server listening")
		return serve(opsSrv)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), opsSrv.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics,
	health *observability.HealthChecker, shutdown *observability.ShutdownManager) (backend, error) {
	if cfg.Storage.Type != storage.TypePostgres {
		logger.Warn("Using in-memory storage; balances are lost on restart")
		store := memory.New()
		health.AddCheck("storage", true, store.HealthCheck)
		return store, nil
	}

	conns, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL: cfg.Storage.PostgresURL,
		MaxConns:   cfg.Storage.PostgresMaxConns,
		MinConns:   cfg.Storage.PostgresMinConns,
		Timeout:    cfg.Storage.PostgresTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	shutdown.Register("postgres", func(context.Context) error { return conns.Close() })

	store := postgres.NewStore(conns, logger)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	health.AddCheck("postgres", true, observability.SQLCheck(conns.Primary()))
	conns.StartStatsReporter(ctx, metrics, 15*time.Second)
	return store, nil
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
	}
	return nil
}

// drainPool stops accepting tasks and waits for queued ones within the
// shutdown deadline
func drainPool(p *async.WorkerPool) observability.ShutdownFunc {
	return func(ctx context.Context) error {
		timeout := 10 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		return p.Shutdown(timeout)
	}
}
