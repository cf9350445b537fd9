package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/ar"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	"github.com/odyssey-erp/odyssey-ledger/internal/integration"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.PGDSN, db.MigrateUp, logger); err != nil {
			logger.Error("migrate on start", slog.Any("error", err))
			os.Exit(1)
		}
	}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	repo := accounting.NewRepository(pool)
	ledger := accounting.NewService(repo, shared.NewAuditLogger(pool), logger)
	ledger.WithNotifier(cache.NewLedgerVersions(redisClient))
	provisioner := accounting.NewProvisioner(repo, logger)
	invoices := ar.NewService(ar.NewRepository(pool), logger)

	router := events.NewRouter()
	integration.NewHooks(repo, ledger, provisioner, invoices, logger, jobMetrics).Register(router)

	integrity := jobs.NewGLIntegrityJob(ledger, logger, jobMetrics)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	var cron []jobs.CronRegistration
	if cfg.GLIntegrityCron != "" {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.GLIntegrityCron, Task: jobs.NewGLIntegrityTask()})
	}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		RetryDelay:  cfg.EventRetryDelay,
		MaxRetry:    cfg.EventMaxRetry,
		Router:      router,
		Handlers:    []jobs.TaskHandler{integrity.TaskHandler()},
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	srv := &http.Server{
		Addr: cfg.OpsAddr,
		Handler: app.NewRouter(app.RouterParams{
			Logger:     logger,
			Metrics:    metrics,
			JobHandler: jobs.NewHandler(inspector, logger),
			Checks: map[string]app.HealthCheck{
				"postgres": pool.Ping,
				"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			},
		}),
		ReadTimeout:  cfg.OpsReadTimeout,
		WriteTimeout: cfg.OpsWriteTimeout,
	}

	logger.Info("ledger worker starting",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Int("event_max_retry", cfg.EventMaxRetry),
		slog.Duration("event_retry_delay", cfg.EventRetryDelay),
		slog.Any("event_types", router.Types()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return app.ServeHTTP(gctx, srv, 5*time.Second, logger) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("ledger worker stopped")
}
