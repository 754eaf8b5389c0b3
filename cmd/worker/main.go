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

	"github.com/kardex-erp/kardex/internal/app"
	"github.com/kardex-erp/kardex/internal/catalog"
	jobmetrics "github.com/kardex-erp/kardex/internal/jobs"
	"github.com/kardex-erp/kardex/internal/ledger"
	ledgercache "github.com/kardex-erp/kardex/internal/ledger/cache"
	ledgerdb "github.com/kardex-erp/kardex/internal/ledger/db"
	ledgerhttp "github.com/kardex-erp/kardex/internal/ledger/http"
	"github.com/kardex-erp/kardex/internal/ledger/memory"
	"github.com/kardex-erp/kardex/internal/ledger/notify"
	"github.com/kardex-erp/kardex/internal/ledger/sqlite"
	"github.com/kardex-erp/kardex/internal/observability"
	"github.com/kardex-erp/kardex/internal/platform/cache"
	"github.com/kardex-erp/kardex/internal/platform/db"
	"github.com/kardex-erp/kardex/jobs"
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

	metrics := observability.NewMetrics()
	ledgerMetrics := observability.NewLedgerMetrics(metrics.Registerer())
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	var (
		events     ledger.EventStore
		aggregates ledger.AggregateStore
		thresholds ledger.ThresholdSource
		cat        ledger.Catalog
	)
	switch cfg.LedgerBackend {
	case app.BackendPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		store := ledgerdb.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("ensure schema", slog.Any("error", err))
			os.Exit(1)
		}
		events, aggregates, thresholds = store, store, store
		cat = catalog.NewPG(pool)
	case app.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			logger.Error("open sqlite", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("sqlite close", slog.Any("error", err))
			}
		}()
		events, aggregates, thresholds = store, store, store
	default:
		store := memory.NewStore()
		events, aggregates = store, store
		thresholds = memory.NewThresholds()
	}

	sinks := notify.MultiSink{notify.NewLogSink(logger)}
	var wrapValuer func(ledger.ValuerPort) ledger.ValuerPort

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, caches and stream sink disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		sinks = append(sinks, notify.NewRedisSink(redisClient, cfg.AlertStream, 1024))
		thresholds = ledgercache.NewThresholds(thresholds, redisClient, cfg.ThresholdCacheTTL)
		wrapValuer = func(inner ledger.ValuerPort) ledger.ValuerPort {
			return ledgercache.NewValuation(inner, redisClient, cfg.ValuationCacheTTL)
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := kafkaSink.Close(); err != nil {
				logger.Warn("kafka close", slog.Any("error", err))
			}
		}()
		sinks = append(sinks, kafkaSink)
	}

	service, err := ledger.NewService(ledger.ServiceParams{
		Events:     events,
		Aggregates: aggregates,
		Thresholds: thresholds,
		Catalog:    cat,
		Sink:       sinks,
		Metrics:    ledgerMetrics,
		Logger:     logger,
		WrapValuer: wrapValuer,
	}, ledger.ServiceConfig{
		AllowBackorders: cfg.AllowBackorders,
		Costing:         ledger.CostingMethod(cfg.CostingMethod),
		StrictScope:     cfg.StrictScope,
	})
	if err != nil {
		logger.Error("init ledger service", slog.Any("error", err))
		os.Exit(1)
	}

	reconcileJob := jobs.NewReconcileJob(service, logger, jobMetrics)
	catchupJob := jobs.NewCatchupJob(service, logger, jobMetrics)
	revalueJob := jobs.NewRevalueJob(service, logger, jobMetrics)

	reconcileTask, err := jobs.NewReconcileTask(jobs.ReconcilePayload{Parallelism: cfg.VerifyParallelism})
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}
	catchupTask, err := jobs.NewCatchupTask(jobs.CatchupPayload{})
	if err != nil {
		logger.Error("build catchup task", slog.Any("error", err))
		os.Exit(1)
	}
	revalueTask, err := jobs.NewRevalueTask(jobs.RevaluePayload{})
	if err != nil {
		logger.Error("build revalue task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskLedgerCatchup, Handler: catchupJob.Handle},
			{Type: jobs.TaskLedgerRevalue, Handler: revalueJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.CatchupCron, Task: catchupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.RevalueCron, Task: revalueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		LedgerHandler: ledgerhttp.NewHandler(service, logger),
		JobHandler:    jobs.NewHandler(queueClient, inspector, logger),
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting ops server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server", slog.Any("error", err))
			stop()
		}
	}()

	workerErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	if workerErr != nil && !errors.Is(workerErr, context.Canceled) {
		logger.Error("worker run", slog.Any("error", workerErr))
		os.Exit(1)
	}
}
