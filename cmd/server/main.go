// Command server is the orchestration substrate's single process entry
// point: it wires the connection pool, event bus, quota engine, outbox
// dispatcher, job worker, flow orchestrator, cron scheduler, webhook
// worker, WebSocket fan-out, and the optional backup/Slack side cars into
// one supervised set of goroutines, shutting all of them down together on
// SIGINT/SIGTERM, exiting 130 when a signal triggered the shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/aiseo-platform/orchestrator/internal/agent"
	"github.com/aiseo-platform/orchestrator/internal/backup"
	"github.com/aiseo-platform/orchestrator/internal/billing"
	"github.com/aiseo-platform/orchestrator/internal/config"
	"github.com/aiseo-platform/orchestrator/internal/cron"
	"github.com/aiseo-platform/orchestrator/internal/crypto"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/logging"
	"github.com/aiseo-platform/orchestrator/internal/metrics"
	"github.com/aiseo-platform/orchestrator/internal/orchestrator"
	"github.com/aiseo-platform/orchestrator/internal/outbox"
	"github.com/aiseo-platform/orchestrator/internal/quota"
	"github.com/aiseo-platform/orchestrator/internal/slackbridge"
	"github.com/aiseo-platform/orchestrator/internal/tenantdb"
	"github.com/aiseo-platform/orchestrator/internal/webhook"
	"github.com/aiseo-platform/orchestrator/internal/worker"
	"github.com/aiseo-platform/orchestrator/internal/wsfanout"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config: "+err.Error())
		return 1
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting orchestrator substrate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := tenantdb.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}
	defer pool.Close()
	logger.Info("connected to database")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "error", err)
		return 1
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	asynqRedisOpt := asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB}
	asynqClient := asynq.NewClient(asynqRedisOpt)
	defer asynqClient.Close()
	asynqInspector := asynq.NewInspector(asynqRedisOpt)
	defer asynqInspector.Close()

	bus := eventbus.New(redisClient, logger)
	quotaEngine := quota.New(redisClient, pool.DB, logger)

	registry := agent.NewRegistry()
	agent.RegisterReferenceAgents(registry)

	tenantLookup := worker.NewDBTenantLookup(pool.DB)
	handler := worker.NewHandler(registry, bus, quotaEngine, tenantLookup, os.TempDir(), cfg.SkipAgents, logger)
	workerCfg := worker.DefaultConfig(redisOpts.Addr)
	workerCfg.Concurrency = cfg.WorkerConcurrency
	workerCfg.HealthAddr = cfg.HealthAddr
	workerCfg.ShutdownTimeout = time.Duration(cfg.ShutdownTimeout) * time.Second
	workerSrv := worker.NewServer(workerCfg, handler, logger)

	coordinator := orchestrator.NewCoordinator(pool.DB, bus, asynqClient, asynqInspector, logger)

	outboxDispatcher := outbox.New(pool.DB, bus, logger, outbox.Config{
		PollInterval: time.Duration(cfg.OutboxPollIntervalSeconds) * time.Second,
		BatchSize:    cfg.OutboxBatchSize,
	})

	scheduler := cron.New(pool.DB, asynqClient, bus, flowBuilder, tenantLookup, quotaEngine, logger)
	if err := scheduler.LoadSchedules(ctx); err != nil {
		logger.Error("failed to load schedules", "error", err)
		return 1
	}
	syncSpec := fmt.Sprintf("@every %dm", cfg.QuotaSyncIntervalMinutes)
	if err := scheduler.RegisterSystemJob(syncSpec, func() {
		if err := quotaEngine.SyncToDurable(ctx); err != nil {
			logger.Error("quota sync failed", "error", err)
		}
	}); err != nil {
		logger.Error("failed to register quota sync job", "error", err)
		return 1
	}
	if cfg.BackupEnabled {
		if err := wireBackup(ctx, cfg, pool, scheduler, logger); err != nil {
			logger.Error("failed to wire backup snapshotter", "error", err)
			return 1
		}
	}
	scheduler.Start()

	var webhookWorker *webhook.Worker
	if cfg.EncryptionKey != "" {
		encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			logger.Error("invalid ENCRYPTION_KEY", "error", err)
			return 1
		}
		webhookWorker = webhook.New(pool.DB, bus, encryptor, logger)
	} else {
		logger.Warn("ENCRYPTION_KEY not set, webhook delivery worker disabled")
	}

	var slackBridge *slackbridge.Bridge
	if cfg.SlackWebhookURL != "" {
		slackBridge = slackbridge.New(bus, cfg.SlackWebhookURL, logger)
	}

	wsHub := wsfanout.New(bus, logger)
	wsHandler := wsfanout.NewHandler(wsHub, []byte(cfg.WSSecret), logger)
	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", wsHandler)
	wsSrv := &http.Server{Addr: cfg.WSAddr, Handler: wsMux}

	metricsSrv := metrics.Serve(cfg.MetricsAddr)

	var billingSrv *http.Server
	if cfg.StripeWebhookSecret != "" {
		billingMux := http.NewServeMux()
		billingMux.Handle("/webhooks/stripe", billing.NewHandler(pool.DB, cfg.StripeWebhookSecret, logger))
		billingSrv = &http.Server{Addr: cfg.BillingAddr, Handler: billingMux}
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, billing webhook endpoint disabled")
	}

	var wg sync.WaitGroup
	runGroup := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("component exited with error", "component", name, "error", err)
			}
		}()
	}

	runGroup("worker", workerSrv.Run)
	runGroup("coordinator", coordinator.Run)
	runGroup("outbox", func(ctx context.Context) error { outboxDispatcher.Run(ctx); return nil })
	runGroup("wsfanout-hub", wsHub.Run)
	if webhookWorker != nil {
		runGroup("webhook", webhookWorker.Run)
	}
	if slackBridge != nil {
		runGroup("slackbridge", slackBridge.Run)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("wsfanout server error", "error", err)
		}
	}()

	if billingSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := billingSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("billing server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining components")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = wsSrv.Shutdown(shutdownCtx)
	if billingSrv != nil {
		_ = billingSrv.Shutdown(shutdownCtx)
	}

	wg.Wait()
	logger.Info("shutdown complete")

	if ctx.Err() != nil {
		return 130
	}
	return 0
}

// flowBuilder resolves the four first-class templates by
// name for the cron scheduler's materialisation path.
func flowBuilder(name string, input orchestrator.FlowInput) (*orchestrator.DAG, error) {
	switch name {
	case "seo-content-pipeline":
		return orchestrator.SEOContentPipeline(input)
	case "seo-monitoring-pipeline":
		return orchestrator.SEOMonitoringPipeline(input)
	case "seo-comprehensive-audit":
		return orchestrator.SEOComprehensiveAudit(input)
	case "local-seo-optimization":
		return orchestrator.LocalSEOOptimization(input)
	default:
		return nil, fmt.Errorf("orchestrator: unknown flow template %q", name)
	}
}

// wireBackup constructs the S3-compatible snapshotter and registers its
// periodic job with scheduler, gated entirely behind BACKUP_ENABLED.
func wireBackup(ctx context.Context, cfg *config.Config, pool *tenantdb.Pool, scheduler *cron.Scheduler, logger logging.Logger) error {
	storage, err := backup.NewStorage(ctx, backup.Config{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		BasePath:        cfg.S3BasePath,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
	})
	if err != nil {
		return err
	}
	snap := backup.NewSnapshotter(pool.DB, storage, logger)
	return backup.Register(scheduler, snap, cfg.BackupCron, logger)
}
