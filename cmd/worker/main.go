package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/KingPyrox/Legal-Lens/internal/ai"
	"github.com/KingPyrox/Legal-Lens/internal/config"
	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/pipeline"
	"github.com/KingPyrox/Legal-Lens/internal/queue"
	"github.com/KingPyrox/Legal-Lens/internal/ratelimit"
	"github.com/KingPyrox/Legal-Lens/internal/spend"
	"github.com/KingPyrox/Legal-Lens/internal/storage"
	"github.com/KingPyrox/Legal-Lens/internal/store"
	"github.com/KingPyrox/Legal-Lens/internal/telemetry"
	"github.com/KingPyrox/Legal-Lens/internal/worker"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := waitForDeps(ctx, st, redisClient); err != nil {
		log.WithError(err).Fatal("dependencies unavailable")
	}
	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	loc, err := cfg.SpendLocation()
	if err != nil {
		log.WithError(err).Fatal("spend timezone")
	}
	dailyLimit, err := decimal.NewFromString(cfg.DailySpendingLimit)
	if err != nil {
		log.WithError(err).Fatal("parse daily spending limit")
	}
	pricing, err := ai.LoadPricing(cfg.PricingPath)
	if err != nil {
		log.WithError(err).Fatal("load pricing table")
	}

	blobs, err := storage.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init blob storage")
	}

	queues := queue.NewService(queue.NewRedisBroker(redisClient), st, log)
	guard := spend.NewGuard(st, pricing, dailyLimit, loc, log)

	var limiter worker.Limiter
	if cfg.AIRateBurst > 0 {
		limiter = ratelimit.New(redisClient, cfg.AIRateBurst, cfg.AIRateRefill, cfg.AIRateBucketTTL)
	}
	coordinator := pipeline.NewCoordinator(queues, st, log)
	completer := ai.NewHTTPClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AICallTimeout)

	dispatcher := worker.NewDispatcher(cfg, queues, st, coordinator, log)
	dispatcher.RegisterHandler(models.QueueDocumentProcessing,
		worker.NewDocumentHandler(blobs, st, cfg.StorageTimeout, log).Handle)
	dispatcher.RegisterHandler(models.QueueAIAnalysis,
		worker.NewAIHandler(worker.AIHandlerParams{
			Completer: completer,
			Guard:     guard,
			Limiter:   limiter,
			Blobs:     blobs,
			Model:     cfg.AIModel,
			MaxTokens: cfg.AIMaxTokens,
			MockMode:  cfg.EnableMockAI || cfg.AIAPIKey == "",
			Log:       log,
		}).Handle)
	dispatcher.RegisterHandler(models.QueuePDFGeneration,
		worker.NewReportHandler(blobs, st, cfg.StorageTimeout, log).Handle)
	dispatcher.RegisterHandler(models.QueueNotifications,
		worker.NewNotificationHandler(st, log).Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"concurrency": cfg.WorkerConcurrency,
		"visibility":  cfg.VisibilityTimeout.String(),
		"daily_limit": dailyLimit.StringFixed(2),
	}).Info("worker started")
	if err := dispatcher.Run(ctx); err != nil && err != context.Canceled {
		log.WithError(err).Error("worker stopped")
	}
}

// waitForDeps pings Postgres and Redis with exponential backoff so the
// worker survives a slower-starting database in compose environments.
func waitForDeps(ctx context.Context, st *store.Store, rc *redis.Client) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(time.Minute),
	), ctx)
	return backoff.Retry(func() error {
		if err := st.Ping(ctx); err != nil {
			return err
		}
		return rc.Ping(ctx).Err()
	}, policy)
}
