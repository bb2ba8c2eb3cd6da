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
	"github.com/sirupsen/logrus"

	"github.com/KingPyrox/Legal-Lens/internal/api"
	"github.com/KingPyrox/Legal-Lens/internal/config"
	"github.com/KingPyrox/Legal-Lens/internal/queue"
	"github.com/KingPyrox/Legal-Lens/internal/store"
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

	queues := queue.NewService(queue.NewRedisBroker(redisClient), st, log)
	server := api.New(cfg, queues, st, loc, log)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// waitForDeps pings Postgres and Redis with exponential backoff so the
// service survives a slower-starting database in compose environments.
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
