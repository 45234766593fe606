package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"sendlater/internal/api"
	"sendlater/internal/dispatch"
	"sendlater/internal/httpserver"
	"sendlater/internal/hydrate"
	"sendlater/internal/mailer"
	"sendlater/internal/queue"
	"sendlater/internal/ratelimit"
	"sendlater/internal/repository"
	"sendlater/pkg/config"
	"sendlater/pkg/db"
	"sendlater/pkg/logger"
	redisclient "sendlater/pkg/redis"
	"sendlater/pkg/waitdeps"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/base.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// Dependencies may still be starting; wait instead of crash-looping.
	var pool *pgxpool.Pool
	err = waitdeps.Wait(ctx, "postgres", log, func(ctx context.Context) error {
		var connErr error
		pool, connErr = db.NewConnection(cfg.DB, log)
		return connErr
	})
	if err != nil {
		log.Fatal("PostgreSQL never became ready", zap.Error(err))
	}
	defer pool.Close()

	rdb := redisclient.NewClient(cfg.Redis)
	defer rdb.Close()
	err = waitdeps.Wait(ctx, "redis", log, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		log.Fatal("Redis never became ready", zap.Error(err))
	}

	policy := queue.RetryPolicy{
		MaxAttempts:    cfg.Scheduler.MaxDeliveryAttempts,
		InitialBackoff: cfg.Scheduler.RetryBackoffBase.Std(),
	}

	var delayQueue queue.DelayQueue
	var amqpQueue *queue.AMQPQueue
	if cfg.Queue.Driver == "memory" {
		log.Info("Using in-memory delay queue")
		delayQueue = queue.NewMemoryQueue(policy, log)
	} else {
		err = waitdeps.Wait(ctx, "rabbitmq", log, func(ctx context.Context) error {
			var mqErr error
			amqpQueue, mqErr = queue.NewAMQPQueue(cfg.MQ.URL, rdb, policy, log)
			return mqErr
		})
		if err != nil {
			log.Fatal("RabbitMQ never became ready", zap.Error(err))
		}
		delayQueue = amqpQueue
	}
	defer delayQueue.Close()

	jobRepo := repository.NewJobRepository(pool)
	limiter := ratelimit.NewLimiter(
		ratelimit.NewRedisCounterStore(rdb),
		cfg.Scheduler.GlobalHourlyCap,
		cfg.Scheduler.SenderHourlyCap,
	)
	transport := mailer.NewSMTPTransport(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)

	// Recovery must finish before any worker starts consuming.
	hydrator := hydrate.New(jobRepo, delayQueue, log)
	if err := hydrator.Run(ctx); err != nil {
		log.Fatal("Hydration failed", zap.Error(err))
	}

	if amqpQueue != nil {
		go amqpQueue.RunPromoter(ctx)
	}

	dispatcher := dispatch.New(delayQueue, jobRepo, limiter, transport, dispatch.Config{
		Workers:                cfg.Scheduler.WorkerConcurrency,
		MinSendInterval:        cfg.Scheduler.MinDelayBetweenSends.Std(),
		RateLimitRetryInterval: cfg.Scheduler.RateLimitRetryInterval.Std(),
	}, log)

	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatcherDone)
	}()

	router := httpserver.NewRouter(api.NewEmailHandler(jobRepo, delayQueue, log))
	apiServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router.Engine,
	}
	go func() {
		log.Info("API server started", zap.String("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("API server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error("API shutdown failed", zap.Error(err))
	}

	// In-flight leases finish; anything else redelivers on next start.
	<-dispatcherDone
	log.Info("Shutdown complete")
}
