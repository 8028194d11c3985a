package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/thekingoffamily/TSOS/internal/domain/port"
	"github.com/thekingoffamily/TSOS/internal/infra/config"
	"github.com/thekingoffamily/TSOS/internal/infra/email"
	"github.com/thekingoffamily/TSOS/internal/infra/ffmpeg"
	"github.com/thekingoffamily/TSOS/internal/infra/metrics"
	miniostorage "github.com/thekingoffamily/TSOS/internal/infra/minio"
	"github.com/thekingoffamily/TSOS/internal/infra/openrouter"
	"github.com/thekingoffamily/TSOS/internal/infra/postgres"
	"github.com/thekingoffamily/TSOS/internal/infra/rabbitmq"
	"github.com/thekingoffamily/TSOS/internal/infra/rediscache"
	"github.com/thekingoffamily/TSOS/internal/infra/tracing"
	"github.com/thekingoffamily/TSOS/internal/usecase"
	"github.com/thekingoffamily/TSOS/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting tsos-analysis-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if the collector is unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	err = postgres.RunMigrations(ctx, pool)
	if err != nil {
		log.Warn("migration warning", zap.Error(err))
	}

	// MinIO
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:     cfg.MinIOEndpoint,
		AccessKey:    cfg.MinIOAccessKey,
		SecretKey:    cfg.MinIOSecretKey,
		UseSSL:       cfg.MinIOUseSSL,
		UploadBucket: cfg.MinIOUploadBucket,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(storage.EnsureBuckets(ctx), "ensure minio buckets")

	// Redis status cache (non-fatal: polling falls back to Postgres)
	var statusCache port.StatusCache
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, continuing without status cache", zap.Error(err))
	} else {
		statusCache = rediscache.NewStatusCache(redisClient)
		defer redisClient.Close()
	}

	// RabbitMQ publisher connection
	rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
	fatalOnErr(err, "connect to rabbitmq for publisher")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
	fatalOnErr(err, "create rabbitmq publisher")

	statusPub := rabbitmq.NewStatusPublisher(pub)
	dlqPub := rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQDLQ)

	// Infra adapters
	repo := postgres.NewTaskRepository(pool)
	sampler := ffmpeg.NewSampler(cfg.MotionScoreThreshold, log)
	notifier := email.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, log)

	// Provider client, only when a credential is present; the pipeline
	// skips the description phase otherwise.
	var describer port.ImageDescriber
	if cfg.OpenRouterAPIKey != "" {
		transport := openrouter.NewTransport(openrouter.TransportConfig{
			Timeout:    time.Duration(cfg.TransportTimeoutMs) * time.Millisecond,
			MaxRetries: cfg.TransportMaxRetries,
			RetryDelay: time.Duration(cfg.TransportRetryDelayMs) * time.Millisecond,
		}, log)
		describer, err = openrouter.NewClient(openrouter.ClientConfig{
			APIKey:      cfg.OpenRouterAPIKey,
			BaseURL:     cfg.OpenRouterBaseURL,
			Model:       cfg.OpenRouterModel,
			Referer:     cfg.OpenRouterReferer,
			SiteTitle:   cfg.OpenRouterTitle,
			MaxAttempts: cfg.ProviderMaxAttempts,
			RetryDelay:  time.Duration(cfg.ProviderRetryDelayMs) * time.Millisecond,
			Cooldown:    time.Duration(cfg.ProviderCooldownMs) * time.Millisecond,
		}, transport, log)
		fatalOnErr(err, "create openrouter client")
	} else {
		log.Info("no provider credential configured, descriptions disabled")
	}

	// Use case
	uc := usecase.NewAnalyzeVideoUseCase(
		repo, storage, sampler, describer,
		statusPub, dlqPub, statusCache, notifier,
		log,
		usecase.AnalyzeVideoConfig{
			TempDir:           cfg.TempDir,
			MaxFrames:         cfg.MaxFrames,
			SummaryPrompt:     cfg.SummaryPrompt,
			PeopleCountPrompt: cfg.PeopleCountPrompt,
			CountExtraRetries: cfg.CountExtraRetries,
			CountRetryPause:   time.Duration(cfg.CountRetryPauseMs) * time.Millisecond,
		},
	)

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log)

	// Consumer (worker pool)
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitMQURL,
		Queue:       cfg.RabbitMQRequestQueue,
		Exchange:    cfg.RabbitMQExchange,
		DLQ:         cfg.RabbitMQDLQ,
		StatusQueue: cfg.RabbitMQStatusQueue,
		Prefetch:    cfg.RabbitMQPrefetch,
		WorkerCount: cfg.WorkerCount,
		BaseDelayMs: 1000,
	}, uc.Execute, log)
	fatalOnErr(err, "create consumer")

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("tsos-analysis-service started, consuming messages")

	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	consumer.Close()
	log.Info("tsos-analysis-service stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
