package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/dispatch-core/internal/config"
	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"github.com/kursadbilgin/dispatch-core/internal/events"
	"github.com/kursadbilgin/dispatch-core/internal/handler"
	"github.com/kursadbilgin/dispatch-core/internal/infra/postgresql"
	"github.com/kursadbilgin/dispatch-core/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/dispatch-core/internal/infra/redis"
	"github.com/kursadbilgin/dispatch-core/internal/observability"
	"github.com/kursadbilgin/dispatch-core/internal/provider"
	"github.com/kursadbilgin/dispatch-core/internal/queue"
	"github.com/kursadbilgin/dispatch-core/internal/repository"
	"github.com/kursadbilgin/dispatch-core/internal/service"
	"github.com/kursadbilgin/dispatch-core/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout    = 10 * time.Second
	retentionBatchSize = 500
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("dispatch-core stopped", zap.Error(err))
	}
	logger.Info("dispatch-core stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()
	var checks []handler.ReadinessCheck

	var stores service.Stores
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		defer sqlDB.Close()

		stores = service.GormStores(db, cfg.StatusRetentionTTL)
		checks = append(checks, handler.PostgresCheck(sqlDB))
	default:
		stores = service.MemoryStores(repository.NewMemoryStore(cfg.StatusRetentionTTL))
	}

	capacity := queue.Capacity{High: cfg.QueueCapacityHigh, Low: cfg.QueueCapacityLow}
	var (
		q       queue.PriorityQueue
		locker  service.Locker
		limiter service.RateLimiter
	)
	switch cfg.QueueBackend {
	case config.BackendRedis:
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL, cfg.RedisPoolSize)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()

		redisQueue, err := queue.NewRedisQueue(rdb, capacity)
		if err != nil {
			return err
		}
		redisLocker, err := infraredis.NewRedisLocker(rdb)
		if err != nil {
			return err
		}
		redisLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec, cfg.RateLimitOverrides())
		if err != nil {
			return err
		}
		q, locker, limiter = redisQueue, redisLocker, redisLimiter
		checks = append(checks, handler.RedisCheck(rdb))
	default:
		q = queue.NewMemoryQueue(capacity)
		locker = service.NewLocalLocker()
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close() //nolint:errcheck

	registry, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}

	retries, err := service.NewRetryController(stores, q, publisher, service.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		Jitter:      cfg.BackoffJitter,
	}, logger)
	if err != nil {
		return err
	}
	retries.SetMetrics(metrics)

	pool, err := service.NewWorkerPool(stores, q, registry, limiter, retries, publisher, service.WorkerPoolConfig{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Lease:        cfg.LeaseDuration,
	}, logger)
	if err != nil {
		return err
	}
	pool.SetMetrics(metrics)

	gateway, err := service.NewGateway(stores, q, locker, publisher, service.GatewayConfig{
		IdempotencyTTL: cfg.IdempotencyTTL,
		LockWait:       cfg.SubmitLockWait,
	}, logger)
	if err != nil {
		return err
	}
	gateway.SetMetrics(metrics)
	gateway.OnEnqueue(pool.Wake)

	recoverer, err := service.NewLeaseRecoverer(q, cfg.RecoveryScanInterval, logger)
	if err != nil {
		return err
	}
	recoverer.SetMetrics(metrics)
	recoverer.OnRecover(pool.Wake)

	sweeper, err := service.NewRetentionSweeper(stores, cfg.RetentionSweepInterval, retentionBatchSize, logger)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, checks...)
	if err := handler.RegisterNotificationRoutes(app, gateway, handler.CallerIdentity(cfg.JWTSecret)); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Start(groupCtx) })
	g.Go(func() error { return recoverer.Start(groupCtx) })
	g.Go(func() error { return sweeper.Start(groupCtx) })
	g.Go(func() error {
		logger.Info("dispatch-core api started",
			zap.Int("port", cfg.APIPort),
			zap.String("storage", cfg.StorageBackend),
			zap.String("queue", cfg.QueueBackend),
			zap.String("events", cfg.EventsBroker),
		)
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	return g.Wait()
}

func newPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.EventsBroker {
	case config.BrokerRabbitMQ:
		client, err := events.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		return events.NewRabbitMQPublisher(client), nil
	case config.BrokerKafka:
		producer, err := events.NewKafkaProducer(cfg.KafkaBrokerList())
		if err != nil {
			return nil, fmt.Errorf("kafka initialization failed: %w", err)
		}
		publisher, err := events.NewKafkaPublisher(producer, cfg.KafkaTopic)
		if err != nil {
			_ = producer.Close()
			return nil, err
		}
		return publisher, nil
	default:
		return events.NopPublisher{}, nil
	}
}

// newRegistry binds the configured adapters. A channel left unconfigured has no adapter, so
// its jobs fail permanently and land in the dead-letter store.
func newRegistry(cfg *config.Config, logger *zap.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if cfg.PostmarkServerToken != "" {
		email, err := provider.NewPostmarkProvider(cfg.PostmarkServerToken, cfg.PostmarkAccountToken, cfg.EmailSender)
		if err != nil {
			return nil, err
		}
		registry.Register(domain.ChannelEmail, email, cfg.EmailTimeout)
	} else {
		logger.Warn("email adapter not configured", zap.String("env", "POSTMARK_SERVER_TOKEN"))
	}

	webhooks := []struct {
		channel  domain.Channel
		endpoint string
		timeout  time.Duration
		env      string
	}{
		{channel: domain.ChannelSMS, endpoint: cfg.WebhookSMSURL, timeout: cfg.SMSTimeout, env: "WEBHOOK_SMS_URL"},
		{channel: domain.ChannelPush, endpoint: cfg.WebhookPushURL, timeout: cfg.PushTimeout, env: "WEBHOOK_PUSH_URL"},
	}
	for _, w := range webhooks {
		if w.endpoint == "" {
			logger.Warn("webhook adapter not configured",
				zap.String("channel", w.channel.String()),
				zap.String("env", w.env),
			)
			continue
		}
		adapter, err := provider.NewWebhookProvider(w.endpoint, cfg.WebhookToken)
		if err != nil {
			return nil, err
		}
		registry.Register(w.channel, adapter, w.timeout)
	}

	return registry, nil
}
