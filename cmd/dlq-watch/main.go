package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/kursadbilgin/dispatch-core/internal/config"
	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"github.com/kursadbilgin/dispatch-core/internal/events"
	"github.com/kursadbilgin/dispatch-core/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// dlq-watch tails the per-channel dead-letter queues so operators see failed jobs as they
// happen. Entries are acknowledged once logged; the dead-letter store stays the source of truth.
func main() {
	cfg, err := config.LoadWatch()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	client, err := events.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer client.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := events.NewRabbitMQConsumer(client, cfg.Prefetch, logger)

	g, groupCtx := errgroup.WithContext(ctx)
	for _, channel := range domain.Channels {
		queueName := events.DeadLetterQueueName(channel)
		g.Go(func() error {
			logger.Info("watching dead-letter queue", zap.String("queue", queueName))
			return consumer.Consume(groupCtx, queueName, logDeadLetter(logger))
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatal("dead-letter watcher stopped", zap.Error(err))
	}
}

func logDeadLetter(logger *zap.Logger) events.EventHandler {
	return func(_ context.Context, event events.Event) error {
		logger.Warn("notification dead-lettered",
			zap.String("jobId", event.JobID),
			zap.String("callerId", event.CallerID),
			zap.String("channel", event.Channel.String()),
			zap.String("priority", event.Priority.String()),
			zap.String("reason", event.Reason.String()),
			zap.Int("attemptCount", event.AttemptCount),
			zap.String("error", event.Error),
			zap.Time("occurredAt", event.OccurredAt),
		)
		return nil
	}
}
