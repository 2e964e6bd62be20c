package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/logging"
	"github.com/coursegrid/coursegrid/pkg/outbox"
	"github.com/coursegrid/coursegrid/pkg/pool"
	"github.com/coursegrid/coursegrid/pkg/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging, "outbox-relay")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The relay only reads the super-tenant outbox.
	registry := pool.NewRegistry(pool.Options{
		MaxAttempts: cfg.Tenants.ConnectMaxAttempts,
		Logger:      logger,
	})
	defer registry.Close()

	db, err := postgres.Open(ctx, registry, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	writer := outbox.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.EventTopic)
	defer writer.Close()

	dlqWriter := outbox.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.DLQTopic)
	defer dlqWriter.Close()

	repo := postgres.NewOutboxRepository(db.DB())
	relay := outbox.NewRelay(repo, writer, dlqWriter, logger, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize)

	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal("outbox relay stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("outbox relay shutting down")
}
