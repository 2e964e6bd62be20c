package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/bootstrap"
	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/logging"
	"github.com/coursegrid/coursegrid/pkg/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging, "scheduler")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, err := bootstrap.New(ctx, cfg, logger, bootstrap.Options{})
	if err != nil {
		logger.Fatal("failed to start tenancy core", zap.Error(err))
	}
	defer core.Close()

	s := scheduler.NewScheduler(core.Gateway, core.Dispatcher, cfg.Scheduler.Interval, cfg.Scheduler.StalledAfter, logger)
	go s.Run(ctx)

	logger.Info("scheduler started", zap.Duration("interval", cfg.Scheduler.Interval))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("scheduler shutting down")
}
