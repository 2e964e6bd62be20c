package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/bootstrap"
	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/jobs"
	"github.com/coursegrid/coursegrid/pkg/logging"
	"github.com/coursegrid/coursegrid/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging, "worker")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, err := bootstrap.New(ctx, cfg, logger, bootstrap.Options{Consume: true})
	if err != nil {
		logger.Fatal("failed to start tenancy core", zap.Error(err))
	}
	defer core.Close()
	core.Background(ctx)

	w := worker.New(core.Broker, core.Gateway, cfg.Queue.JobTimeout, cfg.Queue.Concurrency, logger)
	jobs.Register(w, jobs.Deps{
		Gateway:     core.Gateway,
		Resolver:    core.Resolver,
		Provisioner: core.Provisioner,
		Logger:      logger,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped with error", zap.Error(err))
		}
	}()

	logger.Info("worker initialized",
		zap.String("driver", cfg.Queue.Driver),
		zap.Int("concurrency", cfg.Queue.Concurrency),
		zap.Strings("kinds", w.Kinds()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("worker shutting down")
	cancel()
	<-done
}
