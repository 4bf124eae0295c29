package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"autoposter/internal/clock"
	"autoposter/internal/config"
	"autoposter/internal/database"
	"autoposter/internal/dispatch"
	"autoposter/internal/events"
	"autoposter/internal/logging"
	"autoposter/internal/queue"
	"autoposter/internal/repository"
	"autoposter/internal/stealth"
	"autoposter/internal/worker"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

// run consumes posting jobs. Commands reach clients through the posting
// service over Redis, so Redis is required here.
func run() error {
	cfg, concurrency, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	if concurrency > 0 {
		cfg.Worker.Concurrency = concurrency
	}
	if cfg.Redis.Address == "" {
		return errors.New("worker requires redis.address")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database, &logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.Database.Driver).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := repository.NewRedisClient(cfg.Redis)
	defer redisClient.Close()
	if err := repository.Ping(ctx, redisClient); err != nil {
		return err
	}

	stealthPipeline, err := stealth.New(ctx, cfg.Stealth, &logger)
	if err != nil {
		return fmt.Errorf("init stealth pipeline: %w", err)
	}

	clk := clock.Real()
	processor := worker.NewProcessor(worker.ProcessorDeps{
		Postings:   db,
		Vehicles:   db,
		Lock:       repository.NewRedisUserLock(redisClient),
		Bus:        events.NewRedisCompletionBus(redisClient),
		Dispatcher: dispatch.NewRedisForwarder(redisClient),
		Stealth:    stealthPipeline,
		Clock:      clk,
	}, cfg.Worker, &logger)

	jobs := queue.NewRedisQueue(redisClient, cfg.Worker.VisibilityTimeout, clk)
	pool := worker.NewPool(jobs, processor, cfg.Worker, clk, &logger)
	pool.Start(ctx)

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, waiting for workers")
	pool.Wait()
	logger.Info().Msg("worker stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, int, zerolog.Logger, io.Closer, error) {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "configs/config.yaml"
	}
	flags := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", defaultPath, "path to the YAML config file")
	concurrency := flags.Int("concurrency", 0, "override worker.concurrency")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, 0, zerolog.Logger{}, nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, 0, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, 0, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "worker-main").Logger()

	return cfg, *concurrency, logger, closer, nil
}
