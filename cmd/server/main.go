package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autoposter/internal/api"
	"autoposter/internal/clock"
	"autoposter/internal/completion"
	"autoposter/internal/config"
	"autoposter/internal/copygen"
	"autoposter/internal/database"
	"autoposter/internal/dispatch"
	"autoposter/internal/domain"
	"autoposter/internal/events"
	"autoposter/internal/logging"
	"autoposter/internal/metrics"
	"autoposter/internal/prep"
	"autoposter/internal/queue"
	"autoposter/internal/relay"
	"autoposter/internal/repository"
	"autoposter/internal/scheduler"
	"autoposter/internal/stealth"
	"autoposter/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database, &logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.Database.Driver).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	clk := clock.Real()

	var relayStore domain.RelayStore = repository.NewMemoryRelayStore()
	if redisClient != nil {
		relayStore = repository.NewFailoverRelayStore(repository.NewRedisRelayStore(redisClient), relayStore, &logger)
	}
	eventRelay := relay.New(relayStore, cfg.Relay, clk, &logger)

	hub := dispatch.NewHub(&logger)
	dispatcher := dispatch.NewService(hub, eventRelay, &logger)

	var bus domain.CompletionBus = events.NewLocalCompletionBus(nil)
	if redisClient != nil {
		bus = events.NewRedisCompletionBus(redisClient)
	}
	bridge := completion.NewBridge(db, db, bus, dispatcher, clk, &logger)

	stealthPipeline, err := stealth.New(ctx, cfg.Stealth, &logger)
	if err != nil {
		logger.Error().Err(err).Str("mode", cfg.Stealth.Mode).Msg("init stealth pipeline")
		return err
	}

	preparer := prep.NewPreparer(prep.PreparerDeps{
		Postings: db,
		Vehicles: db,
		Stealth:  stealthPipeline,
		Copy:     initCopyGen(cfg, &logger),
		Notifier: dispatcher,
		Clock:    clk,
	}, cfg.Preparation, &logger)
	manager := prep.NewManager(initPrepQueue(cfg, redisClient, &logger), preparer, dispatcher, clk, cfg.Preparation.BusyTTL, &logger)

	var jobs *queue.RedisQueue
	if redisClient != nil {
		jobs = queue.NewRedisQueue(redisClient, cfg.Worker.VisibilityTimeout, clk)
	}

	deps := api.Deps{
		Postings: db,
		Prep:     manager,
		Results:  bridge,
		Relay:    eventRelay,
		Health:   db.Ping,
		Clock:    clk,
	}
	if jobs != nil {
		deps.Queue = jobs
	}
	httpServer := api.NewHTTPServer(cfg.API, deps, &logger)

	grpcServer, err := api.NewGRPCServer(&cfg.API, dispatch.NewTransport(hub, bridge, &logger), &logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}

	startMetrics(ctx, cfg, &logger)

	var sched *scheduler.Scheduler
	if !cfg.Scheduler.Disabled {
		sched = scheduler.New(db, db, dispatcher, dispatcher, cfg.Scheduler, clk, &logger)
		sched.Start(ctx)
	}

	eventRelay.StartSweeper(ctx)

	backup := database.NewBackupService(db, cfg.Database.Backup, &logger)
	go backup.Start(ctx)

	if redisClient != nil {
		go func() {
			if err := dispatcher.ConsumeCommands(ctx, redisClient); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("command consumer stopped")
			}
		}()
	}

	var pool *worker.Pool
	if cfg.Worker.Embedded {
		if jobs == nil {
			logger.Warn().Msg("embedded worker requires redis, not starting it")
		} else {
			processor := worker.NewProcessor(worker.ProcessorDeps{
				Postings:   db,
				Vehicles:   db,
				Lock:       repository.NewRedisUserLock(redisClient),
				Bus:        bus,
				Dispatcher: dispatcher,
				Stealth:    stealthPipeline,
				Clock:      clk,
			}, cfg.Worker, &logger)
			pool = worker.NewPool(jobs, processor, cfg.Worker, clk, &logger)
			pool.Start(ctx)
		}
	}

	err = startServers(ctx, grpcServer, httpServer, cfg, &logger)

	if sched != nil {
		sched.Wait()
	}
	if pool != nil {
		pool.Wait()
	}
	manager.Wait()
	eventRelay.Wait()
	return err
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "configs/config.yaml"
	}
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", defaultPath, "path to the YAML config file")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "server-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initPrepQueue(cfg *config.Config, client *redis.Client, logger *zerolog.Logger) domain.PrepQueueStore {
	if cfg.Preparation.QueueBackend == "redis" {
		if client != nil {
			return repository.NewRedisPrepQueueStore(client, cfg.Preparation.BusyTTL)
		}
		logger.Warn().Msg("preparation queue backend is redis but redis is unavailable, using memory")
	}
	return repository.NewMemoryPrepQueueStore()
}

func initCopyGen(cfg *config.Config, logger *zerolog.Logger) domain.CopyGenerator {
	if cfg.CopyGen.BaseURL == "" {
		logger.Info().Msg("copy generation not configured, template copy only")
		return nil
	}
	return copygen.NewHTTPClient(cfg.CopyGen, &http.Client{Timeout: cfg.CopyGen.Timeout})
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	go func() {
		if err := grpcServer.Serve(); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Str("grpc_addr", grpcServer.Addr()).Int("http_port", cfg.API.HTTP.Port).Msg("posting service started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("posting service stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
