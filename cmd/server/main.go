package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	appfootprint "footprint/internal/application/service/footprint"
	appmarketdata "footprint/internal/application/service/marketdata"
	"footprint/internal/config"
	domain "footprint/internal/domain/entity/marketdata"
	"footprint/internal/infrastructure/broker"
	"footprint/internal/infrastructure/cache"
	inframarketdata "footprint/internal/infrastructure/marketdata"
	"footprint/internal/instrumentation"
	infrahttp "footprint/internal/interfaces/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	logger := cfg.Log.Logger()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := instrumentation.NewMetrics(registry)

	aggCfg, err := cfg.Footprint.Aggregator()
	if err != nil {
		logger.Fatalf("invalid footprint config: %v", err)
	}

	opts := []appfootprint.Option{
		appfootprint.WithLookback(cfg.Footprint.LookbackWindow),
		appfootprint.WithMetrics(metrics),
	}

	var (
		tradeRepo         *inframarketdata.Repository
		marketdataService *appmarketdata.Service
	)
	if cfg.Postgres.DSN != "" {
		tradeRepo, err = inframarketdata.NewRepository(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Fatalf("failed to init marketdata repo: %v", err)
		}
		defer tradeRepo.Close()
		if err := tradeRepo.EnsureSchema(ctx); err != nil {
			logger.Fatalf("failed to prepare trade log schema: %v", err)
		}
		marketdataService = appmarketdata.NewService(tradeRepo)
		opts = append(opts, appfootprint.WithRepository(tradeRepo))
	} else {
		logger.Warn("DATABASE_DSN is empty, trade log and rebuild are disabled")
	}

	footprintService, err := appfootprint.NewService(aggCfg, logger, opts...)
	if err != nil {
		logger.Fatalf("failed to init footprint service: %v", err)
	}

	if tradeRepo != nil {
		now := time.Now()
		for _, symbol := range cfg.Footprint.Symbols {
			if _, err := footprintService.Rebuild(ctx, symbol, now); err != nil {
				logger.WithError(err).WithField("symbol", symbol).Warn("initial rebuild failed")
			}
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	handler := infrahttp.NewHandler(footprintService, marketdataService, redisClient, cfg.Cache.TTL, registry)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("HTTP server listening on %s", cfg.HTTP.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.RabbitMQ.URL != "" {
		runner, stop := newRunner(gctx, cfg, footprintService, tradeRepo, redisClient, metrics, logger)
		defer stop()
		consumer, err := broker.NewConsumer(cfg.RabbitMQ, logger)
		if err != nil {
			logger.Fatalf("failed to init consumer: %v", err)
		}
		g.Go(func() error {
			return runner.Run(gctx, consumer)
		})
	} else {
		logger.Warn("RABBITMQ_URL is empty, live ingestion is disabled")
	}

	if err := g.Wait(); err != nil {
		logger.Errorf("server stopped with error: %v", err)
	}
	logger.Info("server stopped")
}

// newRunner assembles the live loop. The returned stop func flushes buffered
// trade log writes.
func newRunner(
	ctx context.Context,
	cfg *config.Config,
	service *appfootprint.Service,
	repo *inframarketdata.Repository,
	redisClient *redis.Client,
	metrics *instrumentation.Metrics,
	logger *logrus.Logger,
) (*appfootprint.Runner, func()) {
	runner := appfootprint.NewRunner(service, appfootprint.RunnerConfig{
		RefreshInterval: cfg.Live.RefreshInterval,
		MinBackoff:      cfg.Live.MinBackoff,
		MaxBackoff:      cfg.Live.MaxBackoff,
	}, logger)

	if redisClient != nil {
		runner.WithPublisher(cache.NewPublisher(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.TTL, logger))
	}

	stop := func() {}
	if cfg.Live.PersistTrades {
		if repo == nil {
			logger.Warn("LIVE_PERSIST_TRADES is set but DATABASE_DSN is empty, trades are not persisted")
			return runner, stop
		}
		writer := broker.NewBatchWriter(broker.BatchConfig{
			Size:    cfg.RabbitMQ.BatchSize,
			Timeout: cfg.RabbitMQ.BatchTimeout,
		}, func(ctx context.Context, batch []domain.Trade) error {
			inserted, err := repo.AddTrades(ctx, batch)
			metrics.RecordPersisted(inserted)
			return err
		}, logger)
		writer.Run(ctx)
		runner.WithPersister(writer)
		stop = func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := writer.Stop(flushCtx); err != nil {
				logger.WithError(err).Error("failed to flush trade log writes")
			}
		}
	}
	return runner, stop
}
