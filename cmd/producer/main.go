package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"footprint/internal/config"
	domain "footprint/internal/domain/entity/marketdata"
	interfaces "footprint/internal/domain/interfaces"
	"footprint/internal/infrastructure/broker"
	"footprint/internal/infrastructure/bybit"
	"footprint/internal/infrastructure/tinvest"

	amqp "github.com/rabbitmq/amqp091-go"
	investgo "github.com/russianinvestments/invest-api-go-sdk/investgo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	logger := cfg.Log.Logger()
	if cfg.RabbitMQ.URL == "" {
		logger.Fatal("RABBITMQ_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rabbitConn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatalf("connect rabbitmq: %v", err)
	}
	defer rabbitConn.Close()

	feed, closeFeed, err := newFeed(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("init feed: %v", err)
	}
	defer closeFeed()

	pub, err := broker.NewPublisher(rabbitConn, cfg.RabbitMQ.TradesExchange, feed.Name(), logger)
	if err != nil {
		logger.Fatalf("init publisher: %v", err)
	}
	defer pub.Close()

	closed := rabbitConn.NotifyClose(make(chan *amqp.Error, 1))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay(gctx, feed, pub, cfg.Live, logger)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("rabbitmq connection closed")
			}
			return fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
		}
	})

	logger.WithFields(logrus.Fields{
		"feed":      feed.Name(),
		"trades_ex": cfg.RabbitMQ.TradesExchange,
	}).Info("producer started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("producer stopped with error: %v", err)
	}
	logger.Info("producer stopped")
}

func newFeed(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (interfaces.TradeSource, func(), error) {
	switch cfg.Feed.Kind {
	case "tinvest":
		if cfg.Invest.Token == "" {
			return nil, nil, errors.New("INVEST_TOKEN is required")
		}
		client, err := investgo.NewClient(ctx, investgo.Config{
			EndPoint:           cfg.Invest.Endpoint,
			Token:              cfg.Invest.Token,
			AppName:            cfg.Invest.AppName,
			InsecureSkipVerify: cfg.Invest.SkipTLSVerify,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create invest api client: %w", err)
		}
		closeClient := func() {
			if err := client.Stop(); err != nil {
				logger.Errorf("stop invest api client: %v", err)
			}
		}
		instruments, symbols := tinvest.ParseInstruments(cfg.Invest.Instruments)
		feed, err := tinvest.NewFeed(client, instruments, symbols, logger)
		if err != nil {
			closeClient()
			return nil, nil, err
		}
		return feed, closeClient, nil
	default:
		feed, err := bybit.NewFeed(bybit.Config{
			BaseURL:  cfg.Feed.BybitURL,
			Category: cfg.Feed.BybitCategory,
			Symbols:  cfg.Feed.Symbols,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return feed, func() {}, nil
	}
}

// relay forwards every batch of the feed to the exchange and reconnects the
// feed with exponential backoff until ctx is done.
func relay(ctx context.Context, feed interfaces.TradeSource, pub *broker.Publisher, live config.LiveConfig, logger *logrus.Logger) error {
	log := logger.WithField("feed", feed.Name())
	backoff := live.MinBackoff
	var published atomic.Int64
	for {
		var delivered atomic.Bool
		err := feed.Stream(ctx, func(ctx context.Context, rows []domain.RawTrade) error {
			delivered.Store(true)
			if err := pub.PublishTrades(ctx, rows); err != nil {
				return fmt.Errorf("publish trades: %w", err)
			}
			if n := published.Add(int64(len(rows))); n%10000 < int64(len(rows)) {
				log.WithField("published", n).Info("relay progress")
			}
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			log.Info("feed exhausted")
			return nil
		}
		if delivered.Load() {
			backoff = live.MinBackoff
		}
		log.WithError(err).WithField("backoff_ms", backoff.Milliseconds()).Warn("feed failed, reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, live.MaxBackoff)
	}
}
