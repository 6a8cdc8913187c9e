package footprint

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	marketdata "footprint/internal/domain/entity/marketdata"
	interfaces "footprint/internal/domain/interfaces"
	"footprint/internal/instrumentation"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRefreshInterval = 10 * time.Second
	defaultMinBackoff      = 500 * time.Millisecond
	defaultMaxBackoff      = 5 * time.Second
	finalPublishTimeout    = 5 * time.Second
)

// Persister hands trades to the trade log. Implementations may buffer.
type Persister interface {
	AddTrades(trades []marketdata.Trade) error
}

// RunnerConfig controls the live loop.
type RunnerConfig struct {
	RefreshInterval time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(defaultMaxBackoff, c.MinBackoff)
	}
	return c
}

// Runner feeds a live TradeSource into the service and periodically
// publishes every book.
type Runner struct {
	service   *Service
	cfg       RunnerConfig
	publisher interfaces.SnapshotPublisher
	persister Persister
	metrics   *instrumentation.Metrics
	logger    *logrus.Entry
}

func NewRunner(service *Service, cfg RunnerConfig, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		service: service,
		cfg:     cfg.withDefaults(),
		metrics: service.metrics,
		logger:  logger.WithField("component", "footprint_runner"),
	}
}

// WithPublisher sets where views are published every RefreshInterval.
func (r *Runner) WithPublisher(p interfaces.SnapshotPublisher) *Runner {
	r.publisher = p
	return r
}

// WithPersister makes the runner write every valid trade to the trade log.
func (r *Runner) WithPersister(p Persister) *Runner {
	r.persister = p
	return r
}

// Run consumes source until ctx is done or the source is exhausted. Source
// failures are retried with exponential backoff; trades redelivered after a
// reconnect are absorbed once.
func (r *Runner) Run(ctx context.Context, source interfaces.TradeSource) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return r.consume(gctx, source)
	})
	g.Go(func() error {
		return r.publishLoop(gctx)
	})
	return g.Wait()
}

func (r *Runner) consume(ctx context.Context, source interfaces.TradeSource) error {
	log := r.logger.WithField("source", source.Name())
	backoff := r.cfg.MinBackoff
	for {
		var delivered atomic.Bool
		err := source.Stream(ctx, func(ctx context.Context, rows []marketdata.RawTrade) error {
			delivered.Store(true)
			r.handle(ctx, source.Name(), rows)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			log.Info("trade source exhausted")
			return nil
		}
		if delivered.Load() {
			backoff = r.cfg.MinBackoff
		}
		r.metrics.RecordReconnect(source.Name())
		log.WithError(err).WithField("backoff_ms", backoff.Milliseconds()).Warn("trade source failed, reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, r.cfg.MaxBackoff)
	}
}

func (r *Runner) handle(ctx context.Context, source string, rows []marketdata.RawTrade) {
	r.metrics.RecordReceived(source, len(rows))
	trades, report := NormalizeRows(rows)
	for _, rowErr := range report.Errors {
		r.metrics.RecordError("runner", "invalid_trade")
		r.logger.WithFields(logrus.Fields{
			"trade_id": rowErr.TradeID,
			"field":    rowErr.Field,
		}).Debug("rejected trade: " + rowErr.Reason)
	}
	if r.persister != nil && len(trades) > 0 {
		if err := r.persister.AddTrades(trades); err != nil {
			r.metrics.RecordError("runner", "persist")
			r.logger.WithError(err).Warn("failed to persist trades")
		}
	}
	r.service.Absorb(ctx, trades)
}

func (r *Runner) publishLoop(ctx context.Context) error {
	if r.publisher == nil {
		return nil
	}
	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalPublishTimeout)
			r.PublishAll(final)
			cancel()
			return nil
		case <-ticker.C:
			r.PublishAll(ctx)
		}
	}
}

// PublishAll publishes the view of every book. Failures are logged per symbol.
func (r *Runner) PublishAll(ctx context.Context) {
	if r.publisher == nil {
		return
	}
	for _, symbol := range r.service.Symbols() {
		view, err := r.service.View(symbol)
		if err != nil {
			if !errors.Is(err, ErrUnknownSymbol) {
				r.logger.WithError(err).WithField("symbol", symbol).Warn("failed to build view")
			}
			continue
		}
		if err := r.publisher.Publish(ctx, view); err != nil {
			r.metrics.RecordError("runner", "publish")
			r.logger.WithError(err).WithField("symbol", symbol).Warn("failed to publish view")
		}
	}
}
