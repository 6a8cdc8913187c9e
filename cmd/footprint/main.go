package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	appfootprint "footprint/internal/application/service/footprint"
	"footprint/internal/config"
	"footprint/internal/domain/aggregator"
	domain "footprint/internal/domain/entity/footprint"
	marketdata "footprint/internal/domain/entity/marketdata"
	"footprint/internal/infrastructure/csvfile"
	inframarketdata "footprint/internal/infrastructure/marketdata"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		logrus.Fatalf("footprint: %v", err)
	}
}

// bucketFlags returns fresh flag values; urfave/cli keeps parse state on them.
func bucketFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{Name: "time-bucket", Usage: "time bucket width (default FOOTPRINT_TIME_BUCKET_WIDTH)"},
		&cli.StringFlag{Name: "price-bucket", Usage: "price bucket width (default FOOTPRINT_PRICE_BUCKET_WIDTH)"},
		&cli.StringFlag{Name: "dedupe-window", Usage: `dedupe window or "unbounded" (default FOOTPRINT_DEDUPE_WINDOW)`},
		&cli.StringFlag{Name: "format", Aliases: []string{"o"}, Value: formatTable, Usage: "output format: table or json"},
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "footprint",
		Usage:  "compute footprint, OHLC and CVD series from recorded trades",
		Writer: out,
		Commands: []*cli.Command{
			{
				Name:  "query",
				Usage: "aggregate the lookback window of one symbol from the trade log",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "symbol", Required: true},
					&cli.StringFlag{Name: "now", Usage: "end of the window, RFC3339 or epoch (default current time)"},
					&cli.DurationFlag{Name: "lookback", Usage: "window length (default FOOTPRINT_LOOKBACK_WINDOW)"},
				}, bucketFlags()...),
				Action: runQuery,
			},
			{
				Name:      "file",
				Usage:     "aggregate Bybit trade history files",
				ArgsUsage: "FILE [FILE...]",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "symbol", Usage: "symbol for files without a symbol column"},
				}, bucketFlags()...),
				Action: runFile,
			},
		},
	}
}

// loadSettings reads the environment configuration and applies flag overrides.
func loadSettings(c *cli.Context) (*config.Config, aggregator.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, aggregator.Config{}, err
	}
	aggCfg, err := cfg.Footprint.Aggregator()
	if err != nil {
		return nil, aggregator.Config{}, err
	}
	if c.IsSet("time-bucket") {
		aggCfg.TimeBucketWidth = c.Duration("time-bucket")
	}
	if c.IsSet("price-bucket") {
		width, err := decimal.NewFromString(c.String("price-bucket"))
		if err != nil {
			return nil, aggregator.Config{}, &aggregator.ConfigError{Field: "price bucket width", Reason: err.Error()}
		}
		aggCfg.PriceBucketWidth = width
	}
	if c.IsSet("dedupe-window") {
		window, err := config.ParseDedupeWindow(c.String("dedupe-window"))
		if err != nil {
			return nil, aggregator.Config{}, err
		}
		aggCfg.DedupeWindow = window
	}
	if err := aggCfg.Validate(); err != nil {
		return nil, aggregator.Config{}, err
	}
	return cfg, aggCfg, nil
}

func runQuery(c *cli.Context) error {
	cfg, aggCfg, err := loadSettings(c)
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	logger := cfg.Log.Logger()
	logger.SetOutput(os.Stderr)

	now := time.Now()
	if raw := c.String("now"); raw != "" {
		if now, err = marketdata.ParseTimestamp(raw); err != nil {
			return fmt.Errorf("parse --now: %w", err)
		}
	}
	lookback := cfg.Footprint.LookbackWindow
	if c.IsSet("lookback") {
		lookback = c.Duration("lookback")
	}

	repo, err := inframarketdata.NewRepository(c.Context, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("init marketdata repo: %w", err)
	}
	defer repo.Close()

	service, err := appfootprint.NewService(aggCfg, logger,
		appfootprint.WithRepository(repo),
		appfootprint.WithLookback(lookback),
	)
	if err != nil {
		return err
	}
	report, err := service.Rebuild(c.Context, c.String("symbol"), now)
	if err != nil {
		return err
	}
	view, err := service.View(c.String("symbol"))
	if err != nil {
		return err
	}
	return render(c.App.Writer, c.String("format"), report, []domain.View{view})
}

func runFile(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("no files given")
	}
	cfg, aggCfg, err := loadSettings(c)
	if err != nil {
		return err
	}
	logger := cfg.Log.Logger()
	logger.SetOutput(os.Stderr)

	service, err := appfootprint.NewService(aggCfg, logger)
	if err != nil {
		return err
	}

	var report appfootprint.IngestReport
	for _, path := range c.Args().Slice() {
		source := csvfile.NewSource(path, c.String("symbol"), 0)
		err := source.Stream(c.Context, func(ctx context.Context, rows []marketdata.RawTrade) error {
			report.Merge(service.Ingest(ctx, rows))
			return nil
		})
		if err != nil {
			return err
		}
	}

	views := make([]domain.View, 0)
	for _, symbol := range service.Symbols() {
		view, err := service.View(symbol)
		if err != nil {
			return err
		}
		views = append(views, view)
	}
	return render(c.App.Writer, c.String("format"), report, views)
}
