package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	appfootprint "footprint/internal/application/service/footprint"
	appmarketdata "footprint/internal/application/service/marketdata"
	"footprint/internal/config"
	domain "footprint/internal/domain/entity/marketdata"
	"footprint/internal/infrastructure/csvfile"
	inframarketdata "footprint/internal/infrastructure/marketdata"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// importStats counts rows of one file.
type importStats struct {
	Rows     int
	Rejected int
	Inserted int64
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := &cli.App{
		Name:      "importer",
		Usage:     "load Bybit trade history files into the trade log",
		ArgsUsage: "FILE [FILE...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "symbol", Usage: "symbol for files without a symbol column"},
			&cli.IntFlag{Name: "batch-size", Value: csvfile.DefaultBatchSize, Usage: "rows per insert batch"},
		},
		Action: runImport,
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		logrus.Fatalf("import failed: %v", err)
	}
}

func runImport(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("no files given")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	logger := cfg.Log.Logger()

	repo, err := inframarketdata.NewRepository(c.Context, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("init marketdata repo: %w", err)
	}
	service := appmarketdata.NewService(repo)
	defer service.Close()

	if err := repo.EnsureSchema(c.Context); err != nil {
		return fmt.Errorf("prepare schema: %w", err)
	}

	var total importStats
	for _, path := range c.Args().Slice() {
		start := time.Now()
		stats, err := importFile(c.Context, service, csvfile.NewSource(path, c.String("symbol"), c.Int("batch-size")), logger)
		total.Rows += stats.Rows
		total.Rejected += stats.Rejected
		total.Inserted += stats.Inserted
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		logger.WithFields(logrus.Fields{
			"file":     path,
			"rows":     stats.Rows,
			"rejected": stats.Rejected,
			"inserted": stats.Inserted,
			"took_ms":  time.Since(start).Milliseconds(),
		}).Info("file imported")
	}
	logger.WithFields(logrus.Fields{
		"files":    c.NArg(),
		"rows":     total.Rows,
		"rejected": total.Rejected,
		"inserted": total.Inserted,
	}).Info("import finished")
	return nil
}

// importFile stores every valid row of source. Rows already in the log are
// skipped by the repository.
func importFile(ctx context.Context, service *appmarketdata.Service, source *csvfile.Source, logger *logrus.Logger) (importStats, error) {
	var stats importStats
	log := logger.WithField("source", source.Name())
	err := source.Stream(ctx, func(ctx context.Context, rows []domain.RawTrade) error {
		trades, report := appfootprint.NormalizeRows(rows)
		stats.Rows += len(rows)
		stats.Rejected += report.Rejected
		for _, rowErr := range report.Errors {
			log.WithFields(logrus.Fields{
				"trade_id": rowErr.TradeID,
				"field":    rowErr.Field,
			}).Warn("skip row: " + rowErr.Reason)
		}
		inserted, err := service.AddTrades(ctx, trades)
		stats.Inserted += inserted
		return err
	})
	return stats, err
}
