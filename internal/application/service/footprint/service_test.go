package footprint

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"footprint/internal/domain/aggregator"
	domain "footprint/internal/domain/entity/footprint"
	marketdata "footprint/internal/domain/entity/marketdata"
	"footprint/internal/instrumentation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var base = time.Date(2024, 12, 12, 0, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func raw(id, symbol string, offset time.Duration, price, size, side string) marketdata.RawTrade {
	return marketdata.RawTrade{
		Timestamp: strconv.FormatInt(base.Add(offset).UnixMilli(), 10),
		Symbol:    symbol,
		Side:      side,
		Size:      size,
		Price:     price,
		TradeID:   id,
	}
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(aggregator.DefaultConfig(), quietLogger(), opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

type fakeRepo struct {
	mu     sync.Mutex
	trades []marketdata.Trade
	from   time.Time
	to     time.Time
	err    error
}

func (r *fakeRepo) AddTrades(_ context.Context, trades []marketdata.Trade) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, trades...)
	return int64(len(trades)), nil
}

func (r *fakeRepo) GetTradesBetween(_ context.Context, symbol string, from, to time.Time) ([]marketdata.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from, r.to = from, to
	if r.err != nil {
		return nil, r.err
	}
	var out []marketdata.Trade
	for _, trade := range r.trades {
		if trade.Symbol == symbol && !trade.ExecutedAt.Before(from) && !trade.ExecutedAt.After(to) {
			out = append(out, trade)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetLastTrades(context.Context, string, int) ([]marketdata.Trade, error) {
	return nil, nil
}

func (r *fakeRepo) Close() {}

func TestNewService_InvalidConfig(t *testing.T) {
	cfg := aggregator.DefaultConfig()
	cfg.PriceBucketWidth = decimal.Zero
	_, err := NewService(cfg, quietLogger())
	var cerr *aggregator.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestIngest_ReportAndRouting(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := instrumentation.NewMetrics(reg)
	svc := newTestService(t, WithMetrics(metrics))

	rows := []marketdata.RawTrade{
		raw("1", "btcusdt", 0, "100000", "0.5", "Buy"),
		raw("2", "BTCUSDT", time.Minute, "100010", "0.25", "Sell"),
		raw("1", "BTCUSDT", 0, "100000", "0.5", "Buy"),
		raw("3", "ETHUSDT", time.Minute, "3900", "2", "Buy"),
		raw("4", "ETHUSDT", time.Minute, "3900", "-2", "Buy"),
		raw("5", "", time.Minute, "3900", "2", "Buy"),
	}

	report := svc.Ingest(context.Background(), rows)
	if report.Received != 6 || report.Accepted != 3 || report.Duplicates != 1 || report.Rejected != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Errors) != 2 || report.Errors[0].Index != 4 || report.Errors[0].Field != "size" || report.Errors[1].Field != "symbol" {
		t.Errorf("unexpected row errors: %+v", report.Errors)
	}

	symbols := svc.Symbols()
	if len(symbols) != 2 || symbols[0] != "BTCUSDT" || symbols[1] != "ETHUSDT" {
		t.Fatalf("symbols = %v", symbols)
	}

	view, err := svc.View("btcusdt")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Symbol != "BTCUSDT" || view.Stats.Absorbed != 2 || len(view.CVD) != 1 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if got := view.CVD[0].Cumulative.String(); got != "0.25" {
		t.Errorf("cvd = %s, want 0.25", got)
	}

	if got := testutil.ToFloat64(metrics.TradeOutcomes.WithLabelValues("BTCUSDT", "duplicate")); got != 1 {
		t.Errorf("duplicate metric = %v, want 1", got)
	}
}

func TestIngest_SymbolsAreIndependent(t *testing.T) {
	svc := newTestService(t)
	svc.Ingest(context.Background(), []marketdata.RawTrade{
		raw("same", "BTCUSDT", 0, "100", "1", "Buy"),
		raw("same", "ETHUSDT", 0, "100", "1", "Sell"),
	})
	for _, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
		view, err := svc.View(symbol)
		if err != nil {
			t.Fatalf("view %s: %v", symbol, err)
		}
		if view.Stats.Absorbed != 1 {
			t.Errorf("%s absorbed = %d, want 1", symbol, view.Stats.Absorbed)
		}
	}
}

func TestView_UnknownSymbol(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.View("DOGEUSDT"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
	if _, err := svc.View(" "); !errors.Is(err, ErrMissingSymbol) {
		t.Errorf("expected ErrMissingSymbol, got %v", err)
	}
	if err := svc.Reset("DOGEUSDT"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestReset(t *testing.T) {
	svc := newTestService(t)
	row := raw("1", "BTCUSDT", 0, "100", "1", "Buy")
	svc.Ingest(context.Background(), []marketdata.RawTrade{row})
	if err := svc.Reset("BTCUSDT"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	view, _ := svc.View("BTCUSDT")
	if len(view.Cells) != 0 || view.Stats.TrackedIDs != 0 {
		t.Fatalf("book not cleared: %+v", view.Stats)
	}
	report := svc.Ingest(context.Background(), []marketdata.RawTrade{row})
	if report.Accepted != 1 {
		t.Errorf("trade id should be forgotten after reset, report %+v", report)
	}
}

func TestRebuild(t *testing.T) {
	now := base.Add(13 * time.Hour)
	repo := &fakeRepo{}
	for i, offset := range []time.Duration{30 * time.Minute, 2 * time.Hour, 12*time.Hour + 30*time.Minute} {
		trade, err := marketdata.Normalize(raw(strconv.Itoa(i), "BTCUSDT", offset, "100", "1", "Buy"))
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		repo.trades = append(repo.trades, trade)
	}

	svc := newTestService(t, WithRepository(repo), WithLookback(12*time.Hour))
	svc.Ingest(context.Background(), []marketdata.RawTrade{raw("live", "BTCUSDT", 0, "500", "9", "Sell")})

	report, err := svc.Rebuild(context.Background(), "btcusdt", now)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if report.Received != 2 || report.Accepted != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !repo.from.Equal(base.Add(time.Hour)) || !repo.to.Equal(now) {
		t.Errorf("queried [%s, %s]", repo.from, repo.to)
	}

	view, err := svc.View("BTCUSDT")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Stats.Absorbed != 2 {
		t.Errorf("rebuilt book should replace the live one, stats %+v", view.Stats)
	}
	want := aggregator.ComputeCVD(cellsOf(view))
	if len(want) != len(view.CVD) || !want[len(want)-1].Cumulative.Equal(view.CVD[len(view.CVD)-1].Cumulative) {
		t.Errorf("cvd mismatch after rebuild")
	}
}

func TestRebuild_Errors(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Rebuild(context.Background(), "BTCUSDT", base); !errors.Is(err, ErrNoRepository) {
		t.Errorf("expected ErrNoRepository, got %v", err)
	}

	boom := errors.New("boom")
	svc = newTestService(t, WithRepository(&fakeRepo{err: boom}))
	if _, err := svc.Rebuild(context.Background(), "BTCUSDT", base); !errors.Is(err, boom) {
		t.Errorf("expected wrapped repository error, got %v", err)
	}
	if len(svc.Symbols()) != 0 {
		t.Errorf("failed rebuild must not create a book")
	}
}

func cellsOf(view domain.View) map[domain.Key]domain.Cell {
	width := view.PriceBucketWidth
	out := make(map[domain.Key]domain.Cell, len(view.Cells))
	for _, cell := range view.Cells {
		tb, _ := aggregator.TimeBucketOf(cell.Time, view.TimeBucketWidth)
		pb, _ := aggregator.PriceBucketOf(cell.Price, width)
		out[domain.Key{Time: tb, Price: pb}] = cell
	}
	return out
}
