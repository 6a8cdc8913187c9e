package aggregator

import (
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"footprint/internal/domain/entity/footprint"
	"footprint/internal/domain/entity/marketdata"

	"github.com/shopspring/decimal"
)

var base = time.Date(2024, 12, 12, 0, 0, 0, 0, time.UTC)

func trade(id string, offset time.Duration, price, size string, side marketdata.TradeSide) marketdata.Trade {
	return marketdata.Trade{
		ID:         id,
		Symbol:     "BTCUSD",
		Side:       side,
		Size:       decimal.RequireFromString(size),
		Price:      decimal.RequireFromString(price),
		ExecutedAt: base.Add(offset),
	}
}

func newTestAggregator(t *testing.T, window time.Duration) *Aggregator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DedupeWindow = window
	agg, err := New(cfg)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	return agg
}

func key(offset time.Duration, level int64) footprint.Key {
	tb, _ := TimeBucketOf(base.Add(offset), DefaultTimeBucketWidth)
	return footprint.Key{Time: tb, Price: footprint.PriceBucket(level)}
}

func mustEqual(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s: expected %s, got %s", what, want, got)
	}
}

// Three trades in one five minute bucket, two of them in the 100 price bucket.
func TestAggregator_Scenario(t *testing.T) {
	agg := newTestAggregator(t, Unbounded)
	agg.AbsorbBatch([]marketdata.Trade{
		trade("a", 10*time.Second, "100.20", "1", marketdata.TradeSideBuy),
		trade("b", 40*time.Second, "149.90", "2", marketdata.TradeSideSell),
		trade("c", 4*time.Minute+50*time.Second, "151.00", "1", marketdata.TradeSideBuy),
	})

	cells := agg.Snapshot()
	if len(cells) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(cells))
	}

	low, ok := cells[key(0, 2)]
	if !ok {
		t.Fatalf("missing cell (00:00, 100)")
	}
	mustEqual(t, "cell 100 price", low.Price, "100")
	mustEqual(t, "cell 100 buy", low.BuyVolume, "1")
	mustEqual(t, "cell 100 sell", low.SellVolume, "2")
	mustEqual(t, "cell 100 delta", low.Delta(), "-1")

	high, ok := cells[key(0, 3)]
	if !ok {
		t.Fatalf("missing cell (00:00, 150)")
	}
	mustEqual(t, "cell 150 price", high.Price, "150")
	mustEqual(t, "cell 150 delta", high.Delta(), "1")

	bars := agg.Bars()
	bar, ok := bars[key(0, 0).Time]
	if !ok {
		t.Fatalf("missing bar for 00:00")
	}
	mustEqual(t, "open", bar.Open, "100.20")
	mustEqual(t, "high", bar.High, "151.00")
	mustEqual(t, "low", bar.Low, "100.20")
	mustEqual(t, "close", bar.Close, "151.00")

	cvd := agg.CVD()
	if len(cvd) != 1 {
		t.Fatalf("expected 1 cvd point, got %d", len(cvd))
	}
	mustEqual(t, "cvd", cvd[0].Cumulative, "0")
	if !cvd[0].Time.Equal(base) {
		t.Errorf("expected cvd bucket %s, got %s", base, cvd[0].Time)
	}
}

func sampleTrades() []marketdata.Trade {
	rng := rand.New(rand.NewSource(7))
	trades := make([]marketdata.Trade, 0, 300)
	for i := 0; i < 300; i++ {
		side := marketdata.TradeSideBuy
		if rng.Intn(2) == 0 {
			side = marketdata.TradeSideSell
		}
		offset := time.Duration(rng.Intn(int(40*time.Minute/time.Millisecond))) * time.Millisecond
		price := decimal.NewFromInt(99_800 + int64(rng.Intn(600))).Add(decimal.New(int64(rng.Intn(10)), -1))
		size := decimal.New(int64(1+rng.Intn(5000)), -3)
		trades = append(trades, marketdata.Trade{
			ID:         "t" + strconv.Itoa(i),
			Symbol:     "BTCUSD",
			Side:       side,
			Size:       size,
			Price:      price,
			ExecutedAt: base.Add(offset),
		})
	}
	return trades
}

func assertSameCells(t *testing.T, want, got map[footprint.Key]footprint.Cell) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("cell count differs: %d vs %d", len(want), len(got))
	}
	for k, w := range want {
		g, ok := got[k]
		if !ok {
			t.Fatalf("missing cell %+v", k)
		}
		if w.BuyVolume.String() != g.BuyVolume.String() || w.SellVolume.String() != g.SellVolume.String() || w.Trades != g.Trades {
			t.Fatalf("cell %+v differs: %+v vs %+v", k, w, g)
		}
	}
}

func assertSameCVD(t *testing.T, want, got []footprint.CvdPoint) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("cvd length differs: %d vs %d", len(want), len(got))
	}
	for i := range want {
		if !want[i].Time.Equal(got[i].Time) ||
			want[i].Delta.String() != got[i].Delta.String() ||
			want[i].Cumulative.String() != got[i].Cumulative.String() {
			t.Fatalf("cvd point %d differs: %+v vs %+v", i, want[i], got[i])
		}
	}
}

func TestAggregator_OrderIndependence(t *testing.T) {
	trades := sampleTrades()
	reference := newTestAggregator(t, DefaultDedupeWindow)
	reference.AbsorbBatch(trades)

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 10; round++ {
		shuffled := make([]marketdata.Trade, len(trades))
		copy(shuffled, trades)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		agg := newTestAggregator(t, DefaultDedupeWindow)
		res := agg.AbsorbBatch(shuffled)
		if res.Absorbed != len(trades) {
			t.Fatalf("round %d: expected %d absorbed, got %+v", round, len(trades), res)
		}
		assertSameCells(t, reference.Snapshot(), agg.Snapshot())
		assertSameCVD(t, reference.CVD(), agg.CVD())

		wantBars, gotBars := reference.Bars(), agg.Bars()
		for tb, w := range wantBars {
			g := gotBars[tb]
			if !w.Open.Equal(g.Open) || !w.Close.Equal(g.Close) || !w.High.Equal(g.High) || !w.Low.Equal(g.Low) {
				t.Fatalf("round %d: bar %d differs: %+v vs %+v", round, tb, w, g)
			}
		}
	}
}

func TestAggregator_SingleAbsorbOrderIndependence(t *testing.T) {
	trades := sampleTrades()
	reference := newTestAggregator(t, Unbounded)
	for _, tr := range trades {
		reference.Absorb(tr)
	}

	rng := rand.New(rand.NewSource(3))
	rng.Shuffle(len(trades), func(i, j int) { trades[i], trades[j] = trades[j], trades[i] })
	agg := newTestAggregator(t, Unbounded)
	for _, tr := range trades {
		if got := agg.Absorb(tr); got != Absorbed {
			t.Fatalf("expected absorbed, got %s", got)
		}
	}
	assertSameCells(t, reference.Snapshot(), agg.Snapshot())
	assertSameCVD(t, reference.CVD(), agg.CVD())
}

func TestAggregator_DeduplicationIdempotence(t *testing.T) {
	once := newTestAggregator(t, DefaultDedupeWindow)
	twice := newTestAggregator(t, DefaultDedupeWindow)
	tr := trade("dup", time.Minute, "100000", "0.5", marketdata.TradeSideBuy)

	once.Absorb(tr)
	twice.Absorb(tr)
	if got := twice.Absorb(tr); got != Duplicate {
		t.Fatalf("expected duplicate, got %s", got)
	}

	assertSameCells(t, once.Snapshot(), twice.Snapshot())
	assertSameCVD(t, once.CVD(), twice.CVD())
	if s := twice.Stats(); s.Absorbed != 1 || s.Duplicates != 1 {
		t.Errorf("unexpected stats %+v", s)
	}

	res := twice.AbsorbBatch([]marketdata.Trade{tr, tr})
	if res.Duplicates != 2 || res.Absorbed != 0 {
		t.Errorf("expected batch replay to be fully deduplicated, got %+v", res)
	}
}

// Rows repeating a trade id with different contents keep the same winner
// whatever order the batch arrives in.
func TestAggregator_ConflictingDuplicateOrderIndependence(t *testing.T) {
	rows := []marketdata.Trade{
		trade("x", time.Minute, "100000", "1", marketdata.TradeSideBuy),
		trade("x", time.Minute, "100500", "3", marketdata.TradeSideSell),
		trade("x", time.Minute, "100000", "2", marketdata.TradeSideBuy),
		trade("y", 2*time.Minute, "100100", "1", marketdata.TradeSideSell),
	}
	reversed := make([]marketdata.Trade, len(rows))
	for i, tr := range rows {
		reversed[len(rows)-1-i] = tr
	}

	forward := newTestAggregator(t, Unbounded)
	backward := newTestAggregator(t, Unbounded)
	fres := forward.AbsorbBatch(rows)
	bres := backward.AbsorbBatch(reversed)
	if fres.Absorbed != 2 || fres.Duplicates != 2 || fres != bres {
		t.Fatalf("unexpected results %+v and %+v", fres, bres)
	}
	assertSameCells(t, forward.Snapshot(), backward.Snapshot())
	assertSameCVD(t, forward.CVD(), backward.CVD())

	cell, ok := forward.Snapshot()[key(time.Minute, 2000)]
	if !ok {
		t.Fatalf("missing cell (00:01, 100000)")
	}
	mustEqual(t, "buy volume of kept row", cell.BuyVolume, "1")
	mustEqual(t, "sell volume of kept row", cell.SellVolume, "0")
}

func TestAggregator_TruncatesToPrecision(t *testing.T) {
	agg := newTestAggregator(t, Unbounded)
	tr := trade("n", 0, "100000", "1", marketdata.TradeSideBuy)
	tr.ExecutedAt = base.Add(10*time.Second + 123456789*time.Nanosecond)
	if got := agg.Absorb(tr); got != Absorbed {
		t.Fatalf("expected absorbed, got %s", got)
	}

	want := base.Add(10*time.Second + 123*time.Millisecond)
	for tb, bar := range agg.Bars() {
		if !bar.OpenAt.Equal(want) || !bar.CloseAt.Equal(want) {
			t.Errorf("bar %d: open_at %s close_at %s, want %s", tb, bar.OpenAt, bar.CloseAt, want)
		}
	}
	if len(agg.Bars()) != 1 {
		t.Errorf("expected one bar, got %d", len(agg.Bars()))
	}
}

func TestAggregator_OHLCOutOfOrder(t *testing.T) {
	agg := newTestAggregator(t, DefaultDedupeWindow)
	t1 := trade("t1", 10*time.Second, "100", "1", marketdata.TradeSideBuy)
	t2 := trade("t2", 20*time.Second, "120", "1", marketdata.TradeSideSell)
	t3 := trade("t3", 30*time.Second, "110", "1", marketdata.TradeSideBuy)

	agg.Absorb(t2)
	agg.Absorb(t3)
	agg.Absorb(t1)

	bar := agg.Bars()[key(0, 0).Time]
	mustEqual(t, "open", bar.Open, "100")
	mustEqual(t, "close", bar.Close, "110")
	mustEqual(t, "high", bar.High, "120")
	mustEqual(t, "low", bar.Low, "100")
	if !bar.OpenAt.Equal(t1.ExecutedAt) || !bar.CloseAt.Equal(t3.ExecutedAt) {
		t.Errorf("unexpected open/close timestamps %s/%s", bar.OpenAt, bar.CloseAt)
	}
	if bar.Trades != 3 {
		t.Errorf("expected 3 trades in bar, got %d", bar.Trades)
	}
}

func TestAggregator_OHLCTiesBrokenByID(t *testing.T) {
	x := trade("x", time.Second, "101", "1", marketdata.TradeSideBuy)
	y := trade("y", time.Second, "102", "1", marketdata.TradeSideBuy)

	ab := newTestAggregator(t, Unbounded)
	ab.Absorb(x)
	ab.Absorb(y)
	ba := newTestAggregator(t, Unbounded)
	ba.Absorb(y)
	ba.Absorb(x)

	for _, agg := range []*Aggregator{ab, ba} {
		bar := agg.Bars()[key(0, 0).Time]
		mustEqual(t, "open", bar.Open, "101")
		mustEqual(t, "close", bar.Close, "102")
	}
}

func TestAggregator_VolumeDeltaIdentity(t *testing.T) {
	agg := newTestAggregator(t, Unbounded)
	agg.AbsorbBatch(sampleTrades())
	for k, cell := range agg.Snapshot() {
		if !cell.Delta().Equal(cell.BuyVolume.Sub(cell.SellVolume)) {
			t.Errorf("cell %+v: delta %s != %s - %s", k, cell.Delta(), cell.BuyVolume, cell.SellVolume)
		}
		if cell.BuyVolume.IsNegative() || cell.SellVolume.IsNegative() {
			t.Errorf("cell %+v has negative volume", k)
		}
	}
}

func TestAggregator_IncrementalCVDMatchesFull(t *testing.T) {
	trades := sampleTrades()
	var first, second []marketdata.Trade
	for _, tr := range trades {
		if tr.ExecutedAt.Before(base.Add(20 * time.Minute)) {
			first = append(first, tr)
		} else {
			second = append(second, tr)
		}
	}

	incremental := newTestAggregator(t, Unbounded)
	incremental.AbsorbBatch(first)
	_ = incremental.CVD()
	incremental.AbsorbBatch(second)
	_ = incremental.CVD()
	// A late trade into the first bucket must be reflected in every later point.
	late := trade("late", time.Second, "99900", "3", marketdata.TradeSideSell)
	incremental.Absorb(late)

	full := newTestAggregator(t, Unbounded)
	full.AbsorbBatch(append(append([]marketdata.Trade{}, trades...), late))

	assertSameCVD(t, full.CVD(), incremental.CVD())
	assertSameCVD(t, ComputeCVD(incremental.Snapshot()), incremental.CVD())
}

func TestAggregator_SparseMapping(t *testing.T) {
	agg := newTestAggregator(t, Unbounded)
	if len(agg.Snapshot()) != 0 || len(agg.Bars()) != 0 || len(agg.CVD()) != 0 {
		t.Fatalf("fresh aggregator must be empty")
	}
	agg.Absorb(trade("a", 0, "100", "1", marketdata.TradeSideBuy))
	agg.Absorb(trade("b", 12*time.Minute, "300", "1", marketdata.TradeSideSell))

	cells := agg.Snapshot()
	if len(cells) != 2 {
		t.Fatalf("expected only the two touched cells, got %d", len(cells))
	}
	for k, c := range cells {
		if c.Trades == 0 || c.Volume().IsZero() {
			t.Errorf("cell %+v has no trades", k)
		}
	}
	// The empty bucket between them never appears.
	if got := len(agg.CVD()); got != 2 {
		t.Errorf("expected 2 cvd points, got %d", got)
	}
}

func TestAggregator_DedupeWindow(t *testing.T) {
	agg := newTestAggregator(t, 15*time.Minute)
	old := trade("old", time.Minute, "100", "1", marketdata.TradeSideBuy)
	if got := agg.Absorb(old); got != Absorbed {
		t.Fatalf("expected absorbed, got %s", got)
	}

	// Redelivery within the window is caught by id.
	agg.Absorb(trade("mid", 10*time.Minute, "100", "1", marketdata.TradeSideBuy))
	if got := agg.Absorb(old); got != Duplicate {
		t.Fatalf("expected duplicate, got %s", got)
	}

	// Moving an hour ahead evicts the old ids; replaying them is refused rather than double counted.
	agg.Absorb(trade("new", time.Hour, "100", "1", marketdata.TradeSideSell))
	if got := agg.Absorb(old); got != Expired {
		t.Fatalf("expected expired, got %s", got)
	}
	if got := agg.Absorb(trade("unseen-late", 2*time.Minute, "100", "1", marketdata.TradeSideBuy)); got != Expired {
		t.Fatalf("expected expired for late unseen trade, got %s", got)
	}

	stats := agg.Stats()
	if stats.TrackedIDs != 1 {
		t.Errorf("expected only the newest id to be tracked, got %d", stats.TrackedIDs)
	}
	if stats.Absorbed != 3 || stats.Expired != 2 || stats.Duplicates != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	mustEqual(t, "first bucket buy", agg.Snapshot()[key(0, 2)].BuyVolume, "1")
}

func TestAggregator_RejectsInvalidTrade(t *testing.T) {
	agg := newTestAggregator(t, Unbounded)
	bad := trade("bad", 0, "100", "1", marketdata.TradeSideBuy)
	bad.Size = decimal.Zero
	if got := agg.Absorb(bad); got != Rejected {
		t.Fatalf("expected rejected, got %s", got)
	}
	if len(agg.Snapshot()) != 0 {
		t.Errorf("rejected trade must not create a cell")
	}
	// A rejected id is not remembered: the corrected trade is accepted.
	bad.Size = decimal.NewFromInt(1)
	if got := agg.Absorb(bad); got != Absorbed {
		t.Errorf("expected corrected trade to be absorbed, got %s", got)
	}
}

func TestAggregator_Reset(t *testing.T) {
	agg := newTestAggregator(t, DefaultDedupeWindow)
	tr := trade("a", 0, "100", "1", marketdata.TradeSideBuy)
	agg.Absorb(tr)
	_ = agg.CVD()
	agg.Reset()

	if len(agg.Snapshot()) != 0 || len(agg.Bars()) != 0 || len(agg.CVD()) != 0 {
		t.Fatalf("reset must clear all state")
	}
	if got := agg.Absorb(tr); got != Absorbed {
		t.Errorf("reset must forget trade ids, got %s", got)
	}
}

func TestNew_ConfigErrors(t *testing.T) {
	cases := map[string]Config{
		"zero time width":     {TimeBucketWidth: 0, PriceBucketWidth: DefaultPriceBucketWidth},
		"sub-ms time width":   {TimeBucketWidth: time.Microsecond, PriceBucketWidth: DefaultPriceBucketWidth},
		"zero price width":    {TimeBucketWidth: time.Minute, PriceBucketWidth: decimal.Zero},
		"negative price":      {TimeBucketWidth: time.Minute, PriceBucketWidth: decimal.NewFromInt(-5)},
		"negative dedupe win": {TimeBucketWidth: time.Minute, PriceBucketWidth: DefaultPriceBucketWidth, DedupeWindow: -time.Second},
	}
	for name, cfg := range cases {
		agg, err := New(cfg)
		var cerr *ConfigError
		if !errors.As(err, &cerr) || agg != nil {
			t.Errorf("%s: expected ConfigError, got %v", name, err)
		}
	}
}

func TestAggregator_ConcurrentReaders(t *testing.T) {
	agg := newTestAggregator(t, Unbounded)
	trades := sampleTrades()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				view := agg.View("BTCUSD")
				total := decimal.Zero
				for _, c := range view.Cells {
					total = total.Add(c.Delta())
				}
				if n := len(view.CVD); n > 0 && !view.CVD[n-1].Cumulative.Equal(total) {
					t.Errorf("view is inconsistent: cvd %s vs cells %s", view.CVD[n-1].Cumulative, total)
					return
				}
			}
		}()
	}

	for _, tr := range trades {
		agg.Absorb(tr)
	}
	close(stop)
	wg.Wait()

	if got := agg.Stats().Absorbed; got != len(trades) {
		t.Errorf("expected %d absorbed, got %d", len(trades), got)
	}
}
