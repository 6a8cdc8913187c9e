// Package aggregator turns a stream of trades into an order-flow footprint:
// buy/sell volume per (time bucket, price bucket) cell, OHLC per time bucket
// and the cumulative volume delta series.
//
// An Aggregator is safe for concurrent use. Every trade is applied under the
// write lock, so readers never observe a partially applied trade.
package aggregator

import (
	"sort"
	"sync"
	"time"

	"footprint/internal/domain/entity/footprint"
	"footprint/internal/domain/entity/marketdata"

	"github.com/shopspring/decimal"
)

// batchChunk bounds how many trades AbsorbBatch applies per write lock.
const batchChunk = 1024

// Outcome tells what Absorb did with a trade.
type Outcome int

const (
	Absorbed Outcome = iota
	// Duplicate: the trade id was already absorbed.
	Duplicate
	// Expired: the trade is older than the dedupe window allows, so it can no
	// longer be told apart from a redelivery.
	Expired
	// Rejected: the trade failed validation.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Absorbed:
		return "absorbed"
	case Duplicate:
		return "duplicate"
	case Expired:
		return "expired"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// BatchResult counts the outcomes of AbsorbBatch.
type BatchResult struct {
	Absorbed   int `json:"absorbed"`
	Duplicates int `json:"duplicates"`
	Expired    int `json:"expired"`
	Rejected   int `json:"rejected"`
}

func (r *BatchResult) Add(o Outcome) {
	switch o {
	case Absorbed:
		r.Absorbed++
	case Duplicate:
		r.Duplicates++
	case Expired:
		r.Expired++
	case Rejected:
		r.Rejected++
	}
}

type flow struct {
	buy  decimal.Decimal
	sell decimal.Decimal
}

func (f flow) delta() decimal.Decimal {
	return f.buy.Sub(f.sell)
}

// Aggregator owns the footprint cells, the OHLC bars and the set of absorbed trade ids.
type Aggregator struct {
	cfg         Config
	widthMillis int64
	windowMs    int64
	now         func() time.Time

	mu      sync.RWMutex
	cells   map[footprint.Key]footprint.Cell
	bars    map[footprint.TimeBucket]*footprint.Bar
	flows   map[footprint.TimeBucket]flow
	buckets []footprint.TimeBucket // occupied time buckets, ascending
	ids     *idSet

	watermark    int64
	hasWatermark bool
	cutoff       footprint.TimeBucket
	stats        footprint.Stats

	cvdMu sync.Mutex
	cvd   cvdCache
}

// New builds an aggregator. An invalid configuration yields a *ConfigError.
func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Aggregator{
		cfg:         cfg,
		widthMillis: cfg.TimeBucketWidth.Milliseconds(),
		windowMs:    cfg.DedupeWindow.Milliseconds(),
		now:         time.Now,
	}
	a.resetLocked()
	return a, nil
}

// Config returns the configuration the aggregator was built with.
func (a *Aggregator) Config() Config {
	return a.cfg
}

// Absorb applies one trade. Absorbing the same trade id twice counts it once.
func (a *Aggregator) Absorb(trade marketdata.Trade) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.absorbLocked(trade)
}

// AbsorbBatch applies trades in execution order (ties by trade id), so the
// result is the same for every permutation of the input. The write lock is
// released between chunks to let readers through.
func (a *Aggregator) AbsorbBatch(trades []marketdata.Trade) BatchResult {
	ordered := make([]marketdata.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		return tradeLess(ordered[i], ordered[j])
	})

	var result BatchResult
	for start := 0; start < len(ordered); start += batchChunk {
		end := min(start+batchChunk, len(ordered))
		a.mu.Lock()
		for _, trade := range ordered[start:end] {
			result.Add(a.absorbLocked(trade))
		}
		a.mu.Unlock()
	}
	return result
}

// tradeLess orders trades by time and id. Rows sharing both are ordered by
// their contents so the first one kept never depends on input order.
func tradeLess(a, b marketdata.Trade) bool {
	if !a.ExecutedAt.Equal(b.ExecutedAt) {
		return a.ExecutedAt.Before(b.ExecutedAt)
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	if c := a.Size.Cmp(b.Size); c != 0 {
		return c < 0
	}
	return a.Side < b.Side
}

func (a *Aggregator) absorbLocked(trade marketdata.Trade) Outcome {
	if err := trade.Validate(); err != nil {
		a.stats.Rejected++
		return Rejected
	}

	at := trade.ExecutedAt.UTC().Truncate(marketdata.Precision)
	millis := at.UnixMilli()
	tb := timeBucket(millis, a.widthMillis)

	if a.ids.contains(trade.ID) {
		a.stats.Duplicates++
		return Duplicate
	}
	if a.windowMs > 0 && a.hasWatermark && tb < a.cutoff {
		a.stats.Expired++
		return Expired
	}

	pb := priceBucket(trade.Price, a.cfg.PriceBucketWidth)
	key := footprint.Key{Time: tb, Price: pb}
	cell, ok := a.cells[key]
	if !ok {
		cell = footprint.Cell{Time: tb.Time(), Price: pb.Level(a.cfg.PriceBucketWidth)}
	}
	f := a.flows[tb]
	if trade.IsBuy() {
		cell.BuyVolume = cell.BuyVolume.Add(trade.Size)
		f.buy = f.buy.Add(trade.Size)
	} else {
		cell.SellVolume = cell.SellVolume.Add(trade.Size)
		f.sell = f.sell.Add(trade.Size)
	}
	cell.Trades++
	a.cells[key] = cell
	a.flows[tb] = f

	if bar, ok := a.bars[tb]; ok {
		bar.Apply(trade.Price, at, trade.ID)
	} else {
		bar := footprint.NewBar(tb.Time(), trade.Price, at, trade.ID)
		a.bars[tb] = &bar
		a.insertBucket(tb)
	}

	a.ids.add(trade.ID, tb)
	a.cvd.invalidate(tb)
	a.advance(millis)
	a.stats.Absorbed++
	return Absorbed
}

// advance moves the watermark forward and forgets ids that fell out of the window.
func (a *Aggregator) advance(millis int64) {
	first := !a.hasWatermark
	if !first && millis <= a.watermark {
		return
	}
	a.watermark = millis
	a.hasWatermark = true
	if a.windowMs <= 0 {
		return
	}
	cutoff := timeBucket(millis-a.windowMs, a.widthMillis)
	if first || cutoff > a.cutoff {
		a.cutoff = cutoff
		a.ids.evictBefore(cutoff)
	}
}

func (a *Aggregator) insertBucket(tb footprint.TimeBucket) {
	n := len(a.buckets)
	if n == 0 || a.buckets[n-1] < tb {
		a.buckets = append(a.buckets, tb)
		return
	}
	i := sort.Search(n, func(i int) bool { return a.buckets[i] >= tb })
	a.buckets = append(a.buckets, 0)
	copy(a.buckets[i+1:], a.buckets[i:])
	a.buckets[i] = tb
}

// Snapshot returns a copy of the occupied cells. Cells with no trades never appear.
func (a *Aggregator) Snapshot() map[footprint.Key]footprint.Cell {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[footprint.Key]footprint.Cell, len(a.cells))
	for k, c := range a.cells {
		out[k] = c
	}
	return out
}

// Bars returns a copy of the OHLC bars keyed by time bucket.
func (a *Aggregator) Bars() map[footprint.TimeBucket]footprint.Bar {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[footprint.TimeBucket]footprint.Bar, len(a.bars))
	for k, b := range a.bars {
		out[k] = *b
	}
	return out
}

// CVD returns the cumulative volume delta series, maintained incrementally.
func (a *Aggregator) CVD() []footprint.CvdPoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.seriesLocked()
}

// Stats reports absorption counters and the current size of the aggregate.
func (a *Aggregator) Stats() footprint.Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.statsLocked()
}

func (a *Aggregator) statsLocked() footprint.Stats {
	s := a.stats
	s.Cells = len(a.cells)
	s.Buckets = len(a.buckets)
	s.TrackedIDs = a.ids.len()
	return s
}

// View exports cells, bars and CVD from one consistent read. Sorting happens
// after the read lock is released.
func (a *Aggregator) View(symbol string) footprint.View {
	a.mu.RLock()
	cells := make([]footprint.Cell, 0, len(a.cells))
	for _, c := range a.cells {
		cells = append(cells, c)
	}
	bars := make([]footprint.Bar, 0, len(a.buckets))
	for _, tb := range a.buckets {
		bars = append(bars, *a.bars[tb])
	}
	cvd := a.seriesLocked()
	stats := a.statsLocked()
	var watermark time.Time
	if a.hasWatermark {
		watermark = time.UnixMilli(a.watermark).UTC()
	}
	a.mu.RUnlock()

	sort.Slice(cells, func(i, j int) bool {
		if !cells[i].Time.Equal(cells[j].Time) {
			return cells[i].Time.Before(cells[j].Time)
		}
		return cells[i].Price.LessThan(cells[j].Price)
	})

	return footprint.View{
		Symbol:           symbol,
		TimeBucketWidth:  a.cfg.TimeBucketWidth,
		PriceBucketWidth: a.cfg.PriceBucketWidth,
		GeneratedAt:      a.now().UTC(),
		Watermark:        watermark,
		Cells:            cells,
		Bars:             bars,
		CVD:              cvd,
		Stats:            stats,
	}
}

// Reset clears all state, including remembered trade ids.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Aggregator) resetLocked() {
	a.cells = make(map[footprint.Key]footprint.Cell)
	a.bars = make(map[footprint.TimeBucket]*footprint.Bar)
	a.flows = make(map[footprint.TimeBucket]flow)
	a.buckets = nil
	a.ids = newIDSet()
	a.watermark = 0
	a.hasWatermark = false
	a.cutoff = 0
	a.stats = footprint.Stats{}
	a.cvdMu.Lock()
	a.cvd = cvdCache{}
	a.cvdMu.Unlock()
}
