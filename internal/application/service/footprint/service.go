package footprint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"footprint/internal/domain/aggregator"
	domain "footprint/internal/domain/entity/footprint"
	marketdata "footprint/internal/domain/entity/marketdata"
	interfaces "footprint/internal/domain/interfaces"
	"footprint/internal/instrumentation"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrNoRepository  = errors.New("trade log is not configured")
	ErrMissingSymbol = errors.New("symbol is required")
)

// DefaultLookback is how far back Rebuild reads the trade log.
const DefaultLookback = 12 * time.Hour

// RowError describes a row Ingest rejected.
type RowError struct {
	Index   int    `json:"index"`
	TradeID string `json:"trade_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Reason  string `json:"reason"`
}

// IngestReport summarizes what happened to a set of rows.
type IngestReport struct {
	Received   int        `json:"received"`
	Accepted   int        `json:"accepted"`
	Duplicates int        `json:"duplicates"`
	Expired    int        `json:"expired"`
	Rejected   int        `json:"rejected"`
	Errors     []RowError `json:"errors,omitempty"`
}

// Merge adds the counters of other into r.
func (r *IngestReport) Merge(other IngestReport) {
	r.Received += other.Received
	r.Accepted += other.Accepted
	r.Duplicates += other.Duplicates
	r.Expired += other.Expired
	r.Rejected += other.Rejected
	r.Errors = append(r.Errors, other.Errors...)
}

func (r *IngestReport) addBatch(res aggregator.BatchResult) {
	r.Accepted += res.Absorbed
	r.Duplicates += res.Duplicates
	r.Expired += res.Expired
	r.Rejected += res.Rejected
}

// Option customizes a Service.
type Option func(*Service)

// WithRepository enables Rebuild from the trade log.
func WithRepository(repo interfaces.TradeRepository) Option {
	return func(s *Service) { s.repo = repo }
}

// WithLookback overrides DefaultLookback.
func WithLookback(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lookback = d
		}
	}
}

func WithMetrics(m *instrumentation.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service keeps one footprint book per symbol. Symbols never share state.
type Service struct {
	cfg      aggregator.Config
	repo     interfaces.TradeRepository
	lookback time.Duration
	metrics  *instrumentation.Metrics
	logger   *logrus.Entry

	mu    sync.RWMutex
	books map[string]*aggregator.Aggregator
}

// NewService validates cfg up front so books can later be created without errors.
func NewService(cfg aggregator.Config, logger *logrus.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Service{
		cfg:      cfg,
		lookback: DefaultLookback,
		logger:   logger.WithField("component", "footprint_service"),
		books:    make(map[string]*aggregator.Aggregator),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the bucketing every book uses.
func (s *Service) Config() aggregator.Config {
	return s.cfg
}

// NormalizeRows converts raw rows into trades. Rows that fail validation are
// reported and left out.
func NormalizeRows(rows []marketdata.RawTrade) ([]marketdata.Trade, IngestReport) {
	report := IngestReport{Received: len(rows)}
	trades := make([]marketdata.Trade, 0, len(rows))
	for i, row := range rows {
		trade, err := marketdata.Normalize(row)
		if err == nil && trade.Symbol == "" {
			err = &marketdata.ValidationError{Field: "symbol", Reason: "is empty", TradeID: trade.ID}
		}
		if err != nil {
			report.Rejected++
			report.Errors = append(report.Errors, rowError(i, err))
			continue
		}
		trades = append(trades, trade)
	}
	return trades, report
}

func rowError(index int, err error) RowError {
	var verr *marketdata.ValidationError
	if errors.As(err, &verr) {
		return RowError{Index: index, TradeID: verr.TradeID, Field: verr.Field, Reason: verr.Reason}
	}
	return RowError{Index: index, Reason: err.Error()}
}

// Ingest normalizes rows and absorbs the valid ones into their symbol's book.
func (s *Service) Ingest(ctx context.Context, rows []marketdata.RawTrade) IngestReport {
	trades, report := NormalizeRows(rows)
	if len(report.Errors) > 0 {
		s.logger.WithField("rejected", len(report.Errors)).Debug("rejected raw rows")
	}
	absorbed := s.Absorb(ctx, trades)
	absorbed.Received = 0
	report.Merge(absorbed)
	return report
}

// Absorb routes normalized trades to their books, creating books on demand.
func (s *Service) Absorb(_ context.Context, trades []marketdata.Trade) IngestReport {
	report := IngestReport{Received: len(trades)}
	for symbol, group := range groupBySymbol(trades) {
		book := s.book(symbol)
		res := book.AbsorbBatch(group)
		report.addBatch(res)
		s.record(symbol, res, book.Stats().Cells)
	}
	return report
}

func groupBySymbol(trades []marketdata.Trade) map[string][]marketdata.Trade {
	groups := make(map[string][]marketdata.Trade)
	for _, trade := range trades {
		symbol := strings.ToUpper(strings.TrimSpace(trade.Symbol))
		groups[symbol] = append(groups[symbol], trade)
	}
	return groups
}

func (s *Service) record(symbol string, res aggregator.BatchResult, cells int) {
	s.metrics.RecordOutcome(symbol, aggregator.Absorbed.String(), res.Absorbed)
	s.metrics.RecordOutcome(symbol, aggregator.Duplicate.String(), res.Duplicates)
	s.metrics.RecordOutcome(symbol, aggregator.Expired.String(), res.Expired)
	s.metrics.RecordOutcome(symbol, aggregator.Rejected.String(), res.Rejected)
	s.metrics.SetCells(symbol, cells)
}

func (s *Service) book(symbol string) *aggregator.Aggregator {
	s.mu.RLock()
	book, ok := s.books[symbol]
	s.mu.RUnlock()
	if ok {
		return book
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if book, ok := s.books[symbol]; ok {
		return book
	}
	book = s.newBook()
	s.books[symbol] = book
	s.logger.WithField("symbol", symbol).Info("created footprint book")
	return book
}

func (s *Service) newBook() *aggregator.Aggregator {
	book, err := aggregator.New(s.cfg)
	if err != nil {
		// cfg was validated by NewService.
		panic(err)
	}
	return book
}

func (s *Service) lookup(symbol string) (*aggregator.Aggregator, string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, "", ErrMissingSymbol
	}
	s.mu.RLock()
	book, ok := s.books[symbol]
	s.mu.RUnlock()
	if !ok {
		return nil, symbol, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return book, symbol, nil
}

// View exports the current state of a symbol's book.
func (s *Service) View(symbol string) (domain.View, error) {
	book, symbol, err := s.lookup(symbol)
	if err != nil {
		return domain.View{}, err
	}
	start := time.Now()
	view := book.View(symbol)
	s.metrics.RecordViewLatency(float64(time.Since(start).Microseconds()) / 1000)
	return view, nil
}

// Symbols lists the symbols that have a book, sorted.
func (s *Service) Symbols() []string {
	s.mu.RLock()
	symbols := make([]string, 0, len(s.books))
	for symbol := range s.books {
		symbols = append(symbols, symbol)
	}
	s.mu.RUnlock()
	sort.Strings(symbols)
	return symbols
}

// Reset clears a symbol's book, remembered trade ids included.
func (s *Service) Reset(symbol string) error {
	book, symbol, err := s.lookup(symbol)
	if err != nil {
		return err
	}
	book.Reset()
	s.metrics.SetCells(symbol, 0)
	s.logger.WithField("symbol", symbol).Info("reset footprint book")
	return nil
}

// Rebuild recomputes a symbol's book from the trade log over the lookback
// window ending at now. The new book replaces the old one only once it is
// complete, so readers keep seeing the previous state meanwhile.
func (s *Service) Rebuild(ctx context.Context, symbol string, now time.Time) (IngestReport, error) {
	if s.repo == nil {
		return IngestReport{}, ErrNoRepository
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return IngestReport{}, ErrMissingSymbol
	}

	start := time.Now()
	trades, err := s.repo.GetTradesBetween(ctx, symbol, now.Add(-s.lookback), now)
	if err != nil {
		return IngestReport{}, fmt.Errorf("load trades for %s: %w", symbol, err)
	}

	book := s.newBook()
	res := book.AbsorbBatch(trades)
	report := IngestReport{Received: len(trades)}
	report.addBatch(res)

	s.mu.Lock()
	s.books[symbol] = book
	s.mu.Unlock()

	s.record(symbol, res, book.Stats().Cells)
	s.metrics.RecordRebuild(time.Since(start).Seconds())
	s.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"trades":   len(trades),
		"absorbed": res.Absorbed,
		"took_ms":  time.Since(start).Milliseconds(),
	}).Info("rebuilt footprint book")
	return report, nil
}
