package marketdata

import (
	"context"
	"errors"
	"strings"
	"time"

	marketdata "footprint/internal/domain/entity/marketdata"
	interfaces "footprint/internal/domain/interfaces"
)

var (
	ErrNilTrade      = errors.New("trade is nil")
	ErrInvalidLimit  = errors.New("limit must be positive")
	ErrMissingSymbol = errors.New("symbol is required")
)

// Service fronts the trade log.
type Service struct {
	repo interfaces.TradeRepository
}

func NewService(repo interfaces.TradeRepository) *Service {
	return &Service{repo: repo}
}

func (s *Service) AddTrade(ctx context.Context, trade *marketdata.Trade) error {
	if trade == nil {
		return ErrNilTrade
	}
	_, err := s.AddTrades(ctx, []marketdata.Trade{*trade})
	return err
}

// AddTrades validates and stores trades. Trades already in the log are
// skipped; the number of newly stored rows is returned.
func (s *Service) AddTrades(ctx context.Context, trades []marketdata.Trade) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	for i := range trades {
		if err := trades[i].Validate(); err != nil {
			return 0, err
		}
		if trades[i].Symbol == "" {
			return 0, ErrMissingSymbol
		}
	}
	return s.repo.AddTrades(ctx, trades)
}

func (s *Service) GetTradesBetween(ctx context.Context, symbol string, from, to time.Time) ([]marketdata.Trade, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrMissingSymbol
	}
	if from.After(to) {
		from, to = to, from
	}
	return s.repo.GetTradesBetween(ctx, symbol, from, to)
}

func (s *Service) GetLastTrades(ctx context.Context, symbol string, limit int) ([]marketdata.Trade, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrMissingSymbol
	}
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	return s.repo.GetLastTrades(ctx, symbol, limit)
}

func (s *Service) Close() {
	s.repo.Close()
}
