package interfaces

import (
	"context"
	"time"

	footprint "footprint/internal/domain/entity/footprint"
	marketdata "footprint/internal/domain/entity/marketdata"
)

// TradeRepository is the trade log: raw executions persisted by symbol and trade id.
type TradeRepository interface {
	AddTrades(ctx context.Context, trades []marketdata.Trade) (int64, error)
	GetTradesBetween(ctx context.Context, symbol string, from, to time.Time) ([]marketdata.Trade, error)
	GetLastTrades(ctx context.Context, symbol string, limit int) ([]marketdata.Trade, error)
	Close()
}

// TradeHandler receives the raw rows a source produced.
type TradeHandler func(ctx context.Context, rows []marketdata.RawTrade) error

// TradeSource delivers raw trade rows until ctx is done, the source is
// exhausted (nil error) or it fails.
type TradeSource interface {
	Name() string
	Stream(ctx context.Context, handle TradeHandler) error
}

// SnapshotPublisher exports a footprint view to downstream consumers.
type SnapshotPublisher interface {
	Publish(ctx context.Context, view footprint.View) error
}
