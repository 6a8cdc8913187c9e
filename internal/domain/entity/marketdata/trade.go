package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide represents the aggressor direction of an execution.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "Buy"
	TradeSideSell TradeSide = "Sell"
)

// Precision is the fixed timestamp precision every trade is normalized to.
const Precision = time.Millisecond

// Trade is one normalized execution. Built by Normalize and never mutated afterwards.
type Trade struct {
	ID            string          `json:"trade_id"`
	Symbol        string          `json:"symbol"`
	Side          TradeSide       `json:"side"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	ExecutedAt    time.Time       `json:"executed_at"`
	TickDirection string          `json:"tick_direction,omitempty"`
}

// RawTrade is a trade row as delivered by a feed, a file or the trade log,
// before validation. All fields are textual so every source maps onto it.
type RawTrade struct {
	Timestamp     string `json:"timestamp"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	Price         string `json:"price"`
	TradeID       string `json:"trade_id"`
	TickDirection string `json:"tick_direction,omitempty"`
}

// Raw renders the trade back into its raw row form.
func (t Trade) Raw() RawTrade {
	return RawTrade{
		Timestamp:     t.ExecutedAt.UTC().Format(time.RFC3339Nano),
		Symbol:        t.Symbol,
		Side:          string(t.Side),
		Size:          t.Size.String(),
		Price:         t.Price.String(),
		TradeID:       t.ID,
		TickDirection: t.TickDirection,
	}
}

// IsBuy reports whether the aggressor was the buyer.
func (t Trade) IsBuy() bool {
	return t.Side == TradeSideBuy
}

// Validate re-checks the invariants Normalize guarantees. Trades assembled by hand
// (tests, repository scans) go through it before they reach an aggregate.
func (t Trade) Validate() error {
	switch {
	case t.ID == "":
		return &ValidationError{Field: "trade_id", Reason: "is empty"}
	case t.Side != TradeSideBuy && t.Side != TradeSideSell:
		return &ValidationError{Field: "side", Reason: "unrecognized value " + string(t.Side), TradeID: t.ID}
	case !t.Size.IsPositive():
		return &ValidationError{Field: "size", Reason: "must be positive", TradeID: t.ID}
	case !t.Price.IsPositive():
		return &ValidationError{Field: "price", Reason: "must be positive", TradeID: t.ID}
	case t.ExecutedAt.IsZero():
		return &ValidationError{Field: "timestamp", Reason: "is missing", TradeID: t.ID}
	}
	return nil
}
