package footprint

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is the OHLC summary of one time bucket. Open and Close follow execution
// time, not arrival order: OpenAt/CloseAt record the trades that set them.
type Bar struct {
	Time    time.Time       `json:"time"`
	Open    decimal.Decimal `json:"open"`
	High    decimal.Decimal `json:"high"`
	Low     decimal.Decimal `json:"low"`
	Close   decimal.Decimal `json:"close"`
	OpenAt  time.Time       `json:"open_at"`
	CloseAt time.Time       `json:"close_at"`
	Trades  int             `json:"trades"`

	openID  string
	closeID string
}

// NewBar opens a bar from its first absorbed trade.
func NewBar(start time.Time, price decimal.Decimal, at time.Time, tradeID string) Bar {
	return Bar{
		Time:    start,
		Open:    price,
		High:    price,
		Low:     price,
		Close:   price,
		OpenAt:  at,
		CloseAt: at,
		Trades:  1,
		openID:  tradeID,
		closeID: tradeID,
	}
}

// Apply folds one more trade into the bar. Ties on execution time are broken by
// trade id so the result does not depend on arrival order.
func (b *Bar) Apply(price decimal.Decimal, at time.Time, tradeID string) {
	b.Trades++
	if price.GreaterThan(b.High) {
		b.High = price
	}
	if price.LessThan(b.Low) {
		b.Low = price
	}
	if at.Before(b.OpenAt) || (at.Equal(b.OpenAt) && tradeID < b.openID) {
		b.Open = price
		b.OpenAt = at
		b.openID = tradeID
	}
	if at.After(b.CloseAt) || (at.Equal(b.CloseAt) && tradeID > b.closeID) {
		b.Close = price
		b.CloseAt = at
		b.closeID = tradeID
	}
}
