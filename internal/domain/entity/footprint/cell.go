package footprint

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TimeBucket identifies a fixed-width time interval by its floor-aligned start,
// in Unix milliseconds.
type TimeBucket int64

// Time returns the bucket start instant in UTC.
func (b TimeBucket) Time() time.Time {
	return time.UnixMilli(int64(b)).UTC()
}

// PriceBucket identifies a fixed-width price interval by its index,
// floor(price / width). The lower bound of the interval is index * width.
type PriceBucket int64

// Level returns the lower bound price of the bucket for the given width.
func (b PriceBucket) Level(width decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(b)).Mul(width)
}

// Key addresses one footprint cell.
type Key struct {
	Time  TimeBucket
	Price PriceBucket
}

// Cell holds the accumulated aggressor volume for one (time, price) bucket.
// The delta is always derived from the two volumes.
type Cell struct {
	Time       time.Time       `json:"time"`
	Price      decimal.Decimal `json:"price"`
	BuyVolume  decimal.Decimal `json:"buy_volume"`
	SellVolume decimal.Decimal `json:"sell_volume"`
	Trades     int             `json:"trades"`
}

// Delta is buy volume minus sell volume.
func (c Cell) Delta() decimal.Decimal {
	return c.BuyVolume.Sub(c.SellVolume)
}

// Volume is the total traded size in the cell.
func (c Cell) Volume() decimal.Decimal {
	return c.BuyVolume.Add(c.SellVolume)
}

func (c Cell) MarshalJSON() ([]byte, error) {
	type plain Cell
	return json.Marshal(struct {
		plain
		VolumeDelta decimal.Decimal `json:"volume_delta"`
	}{plain: plain(c), VolumeDelta: c.Delta()})
}
