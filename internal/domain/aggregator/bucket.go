package aggregator

import (
	"time"

	"footprint/internal/domain/entity/footprint"

	"github.com/shopspring/decimal"
)

// TimeBucketOf floors an instant onto the Unix epoch grid of the given width.
func TimeBucketOf(at time.Time, width time.Duration) (footprint.TimeBucket, error) {
	if err := validateTimeWidth(width); err != nil {
		return 0, err
	}
	return timeBucket(at.UnixMilli(), width.Milliseconds()), nil
}

// PriceBucketOf returns the bucket index floor(price / width).
func PriceBucketOf(price, width decimal.Decimal) (footprint.PriceBucket, error) {
	if err := validatePriceWidth(width); err != nil {
		return 0, err
	}
	return priceBucket(price, width), nil
}

func timeBucket(millis, widthMillis int64) footprint.TimeBucket {
	q := millis / widthMillis
	if millis%widthMillis != 0 && millis < 0 {
		q--
	}
	return footprint.TimeBucket(q * widthMillis)
}

func priceBucket(price, width decimal.Decimal) footprint.PriceBucket {
	q, r := price.QuoRem(width, 0)
	idx := q.IntPart()
	if r.IsNegative() {
		idx--
	}
	return footprint.PriceBucket(idx)
}
