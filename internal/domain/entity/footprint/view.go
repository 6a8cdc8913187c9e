package footprint

import (
	"time"

	"github.com/shopspring/decimal"
)

// CvdPoint is the cumulative volume delta at the end of one time bucket.
type CvdPoint struct {
	Time       time.Time       `json:"time"`
	Delta      decimal.Decimal `json:"delta"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// Stats summarizes what an aggregate has absorbed so far.
type Stats struct {
	Absorbed   int `json:"absorbed"`
	Duplicates int `json:"duplicates"`
	Expired    int `json:"expired"`
	Rejected   int `json:"rejected"`
	Cells      int `json:"cells"`
	Buckets    int `json:"buckets"`
	TrackedIDs int `json:"tracked_ids"`
}

// View is a consistent, read-only export of one symbol's aggregate: cells and
// bars ordered by time then price, and the CVD series ordered by time.
type View struct {
	Symbol           string          `json:"symbol"`
	TimeBucketWidth  time.Duration   `json:"time_bucket_width"`
	PriceBucketWidth decimal.Decimal `json:"price_bucket_width"`
	GeneratedAt      time.Time       `json:"generated_at"`
	Watermark        time.Time       `json:"watermark"`
	Cells            []Cell          `json:"cells"`
	Bars             []Bar           `json:"bars"`
	CVD              []CvdPoint      `json:"cvd"`
	Stats            Stats           `json:"stats"`
}
