package aggregator

import (
	"sort"

	"footprint/internal/domain/entity/footprint"

	"github.com/shopspring/decimal"
)

// cvdCache keeps the last computed series. Only points from the earliest
// bucket touched since then are recomputed; the prefix is reused as is.
type cvdCache struct {
	points []footprint.CvdPoint
	dirty  bool
	from   footprint.TimeBucket
}

// invalidate is called under the aggregator write lock.
func (c *cvdCache) invalidate(tb footprint.TimeBucket) {
	if !c.dirty || tb < c.from {
		c.dirty = true
		c.from = tb
	}
}

// seriesLocked requires at least the aggregator read lock. cvdMu serializes
// concurrent readers refreshing the cache.
func (a *Aggregator) seriesLocked() []footprint.CvdPoint {
	a.cvdMu.Lock()
	defer a.cvdMu.Unlock()

	if a.cvd.dirty {
		keep := sort.Search(len(a.buckets), func(i int) bool { return a.buckets[i] >= a.cvd.from })
		points := a.cvd.points[:keep]
		total := decimal.Zero
		if keep > 0 {
			total = points[keep-1].Cumulative
		}
		for _, tb := range a.buckets[keep:] {
			delta := a.flows[tb].delta()
			total = total.Add(delta)
			points = append(points, footprint.CvdPoint{Time: tb.Time(), Delta: delta, Cumulative: total})
		}
		a.cvd.points = points
		a.cvd.dirty = false
	}

	out := make([]footprint.CvdPoint, len(a.cvd.points))
	copy(out, a.cvd.points)
	return out
}

// ComputeCVD recomputes the series from scratch: cell deltas summed per time
// bucket, buckets ascending, running total.
func ComputeCVD(cells map[footprint.Key]footprint.Cell) []footprint.CvdPoint {
	deltas := make(map[footprint.TimeBucket]decimal.Decimal)
	for key, cell := range cells {
		deltas[key.Time] = deltas[key.Time].Add(cell.Delta())
	}

	buckets := make([]footprint.TimeBucket, 0, len(deltas))
	for tb := range deltas {
		buckets = append(buckets, tb)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	points := make([]footprint.CvdPoint, 0, len(buckets))
	total := decimal.Zero
	for _, tb := range buckets {
		total = total.Add(deltas[tb])
		points = append(points, footprint.CvdPoint{Time: tb.Time(), Delta: deltas[tb], Cumulative: total})
	}
	return points
}
