package stats

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"lanzo/backend/internal/domain"
)

// DateKey is the bucket a moment falls in, by calendar day in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(domain.DateLayout)
}

// ApplySale adds one sale to bucket, or removes it when sign is -1. Item
// cost falls back to costs when the item carries none. Incremental recording
// and full replay both go through here.
func ApplySale(bucket *domain.DailyStat, sale domain.Sale, costs map[string]int64, sign int64) {
	bucket.RevenueCents += sign * sale.TotalCents
	bucket.Orders += sign
	for _, item := range sale.Items {
		cost := item.CostCents
		if cost <= 0 {
			cost = costs[item.ProductID()]
		}
		profit := decimal.NewFromInt(item.PriceCents - cost).Mul(item.Quantity).Round(0).IntPart()
		bucket.ProfitCents += sign * profit
		if sign < 0 {
			bucket.ItemsSold = bucket.ItemsSold.Sub(item.Quantity)
		} else {
			bucket.ItemsSold = bucket.ItemsSold.Add(item.Quantity)
		}
	}
}

// Replayer folds sales into day buckets in memory.
type Replayer struct {
	costs   map[string]int64
	loc     *time.Location
	buckets map[string]*domain.DailyStat
}

func NewReplayer(costs map[string]int64, loc *time.Location) *Replayer {
	if loc == nil {
		loc = time.Local
	}
	return &Replayer{costs: costs, loc: loc, buckets: make(map[string]*domain.DailyStat)}
}

// Add folds sale in; cancelled sales are skipped.
func (r *Replayer) Add(sale domain.Sale) {
	if sale.Cancelled() {
		return
	}
	key := DateKey(sale.Timestamp, r.loc)
	bucket, ok := r.buckets[key]
	if !ok {
		bucket = &domain.DailyStat{Date: key}
		r.buckets[key] = bucket
	}
	ApplySale(bucket, sale, r.costs, 1)
}

// Buckets returns the folded buckets keyed by date.
func (r *Replayer) Buckets() map[string]domain.DailyStat {
	out := make(map[string]domain.DailyStat, len(r.buckets))
	for key, b := range r.buckets {
		out[key] = *b
	}
	return out
}

// Replay is the pure form of a rebuild: sales in, buckets out.
func Replay(sales []domain.Sale, costs map[string]int64, loc *time.Location) map[string]domain.DailyStat {
	r := NewReplayer(costs, loc)
	for _, sale := range sales {
		r.Add(sale)
	}
	return r.Buckets()
}

// Ordered lists buckets by date.
func Ordered(buckets map[string]domain.DailyStat) []domain.DailyStat {
	out := slices.Collect(maps.Values(buckets))
	slices.SortFunc(out, func(a, b domain.DailyStat) int {
		return strings.Compare(a.Date, b.Date)
	})
	return out
}

// Sum collapses buckets into lifetime totals.
func Sum(buckets []domain.DailyStat) domain.Totals {
	totals := domain.Totals{ItemsSold: decimal.Zero}
	for _, b := range buckets {
		totals.RevenueCents += b.RevenueCents
		totals.ProfitCents += b.ProfitCents
		totals.Orders += b.Orders
		totals.ItemsSold = totals.ItemsSold.Add(b.ItemsSold)
	}
	return totals
}
