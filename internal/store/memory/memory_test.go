package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/store"
)

func TestAdjustInventorySummaryClampsAtZero(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.AdjustInventorySummary(ctx, -10, time.Now())
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutInventorySummary(ctx, domain.InventorySummary{ValueCents: 50}))
	got, err := s.AdjustInventorySummary(ctx, -80, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ValueCents)
}

func TestScanSalesVisitsInTimestampOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	item := domain.SaleItem{ID: "p", PriceCents: 100, Quantity: decimal.NewFromInt(1)}

	for _, offset := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute} {
		_, err := s.CreateSale(ctx, domain.Sale{Timestamp: base.Add(offset), Items: []domain.SaleItem{item}, TotalCents: 100})
		require.NoError(t, err)
	}

	var seen []time.Time
	require.NoError(t, s.ScanSales(ctx, func(sale domain.Sale) error {
		seen = append(seen, sale.Timestamp)
		return nil
	}))
	require.Len(t, seen, 3)
	assert.True(t, seen[0].Before(seen[1]) && seen[1].Before(seen[2]))
}

func TestCreateSaleRejectsDuplicateTimestamp(t *testing.T) {
	ctx := context.Background()
	s := New()
	sale := domain.Sale{
		Timestamp: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
		Items:     []domain.SaleItem{{ID: "p", PriceCents: 100, Quantity: decimal.NewFromInt(1)}},
	}

	_, err := s.CreateSale(ctx, sale)
	require.NoError(t, err)
	_, err = s.CreateSale(ctx, sale)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestReplaceDailyStatsDropsStaleBuckets(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.PutDailyStat(ctx, domain.DailyStat{Date: "2024-01-01", Orders: 4}))

	require.NoError(t, s.ReplaceDailyStats(ctx, []domain.DailyStat{{Date: "2024-01-02", Orders: 1}}))

	stats, err := s.ListDailyStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "2024-01-02", stats[0].Date)
}

func TestReturnedRecordsAreDetachedCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	created, err := s.CreateProduct(ctx, domain.Product{
		ID:             "p-1",
		Name:           "Jabón",
		PriceCents:     900,
		WholesaleTiers: []domain.WholesaleTier{{Min: decimal.NewFromInt(6), PriceCents: 800}},
	})
	require.NoError(t, err)

	created.WholesaleTiers[0].PriceCents = 1
	got, err := s.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), got.WholesaleTiers[0].PriceCents)
}
