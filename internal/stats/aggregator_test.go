package stats

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/store/memory"
	"lanzo/backend/internal/valuation"
)

var mexico = time.FixedZone("CST", -6*60*60)

type row struct {
	Date    string
	Revenue int64
	Profit  int64
	Orders  int64
	Items   string
}

func rows(stats []domain.DailyStat) []row {
	out := make([]row, 0, len(stats))
	for _, s := range stats {
		out = append(out, row{s.Date, s.RevenueCents, s.ProfitCents, s.Orders, s.ItemsSold.String()})
	}
	return out
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]domain.Totals
	sets    int
	deletes int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]domain.Totals)}
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.Totals, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value *domain.Totals, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = *value
	c.sets++
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.deletes++
	return nil
}

type stubValuer struct {
	value int64
	err   error
	costs map[string]int64
}

func (s *stubValuer) Calculate(context.Context, time.Duration) (int64, error) {
	return s.value, s.err
}

func (s *stubValuer) Get(context.Context) (int64, error) {
	return s.value, s.err
}

func (s *stubValuer) Costs(context.Context) (map[string]int64, error) {
	return s.costs, nil
}

func (s *stubValuer) Recompute(context.Context) (valuation.Snapshot, error) {
	return valuation.Snapshot{ValueCents: s.value, Costs: s.costs}, nil
}

func (s *stubValuer) Refresh(_ context.Context, _ valuation.Calculator, _ time.Duration) (int64, error) {
	return s.value, s.err
}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	repo := memory.New()
	for _, p := range []domain.Product{
		{ID: "cafe", Name: "Cafe", CostCents: 30, PriceCents: 50},
		{ID: "pan", Name: "Pan", TrackStock: true, Stock: decimal.NewFromInt(10), CostCents: 8, PriceCents: 20},
	} {
		_, err := repo.CreateProduct(context.Background(), p)
		require.NoError(t, err)
	}
	return repo
}

func sampleSales() []domain.Sale {
	day1 := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	return []domain.Sale{
		{Timestamp: day1, TotalCents: 100, FulfillmentStatus: domain.SaleStatusCompleted, Items: []domain.SaleItem{
			{ID: "cafe", Name: "Cafe", PriceCents: 50, Quantity: decimal.NewFromInt(2), CostCents: 30},
		}},
		{Timestamp: day1.Add(time.Hour), TotalCents: 30, FulfillmentStatus: domain.SaleStatusCompleted, Items: []domain.SaleItem{
			{ID: "pan", Name: "Pan", PriceCents: 20, Quantity: decimal.RequireFromString("1.5")},
		}},
		{Timestamp: day2, TotalCents: 50, FulfillmentStatus: domain.SaleStatusCompleted, Items: []domain.SaleItem{
			{ID: "cafe", Name: "Cafe", PriceCents: 50, Quantity: decimal.NewFromInt(1), CostCents: 30},
		}},
		{Timestamp: day2.Add(time.Hour), TotalCents: 999, FulfillmentStatus: domain.SaleStatusCancelled, Items: []domain.SaleItem{
			{ID: "cafe", Name: "Cafe", PriceCents: 999, Quantity: decimal.NewFromInt(1), CostCents: 30},
		}},
	}
}

var expected = []row{
	{Date: "2024-03-01", Revenue: 130, Profit: 40 + 18, Orders: 2, Items: "3.5"},
	{Date: "2024-03-02", Revenue: 50, Profit: 20, Orders: 1, Items: "1"},
}

func TestApplySaleUsesCostFallback(t *testing.T) {
	bucket := domain.DailyStat{Date: "2024-03-01"}
	sale := sampleSales()[1]

	ApplySale(&bucket, sale, map[string]int64{"pan": 8}, 1)
	assert.Equal(t, row{"2024-03-01", 30, 18, 1, "1.5"}, rows([]domain.DailyStat{bucket})[0])

	ApplySale(&bucket, sale, map[string]int64{"pan": 8}, -1)
	assert.Equal(t, row{"2024-03-01", 0, 0, 0, "0"}, rows([]domain.DailyStat{bucket})[0])
}

func TestReplaySkipsCancelledSales(t *testing.T) {
	buckets := Replay(sampleSales(), map[string]int64{"pan": 8}, time.UTC)
	assert.Equal(t, expected, rows(Ordered(buckets)))
}

func TestDateKeyUsesLocalCalendarDay(t *testing.T) {
	late := time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-01", DateKey(late, mexico))
	assert.Equal(t, "2024-03-02", DateKey(late, time.UTC))

	buckets := Replay([]domain.Sale{
		{Timestamp: late, TotalCents: 10, Items: []domain.SaleItem{{ID: "cafe", PriceCents: 10, Quantity: decimal.NewFromInt(1), CostCents: 5}}},
		{Timestamp: late.Add(4 * time.Hour), TotalCents: 10, Items: []domain.SaleItem{{ID: "cafe", PriceCents: 10, Quantity: decimal.NewFromInt(1), CostCents: 5}}},
	}, nil, mexico)
	assert.Len(t, buckets, 2)
	assert.Contains(t, buckets, "2024-03-01")
	assert.Contains(t, buckets, "2024-03-02")
}

func TestRebuildMatchesIncrementalRecording(t *testing.T) {
	ctx := context.Background()
	repo := newStore(t)
	agg := NewAggregator(repo, valuation.NewTracker(repo, nil), WithLocation(time.UTC))

	for _, sale := range sampleSales() {
		_, err := repo.CreateSale(ctx, sale)
		require.NoError(t, err)
		require.NoError(t, agg.RecordSale(ctx, sale))
	}
	incremental, err := repo.ListDailyStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, expected, rows(incremental))

	// A stale bucket with no backing sales must not survive the rebuild.
	require.NoError(t, repo.PutDailyStat(ctx, domain.DailyStat{Date: "2023-12-31", RevenueCents: 7, Orders: 1}))

	rebuilt, err := agg.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, rows(incremental), rows(rebuilt))

	stored, err := repo.ListDailyStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, rows(incremental), rows(stored))
}

func randomSales(rng *rand.Rand, n int) []domain.Sale {
	items := []domain.SaleItem{
		{ID: "cafe", Name: "Cafe"},
		{ID: "pan", Name: "Pan"},
		{ID: "pan-xl", ParentID: "pan", Name: "Pan XL"},
		{ID: "ghost", Name: "Ghost"},
	}
	quantities := []string{"1", "2", "3", "0.5", "1.25"}

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	sales := make([]domain.Sale, 0, n)
	for i := 0; i < n; i++ {
		at = at.Add(time.Duration(1+rng.Intn(600)) * time.Minute)
		sale := domain.Sale{Timestamp: at, FulfillmentStatus: domain.SaleStatusCompleted}
		if rng.Intn(6) == 0 {
			sale.FulfillmentStatus = domain.SaleStatusCancelled
		}
		for lines := 1 + rng.Intn(3); lines > 0; lines-- {
			item := items[rng.Intn(len(items))]
			item.PriceCents = int64(5 + rng.Intn(60))
			item.Quantity = decimal.RequireFromString(quantities[rng.Intn(len(quantities))])
			if rng.Intn(2) == 0 {
				item.CostCents = int64(1 + rng.Intn(40))
			}
			sale.TotalCents += decimal.NewFromInt(item.PriceCents).Mul(item.Quantity).Round(0).IntPart()
			sale.Items = append(sale.Items, item)
		}
		sales = append(sales, sale)
	}
	return sales
}

func TestRebuildMatchesIncrementalRecordingForRandomSales(t *testing.T) {
	for _, tc := range []struct {
		name string
		seed int64
		n    int
		loc  *time.Location
	}{
		{name: "utc", seed: 1, n: 40, loc: time.UTC},
		{name: "mexico", seed: 7, n: 40, loc: mexico},
		{name: "long mexico", seed: 42, n: 150, loc: mexico},
		{name: "single sale", seed: 3, n: 1, loc: time.UTC},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			repo := newStore(t)
			agg := NewAggregator(repo, valuation.NewTracker(repo, nil), WithLocation(tc.loc))
			sales := randomSales(rand.New(rand.NewSource(tc.seed)), tc.n)

			for _, sale := range sales {
				_, err := repo.CreateSale(ctx, sale)
				require.NoError(t, err)
				require.NoError(t, agg.RecordSale(ctx, sale))
			}
			incremental, err := repo.ListDailyStats(ctx)
			require.NoError(t, err)

			replayed := Ordered(Replay(sales, map[string]int64{"cafe": 30, "pan": 8}, tc.loc))
			assert.Equal(t, rows(replayed), rows(incremental))

			rebuilt, err := agg.Rebuild(ctx)
			require.NoError(t, err)
			assert.Equal(t, rows(incremental), rows(rebuilt))
		})
	}
}

func TestReverseSaleRemovesContribution(t *testing.T) {
	ctx := context.Background()
	repo := newStore(t)
	agg := NewAggregator(repo, valuation.NewTracker(repo, nil), WithLocation(time.UTC))
	sales := sampleSales()

	require.NoError(t, agg.RecordSale(ctx, sales[0]))
	require.NoError(t, agg.RecordSale(ctx, sales[2]))
	require.NoError(t, agg.ReverseSale(ctx, sales[2]))

	bucket, err := repo.GetDailyStat(ctx, "2024-03-02")
	require.NoError(t, err)
	assert.Equal(t, row{"2024-03-02", 0, 0, 0, "0"}, rows([]domain.DailyStat{*bucket})[0])

	// Nothing recorded for that day: reversing is a no-op.
	require.NoError(t, agg.ReverseSale(ctx, domain.Sale{Timestamp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), TotalCents: 5}))
	_, err = repo.GetDailyStat(ctx, "2020-01-01")
	assert.Error(t, err)
}

func TestLoadTotalsRebuildsMissingBuckets(t *testing.T) {
	ctx := context.Background()
	repo := newStore(t)
	tracker := valuation.NewTracker(repo, nil)
	agg := NewAggregator(repo, tracker, WithLocation(time.UTC))
	for _, sale := range sampleSales() {
		_, err := repo.CreateSale(ctx, sale)
		require.NoError(t, err)
	}

	totals, err := agg.LoadTotals(ctx, false)
	require.NoError(t, err)
	assert.True(t, totals.Rebuilt)
	assert.Equal(t, int64(180), totals.RevenueCents)
	assert.Equal(t, int64(78), totals.ProfitCents)
	assert.Equal(t, int64(3), totals.Orders)
	assert.Equal(t, "4.5", totals.ItemsSold.String())
	assert.Equal(t, int64(80), totals.InventoryValueCents)
	assert.Empty(t, totals.InventoryValueError)

	stored, err := repo.ListDailyStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, expected, rows(stored))
}

func TestLoadTotalsWithoutSalesDoesNotRebuild(t *testing.T) {
	repo := newStore(t)
	agg := NewAggregator(repo, valuation.NewTracker(repo, nil))

	totals, err := agg.LoadTotals(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, totals.Rebuilt)
	assert.Equal(t, int64(0), totals.RevenueCents)
	assert.True(t, totals.ItemsSold.IsZero())
}

func TestLoadTotalsReportsValuationFailure(t *testing.T) {
	repo := newStore(t)
	cache := newMapCache()
	valuer := &stubValuer{value: 640, err: valuation.ErrWorkerUnavailable}
	agg := NewAggregator(repo, valuer, WithCache(cache, time.Minute))

	totals, err := agg.LoadTotals(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(640), totals.InventoryValueCents)
	assert.Contains(t, totals.InventoryValueError, "unavailable")
	assert.Equal(t, 0, cache.sets)
}

func TestLoadTotalsServesCachedSumsWithLiveValue(t *testing.T) {
	ctx := context.Background()
	repo := newStore(t)
	cache := newMapCache()
	valuer := &stubValuer{value: 100, costs: map[string]int64{"pan": 8}}
	agg := NewAggregator(repo, valuer, WithCache(cache, time.Minute), WithLocation(time.UTC))

	first, err := agg.LoadTotals(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)
	assert.Equal(t, int64(100), first.InventoryValueCents)

	// A bucket written behind the aggregator's back stays hidden until the
	// cache is invalidated, but value changes show up at once.
	require.NoError(t, repo.PutDailyStat(ctx, domain.DailyStat{Date: "2024-05-05", RevenueCents: 999, ItemsSold: decimal.Zero}))
	valuer.value = 5
	second, err := agg.LoadTotals(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.RevenueCents)
	assert.Equal(t, int64(5), second.InventoryValueCents)
	assert.Equal(t, 1, cache.sets)

	require.NoError(t, agg.RecordSale(ctx, sampleSales()[1]))
	third, err := agg.LoadTotals(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), third.InventoryValueCents)
	assert.Equal(t, int64(999+30), third.RevenueCents)
}

type failingStats struct {
	*memory.Store
}

func (failingStats) ListDailyStats(context.Context) ([]domain.DailyStat, error) {
	return nil, errors.New("connection reset")
}

func TestLoadTotalsFailsWhenBucketsUnreadable(t *testing.T) {
	repo := failingStats{Store: newStore(t)}
	agg := NewAggregator(repo, &stubValuer{value: 1})

	_, err := agg.LoadTotals(context.Background(), false)
	assert.Error(t, err)
}
