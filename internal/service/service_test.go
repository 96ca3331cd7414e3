package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/pricing"
	"lanzo/backend/internal/stats"
	"lanzo/backend/internal/store"
	"lanzo/backend/internal/store/memory"
	"lanzo/backend/internal/valuation"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newTestService(repo *memory.Store) *Service {
	tracker := valuation.NewTracker(repo, nil)
	aggregator := stats.NewAggregator(repo, tracker, stats.WithLocation(time.UTC))
	svc := New(repo, pricing.NewEngine(0), tracker, aggregator, nil)
	clock := time.Date(2024, 7, 1, 15, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return svc
}

func mustCreate(t *testing.T, svc *Service, req domain.ProductCreateRequest) domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(context.Background(), req)
	if err != nil {
		t.Fatalf("create product %s failed: %v", req.ID, err)
	}
	return product
}

func mustValue(t *testing.T, svc *Service) int64 {
	t.Helper()
	value, err := svc.InventoryValue(context.Background())
	if err != nil {
		t.Fatalf("inventory value failed: %v", err)
	}
	return value
}

func plainProduct() domain.ProductCreateRequest {
	return domain.ProductCreateRequest{ID: "P", Name: "Producto P", TrackStock: true, InitialStock: dec("20"), CostCents: 5, PriceCents: 10}
}

func TestSaleMovesValueAndStatsTogether(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	svc := newTestService(repo)
	mustCreate(t, svc, plainProduct())

	if got := mustValue(t, svc); got != 100 {
		t.Fatalf("expected opening value 100, got %d", got)
	}

	sale, err := svc.CompleteSale(ctx, domain.SaleRequest{Items: []domain.SaleLineRequest{{ProductID: "P", Quantity: dec("3")}}})
	if err != nil {
		t.Fatalf("complete sale failed: %v", err)
	}
	if sale.TotalCents != 30 || sale.Items[0].CostCents != 5 {
		t.Fatalf("unexpected sale %+v", sale)
	}

	if got := mustValue(t, svc); got != 85 {
		t.Fatalf("expected value 85 after sale, got %d", got)
	}

	bucket, err := repo.GetDailyStat(ctx, "2024-07-01")
	if err != nil {
		t.Fatalf("load bucket failed: %v", err)
	}
	if bucket.RevenueCents != 30 || bucket.ProfitCents != 15 || bucket.Orders != 1 || !bucket.ItemsSold.Equal(dec("3")) {
		t.Fatalf("unexpected bucket %+v", bucket)
	}

	recalculated, err := svc.Recalculate(ctx)
	if err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}
	if recalculated != 85 {
		t.Fatalf("expected recalculated value 85, got %d", recalculated)
	}

	totals, err := svc.LoadTotals(ctx, false)
	if err != nil {
		t.Fatalf("load totals failed: %v", err)
	}
	if totals.RevenueCents != 30 || totals.ProfitCents != 15 || totals.InventoryValueCents != 85 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestSaleRefusesOversellWithoutWriting(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	svc := newTestService(repo)
	mustCreate(t, svc, plainProduct())

	cases := map[string][]domain.SaleLineRequest{
		"single line": {{ProductID: "P", Quantity: dec("21")}},
		"split lines": {{ProductID: "P", Quantity: dec("15")}, {ProductID: "P", Quantity: dec("6")}},
	}
	for name, items := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CompleteSale(ctx, domain.SaleRequest{Items: items})
			if !errors.Is(err, store.ErrInsufficientStock) {
				t.Fatalf("expected insufficient stock, got %v", err)
			}
		})
	}

	product, err := svc.GetProduct(ctx, "P")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec("20")) {
		t.Fatalf("expected stock 20, got %s", product.Stock)
	}
	if got := mustValue(t, svc); got != 100 {
		t.Fatalf("expected value 100, got %d", got)
	}
	if count, _ := repo.CountSales(ctx); count != 0 {
		t.Fatalf("expected no sales, got %d", count)
	}
}

func TestSaleValidation(t *testing.T) {
	svc := newTestService(memory.New())
	mustCreate(t, svc, plainProduct())

	cases := map[string]domain.SaleRequest{
		"no items":      {},
		"zero quantity": {Items: []domain.SaleLineRequest{{ProductID: "P", Quantity: dec("0")}}},
		"bad status":    {Items: []domain.SaleLineRequest{{ProductID: "P", Quantity: dec("1")}}, Status: domain.SaleStatusCancelled},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CompleteSale(context.Background(), req)
			if !errors.Is(err, store.ErrInvalidTransaction) {
				t.Fatalf("expected invalid transaction, got %v", err)
			}
		})
	}
}

func seedLots(t *testing.T, svc *Service) domain.Batch {
	t.Helper()
	mustCreate(t, svc, domain.ProductCreateRequest{
		ID:              "queso",
		Name:            "Queso",
		InitialStock:    dec("2"),
		CostCents:       9000,
		PriceCents:      13000,
		BatchManagement: domain.BatchManagement{Enabled: true, SelectionStrategy: domain.StrategyFEFO},
	})
	expiry := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	lot, err := svc.ReceiveBatch(context.Background(), domain.BatchReceiveRequest{
		ProductID:  "queso",
		SKU:        "QSO-2",
		Stock:      dec("3"),
		CostCents:  10000,
		PriceCents: 14000,
		ExpiryDate: &expiry,
	})
	if err != nil {
		t.Fatalf("receive batch failed: %v", err)
	}
	return lot
}

func TestBatchedSaleAndCancellation(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	svc := newTestService(repo)
	seedLots(t, svc)

	if got := mustValue(t, svc); got != 48000 {
		t.Fatalf("expected value 48000, got %d", got)
	}

	sale, err := svc.CompleteSale(ctx, domain.SaleRequest{Items: []domain.SaleLineRequest{{ProductID: "queso", Quantity: dec("3")}}})
	if err != nil {
		t.Fatalf("complete sale failed: %v", err)
	}
	item := sale.Items[0]
	if item.PriceCents != 13333 || sale.TotalCents != 39999 || item.CostCents != 9333 {
		t.Fatalf("unexpected sale item %+v total %d", item, sale.TotalCents)
	}
	if len(item.BatchesUsed) != 2 {
		t.Fatalf("expected two lots used, got %+v", item.BatchesUsed)
	}
	if got := mustValue(t, svc); got != 20000 {
		t.Fatalf("expected value 20000 after sale, got %d", got)
	}
	active, err := svc.ListBatches(ctx, "queso", false)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active lot, got %d (%v)", len(active), err)
	}

	cancelled, err := svc.CancelSale(ctx, sale.Timestamp)
	if err != nil {
		t.Fatalf("cancel sale failed: %v", err)
	}
	if !cancelled.Cancelled() {
		t.Fatalf("expected cancelled status, got %s", cancelled.FulfillmentStatus)
	}
	if got := mustValue(t, svc); got != 48000 {
		t.Fatalf("expected value 48000 after cancel, got %d", got)
	}
	product, _ := svc.GetProduct(ctx, "queso")
	if !product.Stock.Equal(dec("5")) {
		t.Fatalf("expected stock 5, got %s", product.Stock)
	}
	bucket, err := repo.GetDailyStat(ctx, "2024-07-01")
	if err != nil {
		t.Fatalf("load bucket failed: %v", err)
	}
	if bucket.Orders != 0 || bucket.RevenueCents != 0 || bucket.ProfitCents != 0 {
		t.Fatalf("expected empty bucket, got %+v", bucket)
	}

	if _, err := svc.CancelSale(ctx, sale.Timestamp); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected second cancel to be rejected, got %v", err)
	}
}

func TestSaleOfSelectedLot(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(memory.New())
	lot := seedLots(t, svc)

	sale, err := svc.CompleteSale(ctx, domain.SaleRequest{Items: []domain.SaleLineRequest{{ProductID: "queso", BatchID: lot.ID, Quantity: dec("1")}}})
	if err != nil {
		t.Fatalf("complete sale failed: %v", err)
	}
	item := sale.Items[0]
	if item.ID != lot.ID || item.ParentID != "queso" || item.ProductID() != "queso" {
		t.Fatalf("unexpected item identity %+v", item)
	}
	if item.PriceCents != 14000 || item.CostCents != 10000 {
		t.Fatalf("unexpected item price/cost %+v", item)
	}

	_, err = svc.CompleteSale(ctx, domain.SaleRequest{Items: []domain.SaleLineRequest{{ProductID: "queso", BatchID: lot.ID, Quantity: dec("2.5")}}})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock on the lot, got %v", err)
	}
}

func TestRecipeSaleTakesIngredients(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewSeeded()
	svc := newTestService(repo)
	before := mustValue(t, svc)

	sale, err := svc.CompleteSale(ctx, domain.SaleRequest{Items: []domain.SaleLineRequest{{ProductID: "prod-quesadilla", Quantity: dec("2")}}})
	if err != nil {
		t.Fatalf("complete sale failed: %v", err)
	}
	if sale.TotalCents != 7000 || sale.Items[0].CostCents != 630 {
		t.Fatalf("unexpected sale %+v", sale)
	}
	if got := mustValue(t, svc); got != before-1260 {
		t.Fatalf("expected value %d, got %d", before-1260, got)
	}
	tortilla, _ := svc.GetProduct(ctx, "prod-tortilla")
	queso, _ := svc.GetProduct(ctx, "prod-queso")
	if !tortilla.Stock.Equal(dec("29.8")) || !queso.Stock.Equal(dec("7.9")) {
		t.Fatalf("unexpected ingredient stock tortilla=%s queso=%s", tortilla.Stock, queso.Stock)
	}

	if _, err := svc.CancelSale(ctx, sale.Timestamp); err != nil {
		t.Fatalf("cancel sale failed: %v", err)
	}
	if got := mustValue(t, svc); got != before {
		t.Fatalf("expected value %d after cancel, got %d", before, got)
	}
}

func TestCorrectStockAdjustsValue(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(memory.New())
	mustCreate(t, svc, plainProduct())

	product, err := svc.CorrectStock(ctx, "P", domain.StockCorrectionRequest{Stock: dec("25"), Reason: "conteo"})
	if err != nil {
		t.Fatalf("correct stock failed: %v", err)
	}
	if !product.Stock.Equal(dec("25")) {
		t.Fatalf("expected stock 25, got %s", product.Stock)
	}
	if got := mustValue(t, svc); got != 125 {
		t.Fatalf("expected value 125, got %d", got)
	}
}

func TestUpdateProductCostRevaluesAndPurgesPrices(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(memory.New())
	mustCreate(t, svc, plainProduct())

	if _, err := svc.Quote(ctx, "P", dec("2"), ""); err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	if svc.engine.Len() != 1 {
		t.Fatalf("expected one cached price, got %d", svc.engine.Len())
	}

	cost := int64(7)
	if _, err := svc.UpdateProduct(ctx, "P", domain.ProductUpdateRequest{CostCents: &cost}); err != nil {
		t.Fatalf("update product failed: %v", err)
	}
	if svc.engine.Len() != 0 {
		t.Fatalf("expected purged price cache, got %d entries", svc.engine.Len())
	}
	if got := mustValue(t, svc); got != 140 {
		t.Fatalf("expected value 140, got %d", got)
	}

	enabled := true
	if _, err := svc.UpdateProduct(ctx, "P", domain.ProductUpdateRequest{BatchEnabled: &enabled}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected batch switch with stock to be rejected, got %v", err)
	}
}

func TestCreateProductValidation(t *testing.T) {
	svc := newTestService(memory.New())

	cases := map[string]domain.ProductCreateRequest{
		"missing name":       {ID: "x", PriceCents: 10},
		"zero price":         {ID: "x", Name: "X"},
		"negative stock":     {ID: "x", Name: "X", PriceCents: 10, InitialStock: dec("-1")},
		"bad strategy":       {ID: "x", Name: "X", PriceCents: 10, BatchManagement: domain.BatchManagement{SelectionStrategy: "lifo"}},
		"bad tier":           {ID: "x", Name: "X", PriceCents: 10, WholesaleTiers: []domain.WholesaleTier{{Min: dec("0"), PriceCents: 5}}},
		"unknown ingredient": {ID: "x", Name: "X", PriceCents: 10, Recipe: []domain.RecipeLine{{IngredientID: "ghost", Quantity: dec("1")}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateProduct(context.Background(), req)
			if !errors.Is(err, store.ErrInvalidTransaction) {
				t.Fatalf("expected invalid transaction, got %v", err)
			}
		})
	}
}

func TestCreateBatchedProductOpensLot(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(memory.New())
	seedLots(t, svc)

	lots, err := svc.ListBatches(ctx, "queso", true)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	if len(lots) != 2 {
		t.Fatalf("expected opening lot plus received lot, got %d", len(lots))
	}
	product, _ := svc.GetProduct(ctx, "queso")
	if !product.Stock.Equal(dec("5")) {
		t.Fatalf("expected stock 5, got %s", product.Stock)
	}
}

func TestRecordWasteThroughService(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(memory.New())
	mustCreate(t, svc, plainProduct())

	record, err := svc.RecordWaste(ctx, domain.WasteRequest{ProductID: "P", Quantity: dec("4")})
	if err != nil {
		t.Fatalf("record waste failed: %v", err)
	}
	if record.LossAmountCents != 20 {
		t.Fatalf("expected loss 20, got %d", record.LossAmountCents)
	}
	if got := mustValue(t, svc); got != 80 {
		t.Fatalf("expected value 80, got %d", got)
	}
	records, err := svc.ListWaste(ctx, time.Time{}, time.Time{})
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one waste record, got %d (%v)", len(records), err)
	}
}

func TestSaleRejectsReusedTimestampWithoutWriting(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	svc := newTestService(repo)
	mustCreate(t, svc, plainProduct())

	at := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	req := domain.SaleRequest{Timestamp: &at, Items: []domain.SaleLineRequest{{ProductID: "P", Quantity: dec("3")}}}
	if _, err := svc.CompleteSale(ctx, req); err != nil {
		t.Fatalf("first sale failed: %v", err)
	}

	_, err := svc.CompleteSale(ctx, req)
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid transaction for reused timestamp, got %v", err)
	}

	product, _ := svc.GetProduct(ctx, "P")
	if !product.Stock.Equal(dec("17")) {
		t.Fatalf("expected stock 17, got %s", product.Stock)
	}
	if got := mustValue(t, svc); got != 85 {
		t.Fatalf("expected value 85, got %d", got)
	}
	if count, _ := repo.CountSales(ctx); count != 1 {
		t.Fatalf("expected one sale, got %d", count)
	}
	bucket, err := repo.GetDailyStat(ctx, "2024-07-01")
	if err != nil {
		t.Fatalf("load bucket failed: %v", err)
	}
	if bucket.Orders != 1 || bucket.RevenueCents != 30 {
		t.Fatalf("unexpected bucket %+v", bucket)
	}
}

type totalsCache struct {
	entries map[string]domain.Totals
}

func (c *totalsCache) Get(_ context.Context, key string) (*domain.Totals, bool, error) {
	v, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (c *totalsCache) Set(_ context.Context, key string, value *domain.Totals, _ time.Duration) error {
	c.entries[key] = *value
	return nil
}

func (c *totalsCache) Delete(_ context.Context, key string) error {
	delete(c.entries, key)
	return nil
}

func TestCachedTotalsFollowWaste(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	tracker := valuation.NewTracker(repo, nil)
	cache := &totalsCache{entries: make(map[string]domain.Totals)}
	aggregator := stats.NewAggregator(repo, tracker, stats.WithLocation(time.UTC), stats.WithCache(cache, time.Minute))
	svc := New(repo, pricing.NewEngine(0), tracker, aggregator, nil)
	mustCreate(t, svc, plainProduct())

	totals, err := svc.LoadTotals(ctx, false)
	if err != nil {
		t.Fatalf("load totals failed: %v", err)
	}
	if totals.InventoryValueCents != 100 {
		t.Fatalf("expected value 100, got %d", totals.InventoryValueCents)
	}
	if _, ok := cache.entries[stats.TotalsKey]; !ok {
		t.Fatal("expected totals to be cached")
	}

	if _, err := svc.RecordWaste(ctx, domain.WasteRequest{ProductID: "P", Quantity: dec("4")}); err != nil {
		t.Fatalf("record waste failed: %v", err)
	}

	totals, err = svc.LoadTotals(ctx, false)
	if err != nil {
		t.Fatalf("load totals failed: %v", err)
	}
	if totals.InventoryValueCents != 80 {
		t.Fatalf("expected value 80 after waste, got %d", totals.InventoryValueCents)
	}
}
