package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/store"
	"lanzo/backend/internal/xid"
)

type Store struct {
	mu         sync.RWMutex
	products   map[string]domain.Product
	batches    map[string]domain.Batch
	sales      map[int64]domain.Sale
	dailyStats map[string]domain.DailyStat
	summary    *domain.InventorySummary
	wasteLog   []domain.WasteRecord
}

func New() *Store {
	return &Store{
		products:   make(map[string]domain.Product),
		batches:    make(map[string]domain.Batch),
		sales:      make(map[int64]domain.Sale),
		dailyStats: make(map[string]domain.DailyStat),
		wasteLog:   make([]domain.WasteRecord, 0, 64),
	}
}

// NewSeeded returns a store with a small demo catalog for dev mode.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prod-refresco", Name: "Refresco 600ml", TrackStock: true, Stock: decimal.NewFromInt(48), CostCents: 1200, PriceCents: 1800, Active: true,
			WholesaleTiers: []domain.WholesaleTier{{Min: decimal.NewFromInt(12), PriceCents: 1500}}},
		{ID: "prod-queso", Name: "Queso Oaxaca kg", TrackStock: true, CostCents: 9000, PriceCents: 13000, Active: true,
			BatchManagement: domain.BatchManagement{Enabled: true, SelectionStrategy: domain.StrategyFEFO}},
		{ID: "prod-tortilla", Name: "Tortilla kg", TrackStock: true, Stock: decimal.NewFromInt(30), CostCents: 1800, PriceCents: 2400, Active: true},
		{ID: "prod-quesadilla", Name: "Quesadilla", PriceCents: 3500, Active: true,
			Recipe: []domain.RecipeLine{
				{IngredientID: "prod-tortilla", Quantity: decimal.RequireFromString("0.1"), Unit: "kg"},
				{IngredientID: "prod-queso", Quantity: decimal.RequireFromString("0.05"), Unit: "kg"},
			}},
	}
	for _, p := range products {
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}

	expiry := now.AddDate(0, 0, 10)
	lot := domain.Batch{
		ID:         "batch-queso-1",
		ProductID:  "prod-queso",
		SKU:        "QSO-001",
		Stock:      decimal.NewFromInt(8),
		CostCents:  9000,
		PriceCents: 13000,
		CreatedAt:  now,
		ExpiryDate: &expiry,
		IsActive:   true,
	}
	s.batches[lot.ID] = lot
	queso := s.products["prod-queso"]
	queso.Stock = lot.Stock
	s.products[queso.ID] = queso
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, cloneProduct(p))
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return strings.Compare(a.ID, b.ID)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	dup := cloneProduct(product)
	return &dup, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.PriceCents < 0 || product.CostCents < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.products[product.ID] = cloneProduct(product)
	created := cloneProduct(product)
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; !exists {
		return nil, store.ErrNotFound
	}
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = cloneProduct(product)
	updated := cloneProduct(product)
	return &updated, nil
}

func (s *Store) ScanProducts(ctx context.Context, fn func(domain.Product) error) error {
	products, err := s.ListProducts(ctx)
	if err != nil {
		return err
	}
	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateBatch(_ context.Context, batch domain.Batch) (*domain.Batch, error) {
	if batch.ProductID == "" || batch.Stock.IsNegative() || batch.CostCents < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[batch.ProductID]; !exists {
		return nil, store.ErrNotFound
	}
	if _, exists := s.batches[batch.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.batches[batch.ID] = cloneBatch(batch)
	created := cloneBatch(batch)
	return &created, nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, exists := s.batches[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	dup := cloneBatch(batch)
	return &dup, nil
}

func (s *Store) UpdateBatch(_ context.Context, batch domain.Batch) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.ID]; !exists {
		return nil, store.ErrNotFound
	}
	s.batches[batch.ID] = cloneBatch(batch)
	updated := cloneBatch(batch)
	return &updated, nil
}

func (s *Store) PutBatches(_ context.Context, batches []domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range batches {
		if b.ID == "" || b.ProductID == "" {
			return store.ErrInvalidTransaction
		}
	}
	for _, b := range batches {
		s.batches[b.ID] = cloneBatch(b)
	}
	return nil
}

func (s *Store) ListBatchesByProduct(_ context.Context, productID string) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Batch, 0, 8)
	for _, b := range s.batches {
		if b.ProductID == productID {
			result = append(result, cloneBatch(b))
		}
	}
	domain.OrderBatches(result, domain.StrategyFIFO)
	return result, nil
}

func (s *Store) ScanBatches(ctx context.Context, fn func(domain.Batch) error) error {
	s.mu.RLock()
	batches := make([]domain.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		batches = append(batches, cloneBatch(b))
	}
	s.mu.RUnlock()

	domain.OrderBatches(batches, domain.StrategyFIFO)
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.Timestamp.IsZero() || len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if sale.FulfillmentStatus == "" {
		sale.FulfillmentStatus = domain.SaleStatusCompleted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sale.Timestamp.UnixNano()
	if _, exists := s.sales[key]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.sales[key] = cloneSale(sale)
	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) GetSale(_ context.Context, timestamp time.Time) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.sales[timestamp.UnixNano()]
	if !exists {
		return nil, store.ErrNotFound
	}
	dup := cloneSale(sale)
	return &dup, nil
}

func (s *Store) UpdateSaleStatus(_ context.Context, timestamp time.Time, status string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := timestamp.UnixNano()
	sale, exists := s.sales[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	sale.FulfillmentStatus = status
	s.sales[key] = sale
	updated := cloneSale(sale)
	return &updated, nil
}

func (s *Store) CountSales(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sales), nil
}

func (s *Store) ScanSales(ctx context.Context, fn func(domain.Sale) error) error {
	s.mu.RLock()
	keys := slices.Sorted(maps.Keys(s.sales))
	sales := make([]domain.Sale, 0, len(keys))
	for _, k := range keys {
		sales = append(sales, cloneSale(s.sales[k]))
	}
	s.mu.RUnlock()

	for _, sale := range sales {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(sale); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListDailyStats(_ context.Context) ([]domain.DailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]domain.DailyStat, 0, len(s.dailyStats))
	for _, stat := range s.dailyStats {
		stats = append(stats, stat)
	}
	slices.SortFunc(stats, func(a, b domain.DailyStat) int {
		return strings.Compare(a.Date, b.Date)
	})
	return stats, nil
}

func (s *Store) GetDailyStat(_ context.Context, date string) (*domain.DailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stat, exists := s.dailyStats[date]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &stat, nil
}

func (s *Store) PutDailyStat(_ context.Context, stat domain.DailyStat) error {
	if stat.Date == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyStats[stat.Date] = stat
	return nil
}

func (s *Store) ReplaceDailyStats(_ context.Context, stats []domain.DailyStat) error {
	next := make(map[string]domain.DailyStat, len(stats))
	for _, stat := range stats {
		if stat.Date == "" {
			return store.ErrInvalidTransaction
		}
		next[stat.Date] = stat
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyStats = next
	return nil
}

func (s *Store) GetInventorySummary(_ context.Context) (*domain.InventorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.summary == nil {
		return nil, store.ErrNotFound
	}
	dup := *s.summary
	return &dup, nil
}

func (s *Store) PutInventorySummary(_ context.Context, summary domain.InventorySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summary = &summary
	return nil
}

func (s *Store) AdjustInventorySummary(_ context.Context, delta int64, at time.Time) (*domain.InventorySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.summary == nil {
		return nil, store.ErrNotFound
	}
	next := domain.InventorySummary{
		ValueCents: max(s.summary.ValueCents+delta, 0),
		UpdatedAt:  at,
	}
	s.summary = &next
	dup := next
	return &dup, nil
}

func (s *Store) CreateWasteRecord(_ context.Context, record domain.WasteRecord) (*domain.WasteRecord, error) {
	if record.ProductID == "" || !record.Quantity.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}
	if record.ID == "" {
		record.ID = xid.New("waste")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.wasteLog = append(s.wasteLog, record)
	created := record
	return &created, nil
}

func (s *Store) ListWasteRecords(_ context.Context, from time.Time, to time.Time) ([]domain.WasteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.WasteRecord, 0, len(s.wasteLog))
	for _, rec := range s.wasteLog {
		if !from.IsZero() && rec.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !rec.Timestamp.Before(to) {
			continue
		}
		result = append(result, rec)
	}
	slices.SortFunc(result, func(a, b domain.WasteRecord) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return result, nil
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	dup.WholesaleTiers = slices.Clone(src.WholesaleTiers)
	dup.Recipe = slices.Clone(src.Recipe)
	return dup
}

func cloneBatch(src domain.Batch) domain.Batch {
	dup := src
	if src.ExpiryDate != nil {
		expiry := src.ExpiryDate.UTC()
		dup.ExpiryDate = &expiry
	}
	if src.Attributes != nil {
		dup.Attributes = maps.Clone(src.Attributes)
	}
	return dup
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	dup.Items = make([]domain.SaleItem, len(src.Items))
	for i, item := range src.Items {
		item.BatchesUsed = slices.Clone(item.BatchesUsed)
		dup.Items[i] = item
	}
	return dup
}
