package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/inventory"
	"lanzo/backend/internal/pricing"
	"lanzo/backend/internal/stats"
	"lanzo/backend/internal/store"
	"lanzo/backend/internal/valuation"
	"lanzo/backend/internal/waste"
	"lanzo/backend/internal/xid"
)

// Service ties stock movements to the valuation tracker and the daily stats.
type Service struct {
	repo    store.Repository
	engine  *pricing.Engine
	quoter  *pricing.Quoter
	ledger  *inventory.Ledger
	tracker *valuation.Tracker
	stats   *stats.Aggregator
	waste   *waste.Adjuster
	logger  *zap.Logger
	now     func() time.Time

	// guards stock and lot read-modify-write
	stockMu sync.Mutex
}

func New(repo store.Repository, engine *pricing.Engine, tracker *valuation.Tracker, aggregator *stats.Aggregator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ledger := inventory.NewLedger(repo, logger)
	return &Service{
		repo:    repo,
		engine:  engine,
		quoter:  pricing.NewQuoter(engine, repo),
		ledger:  ledger,
		tracker: tracker,
		stats:   aggregator,
		waste:   waste.NewAdjuster(repo, ledger, tracker, logger),
		logger:  logger.Named("service"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	if req.ID == "" {
		req.ID = xid.New("prod")
	}
	if req.Name == "" {
		return domain.Product{}, store.Invalid("name", "required")
	}
	if req.PriceCents < 1 {
		return domain.Product{}, store.Invalid("price_cents", "must be positive")
	}
	if req.CostCents < 0 {
		return domain.Product{}, store.Invalid("cost_cents", "must not be negative")
	}
	if req.InitialStock.IsNegative() {
		return domain.Product{}, store.Invalid("initial_stock", "must not be negative")
	}
	if err := validateTiers(req.WholesaleTiers); err != nil {
		return domain.Product{}, err
	}
	strategy, err := normalizeStrategy(req.BatchManagement.SelectionStrategy)
	if err != nil {
		return domain.Product{}, err
	}
	if len(req.Recipe) > 0 {
		if req.BatchManagement.Enabled {
			return domain.Product{}, store.Invalid("recipe", "composite products cannot hold lots")
		}
		if err := s.validateRecipe(ctx, req.ID, req.Recipe); err != nil {
			return domain.Product{}, err
		}
		req.TrackStock = false
	}

	now := s.now()
	product := domain.Product{
		ID:              req.ID,
		Name:            req.Name,
		TrackStock:      req.TrackStock || req.BatchManagement.Enabled,
		Stock:           decimal.Zero,
		CostCents:       req.CostCents,
		PriceCents:      req.PriceCents,
		BatchManagement: domain.BatchManagement{Enabled: req.BatchManagement.Enabled, SelectionStrategy: strategy},
		WholesaleTiers:  req.WholesaleTiers,
		Recipe:          req.Recipe,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if product.TrackStock && !product.UsesBatches() {
		product.Stock = req.InitialStock
	}

	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	var added int64
	switch {
	case created.UsesBatches() && req.InitialStock.IsPositive():
		opening, err := s.ledger.ReceiveBatch(ctx, domain.BatchReceiveRequest{
			ProductID:  created.ID,
			SKU:        created.ID + "-inicial",
			Stock:      req.InitialStock,
			CostCents:  created.CostCents,
			PriceCents: created.PriceCents,
		})
		if err != nil {
			return domain.Product{}, fmt.Errorf("create opening lot: %w", err)
		}
		added = costOf(opening.Stock, opening.CostCents)
		if created, err = s.repo.GetProduct(ctx, created.ID); err != nil {
			return domain.Product{}, err
		}
	case created.TrackStock && !created.UsesBatches():
		added = costOf(created.Stock, created.CostCents)
	}
	s.adjust(ctx, added)

	s.logger.Info("product created", zap.String("product_id", created.ID), zap.String("stock", created.Stock.String()))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.Invalid("id", "required")
	}

	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	purge := false
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.Invalid("name", "required")
		}
		updated.Name = name
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.Invalid("price_cents", "must be positive")
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.CostCents != nil {
		if *req.CostCents < 0 {
			return domain.Product{}, store.Invalid("cost_cents", "must not be negative")
		}
		updated.CostCents = *req.CostCents
		purge = purge || updated.CostCents != existing.CostCents
	}
	if req.WholesaleTiers != nil {
		if err := validateTiers(*req.WholesaleTiers); err != nil {
			return domain.Product{}, err
		}
		updated.WholesaleTiers = *req.WholesaleTiers
		purge = true
	}
	if req.Strategy != nil {
		strategy, err := normalizeStrategy(*req.Strategy)
		if err != nil {
			return domain.Product{}, err
		}
		updated.BatchManagement.SelectionStrategy = strategy
		purge = purge || strategy != existing.Strategy()
	}
	if req.BatchEnabled != nil && *req.BatchEnabled != existing.UsesBatches() {
		if !existing.Stock.IsZero() {
			return domain.Product{}, store.Invalid("batch_enabled", "stock must be zero to switch batch management")
		}
		if existing.HasRecipe() {
			return domain.Product{}, store.Invalid("batch_enabled", "composite products cannot hold lots")
		}
		updated.BatchManagement.Enabled = *req.BatchEnabled
		if updated.BatchManagement.Enabled {
			updated.TrackStock = true
		}
		purge = true
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	updated.UpdatedAt = s.now()

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	if purge {
		s.engine.Purge()
	}
	if saved.TrackStock && !saved.UsesBatches() && saved.CostCents != existing.CostCents {
		s.adjust(ctx, costOf(saved.Stock, saved.CostCents)-costOf(saved.Stock, existing.CostCents))
	}
	return *saved, nil
}

func (s *Service) ListBatches(ctx context.Context, productID string, includeInactive bool) ([]domain.Batch, error) {
	return s.ledger.ListBatches(ctx, strings.TrimSpace(productID), includeInactive)
}

func (s *Service) ReceiveBatch(ctx context.Context, req domain.BatchReceiveRequest) (domain.Batch, error) {
	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	batch, err := s.ledger.ReceiveBatch(ctx, req)
	if err != nil {
		return domain.Batch{}, err
	}
	s.adjust(ctx, costOf(batch.Stock, batch.CostCents))
	return batch, nil
}

func (s *Service) UpdateBatch(ctx context.Context, batch domain.Batch) (domain.Batch, error) {
	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	updated, delta, err := s.ledger.UpdateBatch(ctx, batch)
	if err != nil {
		return domain.Batch{}, err
	}
	s.engine.Purge()
	s.adjust(ctx, delta)
	return updated, nil
}

func (s *Service) CorrectStock(ctx context.Context, productID string, req domain.StockCorrectionRequest) (domain.Product, error) {
	productID = strings.TrimSpace(productID)

	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	delta, err := s.ledger.SetStock(ctx, productID, req.Stock)
	if err != nil {
		return domain.Product{}, err
	}
	s.adjust(ctx, delta)
	s.logger.Info("stock corrected",
		zap.String("product_id", productID),
		zap.String("stock", req.Stock.String()),
		zap.String("reason", strings.TrimSpace(req.Reason)),
		zap.Int64("delta_cents", delta))

	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) Quote(ctx context.Context, productID string, quantity decimal.Decimal, batchID string) (domain.PriceQuote, error) {
	return s.quoter.Quote(ctx, strings.TrimSpace(productID), quantity, strings.TrimSpace(batchID))
}

func (s *Service) CheckWholesale(ctx context.Context, productID string, quantity decimal.Decimal) (domain.WholesaleCheck, error) {
	return s.quoter.CheckWholesale(ctx, strings.TrimSpace(productID), quantity)
}

type saleLine struct {
	req     domain.SaleLineRequest
	product domain.Product
	batch   *domain.Batch
	price   int64
}

// CompleteSale prices, takes stock for and records one sale.
func (s *Service) CompleteSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	if len(req.Items) == 0 {
		return domain.Sale{}, store.Invalid("items", "required")
	}
	status := strings.TrimSpace(req.Status)
	if status == "" {
		status = domain.SaleStatusCompleted
	}
	if status != domain.SaleStatusCompleted && status != domain.SaleStatusPending {
		return domain.Sale{}, store.Invalid("fulfillment_status", "must be completed or pending")
	}
	timestamp := s.now()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		timestamp = req.Timestamp.UTC()
	}

	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	if _, err := s.repo.GetSale(ctx, timestamp); err == nil {
		return domain.Sale{}, store.Invalid("timestamp", "already used by another sale")
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Sale{}, fmt.Errorf("check sale timestamp: %w", err)
	}

	lines, err := s.prepareLines(ctx, req.Items)
	if err != nil {
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		Timestamp:         timestamp,
		Items:             make([]domain.SaleItem, 0, len(lines)),
		FulfillmentStatus: status,
	}
	var taken int64
	for _, line := range lines {
		consumption, err := s.take(ctx, line)
		if err != nil {
			var cascade *inventory.CascadeError
			if errors.As(err, &cascade) {
				taken += cascade.Consumed.ValueCents
			}
			s.adjust(ctx, -taken)
			return domain.Sale{}, err
		}
		taken += consumption.ValueCents
		sale.Items = append(sale.Items, saleItem(line, consumption))
		sale.TotalCents += costOf(line.req.Quantity, line.price)
	}
	s.adjust(ctx, -taken)

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("persist sale: %w", err)
	}
	if err := s.stats.RecordSale(ctx, *created); err != nil {
		s.logger.Warn("daily stats not updated, a rebuild will recover them",
			zap.Time("timestamp", created.Timestamp), zap.Error(err))
	}

	s.logger.Info("sale completed",
		zap.Time("timestamp", created.Timestamp),
		zap.Int("items", len(created.Items)),
		zap.Int64("total_cents", created.TotalCents),
		zap.Int64("cogs_value_cents", taken))
	return *created, nil
}

func (s *Service) prepareLines(ctx context.Context, items []domain.SaleLineRequest) ([]saleLine, error) {
	lines := make([]saleLine, 0, len(items))
	products := make(map[string]domain.Product)
	byProduct := make(map[string]decimal.Decimal)
	byBatch := make(map[string]decimal.Decimal)
	batches := make(map[string]domain.Batch)

	for i, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.BatchID = strings.TrimSpace(item.BatchID)
		field := fmt.Sprintf("items[%d]", i)
		if item.ProductID == "" {
			return nil, store.Invalid(field+".product_id", "required")
		}
		if !item.Quantity.IsPositive() {
			return nil, store.Invalid(field+".quantity", "must be positive")
		}
		if item.PriceCents < 0 {
			return nil, store.Invalid(field+".price_cents", "must not be negative")
		}

		product, ok := products[item.ProductID]
		if !ok {
			loaded, err := s.repo.GetProduct(ctx, item.ProductID)
			if err != nil {
				return nil, fmt.Errorf("load product %s: %w", item.ProductID, err)
			}
			product = *loaded
			products[product.ID] = product
		}
		line := saleLine{req: item, product: product}

		if item.BatchID != "" {
			batch, err := s.repo.GetBatch(ctx, item.BatchID)
			if err != nil {
				return nil, fmt.Errorf("load batch %s: %w", item.BatchID, err)
			}
			if batch.ProductID != product.ID {
				return nil, store.Invalid(field+".batch_id", "belongs to another product")
			}
			line.batch = batch
			batches[batch.ID] = *batch
			byBatch[batch.ID] = byBatch[batch.ID].Add(item.Quantity)
		}
		if !product.HasRecipe() {
			byProduct[product.ID] = byProduct[product.ID].Add(item.Quantity)
		}

		line.price = item.PriceCents
		if line.price == 0 {
			quote, err := s.quoter.Quote(ctx, product.ID, item.Quantity, item.BatchID)
			if err != nil {
				return nil, err
			}
			line.price = quote.UnitPriceCents
		}
		lines = append(lines, line)
	}

	for id, need := range byBatch {
		batch := batches[id]
		have := decimal.Zero
		if batch.Available() {
			have = batch.Stock
		}
		if need.GreaterThan(have) {
			return nil, fmt.Errorf("batch %s has %s, need %s: %w", id, have, need, store.ErrInsufficientStock)
		}
	}
	for id, need := range byProduct {
		product := products[id]
		if product.TrackStock && need.GreaterThan(product.Stock) {
			return nil, fmt.Errorf("product %s has %s, need %s: %w", id, product.Stock, need, store.ErrInsufficientStock)
		}
	}
	return lines, nil
}

func (s *Service) take(ctx context.Context, line saleLine) (inventory.Consumption, error) {
	switch {
	case line.product.HasRecipe():
		return s.ledger.ExplodeRecipe(ctx, line.product, line.req.Quantity)
	case line.product.UsesBatches() || line.batch != nil:
		// earlier lines may have drained these lots
		product, err := s.repo.GetProduct(ctx, line.product.ID)
		if err != nil {
			return inventory.Consumption{}, err
		}
		return s.ledger.Consume(ctx, *product, line.req.Quantity, line.req.BatchID)
	default:
		product, err := s.repo.GetProduct(ctx, line.product.ID)
		if err != nil {
			return inventory.Consumption{}, err
		}
		return s.ledger.Deduct(ctx, *product, line.req.Quantity, false)
	}
}

func saleItem(line saleLine, consumption inventory.Consumption) domain.SaleItem {
	item := domain.SaleItem{
		ID:          line.product.ID,
		Name:        line.product.Name,
		PriceCents:  line.price,
		Quantity:    line.req.Quantity,
		CostCents:   decimal.NewFromInt(consumption.CostCents).Div(line.req.Quantity).Round(0).IntPart(),
		BatchesUsed: consumption.Usages,
	}
	if line.batch != nil {
		item.ID = line.batch.ID
		item.ParentID = line.product.ID
		if line.batch.SKU != "" {
			item.Name = line.product.Name + " " + line.batch.SKU
		}
	}
	return item
}

func (s *Service) CancelSale(ctx context.Context, timestamp time.Time) (domain.Sale, error) {
	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	sale, err := s.repo.GetSale(ctx, timestamp)
	if err != nil {
		return domain.Sale{}, err
	}
	if sale.Cancelled() {
		return domain.Sale{}, store.Invalid("fulfillment_status", "sale is already cancelled")
	}

	var restored int64
	for _, item := range sale.Items {
		value, err := s.restoreItem(ctx, item)
		restored += value
		if err != nil {
			s.adjust(ctx, restored)
			return domain.Sale{}, fmt.Errorf("restore item %s: %w", item.ID, err)
		}
	}
	s.adjust(ctx, restored)

	cancelled, err := s.repo.UpdateSaleStatus(ctx, sale.Timestamp, domain.SaleStatusCancelled)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("mark sale cancelled: %w", err)
	}
	if err := s.stats.ReverseSale(ctx, *sale); err != nil {
		s.logger.Warn("daily stats not reversed, a rebuild will recover them",
			zap.Time("timestamp", sale.Timestamp), zap.Error(err))
	}
	s.logger.Info("sale cancelled", zap.Time("timestamp", sale.Timestamp), zap.Int64("restored_cents", restored))
	return *cancelled, nil
}

func (s *Service) restoreItem(ctx context.Context, item domain.SaleItem) (int64, error) {
	product, err := s.repo.GetProduct(ctx, item.ProductID())
	if err != nil {
		return 0, err
	}
	switch {
	case product.HasRecipe():
		return s.ledger.RestoreRecipe(ctx, *product, item.Quantity, item.BatchesUsed)
	case len(item.BatchesUsed) > 0:
		return s.ledger.Restore(ctx, item.BatchesUsed)
	default:
		return s.ledger.Return(ctx, product.ID, item.Quantity)
	}
}

func (s *Service) RecordWaste(ctx context.Context, req domain.WasteRequest) (domain.WasteRecord, error) {
	s.stockMu.Lock()
	defer s.stockMu.Unlock()
	return s.waste.Record(ctx, req)
}

func (s *Service) ListWaste(ctx context.Context, from time.Time, to time.Time) ([]domain.WasteRecord, error) {
	return s.waste.ListRecords(ctx, from, to)
}

func (s *Service) LoadTotals(ctx context.Context, forceRebuild bool) (*domain.Totals, error) {
	return s.stats.LoadTotals(ctx, forceRebuild)
}

func (s *Service) Location() *time.Location {
	return s.stats.Location()
}

func (s *Service) ListDailyStats(ctx context.Context) ([]domain.DailyStat, error) {
	return s.repo.ListDailyStats(ctx)
}

func (s *Service) InventoryValue(ctx context.Context) (int64, error) {
	return s.tracker.Get(ctx)
}

func (s *Service) Recalculate(ctx context.Context) (int64, error) {
	return s.tracker.ForceRecalculate(ctx)
}

func (s *Service) validateRecipe(ctx context.Context, productID string, recipe []domain.RecipeLine) error {
	for i, line := range recipe {
		field := fmt.Sprintf("recipe[%d]", i)
		id := strings.TrimSpace(line.IngredientID)
		if id == "" || id == productID {
			return store.Invalid(field+".ingredient_id", "must name another product")
		}
		if !line.Quantity.IsPositive() {
			return store.Invalid(field+".quantity", "must be positive")
		}
		if _, err := s.repo.GetProduct(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Invalid(field+".ingredient_id", "unknown product "+id)
			}
			return err
		}
	}
	return nil
}

func (s *Service) adjust(ctx context.Context, delta int64) {
	if _, err := s.tracker.Adjust(ctx, delta); err != nil {
		s.logger.Warn("inventory value adjustment failed", zap.Int64("delta_cents", delta), zap.Error(err))
	}
}

func validateTiers(tiers []domain.WholesaleTier) error {
	for i, tier := range tiers {
		field := fmt.Sprintf("wholesale_tiers[%d]", i)
		if !tier.Min.IsPositive() {
			return store.Invalid(field+".min", "must be positive")
		}
		if tier.PriceCents < 1 {
			return store.Invalid(field+".price_cents", "must be positive")
		}
	}
	return nil
}

func normalizeStrategy(strategy string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", domain.StrategyFIFO:
		return domain.StrategyFIFO, nil
	case domain.StrategyFEFO:
		return domain.StrategyFEFO, nil
	default:
		return "", store.Invalid("selection_strategy", "must be fifo or fefo")
	}
}

func costOf(quantity decimal.Decimal, cents int64) int64 {
	return quantity.Mul(decimal.NewFromInt(cents)).Round(0).IntPart()
}
