package inventory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/store"
)

type Repository interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	UpdateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)
	PutBatches(ctx context.Context, batches []domain.Batch) error
	ListBatchesByProduct(ctx context.Context, productID string) ([]domain.Batch, error)
}

// Ledger owns stock movements: lot receipt, lot consumption in strategy
// order, plain stock decrements and their reversal. Every method persists
// its stock change before returning the cost it moved.
type Ledger struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(repo Repository, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		repo:   repo,
		logger: logger.Named("inventory"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Consumption is the outcome of taking stock out of a product. CostCents is
// the cost basis of everything taken; ValueCents is the part of it that was
// counted in inventory value.
type Consumption struct {
	Usages     []domain.BatchUsage
	CostCents  int64
	ValueCents int64
}

func (c *Consumption) add(other Consumption) {
	c.Usages = append(c.Usages, other.Usages...)
	c.CostCents += other.CostCents
	c.ValueCents += other.ValueCents
}

func (l *Ledger) ReceiveBatch(ctx context.Context, req domain.BatchReceiveRequest) (domain.Batch, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return domain.Batch{}, store.Invalid("product_id", "required")
	}
	if !req.Stock.IsPositive() {
		return domain.Batch{}, store.Invalid("stock", "must be positive")
	}
	if req.CostCents < 0 {
		return domain.Batch{}, store.Invalid("cost_cents", "must not be negative")
	}
	if req.PriceCents < 1 {
		return domain.Batch{}, store.Invalid("price_cents", "must be positive")
	}

	product, err := l.repo.GetProduct(ctx, req.ProductID)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("load product %s: %w", req.ProductID, err)
	}
	if !product.UsesBatches() {
		return domain.Batch{}, store.Invalid("product_id", "batch management is disabled for this product")
	}

	created, err := l.repo.CreateBatch(ctx, domain.Batch{
		ProductID:  product.ID,
		SKU:        strings.TrimSpace(req.SKU),
		Stock:      req.Stock,
		CostCents:  req.CostCents,
		PriceCents: req.PriceCents,
		CreatedAt:  l.now(),
		ExpiryDate: req.ExpiryDate,
		Attributes: req.Attributes,
		IsActive:   true,
	})
	if err != nil {
		return domain.Batch{}, err
	}
	if _, err := l.SyncProductStock(ctx, product.ID); err != nil {
		return domain.Batch{}, err
	}
	return *created, nil
}

// ListBatches returns a product's lots in fifo order.
func (l *Ledger) ListBatches(ctx context.Context, productID string, includeInactive bool) ([]domain.Batch, error) {
	batches, err := l.repo.ListBatchesByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if includeInactive {
		return batches, nil
	}
	return domain.AvailableBatches(batches), nil
}

// ActiveBatches returns the lots that would be consumed next, in the
// product's strategy order.
func (l *Ledger) ActiveBatches(ctx context.Context, product domain.Product) ([]domain.Batch, error) {
	batches, err := l.ListBatches(ctx, product.ID, false)
	if err != nil {
		return nil, err
	}
	domain.OrderBatches(batches, product.Strategy())
	return batches, nil
}

// UpdateBatch replaces a lot's editable fields and returns the change in
// on-hand value it caused.
func (l *Ledger) UpdateBatch(ctx context.Context, batch domain.Batch) (domain.Batch, int64, error) {
	if batch.Stock.IsNegative() {
		return domain.Batch{}, 0, store.Invalid("stock", "must not be negative")
	}
	if batch.CostCents < 0 {
		return domain.Batch{}, 0, store.Invalid("cost_cents", "must not be negative")
	}
	if batch.PriceCents < 1 {
		return domain.Batch{}, 0, store.Invalid("price_cents", "must be positive")
	}

	existing, err := l.repo.GetBatch(ctx, batch.ID)
	if err != nil {
		return domain.Batch{}, 0, err
	}
	next := *existing
	next.Stock = batch.Stock
	next.CostCents = batch.CostCents
	next.PriceCents = batch.PriceCents
	next.ExpiryDate = batch.ExpiryDate
	next.Attributes = batch.Attributes
	if strings.TrimSpace(batch.SKU) != "" {
		next.SKU = strings.TrimSpace(batch.SKU)
	}
	next.IsActive = next.Stock.IsPositive()

	updated, err := l.repo.UpdateBatch(ctx, next)
	if err != nil {
		return domain.Batch{}, 0, err
	}
	if _, err := l.SyncProductStock(ctx, updated.ProductID); err != nil {
		return domain.Batch{}, 0, err
	}
	return *updated, lotValue(*updated) - lotValue(*existing), nil
}

// Consume takes quantity out of a batch-managed product's lots in strategy
// order, or out of selectedBatchID alone when given. Lots reaching zero are
// deactivated, never removed.
func (l *Ledger) Consume(ctx context.Context, product domain.Product, quantity decimal.Decimal, selectedBatchID string) (Consumption, error) {
	if !quantity.IsPositive() {
		return Consumption{}, store.Invalid("quantity", "must be positive")
	}
	consumption, shortfall, err := l.consumeLots(ctx, product, quantity, selectedBatchID, true)
	if err != nil {
		return Consumption{}, err
	}
	if shortfall.IsPositive() {
		return Consumption{}, fmt.Errorf("product %s short by %s: %w", product.ID, shortfall, store.ErrInsufficientStock)
	}
	return consumption, nil
}

// Deduct removes quantity from a product that does not use lots. Negative
// stock is refused unless allowNegative is set. Untracked products move no
// stock and no inventory value.
func (l *Ledger) Deduct(ctx context.Context, product domain.Product, quantity decimal.Decimal, allowNegative bool) (Consumption, error) {
	cost := roundCost(quantity, product.CostCents)
	if !product.TrackStock {
		return Consumption{CostCents: cost}, nil
	}
	if !allowNegative && quantity.GreaterThan(product.Stock) {
		return Consumption{}, fmt.Errorf("product %s has %s, need %s: %w", product.ID, product.Stock, quantity, store.ErrInsufficientStock)
	}
	product.Stock = product.Stock.Sub(quantity)
	if _, err := l.repo.UpdateProduct(ctx, product); err != nil {
		return Consumption{}, err
	}
	return Consumption{CostCents: cost, ValueCents: cost}, nil
}

// SetStock overwrites a plain product's stock and returns the value delta.
func (l *Ledger) SetStock(ctx context.Context, productID string, stock decimal.Decimal) (int64, error) {
	if stock.IsNegative() {
		return 0, store.Invalid("stock", "must not be negative")
	}
	product, err := l.repo.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	if product.UsesBatches() {
		return 0, store.Invalid("stock", "batch-managed stock is corrected per lot")
	}
	if !product.TrackStock {
		return 0, store.Invalid("stock", "product does not track stock")
	}
	delta := stock.Sub(product.Stock)
	product.Stock = stock
	if _, err := l.repo.UpdateProduct(ctx, *product); err != nil {
		return 0, err
	}
	return roundCost(delta, product.CostCents), nil
}

// Return puts quantity back on a product that does not use lots and returns
// the value restored. Untracked products move nothing.
func (l *Ledger) Return(ctx context.Context, productID string, quantity decimal.Decimal) (int64, error) {
	if !quantity.IsPositive() {
		return 0, nil
	}
	product, err := l.repo.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	if !product.TrackStock || product.UsesBatches() {
		return 0, nil
	}
	product.Stock = product.Stock.Add(quantity)
	if _, err := l.repo.UpdateProduct(ctx, *product); err != nil {
		return 0, err
	}
	return roundCost(quantity, product.CostCents), nil
}

// Restore puts consumed lot quantities back, reactivating the lots, and
// returns the cost restored.
func (l *Ledger) Restore(ctx context.Context, usages []domain.BatchUsage) (int64, error) {
	touched := make(map[string]domain.Batch, len(usages))
	order := make([]string, 0, len(usages))
	var restored int64
	for _, usage := range usages {
		if !usage.Quantity.IsPositive() {
			continue
		}
		batch, ok := touched[usage.BatchID]
		if !ok {
			loaded, err := l.repo.GetBatch(ctx, usage.BatchID)
			if err != nil {
				return 0, fmt.Errorf("load batch %s: %w", usage.BatchID, err)
			}
			batch = *loaded
			order = append(order, batch.ID)
		}
		batch.Stock = batch.Stock.Add(usage.Quantity)
		batch.IsActive = true
		touched[batch.ID] = batch
		restored += roundCost(usage.Quantity, batch.CostCents)
	}
	if len(order) == 0 {
		return 0, nil
	}

	batches := make([]domain.Batch, 0, len(order))
	products := make([]string, 0, len(order))
	for _, id := range order {
		b := touched[id]
		batches = append(batches, b)
		if !slices.Contains(products, b.ProductID) {
			products = append(products, b.ProductID)
		}
	}
	if err := l.repo.PutBatches(ctx, batches); err != nil {
		return 0, err
	}
	for _, productID := range products {
		if _, err := l.SyncProductStock(ctx, productID); err != nil {
			return 0, err
		}
	}
	return restored, nil
}

// SyncProductStock sets product stock to the sum of its active lots.
func (l *Ledger) SyncProductStock(ctx context.Context, productID string) (*domain.Product, error) {
	product, err := l.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	batches, err := l.repo.ListBatchesByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, b := range domain.AvailableBatches(batches) {
		total = total.Add(b.Stock)
	}
	if product.Stock.Equal(total) {
		return product, nil
	}
	product.Stock = total
	return l.repo.UpdateProduct(ctx, *product)
}

// consumeLots takes up to quantity from the product's active lots and
// reports what could not be covered. Nothing is written when strict is set
// and the lots fall short; otherwise the shortfall is costed at the product
// cost without touching any lot.
func (l *Ledger) consumeLots(ctx context.Context, product domain.Product, quantity decimal.Decimal, selectedBatchID string, strict bool) (Consumption, decimal.Decimal, error) {
	var lots []domain.Batch
	if selectedBatchID != "" {
		batch, err := l.repo.GetBatch(ctx, selectedBatchID)
		if err != nil {
			return Consumption{}, decimal.Zero, fmt.Errorf("load batch %s: %w", selectedBatchID, err)
		}
		if batch.ProductID != product.ID {
			return Consumption{}, decimal.Zero, store.Invalid("batch_id", "belongs to another product")
		}
		if batch.Available() {
			lots = []domain.Batch{*batch}
		}
	} else {
		active, err := l.ActiveBatches(ctx, product)
		if err != nil {
			return Consumption{}, decimal.Zero, err
		}
		lots = active
	}

	remaining := quantity
	consumption := Consumption{}
	changed := make([]domain.Batch, 0, len(lots))
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lot.Stock)
		lot.Stock = lot.Stock.Sub(take)
		if !lot.Stock.IsPositive() {
			lot.Stock = decimal.Zero
			lot.IsActive = false
		}
		changed = append(changed, lot)
		consumption.Usages = append(consumption.Usages, domain.BatchUsage{BatchID: lot.ID, Quantity: take})
		taken := roundCost(take, lot.CostCents)
		consumption.CostCents += taken
		consumption.ValueCents += taken
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		if strict {
			return Consumption{}, remaining, nil
		}
		consumption.CostCents += roundCost(remaining, product.CostCents)
	}
	if len(changed) > 0 {
		if err := l.repo.PutBatches(ctx, changed); err != nil {
			return Consumption{}, decimal.Zero, err
		}
		if _, err := l.SyncProductStock(ctx, product.ID); err != nil {
			return Consumption{}, decimal.Zero, err
		}
	}
	return consumption, remaining, nil
}

func lotValue(b domain.Batch) int64 {
	if !b.Available() {
		return 0
	}
	return roundCost(b.Stock, b.CostCents)
}

func roundCost(quantity decimal.Decimal, costCents int64) int64 {
	return quantity.Mul(decimal.NewFromInt(costCents)).Round(0).IntPart()
}
