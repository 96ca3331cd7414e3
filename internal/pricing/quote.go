package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/store"
)

type Catalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	ListBatchesByProduct(ctx context.Context, productID string) ([]domain.Batch, error)
}

// Quoter loads a product and its lots and prices them with an Engine.
type Quoter struct {
	engine  *Engine
	catalog Catalog
}

func NewQuoter(engine *Engine, catalog Catalog) *Quoter {
	return &Quoter{engine: engine, catalog: catalog}
}

func (q *Quoter) Quote(ctx context.Context, productID string, quantity decimal.Decimal, batchID string) (domain.PriceQuote, error) {
	if !quantity.IsPositive() {
		return domain.PriceQuote{}, store.Invalid("quantity", "must be positive")
	}
	product, err := q.catalog.GetProduct(ctx, productID)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("load product %s: %w", productID, err)
	}

	var (
		selected *domain.Batch
		batches  []domain.Batch
	)
	if batchID != "" {
		selected, err = q.catalog.GetBatch(ctx, batchID)
		if err != nil {
			return domain.PriceQuote{}, fmt.Errorf("load batch %s: %w", batchID, err)
		}
		if selected.ProductID != product.ID {
			return domain.PriceQuote{}, store.Invalid("batch_id", "belongs to another product")
		}
	} else if product.UsesBatches() {
		batches, err = q.catalog.ListBatchesByProduct(ctx, product.ID)
		if err != nil {
			return domain.PriceQuote{}, fmt.Errorf("load batches %s: %w", product.ID, err)
		}
	}

	unit := q.engine.PriceFor(product, quantity, batches, selected)
	return domain.PriceQuote{
		ProductID:      product.ID,
		Quantity:       quantity,
		UnitPriceCents: unit,
		TotalCents:     roundCents(quantity, unit).IntPart(),
		Wholesale:      q.engine.ValidateWholesaleCondition(product, quantity),
	}, nil
}

func (q *Quoter) CheckWholesale(ctx context.Context, productID string, quantity decimal.Decimal) (domain.WholesaleCheck, error) {
	if !quantity.IsPositive() {
		return domain.WholesaleCheck{}, store.Invalid("quantity", "must be positive")
	}
	product, err := q.catalog.GetProduct(ctx, productID)
	if err != nil {
		return domain.WholesaleCheck{}, fmt.Errorf("load product %s: %w", productID, err)
	}
	return q.engine.ValidateWholesaleCondition(product, quantity), nil
}
