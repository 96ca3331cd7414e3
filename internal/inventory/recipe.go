package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lanzo/backend/internal/domain"
)

// CascadeError reports a recipe explosion that stopped part way. The
// ingredients in Applied keep their decrement.
type CascadeError struct {
	ProductID    string
	IngredientID string
	Applied      []string
	// Consumed covers the applied ingredients only.
	Consumed Consumption
	Err      error
}

func (e *CascadeError) Error() string {
	applied := "none"
	if len(e.Applied) > 0 {
		applied = strings.Join(e.Applied, ",")
	}
	return fmt.Sprintf("recipe %s: ingredient %s failed (applied: %s): %v", e.ProductID, e.IngredientID, applied, e.Err)
}

func (e *CascadeError) Unwrap() error {
	return e.Err
}

// ExplodeRecipe takes line quantity times quantity of every ingredient of a
// composite product. Plain ingredients may go negative; lot-managed ones are
// drained and the rest is costed at the ingredient cost.
func (l *Ledger) ExplodeRecipe(ctx context.Context, product domain.Product, quantity decimal.Decimal) (Consumption, error) {
	var total Consumption
	applied := make([]string, 0, len(product.Recipe))
	for _, line := range product.Recipe {
		required := line.Quantity.Mul(quantity)
		if !required.IsPositive() {
			continue
		}
		taken, err := l.takeIngredient(ctx, line.IngredientID, required)
		if err != nil {
			l.logger.Warn("recipe cascade stopped",
				zap.String("product_id", product.ID),
				zap.String("ingredient_id", line.IngredientID),
				zap.Strings("applied", applied),
				zap.Error(err))
			return total, &CascadeError{
				ProductID:    product.ID,
				IngredientID: line.IngredientID,
				Applied:      applied,
				Consumed:     total,
				Err:          err,
			}
		}
		total.add(taken)
		applied = append(applied, line.IngredientID)
	}
	return total, nil
}

// RestoreRecipe reverses ExplodeRecipe: lot usages go back to their lots and
// plain ingredients get their quantity back. It returns the restored value.
func (l *Ledger) RestoreRecipe(ctx context.Context, product domain.Product, quantity decimal.Decimal, usages []domain.BatchUsage) (int64, error) {
	restored, err := l.Restore(ctx, usages)
	if err != nil {
		return 0, err
	}
	for _, line := range product.Recipe {
		required := line.Quantity.Mul(quantity)
		if !required.IsPositive() {
			continue
		}
		ingredient, err := l.repo.GetProduct(ctx, line.IngredientID)
		if err != nil {
			return restored, fmt.Errorf("load ingredient %s: %w", line.IngredientID, err)
		}
		if ingredient.UsesBatches() || !ingredient.TrackStock {
			continue
		}
		ingredient.Stock = ingredient.Stock.Add(required)
		if _, err := l.repo.UpdateProduct(ctx, *ingredient); err != nil {
			return restored, err
		}
		restored += roundCost(required, ingredient.CostCents)
	}
	return restored, nil
}

func (l *Ledger) takeIngredient(ctx context.Context, ingredientID string, required decimal.Decimal) (Consumption, error) {
	ingredient, err := l.repo.GetProduct(ctx, ingredientID)
	if err != nil {
		return Consumption{}, fmt.Errorf("load ingredient %s: %w", ingredientID, err)
	}
	if !ingredient.UsesBatches() {
		return l.Deduct(ctx, *ingredient, required, true)
	}
	consumption, _, err := l.consumeLots(ctx, *ingredient, required, "", false)
	return consumption, err
}
