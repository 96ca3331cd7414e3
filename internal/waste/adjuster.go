package waste

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/inventory"
	"lanzo/backend/internal/store"
)

const defaultReason = "merma"

type Repository interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateWasteRecord(ctx context.Context, record domain.WasteRecord) (*domain.WasteRecord, error)
	ListWasteRecords(ctx context.Context, from time.Time, to time.Time) ([]domain.WasteRecord, error)
}

// ValueAdjuster moves the tracked inventory value.
type ValueAdjuster interface {
	Adjust(ctx context.Context, delta int64) (int64, error)
}

// Adjuster takes stock out of the shelf outside of a sale and books the loss.
type Adjuster struct {
	repo    Repository
	ledger  *inventory.Ledger
	tracker ValueAdjuster
	logger  *zap.Logger
	now     func() time.Time
}

func NewAdjuster(repo Repository, ledger *inventory.Ledger, tracker ValueAdjuster, logger *zap.Logger) *Adjuster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adjuster{
		repo:    repo,
		ledger:  ledger,
		tracker: tracker,
		logger:  logger.Named("waste"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record removes the wasted quantity and writes a WasteRecord for it.
// Composite products waste their ingredients instead; if that stops part way
// the applied decrements stay, their value is taken off the books and the
// *inventory.CascadeError is returned without a record.
func (a *Adjuster) Record(ctx context.Context, req domain.WasteRequest) (domain.WasteRecord, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return domain.WasteRecord{}, store.Invalid("product_id", "required")
	}
	if !req.Quantity.IsPositive() {
		return domain.WasteRecord{}, store.Invalid("quantity", "must be positive")
	}

	product, err := a.repo.GetProduct(ctx, req.ProductID)
	if err != nil {
		return domain.WasteRecord{}, fmt.Errorf("load product %s: %w", req.ProductID, err)
	}

	var consumption inventory.Consumption
	if product.HasRecipe() {
		consumption, err = a.ledger.ExplodeRecipe(ctx, *product, req.Quantity)
		if err != nil {
			var cascade *inventory.CascadeError
			if errors.As(err, &cascade) {
				a.adjust(ctx, -cascade.Consumed.ValueCents)
			}
			return domain.WasteRecord{}, err
		}
	} else {
		consumption, err = a.direct(ctx, *product, req.Quantity)
		if err != nil {
			return domain.WasteRecord{}, err
		}
	}

	unit := strings.TrimSpace(req.Unit)
	if unit == "" {
		unit = "pza"
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultReason
	}
	record, err := a.repo.CreateWasteRecord(ctx, domain.WasteRecord{
		ProductID:       product.ID,
		Quantity:        req.Quantity,
		Unit:            unit,
		CostAtTimeCents: decimal.NewFromInt(consumption.CostCents).Div(req.Quantity).Round(0).IntPart(),
		LossAmountCents: consumption.CostCents,
		Reason:          reason,
		Notes:           strings.TrimSpace(req.Notes),
		Timestamp:       a.now(),
	})
	if err != nil {
		return domain.WasteRecord{}, fmt.Errorf("write waste record: %w", err)
	}
	a.adjust(ctx, -consumption.ValueCents)

	a.logger.Info("waste recorded",
		zap.String("product_id", product.ID),
		zap.String("quantity", req.Quantity.String()),
		zap.Int64("loss_cents", record.LossAmountCents))
	return *record, nil
}

// ListRecords returns waste records with timestamps in [from, to).
func (a *Adjuster) ListRecords(ctx context.Context, from time.Time, to time.Time) ([]domain.WasteRecord, error) {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, store.Invalid("to", "must be after from")
	}
	return a.repo.ListWasteRecords(ctx, from, to)
}

func (a *Adjuster) direct(ctx context.Context, product domain.Product, quantity decimal.Decimal) (inventory.Consumption, error) {
	if product.TrackStock && quantity.GreaterThan(product.Stock) {
		return inventory.Consumption{}, store.Invalid("quantity", fmt.Sprintf("exceeds stock %s", product.Stock))
	}
	if product.UsesBatches() {
		return a.ledger.Consume(ctx, product, quantity, "")
	}
	return a.ledger.Deduct(ctx, product, quantity, false)
}

// adjust never fails the caller; a drifted value is fixed by the next
// recalculation.
func (a *Adjuster) adjust(ctx context.Context, delta int64) {
	if _, err := a.tracker.Adjust(ctx, delta); err != nil {
		a.logger.Warn("inventory value adjustment failed", zap.Int64("delta_cents", delta), zap.Error(err))
	}
}
