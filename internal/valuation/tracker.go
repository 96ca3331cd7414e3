package valuation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/store"
)

type Repository interface {
	ScanProducts(ctx context.Context, fn func(domain.Product) error) error
	ScanBatches(ctx context.Context, fn func(domain.Batch) error) error
	GetInventorySummary(ctx context.Context) (*domain.InventorySummary, error)
	PutInventorySummary(ctx context.Context, summary domain.InventorySummary) error
	AdjustInventorySummary(ctx context.Context, delta int64, at time.Time) (*domain.InventorySummary, error)
}

// Snapshot is the result of one full valuation scan. Costs maps product id
// to the unit cost seen during the scan.
type Snapshot struct {
	ValueCents int64
	Costs      map[string]int64
	ComputedAt time.Time
}

// Tracker keeps the persisted inventory value in step with stock movements.
type Tracker struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	costs map[string]int64
	// gen counts applied adjustments. A scan that started before the
	// latest adjustment must not overwrite it.
	gen uint64
}

const maxScanAttempts = 3

func NewTracker(repo Repository, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		repo:   repo,
		logger: logger.Named("valuation"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the stored value, computing it when none is stored yet.
func (t *Tracker) Get(ctx context.Context) (int64, error) {
	summary, err := t.repo.GetInventorySummary(ctx)
	if err == nil {
		return summary.ValueCents, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: load inventory summary: %w", store.ErrStorageRead, err)
	}
	snap, err := t.Recompute(ctx)
	if err != nil {
		return 0, err
	}
	return snap.ValueCents, nil
}

// Recompute scans every lot and product once, persists the total and keeps
// the cost map for later lookups. A failed scan leaves the stored value as
// it was. A scan overtaken by Adjust is retried; if adjustments keep racing
// it, the adjusted stored value wins.
func (t *Tracker) Recompute(ctx context.Context) (Snapshot, error) {
	for attempt := 1; ; attempt++ {
		start := t.generation()
		snap, err := Scan(ctx, t.repo)
		if err != nil {
			t.logger.Warn("inventory scan failed, keeping previous value", zap.Error(err))
			return Snapshot{}, err
		}
		snap.ComputedAt = t.now()

		t.mu.Lock()
		if t.gen != start {
			t.costs = snap.Costs
			t.mu.Unlock()
			if attempt < maxScanAttempts {
				continue
			}
			t.logger.Warn("inventory scan kept losing to adjustments, keeping stored value", zap.Int("attempts", attempt))
			stored, err := t.stored(ctx)
			if err != nil {
				return Snapshot{}, err
			}
			snap.ValueCents = stored
			return snap, nil
		}
		err = t.repo.PutInventorySummary(ctx, domain.InventorySummary{ValueCents: snap.ValueCents, UpdatedAt: snap.ComputedAt})
		if err == nil {
			t.costs = snap.Costs
		}
		t.mu.Unlock()
		if err != nil {
			return Snapshot{}, fmt.Errorf("persist inventory summary: %w", err)
		}
		return snap, nil
	}
}

func (t *Tracker) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

func (t *Tracker) stored(ctx context.Context) (int64, error) {
	summary, err := t.repo.GetInventorySummary(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: load inventory summary: %w", store.ErrStorageRead, err)
	}
	return summary.ValueCents, nil
}

// ForceRecalculate discards the stored value and scans again.
func (t *Tracker) ForceRecalculate(ctx context.Context) (int64, error) {
	snap, err := t.Recompute(ctx)
	if err != nil {
		return 0, err
	}
	t.logger.Info("inventory value recalculated", zap.Int64("value_cents", snap.ValueCents))
	return snap.ValueCents, nil
}

// Adjust moves the stored value by delta, clamping at zero. A zero delta
// writes nothing. Without a stored value the tracker scans instead, since
// the scan already sees the stock change behind delta.
func (t *Tracker) Adjust(ctx context.Context, delta int64) (int64, error) {
	if delta == 0 {
		return 0, nil
	}
	t.mu.Lock()
	summary, err := t.repo.AdjustInventorySummary(ctx, delta, t.now())
	if err == nil {
		t.gen++
	}
	t.mu.Unlock()
	if err == nil {
		return summary.ValueCents, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("adjust inventory value: %w", err)
	}
	t.logger.Info("inventory value not initialized, scanning", zap.Int64("delta_cents", delta))
	snap, err := t.Recompute(ctx)
	if err != nil {
		return 0, err
	}
	return snap.ValueCents, nil
}

// Costs returns the cost map of the last scan, scanning once if the tracker
// has not scanned yet.
func (t *Tracker) Costs(ctx context.Context) (map[string]int64, error) {
	t.mu.Lock()
	costs := t.costs
	t.mu.Unlock()
	if costs != nil {
		return maps.Clone(costs), nil
	}
	snap, err := t.Recompute(ctx)
	if err != nil {
		return nil, err
	}
	return maps.Clone(snap.Costs), nil
}

// Scan walks lots and products once and totals their on-hand cost. It does
// not write anything.
func Scan(ctx context.Context, repo Repository) (Snapshot, error) {
	value := decimal.Zero
	lotCosts := make(map[string]int64)
	newest := make(map[string]time.Time)

	err := repo.ScanBatches(ctx, func(b domain.Batch) error {
		if !b.Available() {
			return nil
		}
		value = value.Add(b.Stock.Mul(decimal.NewFromInt(b.CostCents)).Round(0))
		if seen, ok := newest[b.ProductID]; !ok || !b.CreatedAt.Before(seen) {
			newest[b.ProductID] = b.CreatedAt
			lotCosts[b.ProductID] = b.CostCents
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: scan batches: %w", store.ErrStorageRead, err)
	}

	costs := make(map[string]int64)
	err = repo.ScanProducts(ctx, func(p domain.Product) error {
		cost := p.CostCents
		if cost <= 0 {
			cost = lotCosts[p.ID]
		}
		if cost > 0 {
			costs[p.ID] = cost
		}
		if p.TrackStock && !p.UsesBatches() {
			value = value.Add(p.Stock.Mul(decimal.NewFromInt(p.CostCents)).Round(0))
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: scan products: %w", store.ErrStorageRead, err)
	}

	return Snapshot{ValueCents: max(value.IntPart(), 0), Costs: costs}, nil
}
