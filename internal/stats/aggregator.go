package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lanzo/backend/internal/cache"
	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/store"
	"lanzo/backend/internal/valuation"
)

// TotalsKey is the cache key of the lifetime totals snapshot.
const TotalsKey = "lanzo:stats:totals"

type Repository interface {
	ListDailyStats(ctx context.Context) ([]domain.DailyStat, error)
	GetDailyStat(ctx context.Context, date string) (*domain.DailyStat, error)
	PutDailyStat(ctx context.Context, stat domain.DailyStat) error
	ReplaceDailyStats(ctx context.Context, stats []domain.DailyStat) error
	CountSales(ctx context.Context) (int, error)
	ScanSales(ctx context.Context, fn func(domain.Sale) error) error
}

// Valuer is the part of the valuation tracker the aggregator needs.
type Valuer interface {
	valuation.Calculator
	Get(ctx context.Context) (int64, error)
	Costs(ctx context.Context) (map[string]int64, error)
	Recompute(ctx context.Context) (valuation.Snapshot, error)
	Refresh(ctx context.Context, calc valuation.Calculator, timeout time.Duration) (int64, error)
}

type Option func(*Aggregator)

// WithLocation sets the zone whose calendar days bucket sales.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

func WithCache(c cache.TotalsCache, ttl time.Duration) Option {
	return func(a *Aggregator) {
		if c != nil {
			a.cache = c
			a.cacheTTL = ttl
		}
	}
}

// WithWorker routes the valuation pass of LoadTotals through calc.
func WithWorker(calc valuation.Calculator, timeout time.Duration) Option {
	return func(a *Aggregator) {
		if calc != nil {
			a.calc = calc
		}
		a.timeout = timeout
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Aggregator keeps one stats bucket per local calendar day and can rebuild
// them from the sales log.
type Aggregator struct {
	repo     Repository
	valuer   Valuer
	calc     valuation.Calculator
	timeout  time.Duration
	cache    cache.TotalsCache
	cacheTTL time.Duration
	loc      *time.Location
	logger   *zap.Logger

	mu sync.Mutex
}

func NewAggregator(repo Repository, valuer Valuer, opts ...Option) *Aggregator {
	a := &Aggregator{
		repo:     repo,
		valuer:   valuer,
		calc:     valuer,
		timeout:  5 * time.Second,
		cache:    cache.NoopTotalsCache{},
		cacheTTL: 30 * time.Second,
		loc:      time.Local,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("stats")
	return a
}

func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// RecordSale folds a completed sale into its day bucket.
func (a *Aggregator) RecordSale(ctx context.Context, sale domain.Sale) error {
	if sale.Cancelled() {
		return nil
	}
	return a.apply(ctx, sale, 1)
}

// ReverseSale takes a sale back out of its day bucket. A missing bucket
// means there is nothing to reverse.
func (a *Aggregator) ReverseSale(ctx context.Context, sale domain.Sale) error {
	return a.apply(ctx, sale, -1)
}

func (a *Aggregator) apply(ctx context.Context, sale domain.Sale, sign int64) error {
	var costs map[string]int64
	if needsCosts(sale) {
		var err error
		if costs, err = a.valuer.Costs(ctx); err != nil {
			return fmt.Errorf("load product costs: %w", err)
		}
	}

	key := DateKey(sale.Timestamp, a.loc)

	a.mu.Lock()
	defer a.mu.Unlock()

	bucket, err := a.repo.GetDailyStat(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if sign < 0 {
			a.logger.Warn("no stats bucket to reverse", zap.String("date", key))
			return nil
		}
		bucket = &domain.DailyStat{Date: key, ItemsSold: decimal.Zero}
	case err != nil:
		return fmt.Errorf("%w: load stats bucket %s: %w", store.ErrStorageRead, key, err)
	}

	ApplySale(bucket, sale, costs, sign)
	if err := a.repo.PutDailyStat(ctx, *bucket); err != nil {
		return fmt.Errorf("persist stats bucket %s: %w", key, err)
	}
	a.invalidate(ctx)
	return nil
}

func needsCosts(sale domain.Sale) bool {
	for _, item := range sale.Items {
		if item.CostCents <= 0 {
			return true
		}
	}
	return false
}

// Rebuild replays every non-cancelled sale and replaces all buckets in one
// write. Buckets for days without sales disappear.
func (a *Aggregator) Rebuild(ctx context.Context) ([]domain.DailyStat, error) {
	snap, err := a.valuer.Recompute(ctx)
	if err != nil {
		return nil, fmt.Errorf("load product costs: %w", err)
	}

	replayer := NewReplayer(snap.Costs, a.loc)
	sales := 0
	if err := a.repo.ScanSales(ctx, func(sale domain.Sale) error {
		sales++
		replayer.Add(sale)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: scan sales: %w", store.ErrStorageRead, err)
	}
	buckets := Ordered(replayer.Buckets())

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.repo.ReplaceDailyStats(ctx, buckets); err != nil {
		return nil, fmt.Errorf("replace stats buckets: %w", err)
	}
	a.invalidate(ctx)
	a.logger.Info("stats rebuilt", zap.Int("sales", sales), zap.Int("buckets", len(buckets)))
	return buckets, nil
}

// LoadTotals sums all buckets and merges the inventory value. The valuation
// pass runs next to the bucket load; its failure is reported in the result
// with the last known value rather than failing the call. Missing buckets
// are rebuilt when the sales log has entries. The cache holds bucket sums
// only; a cache hit merges the stored inventory value.
func (a *Aggregator) LoadTotals(ctx context.Context, forceRebuild bool) (*domain.Totals, error) {
	if !forceRebuild {
		if cached, ok, err := a.cache.Get(ctx, TotalsKey); err != nil {
			a.logger.Warn("totals cache read failed", zap.Error(err))
		} else if ok {
			cached.Rebuilt = false
			cached.InventoryValueError = ""
			if cached.InventoryValueCents, err = a.valuer.Get(ctx); err != nil {
				cached.InventoryValueError = err.Error()
			}
			return cached, nil
		}
	}

	var (
		value    int64
		valueErr error
		buckets  []domain.DailyStat
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		value, valueErr = a.valuer.Refresh(gctx, a.calc, a.timeout)
		return nil
	})
	g.Go(func() error {
		var err error
		buckets, err = a.repo.ListDailyStats(gctx)
		if err != nil {
			return fmt.Errorf("%w: list stats buckets: %w", store.ErrStorageRead, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rebuilt := false
	if len(buckets) == 0 || forceRebuild {
		count, err := a.repo.CountSales(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: count sales: %w", store.ErrStorageRead, err)
		}
		if count > 0 {
			if buckets, err = a.Rebuild(ctx); err != nil {
				return nil, err
			}
			rebuilt = true
		}
	}

	totals := Sum(buckets)
	totals.InventoryValueCents = value
	totals.Rebuilt = rebuilt
	if valueErr != nil {
		totals.InventoryValueError = valueErr.Error()
		return &totals, nil
	}
	sums := totals
	sums.InventoryValueCents = 0
	sums.Rebuilt = false
	if err := a.cache.Set(ctx, TotalsKey, &sums, a.cacheTTL); err != nil {
		a.logger.Warn("totals cache write failed", zap.Error(err))
	}
	return &totals, nil
}

func (a *Aggregator) invalidate(ctx context.Context) {
	if err := a.cache.Delete(ctx, TotalsKey); err != nil {
		a.logger.Warn("totals cache invalidation failed", zap.Error(err))
	}
}
