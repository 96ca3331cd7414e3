package cache

import (
	"context"
	"time"

	"lanzo/backend/internal/domain"
)

// TotalsCache holds short-lived lifetime totals snapshots.
type TotalsCache interface {
	Get(ctx context.Context, key string) (*domain.Totals, bool, error)
	Set(ctx context.Context, key string, value *domain.Totals, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopTotalsCache struct{}

func (NoopTotalsCache) Get(_ context.Context, _ string) (*domain.Totals, bool, error) {
	return nil, false, nil
}

func (NoopTotalsCache) Set(_ context.Context, _ string, _ *domain.Totals, _ time.Duration) error {
	return nil
}

func (NoopTotalsCache) Delete(_ context.Context, _ string) error {
	return nil
}
