package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lanzo/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrStorageRead        = errors.New("storage read failed")
)

// ValidationError is a caller-correctable input problem. It matches
// ErrInvalidTransaction under errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidTransaction
}

func Invalid(field string, message string) error {
	return &ValidationError{Field: field, Message: message}
}

type ProductStore interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ScanProducts(ctx context.Context, fn func(domain.Product) error) error
}

type BatchStore interface {
	CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	UpdateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)
	PutBatches(ctx context.Context, batches []domain.Batch) error
	ListBatchesByProduct(ctx context.Context, productID string) ([]domain.Batch, error)
	ScanBatches(ctx context.Context, fn func(domain.Batch) error) error
}

type SaleStore interface {
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, timestamp time.Time) (*domain.Sale, error)
	UpdateSaleStatus(ctx context.Context, timestamp time.Time, status string) (*domain.Sale, error)
	CountSales(ctx context.Context) (int, error)
	// ScanSales visits every sale in timestamp order.
	ScanSales(ctx context.Context, fn func(domain.Sale) error) error
}

type DailyStatStore interface {
	ListDailyStats(ctx context.Context) ([]domain.DailyStat, error)
	GetDailyStat(ctx context.Context, date string) (*domain.DailyStat, error)
	PutDailyStat(ctx context.Context, stat domain.DailyStat) error
	// ReplaceDailyStats swaps the whole bucket set in one write.
	ReplaceDailyStats(ctx context.Context, stats []domain.DailyStat) error
}

type SummaryStore interface {
	GetInventorySummary(ctx context.Context) (*domain.InventorySummary, error)
	PutInventorySummary(ctx context.Context, summary domain.InventorySummary) error
	// AdjustInventorySummary adds delta and clamps at zero. It returns
	// ErrNotFound when no summary has been stored yet.
	AdjustInventorySummary(ctx context.Context, delta int64, at time.Time) (*domain.InventorySummary, error)
}

type WasteStore interface {
	CreateWasteRecord(ctx context.Context, record domain.WasteRecord) (*domain.WasteRecord, error)
	ListWasteRecords(ctx context.Context, from time.Time, to time.Time) ([]domain.WasteRecord, error)
}

type Repository interface {
	ProductStore
	BatchStore
	SaleStore
	DailyStatStore
	SummaryStore
	WasteStore
}
