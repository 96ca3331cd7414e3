package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StrategyFIFO = "fifo"
	StrategyFEFO = "fefo"
)

const (
	SaleStatusCompleted = "completed"
	SaleStatusPending   = "pending"
	SaleStatusCancelled = "cancelled"
)

const (
	WholesaleStatusOK        = "ok"
	WholesaleStatusConflict  = "conflict"
	WholesaleReasonBelowCost = "below_cost"
)

// DateLayout is the key format of a daily stats bucket.
const DateLayout = "2006-01-02"

type BatchManagement struct {
	Enabled           bool   `json:"enabled"`
	SelectionStrategy string `json:"selection_strategy"`
}

type WholesaleTier struct {
	Min        decimal.Decimal `json:"min"`
	PriceCents int64           `json:"price_cents"`
}

type RecipeLine struct {
	IngredientID string          `json:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Unit         string          `json:"unit"`
}

type Product struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	TrackStock      bool            `json:"track_stock"`
	Stock           decimal.Decimal `json:"stock"`
	CostCents       int64           `json:"cost_cents"`
	PriceCents      int64           `json:"price_cents"`
	BatchManagement BatchManagement `json:"batch_management"`
	WholesaleTiers  []WholesaleTier `json:"wholesale_tiers,omitempty"`
	Recipe          []RecipeLine    `json:"recipe,omitempty"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (p Product) UsesBatches() bool {
	return p.BatchManagement.Enabled
}

func (p Product) HasRecipe() bool {
	return len(p.Recipe) > 0
}

// Strategy returns the lot selection strategy, defaulting to fifo.
func (p Product) Strategy() string {
	if p.BatchManagement.SelectionStrategy == StrategyFEFO {
		return StrategyFEFO
	}
	return StrategyFIFO
}

type Batch struct {
	ID         string            `json:"id"`
	ProductID  string            `json:"product_id"`
	SKU        string            `json:"sku"`
	Stock      decimal.Decimal   `json:"stock"`
	CostCents  int64             `json:"cost_cents"`
	PriceCents int64             `json:"price_cents"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiryDate *time.Time        `json:"expiry_date,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	IsActive   bool              `json:"is_active"`
}

// Available reports whether the lot takes part in pricing and valuation.
func (b Batch) Available() bool {
	return b.IsActive && b.Stock.IsPositive()
}

type BatchUsage struct {
	BatchID  string          `json:"batch_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

type SaleItem struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id,omitempty"`
	Name        string          `json:"name"`
	PriceCents  int64           `json:"price_cents"`
	Quantity    decimal.Decimal `json:"quantity"`
	CostCents   int64           `json:"cost_cents"`
	BatchesUsed []BatchUsage    `json:"batches_used,omitempty"`
}

// ProductID is the product whose cost backs the item.
func (i SaleItem) ProductID() string {
	if i.ParentID != "" {
		return i.ParentID
	}
	return i.ID
}

type Sale struct {
	Timestamp         time.Time  `json:"timestamp"`
	Items             []SaleItem `json:"items"`
	TotalCents        int64      `json:"total_cents"`
	FulfillmentStatus string     `json:"fulfillment_status"`
}

func (s Sale) Cancelled() bool {
	return s.FulfillmentStatus == SaleStatusCancelled
}

type DailyStat struct {
	Date         string          `json:"date"`
	RevenueCents int64           `json:"revenue_cents"`
	ProfitCents  int64           `json:"profit_cents"`
	Orders       int64           `json:"orders"`
	ItemsSold    decimal.Decimal `json:"items_sold"`
}

type InventorySummary struct {
	ValueCents int64     `json:"value_cents"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type WasteRecord struct {
	ID              string          `json:"id"`
	ProductID       string          `json:"product_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            string          `json:"unit"`
	CostAtTimeCents int64           `json:"cost_at_time_cents"`
	LossAmountCents int64           `json:"loss_amount_cents"`
	Reason          string          `json:"reason"`
	Notes           string          `json:"notes,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

type Totals struct {
	RevenueCents        int64           `json:"revenue_cents"`
	ProfitCents         int64           `json:"profit_cents"`
	Orders              int64           `json:"orders"`
	ItemsSold           decimal.Decimal `json:"items_sold"`
	InventoryValueCents int64           `json:"inventory_value_cents"`
	InventoryValueError string          `json:"inventory_value_error,omitempty"`
	Rebuilt             bool            `json:"rebuilt"`
}

type WholesaleCheck struct {
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	TierPriceCents int64  `json:"tier_price_cents"`
	CostCents      int64  `json:"cost_cents"`
	SafePriceCents int64  `json:"safe_price_cents"`
}

type PriceQuote struct {
	ProductID      string          `json:"product_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPriceCents int64           `json:"unit_price_cents"`
	TotalCents     int64           `json:"total_cents"`
	Wholesale      WholesaleCheck  `json:"wholesale"`
}
