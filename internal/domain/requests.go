package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProductCreateRequest struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	TrackStock      bool            `json:"track_stock"`
	InitialStock    decimal.Decimal `json:"initial_stock"`
	CostCents       int64           `json:"cost_cents"`
	PriceCents      int64           `json:"price_cents"`
	BatchManagement BatchManagement `json:"batch_management"`
	WholesaleTiers  []WholesaleTier `json:"wholesale_tiers"`
	Recipe          []RecipeLine    `json:"recipe"`
}

type ProductUpdateRequest struct {
	Name           *string          `json:"name,omitempty"`
	CostCents      *int64           `json:"cost_cents,omitempty"`
	PriceCents     *int64           `json:"price_cents,omitempty"`
	BatchEnabled   *bool            `json:"batch_enabled,omitempty"`
	Strategy       *string          `json:"selection_strategy,omitempty"`
	WholesaleTiers *[]WholesaleTier `json:"wholesale_tiers,omitempty"`
	Active         *bool            `json:"active,omitempty"`
}

type BatchReceiveRequest struct {
	ProductID  string            `json:"product_id"`
	SKU        string            `json:"sku"`
	Stock      decimal.Decimal   `json:"stock"`
	CostCents  int64             `json:"cost_cents"`
	PriceCents int64             `json:"price_cents"`
	ExpiryDate *time.Time        `json:"expiry_date,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type SaleLineRequest struct {
	ProductID string          `json:"product_id"`
	BatchID   string          `json:"batch_id,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	// PriceCents overrides the computed unit price when positive.
	PriceCents int64 `json:"price_cents,omitempty"`
}

type SaleRequest struct {
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	Items     []SaleLineRequest `json:"items"`
	Status    string            `json:"fulfillment_status,omitempty"`
}

type WasteRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit"`
	Reason    string          `json:"reason"`
	Notes     string          `json:"notes,omitempty"`
}

type StockCorrectionRequest struct {
	Stock  decimal.Decimal `json:"stock"`
	Reason string          `json:"reason"`
}
