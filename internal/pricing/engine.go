package pricing

import (
	"slices"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"

	"lanzo/backend/internal/domain"
)

const DefaultCacheCapacity = 200

// Engine computes unit prices for a requested quantity. Results are memoized
// in a bounded cache owned by the engine; entries leave in insertion order.
type Engine struct {
	cache *lru.Cache
}

func NewEngine(capacity int) *Engine {
	if capacity < 1 {
		capacity = DefaultCacheCapacity
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New(capacity)
	return &Engine{cache: cache}
}

// PriceFor returns the unit price in cents charged for quantity of product.
// batches are the product's lots (inactive ones are ignored); selected is a
// lot the cashier picked explicitly and may be nil.
func (e *Engine) PriceFor(product *domain.Product, quantity decimal.Decimal, batches []domain.Batch, selected *domain.Batch) int64 {
	if product == nil {
		return 0
	}
	if !quantity.IsPositive() {
		return product.PriceCents
	}
	if selected != nil {
		return applyTier(*product, quantity, selected.PriceCents)
	}

	active := domain.AvailableBatches(batches)
	key := cacheKey(product.ID, quantity, product.PriceCents, len(active))
	// Peek keeps hits from refreshing recency.
	if cached, ok := e.cache.Peek(key); ok {
		return cached.(int64)
	}

	var price int64
	if !product.UsesBatches() || len(active) == 0 {
		price = applyTier(*product, quantity, product.PriceCents)
	} else {
		price = applyTier(*product, quantity, compositePrice(*product, quantity, active))
	}
	e.cache.Add(key, price)
	return price
}

// ValidateWholesaleCondition reports whether the tier matching quantity would
// sell below cost. It does not change what PriceFor charges.
func (e *Engine) ValidateWholesaleCondition(product *domain.Product, quantity decimal.Decimal) domain.WholesaleCheck {
	if product == nil {
		return domain.WholesaleCheck{Status: domain.WholesaleStatusOK}
	}
	check := domain.WholesaleCheck{
		Status:         domain.WholesaleStatusOK,
		CostCents:      product.CostCents,
		SafePriceCents: product.PriceCents,
	}
	tier, ok := MatchTier(product.WholesaleTiers, quantity)
	if !ok {
		return check
	}
	check.TierPriceCents = tier.PriceCents
	if belowCost(tier.PriceCents, product.CostCents) {
		check.Status = domain.WholesaleStatusConflict
		check.Reason = domain.WholesaleReasonBelowCost
		check.SafePriceCents = product.CostCents
		return check
	}
	check.SafePriceCents = tier.PriceCents
	return check
}

func (e *Engine) Len() int {
	return e.cache.Len()
}

func (e *Engine) Purge() {
	e.cache.Purge()
}

// MatchTier picks the tier with the largest minimum not above quantity.
func MatchTier(tiers []domain.WholesaleTier, quantity decimal.Decimal) (domain.WholesaleTier, bool) {
	var best domain.WholesaleTier
	found := false
	for _, tier := range tiers {
		if !tier.Min.IsPositive() || tier.PriceCents < 1 || tier.Min.GreaterThan(quantity) {
			continue
		}
		if !found || tier.Min.GreaterThan(best.Min) {
			best = tier
			found = true
		}
	}
	return best, found
}

func compositePrice(product domain.Product, quantity decimal.Decimal, active []domain.Batch) int64 {
	lots := slices.Clone(active)
	domain.OrderBatches(lots, product.Strategy())

	remaining := quantity
	accumulated := decimal.Zero
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lot.Stock)
		accumulated = accumulated.Add(roundCents(take, lot.PriceCents))
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		fallback := product.PriceCents
		if len(lots) > 0 {
			fallback = lots[len(lots)-1].PriceCents
		}
		accumulated = accumulated.Add(roundCents(remaining, fallback))
	}
	return accumulated.Div(quantity).Round(0).IntPart()
}

func applyTier(product domain.Product, quantity decimal.Decimal, base int64) int64 {
	tier, ok := MatchTier(product.WholesaleTiers, quantity)
	if !ok || belowCost(tier.PriceCents, product.CostCents) {
		return base
	}
	return tier.PriceCents
}

// belowCost is the loss-protection predicate shared by pricing and the
// advisory wholesale check.
func belowCost(tierPrice int64, cost int64) bool {
	return cost > 0 && tierPrice < cost
}

func roundCents(quantity decimal.Decimal, cents int64) decimal.Decimal {
	return quantity.Mul(decimal.NewFromInt(cents)).Round(0)
}

func cacheKey(productID string, quantity decimal.Decimal, price int64, activeBatches int) string {
	var b strings.Builder
	b.WriteString(productID)
	b.WriteByte('|')
	b.WriteString(quantity.String())
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(price, 10))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(activeBatches))
	return b.String()
}
