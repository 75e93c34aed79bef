// Package billing implements the line-item billing calculator.
//
// The calculator is the only writer of subtotal/tax/grand-total figures
// anywhere in the engine. It is pure and idempotent: re-running it over
// the same items always yields the same summary, which is what makes it
// safe to re-run whenever a stale total is detected.
package billing

import "math"

// ItemType classifies a billable line on a job card or estimate.
type ItemType string

const (
	ItemService    ItemType = "service"
	ItemLabour     ItemType = "labour"
	ItemPart       ItemType = "part"
	ItemConsumable ItemType = "consumable"
	ItemExternal   ItemType = "external"
)

// ValidItemType reports whether t is one of the closed item types.
func ValidItemType(t ItemType) bool {
	switch t {
	case ItemService, ItemLabour, ItemPart, ItemConsumable, ItemExternal:
		return true
	}
	return false
}

// LineItem is a single priced line. Total is computed, never supplied.
type LineItem struct {
	ID          string   `json:"id,omitempty"`
	Type        ItemType `json:"type"`
	Name        string   `json:"name"`
	Quantity    float64  `json:"quantity"`
	UnitPrice   float64  `json:"unit_price"`
	DiscountPct float64  `json:"discount_pct"`
	Approved    bool     `json:"approved"`
	Total       float64  `json:"total"`
}

// Summary is the authoritative billing block of a job card or estimate.
type Summary struct {
	Subtotal       float64 `json:"subtotal"`
	Discount       float64 `json:"discount"`
	DiscountReason string  `json:"discount_reason,omitempty"`
	TaxRate        float64 `json:"tax_rate"`
	TaxAmount      float64 `json:"tax_amount"`
	GrandTotal     float64 `json:"grand_total"`
	CouponCode     string  `json:"coupon_code,omitempty"`
}

// Round2 rounds to two decimal places, half-up. Rounding is applied at
// the point of computation so errors never accumulate across calls.
// The epsilon compensates for .005 boundaries that float64 stores just
// below their decimal value, e.g. 1.005 scaling to 100.499...
func Round2(v float64) float64 {
	return math.Floor(v*100+0.5+1e-9) / 100
}

// Normalize clamps a line item into its valid domain: quantity at least 1,
// price non-negative, discount within [0,100].
func Normalize(it LineItem) LineItem {
	if it.Quantity < 1 {
		it.Quantity = 1
	}
	if it.UnitPrice < 0 {
		it.UnitPrice = 0
	}
	if it.DiscountPct < 0 {
		it.DiscountPct = 0
	}
	if it.DiscountPct > 100 {
		it.DiscountPct = 100
	}
	return it
}

// LineTotal computes the rounded total for one normalized line.
func LineTotal(it LineItem) float64 {
	gross := it.Quantity * it.UnitPrice
	discount := gross * it.DiscountPct / 100
	return Round2(math.Max(0, gross-discount))
}

// Compute normalizes every item, fills each item total and returns the
// billing summary. When approvedOnly is set, only approved items count
// toward the subtotal; item totals are still filled for all lines.
//
// Discount, discount reason, tax rate and coupon code are carried over
// from prev — the calculator recomputes derived figures only.
func Compute(items []LineItem, prev Summary, approvedOnly bool) ([]LineItem, Summary) {
	out := make([]LineItem, len(items))
	var subtotal float64
	for i, it := range items {
		it = Normalize(it)
		it.Total = LineTotal(it)
		out[i] = it
		if approvedOnly && !it.Approved {
			continue
		}
		subtotal += it.Total
	}

	sum := prev
	sum.Subtotal = Round2(subtotal)
	afterDiscount := math.Max(0, sum.Subtotal-sum.Discount)
	sum.TaxAmount = Round2(afterDiscount * sum.TaxRate / 100)
	sum.GrandTotal = Round2(afterDiscount + sum.TaxAmount)
	return out, sum
}
