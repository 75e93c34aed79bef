package coupon

import (
	"fmt"
	"math"
	"time"

	"github.com/gearbox-erp/gearbox-erp/internal/billing"
	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
)

// DiscountType enumerates coupon discount kinds.
type DiscountType string

const (
	DiscountFlat       DiscountType = "flat"
	DiscountPercentage DiscountType = "percentage"
)

// Unlimited marks a usage limit with no ceiling.
const Unlimited = -1

// Coupon is a code-based discount rule with a validity window and usage
// limits. Counters are mutated only through Repository.RecordUsage.
type Coupon struct {
	ID                string       `json:"id"`
	Code              string       `json:"code"`
	Type              DiscountType `json:"type"`
	Value             float64      `json:"value"`
	MaxDiscountAmount float64      `json:"max_discount_amount"` // 0 means uncapped
	MinInvoiceAmount  float64      `json:"min_invoice_amount"`
	IsActive          bool         `json:"is_active"`
	ValidFrom         time.Time    `json:"valid_from"`
	ValidTill         time.Time    `json:"valid_till"`
	UsageLimitTotal   int          `json:"usage_limit_total"`
	UsageLimitPerUser int          `json:"usage_limit_per_user"`
	UsedCount         int          `json:"used_count"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Validation failures. All wrap httpx.ErrBusinessRule so they surface as
// 422 with the failing reason.
var (
	ErrInactive       = fmt.Errorf("%w: coupon is not active", httpx.ErrBusinessRule)
	ErrOutsideWindow  = fmt.Errorf("%w: coupon is outside its validity window", httpx.ErrBusinessRule)
	ErrMinAmount      = fmt.Errorf("%w: order amount below coupon minimum", httpx.ErrBusinessRule)
	ErrUsageExhausted = fmt.Errorf("%w: coupon usage limit reached", httpx.ErrBusinessRule)
	ErrPerUserLimit   = fmt.Errorf("%w: coupon usage limit for this customer reached", httpx.ErrBusinessRule)
)

// CanBeUsedBy validates the coupon for a customer and order amount.
// Checks run in a fixed order and the first failure is returned; no
// check is skipped silently. customerUsed is this customer's recorded
// usage count.
func (c Coupon) CanBeUsedBy(customerUsed int, orderAmount float64, now time.Time) error {
	if !c.IsActive {
		return ErrInactive
	}
	if now.Before(c.ValidFrom) || now.After(c.ValidTill) {
		return ErrOutsideWindow
	}
	if orderAmount < c.MinInvoiceAmount {
		return fmt.Errorf("%w: minimum order amount %.2f required, got %.2f", ErrMinAmount, c.MinInvoiceAmount, orderAmount)
	}
	if c.UsageLimitTotal != Unlimited && c.UsedCount >= c.UsageLimitTotal {
		return ErrUsageExhausted
	}
	if c.UsageLimitPerUser != Unlimited && customerUsed >= c.UsageLimitPerUser {
		return ErrPerUserLimit
	}
	return nil
}

// CalculateDiscount computes the discount for an order amount.
// Flat coupons never exceed the order amount; percentage coupons are
// capped by MaxDiscountAmount when set.
func (c Coupon) CalculateDiscount(orderAmount float64) float64 {
	switch c.Type {
	case DiscountFlat:
		return billing.Round2(math.Min(c.Value, orderAmount))
	case DiscountPercentage:
		discount := orderAmount * c.Value / 100
		if c.MaxDiscountAmount > 0 {
			discount = math.Min(discount, c.MaxDiscountAmount)
		}
		return billing.Round2(discount)
	}
	return 0
}

// DiscountReason returns the reason string written into job card billing
// when this coupon is applied.
func (c Coupon) DiscountReason() string {
	return "COUPON:" + c.Code
}
