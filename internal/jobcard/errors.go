package jobcard

import (
	"fmt"

	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
)

var (
	ErrInvalidTransition = fmt.Errorf("%w: status transition not allowed", httpx.ErrBusinessRule)
	ErrEstimatePending   = fmt.Errorf("%w: an estimate is awaiting customer approval", httpx.ErrConflict)
	ErrEstimateNotOpen   = fmt.Errorf("%w: estimate is not awaiting approval", httpx.ErrConflict)
	ErrEstimateExpired   = fmt.Errorf("%w: estimate validity window has passed", httpx.ErrBusinessRule)
	ErrItemsLocked       = fmt.Errorf("%w: job items can no longer be modified", httpx.ErrBusinessRule)
	ErrNotAssigned       = fmt.Errorf("%w: mechanic is not assigned to this job card", httpx.ErrForbidden)
	ErrNoCouponApplied   = fmt.Errorf("%w: no coupon is applied to this job card", httpx.ErrBusinessRule)

	// ErrEstimateReviewClosed guards estimate review after the job has
	// moved past awaiting-approval, e.g. through an admin override.
	ErrEstimateReviewClosed = fmt.Errorf("%w: the job has moved past estimate review", httpx.ErrBusinessRule)
)

// ErrBalanceDue is returned when delivery is attempted with money still
// owed; the message carries the outstanding amount for the caller.
func ErrBalanceDue(balance float64) error {
	return fmt.Errorf("%w: cannot deliver with outstanding balance of %.2f", httpx.ErrBusinessRule, balance)
}
