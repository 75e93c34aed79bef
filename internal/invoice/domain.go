package invoice

import (
	"time"

	"github.com/gearbox-erp/gearbox-erp/internal/billing"
	"github.com/gearbox-erp/gearbox-erp/internal/jobcard"
)

// Status enumerates invoice payment states.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusIssued        Status = "ISSUED"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusPaid          Status = "PAID"
	StatusRefunded      Status = "REFUNDED"
	StatusCancelled     Status = "CANCELLED"
)

// Invoice is an immutable-once-issued snapshot of a job card's billing.
// After issuance only paid amount, balance and status may change, and
// only through ledger events.
type Invoice struct {
	ID            string                   `json:"id"`
	Number        string                   `json:"number"`
	JobCardID     string                   `json:"job_card_id"`
	JobNumber     string                   `json:"job_number"`
	Customer      jobcard.CustomerSnapshot `json:"customer"`
	Vehicle       jobcard.VehicleSnapshot  `json:"vehicle"`
	Items         []billing.LineItem       `json:"items"`
	Subtotal      float64                  `json:"subtotal"`
	Discount      float64                  `json:"discount"`
	DiscountNote  string                   `json:"discount_note,omitempty"`
	CGSTRate      float64                  `json:"cgst_rate"`
	CGSTAmount    float64                  `json:"cgst_amount"`
	SGSTRate      float64                  `json:"sgst_rate"`
	SGSTAmount    float64                  `json:"sgst_amount"`
	GrandTotal    float64                  `json:"grand_total"`
	PaidAmount    float64                  `json:"paid_amount"`
	BalanceAmount float64                  `json:"balance_amount"`
	Status        Status                   `json:"status"`
	IssuedAt      time.Time                `json:"issued_at"`
	DueDate       time.Time                `json:"due_date"`
	PaidAt        *time.Time               `json:"paid_at,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// Settled reports whether nothing remains to be collected.
func (inv Invoice) Settled() bool {
	return inv.BalanceAmount <= 0.01
}

// splitTax halves the flat tax amount into CGST and SGST. The second
// half takes the rounding remainder so the two always sum to the total.
func splitTax(taxAmount float64) (cgst, sgst float64) {
	cgst = billing.Round2(taxAmount / 2)
	sgst = billing.Round2(taxAmount - cgst)
	return cgst, sgst
}
