package payments

import (
	"time"
)

// PaymentStatus enumerates payment transaction states.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment is one transaction against a job card's invoice. A completed
// payment is immutable except through the refund workflow, which only
// ever grows RefundedAmount.
type Payment struct {
	ID               string        `json:"id"`
	JobCardID        string        `json:"job_card_id"`
	InvoiceID        string        `json:"invoice_id,omitempty"`
	CustomerID       string        `json:"customer_id"`
	Amount           float64       `json:"amount"`
	RefundedAmount   float64       `json:"refunded_amount"`
	Method           string        `json:"method"`
	Status           PaymentStatus `json:"status"`
	GatewayOrderID   string        `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string        `json:"gateway_payment_id,omitempty"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Effective is the amount still counted as settled after refunds.
func (p Payment) Effective() float64 {
	return p.Amount - p.RefundedAmount
}

// RefundStatus enumerates refund workflow states. Transitions are
// one-way: PENDING to APPROVED or REJECTED, APPROVED to PROCESSED.
type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundApproved  RefundStatus = "APPROVED"
	RefundRejected  RefundStatus = "REJECTED"
	RefundProcessed RefundStatus = "PROCESSED"
)

// RefundLog is one append-only workflow log entry.
type RefundLog struct {
	Action  string    `json:"action"`
	ActorID string    `json:"actor_id"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

// RefundRequest authorizes the ledger to decrement a payment's settled
// amount. It never moves money itself.
type RefundRequest struct {
	ID              string       `json:"id"`
	PaymentID       string       `json:"payment_id"`
	JobCardID       string       `json:"job_card_id"`
	InvoiceID       string       `json:"invoice_id,omitempty"`
	RequestedAmount float64      `json:"requested_amount"`
	Reason          string       `json:"reason"`
	Status          RefundStatus `json:"status"`
	Logs            []RefundLog  `json:"logs,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}
