package jobcard

import (
	"time"

	"github.com/gearbox-erp/gearbox-erp/internal/billing"
)

// Status enumerates job card lifecycle states.
type Status string

const (
	StatusCreated          Status = "created"
	StatusInspection       Status = "inspection"
	StatusAwaitingApproval Status = "awaiting-approval"
	StatusApproved         Status = "approved"
	StatusInProgress       Status = "in-progress"
	StatusQualityCheck     Status = "quality-check"
	StatusReady            Status = "ready"
	StatusDelivered        Status = "delivered"
	StatusCancelled        Status = "cancelled"
)

// transitions is the explicit state machine table. A target status is
// reachable only if listed for the current status; cancelled is reachable
// from every non-terminal state.
var transitions = map[Status][]Status{
	StatusCreated:          {StatusInspection, StatusAwaitingApproval, StatusCancelled},
	StatusInspection:       {StatusAwaitingApproval, StatusApproved, StatusCancelled},
	StatusAwaitingApproval: {StatusApproved, StatusCancelled},
	StatusApproved:         {StatusInProgress, StatusCancelled},
	StatusInProgress:       {StatusQualityCheck, StatusCancelled},
	StatusQualityCheck:     {StatusReady, StatusCancelled},
	StatusReady:            {StatusDelivered, StatusCancelled},
	StatusDelivered:        nil,
	StatusCancelled:        nil,
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0 && ValidStatus(s)
}

// StatusHistoryEntry records one status change. The history is append-only
// and persists atomically with the status field itself.
type StatusHistoryEntry struct {
	Status  Status    `json:"status"`
	ActorID string    `json:"actor_id"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

// EstimateStatus enumerates estimate review states.
type EstimateStatus string

const (
	EstimatePending  EstimateStatus = "PENDING_APPROVAL"
	EstimateApproved EstimateStatus = "APPROVED"
	EstimateRejected EstimateStatus = "REJECTED"
)

// Estimate is a versioned cost proposal awaiting customer review. At most
// one estimate per job card is PENDING_APPROVAL; an approved estimate is
// immutable and revisions allocate a new version.
type Estimate struct {
	Version    int                `json:"version"`
	Status     EstimateStatus     `json:"status"`
	Items      []billing.LineItem `json:"items"`
	Summary    billing.Summary    `json:"summary"`
	Notes      string             `json:"notes,omitempty"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
	ReviewedBy string             `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time         `json:"reviewed_at,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// VehicleSnapshot freezes vehicle identity at job card creation time.
// The directory is never re-joined afterwards, for historical accuracy.
type VehicleSnapshot struct {
	VehicleID    string `json:"vehicle_id"`
	Registration string `json:"registration"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	Year         int    `json:"year,omitempty"`
}

// CustomerSnapshot freezes customer identity at creation time.
type CustomerSnapshot struct {
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
}

// PaymentSummary is derived fresh from the payment collection on every
// read; it is never cached on the job card row.
type PaymentSummary struct {
	GrandTotal        float64 `json:"grand_total"`
	TotalPaid         float64 `json:"total_paid"`
	BalanceDue        float64 `json:"balance_due"`
	CompletedPayments int     `json:"completed_payments"`
}

// JobCard is a vehicle service work order. Billing figures are written
// exclusively by recalculate (and the estimate-approval copy-over); no
// other code path may set them.
type JobCard struct {
	ID                  string               `json:"id"`
	JobNumber           string               `json:"job_number"`
	Customer            CustomerSnapshot     `json:"customer"`
	Vehicle             VehicleSnapshot      `json:"vehicle"`
	Items               []billing.LineItem   `json:"items"`
	Billing             billing.Summary      `json:"billing"`
	BillingApprovedOnly bool                 `json:"billing_approved_only"`
	Estimate            *Estimate            `json:"estimate,omitempty"`
	EstimateHistory     []Estimate           `json:"estimate_history,omitempty"`
	Status              Status               `json:"status"`
	StatusHistory       []StatusHistoryEntry `json:"status_history,omitempty"`
	Mechanics           []string             `json:"mechanics,omitempty"`
	Images              []string             `json:"images,omitempty"`
	Videos              []string             `json:"videos,omitempty"`
	Version             int                  `json:"version"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// recalculate reruns the billing calculator over the job items. It is the
// single writer of Billing.Subtotal/TaxAmount/GrandTotal.
func (jc *JobCard) recalculate() {
	jc.Items, jc.Billing = billing.Compute(jc.Items, jc.Billing, jc.BillingApprovedOnly)
}

// adoptEstimateTotals copies an approved estimate's totals verbatim into
// billing. This is the one sanctioned write of billing outside the
// calculator.
func (jc *JobCard) adoptEstimateTotals(est Estimate) {
	jc.Billing.Subtotal = est.Summary.Subtotal
	jc.Billing.Discount = est.Summary.Discount
	jc.Billing.DiscountReason = est.Summary.DiscountReason
	jc.Billing.TaxRate = est.Summary.TaxRate
	jc.Billing.TaxAmount = est.Summary.TaxAmount
	jc.Billing.GrandTotal = est.Summary.GrandTotal
}

// HasMechanic reports whether the given mechanic is assigned.
func (jc *JobCard) HasMechanic(mechanicID string) bool {
	for _, id := range jc.Mechanics {
		if id == mechanicID {
			return true
		}
	}
	return false
}

// PendingEstimate returns the active estimate if it awaits approval.
func (jc *JobCard) PendingEstimate() *Estimate {
	if jc.Estimate != nil && jc.Estimate.Status == EstimatePending {
		return jc.Estimate
	}
	return nil
}
