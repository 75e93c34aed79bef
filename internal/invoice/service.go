package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gearbox-erp/gearbox-erp/internal/billing"
	"github.com/gearbox-erp/gearbox-erp/internal/jobcard"
	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
	"github.com/gearbox-erp/gearbox-erp/internal/shared"
)

// dueDays is how long after issuance an invoice falls due.
const dueDays = 7

// RepositoryPort defines data access for invoices. ApplyPayment and
// ApplyRefund mutate paid/balance/status as one conditional statement;
// the ledger never read-modify-writes these fields.
type RepositoryPort interface {
	Create(ctx context.Context, inv Invoice) error
	Get(ctx context.Context, id string) (Invoice, error)
	GetByJobCard(ctx context.Context, jobCardID string) (Invoice, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]Invoice, int, error)
	Cancel(ctx context.Context, id string) (Invoice, error)
	NextNumber(ctx context.Context, month time.Time) (string, error)
	ApplyPayment(ctx context.Context, id string, amount float64, at time.Time) (Invoice, error)
	ApplyRefund(ctx context.Context, id string, amount float64) (Invoice, error)
}

// JobCardPort is the slice of the job card module invoicing needs.
type JobCardPort interface {
	Get(ctx context.Context, id string) (jobcard.JobCard, error)
}

// PaymentLine is one settled payment shown on the printed invoice.
type PaymentLine struct {
	Method string    `json:"method"`
	Amount float64   `json:"amount"`
	PaidAt time.Time `json:"paid_at"`
}

// LedgerPort supplies the payment history behind an invoice's paid
// amount.
type LedgerPort interface {
	PaymentLines(ctx context.Context, jobCardID string) ([]PaymentLine, error)
}

// Renderer turns an invoice and its payment history into a binary PDF
// document.
type Renderer interface {
	Render(ctx context.Context, inv Invoice, payments []PaymentLine) ([]byte, error)
}

// ListFilter narrows invoice listings.
type ListFilter struct {
	Status      Status
	CustomerID  string
	Outstanding bool
}

type Service struct {
	repo     RepositoryPort
	jobCards JobCardPort
	renderer Renderer
	ledger   LedgerPort
	audit    *shared.AuditLogger
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(repo RepositoryPort, jobCards JobCardPort, renderer Renderer, ledger LedgerPort, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		jobCards: jobCards,
		renderer: renderer,
		ledger:   ledger,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateFromJobCard issues the invoice for a job card. At most one
// non-cancelled invoice may exist per job card; totals are frozen at
// issue time.
//
// When the stored grand total is zero the service falls back: first it
// recomputes billing from the priced items, and failing that it copies
// the totals of an approved estimate. Billing can lag estimate approval
// under concurrent edits, and issuing must not depend on that write
// having landed.
func (s *Service) CreateFromJobCard(ctx context.Context, jobCardID string) (Invoice, error) {
	jc, err := s.jobCards.Get(ctx, jobCardID)
	if err != nil {
		return Invoice{}, err
	}

	items := append([]billing.LineItem(nil), jc.Items...)
	summary := jc.Billing
	if summary.GrandTotal <= 0 && len(items) > 0 {
		items, summary = billing.Compute(items, summary, jc.BillingApprovedOnly)
	}
	if summary.GrandTotal <= 0 {
		if est := approvedEstimate(jc); est != nil {
			items = append([]billing.LineItem(nil), est.Items...)
			summary = est.Summary
		}
	}
	if summary.GrandTotal <= 0 {
		return Invoice{}, fmt.Errorf("%w: job card has nothing to invoice", httpx.ErrBusinessRule)
	}

	now := s.now()
	number, err := s.repo.NextNumber(ctx, now)
	if err != nil {
		return Invoice{}, fmt.Errorf("allocate invoice number: %w", err)
	}

	afterDiscount := summary.Subtotal - summary.Discount
	if afterDiscount < 0 {
		afterDiscount = 0
	}
	taxAmount := billing.Round2(afterDiscount * summary.TaxRate / 100)
	cgst, sgst := splitTax(taxAmount)

	inv := Invoice{
		ID:            uuid.NewString(),
		Number:        number,
		JobCardID:     jc.ID,
		JobNumber:     jc.JobNumber,
		Customer:      jc.Customer,
		Vehicle:       jc.Vehicle,
		Items:         items,
		Subtotal:      summary.Subtotal,
		Discount:      summary.Discount,
		DiscountNote:  summary.DiscountReason,
		CGSTRate:      summary.TaxRate / 2,
		CGSTAmount:    cgst,
		SGSTRate:      summary.TaxRate / 2,
		SGSTAmount:    sgst,
		GrandTotal:    billing.Round2(afterDiscount + taxAmount),
		PaidAmount:    0,
		BalanceAmount: billing.Round2(afterDiscount + taxAmount),
		Status:        StatusIssued,
		IssuedAt:      now,
		DueDate:       now.AddDate(0, 0, dueDays),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, inv); err != nil {
		return Invoice{}, err
	}
	s.auditRecord(ctx, "invoice.issued", inv.ID, map[string]any{"number": inv.Number, "grand_total": inv.GrandTotal})
	return inv, nil
}

func (s *Service) Get(ctx context.Context, id string) (Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	if err := s.authorize(ctx, inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (s *Service) GetByJobCard(ctx context.Context, jobCardID string) (Invoice, error) {
	inv, err := s.repo.GetByJobCard(ctx, jobCardID)
	if err != nil {
		return Invoice{}, err
	}
	if err := s.authorize(ctx, inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (s *Service) List(ctx context.Context, f ListFilter, page, limit int) ([]Invoice, int, error) {
	return s.repo.List(ctx, f, limit, shared.Offset(page, limit))
}

// Outstanding lists invoices that still carry a balance.
func (s *Service) Outstanding(ctx context.Context, page, limit int) ([]Invoice, int, error) {
	return s.repo.List(ctx, ListFilter{Outstanding: true}, limit, shared.Offset(page, limit))
}

// Cancel voids an unpaid invoice, freeing the job card for re-issuing.
func (s *Service) Cancel(ctx context.Context, id string) (Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.PaidAmount > 0 {
		return Invoice{}, fmt.Errorf("%w: invoice has recorded payments, refund them first", httpx.ErrBusinessRule)
	}
	if inv.Status == StatusCancelled {
		return inv, nil
	}
	cancelled, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	s.auditRecord(ctx, "invoice.cancelled", id, map[string]any{"number": inv.Number})
	return cancelled, nil
}

// RenderPDF produces the printable invoice document. Rendering failures
// never affect invoice state.
func (s *Service) RenderPDF(ctx context.Context, id string) ([]byte, error) {
	inv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.renderer == nil {
		return nil, fmt.Errorf("%w: document rendering is not configured", httpx.ErrUpstream)
	}
	var lines []PaymentLine
	if s.ledger != nil {
		if lines, err = s.ledger.PaymentLines(ctx, inv.JobCardID); err != nil {
			return nil, fmt.Errorf("collect payment history: %w", err)
		}
	}
	doc, err := s.renderer.Render(ctx, inv, lines)
	if err != nil {
		return nil, fmt.Errorf("%w: render invoice %s: %s", httpx.ErrUpstream, inv.Number, err)
	}
	return doc, nil
}

// authorize hides other customers' invoices; staff see everything.
func (s *Service) authorize(ctx context.Context, inv Invoice) error {
	actor := shared.ActorFromContext(ctx)
	if actor.Role == shared.RoleCustomer && actor.ID != inv.Customer.CustomerID {
		return fmt.Errorf("%w: invoice belongs to another customer", httpx.ErrForbidden)
	}
	return nil
}

func approvedEstimate(jc jobcard.JobCard) *jobcard.Estimate {
	if jc.Estimate != nil && jc.Estimate.Status == jobcard.EstimateApproved {
		return jc.Estimate
	}
	return nil
}

func (s *Service) auditRecord(ctx context.Context, action, entityID string, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx).ID,
		Action:   action,
		Entity:   "invoice",
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}
