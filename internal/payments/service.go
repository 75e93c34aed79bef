package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gearbox-erp/gearbox-erp/internal/billing"
	"github.com/gearbox-erp/gearbox-erp/internal/invoice"
	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
	"github.com/gearbox-erp/gearbox-erp/internal/shared"
)

// RepositoryPort defines data access for payments and refund requests.
type RepositoryPort interface {
	CreatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id string) (Payment, error)
	GetPaymentByOrder(ctx context.Context, gatewayOrderID string) (Payment, error)
	ListByJobCard(ctx context.Context, jobCardID string) ([]Payment, error)
	CompletePayment(ctx context.Context, id, gatewayPaymentID string, at time.Time) (Payment, error)
	FailPayment(ctx context.Context, id string) error
	TotalPaid(ctx context.Context, jobCardID string) (float64, int, error)
	ApplyRefundToPayment(ctx context.Context, id string, amount float64) (Payment, error)
	CreateRefund(ctx context.Context, rr RefundRequest) error
	GetRefund(ctx context.Context, id string) (RefundRequest, error)
	ListRefunds(ctx context.Context, status RefundStatus, limit, offset int) ([]RefundRequest, int, error)
	TransitionRefund(ctx context.Context, id string, from, to RefundStatus, entry RefundLog) (RefundRequest, error)
}

// InvoicePort is the slice of the invoice module the ledger drives.
type InvoicePort interface {
	Get(ctx context.Context, id string) (invoice.Invoice, error)
	GetByJobCard(ctx context.Context, jobCardID string) (invoice.Invoice, error)
	ApplyPayment(ctx context.Context, id string, amount float64, at time.Time) (invoice.Invoice, error)
	ApplyRefund(ctx context.Context, id string, amount float64) (invoice.Invoice, error)
}

// Notifier announces successful payments. Best-effort.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, p Payment) error
}

type Service struct {
	repo     RepositoryPort
	invoices InvoicePort
	gateway  Gateway
	notifier Notifier
	audit    *shared.AuditLogger
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(repo RepositoryPort, invoices InvoicePort, gateway Gateway, notifier Notifier, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		invoices: invoices,
		gateway:  gateway,
		notifier: notifier,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateOrder opens a gateway checkout order for a job card's invoice
// and records the pending payment. A zero amount means the full
// remaining balance.
func (s *Service) CreateOrder(ctx context.Context, jobCardID string, amount float64) (Payment, GatewayOrder, error) {
	inv, err := s.invoices.GetByJobCard(ctx, jobCardID)
	if err != nil {
		return Payment{}, GatewayOrder{}, err
	}
	if inv.Settled() {
		return Payment{}, GatewayOrder{}, fmt.Errorf("%w: invoice %s is already fully paid", httpx.ErrBusinessRule, inv.Number)
	}
	if amount <= 0 {
		amount = inv.BalanceAmount
	}
	if amount > inv.BalanceAmount+0.01 {
		return Payment{}, GatewayOrder{}, fmt.Errorf("%w: amount exceeds the outstanding balance of %.2f", httpx.ErrBusinessRule, inv.BalanceAmount)
	}
	amount = billing.Round2(amount)

	order, err := s.gateway.CreateOrder(ctx, amount, inv.Number)
	if err != nil {
		return Payment{}, GatewayOrder{}, err
	}

	now := s.now()
	p := Payment{
		ID:             uuid.NewString(),
		JobCardID:      jobCardID,
		InvoiceID:      inv.ID,
		CustomerID:     inv.Customer.CustomerID,
		Amount:         amount,
		Method:         "gateway",
		Status:         PaymentPending,
		GatewayOrderID: order.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreatePayment(ctx, p); err != nil {
		return Payment{}, GatewayOrder{}, err
	}
	return p, order, nil
}

// VerifyAndComplete settles a gateway payment. The HMAC signature is the
// proof of payment; the invoice increment and status recompute happen in
// one conditional statement, so two racing completions cannot both land.
func (s *Service) VerifyAndComplete(ctx context.Context, orderID, paymentID, signature string) (Payment, error) {
	if !s.gateway.VerifySignature(orderID, paymentID, signature) {
		return Payment{}, fmt.Errorf("%w: payment signature verification failed", httpx.ErrUpstream)
	}
	p, err := s.repo.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, err
	}

	now := s.now()
	completed, err := s.repo.CompletePayment(ctx, p.ID, paymentID, now)
	if err != nil {
		return Payment{}, err
	}
	if _, err := s.invoices.ApplyPayment(ctx, completed.InvoiceID, completed.Amount, now); err != nil {
		// The invoice refused the money, usually because a concurrent
		// payment already settled it. The completed record must not
		// stand.
		if ferr := s.repo.FailPayment(ctx, completed.ID); ferr != nil {
			s.logger.Error("revert payment after invoice rejection", "payment", completed.ID, "error", ferr)
		}
		return Payment{}, err
	}
	s.auditRecord(ctx, "payment.completed", completed.ID, map[string]any{"amount": completed.Amount, "invoice": completed.InvoiceID})
	s.notifySuccess(ctx, completed)
	return completed, nil
}

// RecordCashPayment settles an over-the-counter payment without the
// gateway round trip.
func (s *Service) RecordCashPayment(ctx context.Context, jobCardID string, amount float64, method string) (Payment, error) {
	if amount <= 0 {
		return Payment{}, fmt.Errorf("%w: payment amount must be positive", httpx.ErrValidation)
	}
	if method == "" {
		method = "cash"
	}
	inv, err := s.invoices.GetByJobCard(ctx, jobCardID)
	if err != nil {
		return Payment{}, err
	}

	now := s.now()
	amount = billing.Round2(amount)
	p := Payment{
		ID:         uuid.NewString(),
		JobCardID:  jobCardID,
		InvoiceID:  inv.ID,
		CustomerID: inv.Customer.CustomerID,
		Amount:     amount,
		Method:     method,
		Status:     PaymentCompleted,
		PaidAt:     &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// Record first, credit second: a credited invoice must always be
	// backed by a payment row.
	if err := s.repo.CreatePayment(ctx, p); err != nil {
		return Payment{}, err
	}
	if _, err := s.invoices.ApplyPayment(ctx, inv.ID, amount, now); err != nil {
		if ferr := s.repo.FailPayment(ctx, p.ID); ferr != nil {
			s.logger.Error("revert payment after invoice rejection", "payment", p.ID, "error", ferr)
		}
		return Payment{}, err
	}
	s.auditRecord(ctx, "payment.completed", p.ID, map[string]any{"amount": amount, "method": method})
	s.notifySuccess(ctx, p)
	return p, nil
}

func (s *Service) GetPayment(ctx context.Context, id string) (Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

func (s *Service) ListByJobCard(ctx context.Context, jobCardID string) ([]Payment, error) {
	return s.repo.ListByJobCard(ctx, jobCardID)
}

// TotalPaid reports the settled amount and completed-payment count for a
// job card. It backs the delivery gate.
func (s *Service) TotalPaid(ctx context.Context, jobCardID string) (float64, int, error) {
	return s.repo.TotalPaid(ctx, jobCardID)
}

// PaymentLines projects the settled payments of a job card for the
// printed invoice. Refunded money is netted out per payment.
func (s *Service) PaymentLines(ctx context.Context, jobCardID string) ([]invoice.PaymentLine, error) {
	list, err := s.repo.ListByJobCard(ctx, jobCardID)
	if err != nil {
		return nil, err
	}
	lines := make([]invoice.PaymentLine, 0, len(list))
	for _, p := range list {
		if p.Status != PaymentCompleted && p.Status != PaymentRefunded {
			continue
		}
		line := invoice.PaymentLine{Method: p.Method, Amount: p.Effective()}
		if p.PaidAt != nil {
			line.PaidAt = *p.PaidAt
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// RequestRefund opens a refund workflow against a completed payment.
func (s *Service) RequestRefund(ctx context.Context, paymentID string, amount float64, reason string) (RefundRequest, error) {
	if amount <= 0 {
		return RefundRequest{}, fmt.Errorf("%w: refund amount must be positive", httpx.ErrValidation)
	}
	if reason == "" {
		return RefundRequest{}, fmt.Errorf("%w: refund reason is required", httpx.ErrValidation)
	}
	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return RefundRequest{}, err
	}
	if p.Status != PaymentCompleted {
		return RefundRequest{}, fmt.Errorf("%w: only completed payments can be refunded", httpx.ErrBusinessRule)
	}
	if amount > p.Effective() {
		return RefundRequest{}, fmt.Errorf("%w: refund exceeds the payment's settled amount of %.2f", httpx.ErrBusinessRule, p.Effective())
	}

	now := s.now()
	rr := RefundRequest{
		ID:              uuid.NewString(),
		PaymentID:       p.ID,
		JobCardID:       p.JobCardID,
		InvoiceID:       p.InvoiceID,
		RequestedAmount: billing.Round2(amount),
		Reason:          reason,
		Status:          RefundPending,
		Logs: []RefundLog{{
			Action:  "requested",
			ActorID: shared.ActorFromContext(ctx).ID,
			Note:    reason,
			At:      now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateRefund(ctx, rr); err != nil {
		return RefundRequest{}, err
	}
	s.auditRecord(ctx, "refund.requested", rr.ID, map[string]any{"payment": p.ID, "amount": rr.RequestedAmount})
	return rr, nil
}

// ApproveRefund moves a pending request to approved.
func (s *Service) ApproveRefund(ctx context.Context, id, note string) (RefundRequest, error) {
	return s.transitionRefund(ctx, id, RefundPending, RefundApproved, "approved", note)
}

// RejectRefund closes a pending request without moving money.
func (s *Service) RejectRefund(ctx context.Context, id, note string) (RefundRequest, error) {
	return s.transitionRefund(ctx, id, RefundPending, RefundRejected, "rejected", note)
}

// ProcessRefund executes an approved refund: the payment still has to
// carry enough settled money, then the request is claimed so only one
// processor wins, then the payment and invoice ledgers are adjusted,
// and only then is the gateway asked to move money. If a ledger
// adjustment refuses, the claim is released back to approved so the
// request never reads processed while no money moved. A gateway
// failure is logged and swallowed; the local ledger is the source of
// truth.
func (s *Service) ProcessRefund(ctx context.Context, id string) (RefundRequest, error) {
	rr, err := s.repo.GetRefund(ctx, id)
	if err != nil {
		return RefundRequest{}, err
	}
	if rr.Status == RefundApproved {
		p, err := s.repo.GetPayment(ctx, rr.PaymentID)
		if err != nil {
			return RefundRequest{}, err
		}
		if rr.RequestedAmount > p.Effective() {
			return RefundRequest{}, fmt.Errorf("%w: refund exceeds the payment's settled amount of %.2f", httpx.ErrBusinessRule, p.Effective())
		}
	}

	rr, err = s.transitionRefund(ctx, id, RefundApproved, RefundProcessed, "processed", "")
	if err != nil {
		return RefundRequest{}, err
	}

	p, err := s.repo.ApplyRefundToPayment(ctx, rr.PaymentID, rr.RequestedAmount)
	if err != nil {
		s.releaseRefundClaim(ctx, id)
		return RefundRequest{}, err
	}
	if rr.InvoiceID != "" {
		if _, err := s.invoices.ApplyRefund(ctx, rr.InvoiceID, rr.RequestedAmount); err != nil {
			if _, rerr := s.repo.ApplyRefundToPayment(ctx, rr.PaymentID, -rr.RequestedAmount); rerr != nil {
				s.logger.Error("restore payment after invoice refund failure", "payment", rr.PaymentID, "refund", rr.ID, "error", rerr)
			}
			s.releaseRefundClaim(ctx, id)
			return RefundRequest{}, err
		}
	}
	s.auditRecord(ctx, "refund.processed", rr.ID, map[string]any{"payment": p.ID, "amount": rr.RequestedAmount})

	if p.GatewayPaymentID != "" {
		if err := s.gateway.Refund(ctx, p.GatewayPaymentID, rr.RequestedAmount); err != nil {
			s.logger.Warn("gateway refund failed", "payment", p.ID, "refund", rr.ID, "error", err)
		}
	}
	return rr, nil
}

func (s *Service) GetRefund(ctx context.Context, id string) (RefundRequest, error) {
	return s.repo.GetRefund(ctx, id)
}

func (s *Service) ListRefunds(ctx context.Context, status RefundStatus, page, limit int) ([]RefundRequest, int, error) {
	return s.repo.ListRefunds(ctx, status, limit, shared.Offset(page, limit))
}

// releaseRefundClaim undoes a processed claim after a ledger refusal.
func (s *Service) releaseRefundClaim(ctx context.Context, id string) {
	entry := RefundLog{
		Action:  "reverted",
		ActorID: shared.ActorFromContext(ctx).ID,
		Note:    "ledger adjustment refused",
		At:      s.now(),
	}
	if _, err := s.repo.TransitionRefund(ctx, id, RefundProcessed, RefundApproved, entry); err != nil {
		s.logger.Error("release refund claim", "refund", id, "error", err)
	}
}

func (s *Service) transitionRefund(ctx context.Context, id string, from, to RefundStatus, action, note string) (RefundRequest, error) {
	entry := RefundLog{
		Action:  action,
		ActorID: shared.ActorFromContext(ctx).ID,
		Note:    note,
		At:      s.now(),
	}
	rr, err := s.repo.TransitionRefund(ctx, id, from, to, entry)
	if err != nil {
		return RefundRequest{}, err
	}
	s.auditRecord(ctx, "refund."+action, rr.ID, map[string]any{"payment": rr.PaymentID})
	return rr, nil
}

func (s *Service) notifySuccess(ctx context.Context, p Payment) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PaymentSucceeded(ctx, p); err != nil {
		s.logger.Warn("payment notification failed", "payment", p.ID, "error", err)
	}
}

func (s *Service) auditRecord(ctx context.Context, action, entityID string, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx).ID,
		Action:   action,
		Entity:   "payment",
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}
