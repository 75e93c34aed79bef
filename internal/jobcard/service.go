package jobcard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gearbox-erp/gearbox-erp/internal/billing"
	"github.com/gearbox-erp/gearbox-erp/internal/coupon"
	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
	"github.com/gearbox-erp/gearbox-erp/internal/shared"
)

// item mutations are allowed only while work is still being scoped or
// performed; from quality-check onwards the bill is frozen.
var itemEditable = map[Status]bool{
	StatusCreated:          true,
	StatusInspection:       true,
	StatusAwaitingApproval: true,
	StatusApproved:         true,
	StatusInProgress:       true,
}

// Repository persists job cards. Update performs an optimistic version
// check; UpdateStatus persists the status change and its history entry
// atomically.
type Repository interface {
	Create(ctx context.Context, jc JobCard) error
	Get(ctx context.Context, id string) (JobCard, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]JobCard, int, error)
	Update(ctx context.Context, jc JobCard) (JobCard, error)
	UpdateStatus(ctx context.Context, jc JobCard, entry StatusHistoryEntry) (JobCard, error)
	NextJobNumber(ctx context.Context, day time.Time) (string, error)
}

// CouponPort is the slice of the coupon engine the lifecycle needs.
type CouponPort interface {
	Validate(ctx context.Context, code, customerID string, orderAmount float64) (coupon.Coupon, float64, error)
	RecordUsage(ctx context.Context, c coupon.Coupon, customerID string) error
}

// LedgerPort reports completed payments against a job card. Totals are
// derived fresh on every call, never cached on the job card.
type LedgerPort interface {
	TotalPaid(ctx context.Context, jobCardID string) (float64, int, error)
}

// Notifier delivers lifecycle notifications. Implementations are
// best-effort; the service logs failures and moves on.
type Notifier interface {
	JobStatusChanged(ctx context.Context, jc JobCard) error
	EstimateReady(ctx context.Context, jc JobCard) error
	EstimateReviewed(ctx context.Context, jc JobCard) error
	VehicleReady(ctx context.Context, jc JobCard) error
}

type noopNotifier struct{}

func (noopNotifier) JobStatusChanged(context.Context, JobCard) error { return nil }
func (noopNotifier) EstimateReady(context.Context, JobCard) error    { return nil }
func (noopNotifier) EstimateReviewed(context.Context, JobCard) error { return nil }
func (noopNotifier) VehicleReady(context.Context, JobCard) error     { return nil }

// MechanicDirectory answers capability checks for mechanic assignment.
type MechanicDirectory interface {
	CanPerform(ctx context.Context, mechanicID string, types []billing.ItemType) (bool, error)
}

// ListFilter narrows job card listings.
type ListFilter struct {
	Status     Status
	CustomerID string
	MechanicID string
}

type Service struct {
	repo      Repository
	coupons   CouponPort
	ledger    LedgerPort
	notifier  Notifier
	mechanics MechanicDirectory
	audit     *shared.AuditLogger
	logger    *slog.Logger
	taxRate   float64
	now       func() time.Time
}

func NewService(repo Repository, coupons CouponPort, ledger LedgerPort, notifier Notifier, mechanics MechanicDirectory, audit *shared.AuditLogger, logger *slog.Logger, taxRate float64) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Service{
		repo:      repo,
		coupons:   coupons,
		ledger:    ledger,
		notifier:  notifier,
		mechanics: mechanics,
		audit:     audit,
		logger:    logger,
		taxRate:   taxRate,
		now:       time.Now,
	}
}

// CreateInput carries the fields needed to open a job card.
type CreateInput struct {
	Customer   CustomerSnapshot
	Vehicle    VehicleSnapshot
	Complaints string
	Mechanics  []string
	Images     []string
	Videos     []string
}

func (s *Service) Create(ctx context.Context, input CreateInput) (JobCard, error) {
	if input.Customer.CustomerID == "" || input.Vehicle.VehicleID == "" {
		return JobCard{}, fmt.Errorf("%w: customer and vehicle are required", httpx.ErrValidation)
	}
	now := s.now()
	number, err := s.repo.NextJobNumber(ctx, now)
	if err != nil {
		return JobCard{}, fmt.Errorf("allocate job number: %w", err)
	}
	jc := JobCard{
		ID:        uuid.NewString(),
		JobNumber: number,
		Customer:  input.Customer,
		Vehicle:   input.Vehicle,
		Items:     []billing.LineItem{},
		Billing:   billing.Summary{TaxRate: s.taxRate},
		Status:    StatusCreated,
		StatusHistory: []StatusHistoryEntry{{
			Status:  StatusCreated,
			ActorID: actorID(ctx),
			Note:    input.Complaints,
			At:      now,
		}},
		Mechanics: input.Mechanics,
		Images:    input.Images,
		Videos:    input.Videos,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, jc); err != nil {
		return JobCard{}, err
	}
	s.auditRecord(ctx, "job_card.created", jc.ID, map[string]any{"job_number": jc.JobNumber})
	return jc, nil
}

func (s *Service) Get(ctx context.Context, id string) (JobCard, error) {
	return s.repo.Get(ctx, id)
}

// GetWithPayments returns the job card together with a payment summary
// derived from the ledger at call time. The card and the ledger totals
// are independent reads, so they run concurrently.
func (s *Service) GetWithPayments(ctx context.Context, id string) (JobCard, PaymentSummary, error) {
	var (
		jc    JobCard
		paid  float64
		count int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		jc, err = s.repo.Get(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		paid, count, err = s.ledger.TotalPaid(gctx, id)
		if err != nil {
			return fmt.Errorf("derive payment summary: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return JobCard{}, PaymentSummary{}, err
	}
	return jc, PaymentSummary{
		GrandTotal:        jc.Billing.GrandTotal,
		TotalPaid:         billing.Round2(paid),
		BalanceDue:        billing.Round2(jc.Billing.GrandTotal - paid),
		CompletedPayments: count,
	}, nil
}

func (s *Service) List(ctx context.Context, f ListFilter, page, limit int) ([]JobCard, int, error) {
	return s.repo.List(ctx, f, limit, shared.Offset(page, limit))
}

// AddItem appends a line item and reruns the calculator.
func (s *Service) AddItem(ctx context.Context, id string, item billing.LineItem) (JobCard, error) {
	if !billing.ValidItemType(item.Type) {
		return JobCard{}, fmt.Errorf("%w: unknown item type %q", httpx.ErrValidation, item.Type)
	}
	if strings.TrimSpace(item.Name) == "" {
		return JobCard{}, fmt.Errorf("%w: item name is required", httpx.ErrValidation)
	}
	return s.mutateItems(ctx, id, func(jc *JobCard) error {
		item.ID = uuid.NewString()
		// New lines start unapproved; the flag only matters once billing
		// switches to approved-only mode after a partial approval.
		item.Approved = false
		jc.Items = append(jc.Items, item)
		return nil
	})
}

func (s *Service) RemoveItem(ctx context.Context, id, itemID string) (JobCard, error) {
	return s.mutateItems(ctx, id, func(jc *JobCard) error {
		for i, it := range jc.Items {
			if it.ID == itemID {
				jc.Items = append(jc.Items[:i], jc.Items[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: item not found on job card", httpx.ErrNotFound)
	})
}

// SetDiscount applies a manual flat discount with a reason. Applying a
// manual discount clears any coupon so the two never stack.
func (s *Service) SetDiscount(ctx context.Context, id string, amount float64, reason string) (JobCard, error) {
	if amount < 0 {
		return JobCard{}, fmt.Errorf("%w: discount cannot be negative", httpx.ErrValidation)
	}
	return s.mutateItems(ctx, id, func(jc *JobCard) error {
		jc.Billing.Discount = billing.Round2(amount)
		jc.Billing.DiscountReason = reason
		jc.Billing.CouponCode = ""
		return nil
	})
}

// ApplyCoupon validates the code against the customer and current
// subtotal, then installs the computed discount. Only one coupon may be
// active per job card; re-applying the same code refreshes the discount
// without incrementing usage counters. Usage is recorded only after the
// discount is durably attached, so a calculator retry cannot
// double-count.
func (s *Service) ApplyCoupon(ctx context.Context, id, code string) (JobCard, error) {
	jc, err := s.repo.Get(ctx, id)
	if err != nil {
		return JobCard{}, err
	}
	if !itemEditable[jc.Status] {
		return JobCard{}, ErrItemsLocked
	}
	c, discount, err := s.coupons.Validate(ctx, code, jc.Customer.CustomerID, jc.Billing.Subtotal)
	if err != nil {
		return JobCard{}, err
	}
	reapply := jc.Billing.CouponCode == c.Code
	if jc.Billing.CouponCode != "" && !reapply {
		return JobCard{}, fmt.Errorf("%w: coupon %s is already applied, remove it first", httpx.ErrBusinessRule, jc.Billing.CouponCode)
	}
	jc.Billing.Discount = discount
	jc.Billing.DiscountReason = c.DiscountReason()
	jc.Billing.CouponCode = c.Code
	jc.recalculate()
	jc.UpdatedAt = s.now()
	updated, err := s.repo.Update(ctx, jc)
	if err != nil {
		return JobCard{}, err
	}
	if !reapply {
		if err := s.coupons.RecordUsage(ctx, c, jc.Customer.CustomerID); err != nil {
			// Undo the attach so the discount never outlives a failed
			// counter increment.
			updated.Billing.Discount = 0
			updated.Billing.DiscountReason = ""
			updated.Billing.CouponCode = ""
			updated.recalculate()
			updated.UpdatedAt = s.now()
			if _, uerr := s.repo.Update(ctx, updated); uerr != nil {
				s.logger.Error("detach coupon after usage failure", "job_card", jc.ID, "error", uerr)
			}
			return JobCard{}, err
		}
	}
	s.auditRecord(ctx, "job_card.coupon_applied", jc.ID, map[string]any{"code": c.Code, "discount": discount})
	return updated, nil
}

func (s *Service) RemoveCoupon(ctx context.Context, id string) (JobCard, error) {
	jc, err := s.repo.Get(ctx, id)
	if err != nil {
		return JobCard{}, err
	}
	if jc.Billing.CouponCode == "" {
		return JobCard{}, ErrNoCouponApplied
	}
	if !itemEditable[jc.Status] {
		return JobCard{}, ErrItemsLocked
	}
	jc.Billing.Discount = 0
	jc.Billing.DiscountReason = ""
	jc.Billing.CouponCode = ""
	jc.recalculate()
	jc.UpdatedAt = s.now()
	return s.repo.Update(ctx, jc)
}

// AssignMechanic adds a mechanic after checking they can perform the job's
// current item types. The directory is advisory; a missing directory means
// no capability filtering.
func (s *Service) AssignMechanic(ctx context.Context, id, mechanicID string) (JobCard, error) {
	jc, err := s.repo.Get(ctx, id)
	if err != nil {
		return JobCard{}, err
	}
	if jc.Status.Terminal() {
		return JobCard{}, fmt.Errorf("%w: job card is closed", httpx.ErrBusinessRule)
	}
	if jc.HasMechanic(mechanicID) {
		return jc, nil
	}
	if s.mechanics != nil {
		types := make([]billing.ItemType, 0, len(jc.Items))
		for _, it := range jc.Items {
			types = append(types, it.Type)
		}
		ok, err := s.mechanics.CanPerform(ctx, mechanicID, types)
		if err != nil {
			return JobCard{}, err
		}
		if !ok {
			return JobCard{}, fmt.Errorf("%w: mechanic lacks capability for job items", httpx.ErrBusinessRule)
		}
	}
	jc.Mechanics = append(jc.Mechanics, mechanicID)
	jc.UpdatedAt = s.now()
	return s.repo.Update(ctx, jc)
}

// ChangeStatus moves the job card through the state machine. The status
// field and its history entry persist atomically; delivery additionally
// requires the balance to be settled within a one-rupee-cent tolerance.
func (s *Service) ChangeStatus(ctx context.Context, id string, target Status, note string) (JobCard, error) {
	if !ValidStatus(target) {
		return JobCard{}, fmt.Errorf("%w: unknown status %q", httpx.ErrValidation, target)
	}
	jc, err := s.repo.Get(ctx, id)
	if err != nil {
		return JobCard{}, err
	}
	actor := shared.ActorFromContext(ctx)
	if actor.Role == shared.RoleMechanic && !jc.HasMechanic(actor.ID) {
		return JobCard{}, ErrNotAssigned
	}
	if !CanTransition(jc.Status, target) {
		return JobCard{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, jc.Status, target)
	}
	// While an estimate is out for review only its approve/reject flow
	// may advance the job; admins can still cancel or override.
	if jc.PendingEstimate() != nil && target != StatusCancelled && actor.Role != shared.RoleAdmin {
		return JobCard{}, ErrEstimatePending
	}
	if target == StatusDelivered {
		sum, err := s.paymentSummary(ctx, jc)
		if err != nil {
			return JobCard{}, err
		}
		if sum.BalanceDue > 0.01 {
			return JobCard{}, ErrBalanceDue(sum.BalanceDue)
		}
	}

	updated, err := s.transition(ctx, jc, target, note)
	if err != nil {
		return JobCard{}, err
	}
	s.notify(ctx, "status update", updated, s.notifier.JobStatusChanged)
	if target == StatusReady {
		s.notify(ctx, "vehicle ready", updated, s.notifier.VehicleReady)
	}
	return updated, nil
}

// CreateEstimate opens a new estimate version from the given items. Any
// previous version still pending is superseded into history.
func (s *Service) CreateEstimate(ctx context.Context, id string, items []billing.LineItem, notes string, validDays int) (JobCard, error) {
	if len(items) == 0 {
		return JobCard{}, fmt.Errorf("%w: an estimate needs at least one item", httpx.ErrValidation)
	}
	for i := range items {
		if !billing.ValidItemType(items[i].Type) {
			return JobCard{}, fmt.Errorf("%w: unknown item type %q", httpx.ErrValidation, items[i].Type)
		}
		items[i].ID = uuid.NewString()
		items[i].Approved = true
	}
	jc, err := s.repo.Get(ctx, id)
	if err != nil {
		return JobCard{}, err
	}
	if jc.Status.Terminal() {
		return JobCard{}, fmt.Errorf("%w: job card is closed", httpx.ErrBusinessRule)
	}
	if jc.Estimate != nil && jc.Estimate.Status == EstimateApproved {
		return JobCard{}, fmt.Errorf("%w: the approved estimate is final, raise a supplementary estimate instead", httpx.ErrBusinessRule)
	}

	version := 1
	if jc.Estimate != nil {
		version = jc.Estimate.Version + 1
		// A rejected version already sits in history; only a pending one
		// is superseded here.
		if jc.Estimate.Status == EstimatePending {
			jc.EstimateHistory = append(jc.EstimateHistory, *jc.Estimate)
		}
	}
	now := s.now()
	est := Estimate{
		Version:   version,
		Status:    EstimatePending,
		Notes:     notes,
		CreatedAt: now,
	}
	est.Items, est.Summary = billing.Compute(items, billing.Summary{TaxRate: jc.Billing.TaxRate}, false)
	if validDays > 0 {
		exp := now.AddDate(0, 0, validDays)
		est.ExpiresAt = &exp
	}
	jc.Estimate = &est
	jc.UpdatedAt = now

	if jc.Status == StatusCreated || jc.Status == StatusInspection {
		if jc, err = s.transition(ctx, jc, StatusAwaitingApproval, fmt.Sprintf("estimate v%d sent for approval", version)); err != nil {
			return JobCard{}, err
		}
	} else {
		if jc, err = s.repo.Update(ctx, jc); err != nil {
			return JobCard{}, err
		}
	}
	s.notify(ctx, "estimate ready", jc, s.notifier.EstimateReady)
	s.auditRecord(ctx, "estimate.created", jc.ID, map[string]any{"version": version, "grand_total": est.Summary.GrandTotal})
	return jc, nil
}

// ApproveEstimate marks the pending estimate approved, copies its totals
// into billing and advances the job to approved.
func (s *Service) ApproveEstimate(ctx context.Context, id string) (JobCard, error) {
	jc, err := s.repo.Get(ctx, id)
	if err != nil {
		return JobCard{}, err
	}
	est := jc.PendingEstimate()
	if est == nil {
		return JobCard{}, ErrEstimateNotOpen
	}
	if jc.Status != StatusInspection && jc.Status != StatusAwaitingApproval {
		return JobCard{}, ErrEstimateReviewClosed
	}
	now := s.now()
	if est.ExpiresAt != nil && now.After(*est.ExpiresAt) {
		return JobCard{}, ErrEstimateExpired
	}
	est.Status = EstimateApproved
	est.ReviewedBy = actorID(ctx)
	est.ReviewedAt = &now

	// Approved estimate lines become the job's work scope, and its totals
	// become the authoritative billing figures.
	jc.Items = append([]billing.LineItem(nil), est.Items...)
	jc.BillingApprovedOnly = false
	jc.adoptEstimateTotals(*est)
	jc.UpdatedAt = now

	updated, err := s.transition(ctx, jc, StatusApproved, fmt.Sprintf("estimate v%d approved", est.Version))
	if err != nil {
		return JobCard{}, err
	}
	s.notify(ctx, "estimate approved", updated, s.notifier.EstimateReviewed)
	s.auditRecord(ctx, "estimate.approved", jc.ID, map[string]any{"version": est.Version})
	return updated, nil
}

// RejectEstimate closes the pending estimate without advancing the job,
// leaving the workshop free to revise and resend.
func (s *Service) RejectEstimate(ctx context.Context, id, reason string) (JobCard, error) {
	jc, err := s.repo.Get(ctx, id)
	if err != nil {
		return JobCard{}, err
	}
	est := jc.PendingEstimate()
	if est == nil {
		return JobCard{}, ErrEstimateNotOpen
	}
	if jc.Status != StatusInspection && jc.Status != StatusAwaitingApproval {
		return JobCard{}, ErrEstimateReviewClosed
	}
	now := s.now()
	est.Status = EstimateRejected
	est.Reason = reason
	est.ReviewedBy = actorID(ctx)
	est.ReviewedAt = &now
	jc.EstimateHistory = append(jc.EstimateHistory, *est)
	jc.UpdatedAt = now

	updated, err := s.repo.Update(ctx, jc)
	if err != nil {
		return JobCard{}, err
	}
	s.notify(ctx, "estimate rejected", updated, s.notifier.EstimateReviewed)
	s.auditRecord(ctx, "estimate.rejected", jc.ID, map[string]any{"version": est.Version, "reason": reason})
	return updated, nil
}

// ApproveItems records a partial customer approval: only the listed items
// are approved and billing switches to approved-only mode. When nothing
// remains unapproved the job auto-advances to approved.
func (s *Service) ApproveItems(ctx context.Context, id string, itemIDs []string) (JobCard, error) {
	if len(itemIDs) == 0 {
		return JobCard{}, fmt.Errorf("%w: no items selected", httpx.ErrValidation)
	}
	jc, err := s.repo.Get(ctx, id)
	if err != nil {
		return JobCard{}, err
	}
	if jc.Status != StatusAwaitingApproval {
		return JobCard{}, fmt.Errorf("%w: partial approval requires awaiting-approval status", httpx.ErrBusinessRule)
	}
	wanted := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		wanted[id] = true
	}
	matched := 0
	allApproved := true
	for i := range jc.Items {
		if wanted[jc.Items[i].ID] {
			jc.Items[i].Approved = true
			matched++
		}
		if !jc.Items[i].Approved {
			allApproved = false
		}
	}
	if matched == 0 {
		return JobCard{}, fmt.Errorf("%w: none of the selected items exist", httpx.ErrNotFound)
	}
	jc.BillingApprovedOnly = !allApproved
	jc.recalculate()
	jc.UpdatedAt = s.now()

	if allApproved {
		return s.transition(ctx, jc, StatusApproved, "all items approved")
	}
	updated, err := s.repo.Update(ctx, jc)
	if err != nil {
		return JobCard{}, err
	}
	s.auditRecord(ctx, "job_card.items_approved", jc.ID, map[string]any{"approved": matched})
	return updated, nil
}

// Recalculate re-runs the calculator and persists the result. Exposed for
// repair of stale totals.
func (s *Service) Recalculate(ctx context.Context, id string) (JobCard, error) {
	jc, err := s.repo.Get(ctx, id)
	if err != nil {
		return JobCard{}, err
	}
	jc.recalculate()
	jc.UpdatedAt = s.now()
	return s.repo.Update(ctx, jc)
}

func (s *Service) mutateItems(ctx context.Context, id string, fn func(*JobCard) error) (JobCard, error) {
	jc, err := s.repo.Get(ctx, id)
	if err != nil {
		return JobCard{}, err
	}
	if !itemEditable[jc.Status] {
		return JobCard{}, ErrItemsLocked
	}
	if err := fn(&jc); err != nil {
		return JobCard{}, err
	}
	jc.recalculate()
	jc.UpdatedAt = s.now()
	return s.repo.Update(ctx, jc)
}

func (s *Service) transition(ctx context.Context, jc JobCard, target Status, note string) (JobCard, error) {
	entry := StatusHistoryEntry{
		Status:  target,
		ActorID: actorID(ctx),
		Note:    note,
		At:      s.now(),
	}
	prev := jc.Status
	jc.Status = target
	jc.StatusHistory = append(jc.StatusHistory, entry)
	jc.UpdatedAt = entry.At
	updated, err := s.repo.UpdateStatus(ctx, jc, entry)
	if err != nil {
		return JobCard{}, err
	}
	s.auditRecord(ctx, "job_card.status_changed", jc.ID, map[string]any{"from": prev, "to": target})
	return updated, nil
}

func (s *Service) paymentSummary(ctx context.Context, jc JobCard) (PaymentSummary, error) {
	paid, count, err := s.ledger.TotalPaid(ctx, jc.ID)
	if err != nil {
		return PaymentSummary{}, fmt.Errorf("derive payment summary: %w", err)
	}
	return PaymentSummary{
		GrandTotal:        jc.Billing.GrandTotal,
		TotalPaid:         billing.Round2(paid),
		BalanceDue:        billing.Round2(jc.Billing.GrandTotal - paid),
		CompletedPayments: count,
	}, nil
}

func (s *Service) notify(ctx context.Context, kind string, jc JobCard, fn func(context.Context, JobCard) error) {
	if err := fn(ctx, jc); err != nil {
		s.logger.Warn("notification failed", "kind", kind, "job_card", jc.ID, "error", err)
	}
}

func (s *Service) auditRecord(ctx context.Context, action, entityID string, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID(ctx),
		Action:   action,
		Entity:   "job_card",
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}

func actorID(ctx context.Context) string {
	return shared.ActorFromContext(ctx).ID
}
