package jobcard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gearbox-erp/gearbox-erp/internal/billing"
	"github.com/gearbox-erp/gearbox-erp/internal/coupon"
	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
	"github.com/gearbox-erp/gearbox-erp/internal/shared"
)

type memRepo struct {
	cards map[string]JobCard
	seq   int
}

func newMemRepo() *memRepo {
	return &memRepo{cards: map[string]JobCard{}}
}

func (m *memRepo) Create(_ context.Context, jc JobCard) error {
	m.cards[jc.ID] = jc
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (JobCard, error) {
	jc, ok := m.cards[id]
	if !ok {
		return JobCard{}, fmt.Errorf("%w: job card not found", httpx.ErrNotFound)
	}
	return jc, nil
}

func (m *memRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]JobCard, int, error) {
	var out []JobCard
	for _, jc := range m.cards {
		if f.Status != "" && jc.Status != f.Status {
			continue
		}
		out = append(out, jc)
	}
	return out, len(out), nil
}

func (m *memRepo) Update(_ context.Context, jc JobCard) (JobCard, error) {
	cur, ok := m.cards[jc.ID]
	if !ok || cur.Version != jc.Version {
		return JobCard{}, fmt.Errorf("%w: job card was modified concurrently", httpx.ErrConflict)
	}
	jc.Version++
	m.cards[jc.ID] = jc
	return jc, nil
}

func (m *memRepo) UpdateStatus(ctx context.Context, jc JobCard, _ StatusHistoryEntry) (JobCard, error) {
	return m.Update(ctx, jc)
}

func (m *memRepo) NextJobNumber(_ context.Context, day time.Time) (string, error) {
	m.seq++
	return fmt.Sprintf("JC-%s-%04d", day.Format("20060102"), m.seq), nil
}

type fakeCoupons struct {
	coupon   coupon.Coupon
	discount float64
	err      error
	recorded int
}

func (f *fakeCoupons) Validate(context.Context, string, string, float64) (coupon.Coupon, float64, error) {
	return f.coupon, f.discount, f.err
}

func (f *fakeCoupons) RecordUsage(context.Context, coupon.Coupon, string) error {
	f.recorded++
	return nil
}

type fakeLedger struct {
	paid  float64
	count int
}

func (f *fakeLedger) TotalPaid(context.Context, string) (float64, int, error) {
	return f.paid, f.count, nil
}

type fakeNotifier struct {
	statusChanges int
	estimateReady int
	reviewed      int
	vehicleReady  int
}

func (f *fakeNotifier) JobStatusChanged(context.Context, JobCard) error { f.statusChanges++; return nil }
func (f *fakeNotifier) EstimateReady(context.Context, JobCard) error    { f.estimateReady++; return nil }
func (f *fakeNotifier) EstimateReviewed(context.Context, JobCard) error { f.reviewed++; return nil }
func (f *fakeNotifier) VehicleReady(context.Context, JobCard) error     { f.vehicleReady++; return nil }

func testService(t *testing.T) (*Service, *memRepo, *fakeLedger, *fakeNotifier) {
	t.Helper()
	repo := newMemRepo()
	ledger := &fakeLedger{}
	notifier := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, &fakeCoupons{}, ledger, notifier, nil, nil, logger, 10)
	return svc, repo, ledger, notifier
}

func adminCtx() context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{ID: "admin-1", Role: shared.RoleAdmin})
}

func newJobCard(t *testing.T, svc *Service) JobCard {
	t.Helper()
	jc, err := svc.Create(adminCtx(), CreateInput{
		Customer: CustomerSnapshot{CustomerID: "cust-1", Name: "Asha"},
		Vehicle:  VehicleSnapshot{VehicleID: "veh-1", Registration: "KA01AB1234"},
	})
	require.NoError(t, err)
	return jc
}

func TestCreateStartsAtCreatedWithHistory(t *testing.T) {
	svc, _, _, _ := testService(t)
	jc := newJobCard(t, svc)

	require.Equal(t, StatusCreated, jc.Status)
	require.Len(t, jc.StatusHistory, 1)
	require.Equal(t, StatusCreated, jc.StatusHistory[0].Status)
	require.Contains(t, jc.JobNumber, "JC-")
	require.Equal(t, 10.0, jc.Billing.TaxRate)
}

func TestStatusTransitionsFollowTable(t *testing.T) {
	svc, _, _, _ := testService(t)
	jc := newJobCard(t, svc)
	ctx := adminCtx()

	// Skipping ahead is rejected.
	_, err := svc.ChangeStatus(ctx, jc.ID, StatusInProgress, "")
	require.ErrorIs(t, err, httpx.ErrBusinessRule)

	for _, target := range []Status{StatusInspection, StatusAwaitingApproval, StatusApproved, StatusInProgress, StatusQualityCheck, StatusReady} {
		jc2, err := svc.ChangeStatus(ctx, jc.ID, target, "")
		require.NoError(t, err, "transition to %s", target)
		require.Equal(t, target, jc2.Status)
	}

	// Every step appended one history entry.
	got, err := svc.Get(ctx, jc.ID)
	require.NoError(t, err)
	require.Len(t, got.StatusHistory, 7)
}

func TestCancelAllowedFromAnyNonTerminalOnly(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := adminCtx()

	jc := newJobCard(t, svc)
	_, err := svc.ChangeStatus(ctx, jc.ID, StatusCancelled, "customer left")
	require.NoError(t, err)

	// Terminal states admit nothing further.
	_, err = svc.ChangeStatus(ctx, jc.ID, StatusInspection, "")
	require.ErrorIs(t, err, httpx.ErrBusinessRule)

	delivered := newJobCard(t, svc)
	for _, target := range []Status{StatusInspection, StatusAwaitingApproval, StatusApproved, StatusInProgress, StatusQualityCheck, StatusReady, StatusDelivered} {
		_, err = svc.ChangeStatus(ctx, delivered.ID, target, "")
		require.NoError(t, err)
	}
	_, err = svc.ChangeStatus(ctx, delivered.ID, StatusCancelled, "")
	require.ErrorIs(t, err, httpx.ErrBusinessRule)
}

func TestDeliveryBlockedWhileBalanceDue(t *testing.T) {
	svc, _, ledger, _ := testService(t)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	_, err := svc.AddItem(ctx, jc.ID, billing.LineItem{Type: billing.ItemService, Name: "Full service", Quantity: 1, UnitPrice: 2000})
	require.NoError(t, err)
	for _, target := range []Status{StatusInspection, StatusAwaitingApproval, StatusApproved, StatusInProgress, StatusQualityCheck, StatusReady} {
		_, err = svc.ChangeStatus(ctx, jc.ID, target, "")
		require.NoError(t, err)
	}

	ledger.paid = 1000
	_, err = svc.ChangeStatus(ctx, jc.ID, StatusDelivered, "")
	require.ErrorIs(t, err, httpx.ErrBusinessRule)
	require.Contains(t, err.Error(), "outstanding balance")

	// A one-paisa residue still counts as settled.
	ledger.paid = 2200 - 0.01
	got, err := svc.ChangeStatus(ctx, jc.ID, StatusDelivered, "")
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, got.Status)
}

func TestMechanicMustBeAssignedToTransition(t *testing.T) {
	svc, _, _, _ := testService(t)
	jc := newJobCard(t, svc)

	stranger := shared.ContextWithActor(context.Background(), shared.Actor{ID: "mech-9", Role: shared.RoleMechanic})
	_, err := svc.ChangeStatus(stranger, jc.ID, StatusInspection, "")
	require.ErrorIs(t, err, httpx.ErrForbidden)

	_, err = svc.AssignMechanic(adminCtx(), jc.ID, "mech-9")
	require.NoError(t, err)
	_, err = svc.ChangeStatus(stranger, jc.ID, StatusInspection, "")
	require.NoError(t, err)
}

func TestEstimateApprovalCopiesTotalsAndAdvances(t *testing.T) {
	svc, _, _, notifier := testService(t)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	_, err := svc.ChangeStatus(ctx, jc.ID, StatusInspection, "")
	require.NoError(t, err)

	// 2000 gross less tax carried at 0 keeps the round figure.
	items := []billing.LineItem{{Type: billing.ItemService, Name: "Engine overhaul", Quantity: 1, UnitPrice: 2000}}
	jc2, err := svc.CreateEstimate(ctx, jc.ID, items, "", 7)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, jc2.Status)
	require.Equal(t, 1, jc2.Estimate.Version)
	require.Equal(t, EstimatePending, jc2.Estimate.Status)
	require.Equal(t, 1, notifier.estimateReady)

	estimateTotal := jc2.Estimate.Summary.GrandTotal
	approved, err := svc.ApproveEstimate(ctx, jc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, EstimateApproved, approved.Estimate.Status)
	require.Equal(t, estimateTotal, approved.Billing.GrandTotal)
	require.Equal(t, 2200.0, approved.Billing.GrandTotal)

	// Approving twice conflicts: the estimate is no longer open.
	_, err = svc.ApproveEstimate(ctx, jc.ID)
	require.ErrorIs(t, err, httpx.ErrConflict)
}

func TestEstimateOnFreshCardAdvancesToAwaitingApproval(t *testing.T) {
	svc, _, _, notifier := testService(t)
	ctx := adminCtx()
	jc := newJobCard(t, svc)
	require.Equal(t, StatusCreated, jc.Status)

	items := []billing.LineItem{{Type: billing.ItemService, Name: "Diagnosis", Quantity: 1, UnitPrice: 600}}
	jc2, err := svc.CreateEstimate(ctx, jc.ID, items, "", 0)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, jc2.Status)
	require.Equal(t, 1, jc2.Estimate.Version)
	require.Equal(t, 1, notifier.estimateReady)
}

func TestEstimateRejectedOnClosedCardOrApprovedEstimate(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := adminCtx()
	items := []billing.LineItem{{Type: billing.ItemPart, Name: "Battery", Quantity: 1, UnitPrice: 4500}}

	cancelled := newJobCard(t, svc)
	_, err := svc.ChangeStatus(ctx, cancelled.ID, StatusCancelled, "")
	require.NoError(t, err)
	_, err = svc.CreateEstimate(ctx, cancelled.ID, items, "", 0)
	require.ErrorIs(t, err, httpx.ErrBusinessRule)

	jc := newJobCard(t, svc)
	_, err = svc.CreateEstimate(ctx, jc.ID, items, "", 0)
	require.NoError(t, err)
	_, err = svc.ApproveEstimate(ctx, jc.ID)
	require.NoError(t, err)

	// An approved estimate is final; it cannot be auto-revised.
	_, err = svc.CreateEstimate(ctx, jc.ID, items, "", 0)
	require.ErrorIs(t, err, httpx.ErrBusinessRule)
}

func TestEstimateRevisionSupersedesPendingVersion(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	_, err := svc.ChangeStatus(ctx, jc.ID, StatusInspection, "")
	require.NoError(t, err)

	items := []billing.LineItem{{Type: billing.ItemLabour, Name: "Brake pads", Quantity: 1, UnitPrice: 800}}
	_, err = svc.CreateEstimate(ctx, jc.ID, items, "first pass", 0)
	require.NoError(t, err)

	items[0].UnitPrice = 950
	revised, err := svc.CreateEstimate(ctx, jc.ID, items, "with machining", 0)
	require.NoError(t, err)
	require.Equal(t, 2, revised.Estimate.Version)
	require.Len(t, revised.EstimateHistory, 1)
	require.Equal(t, 1, revised.EstimateHistory[0].Version)
}

func TestRejectEstimateKeepsJobStatus(t *testing.T) {
	svc, _, _, notifier := testService(t)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	_, err := svc.ChangeStatus(ctx, jc.ID, StatusInspection, "")
	require.NoError(t, err)
	_, err = svc.CreateEstimate(ctx, jc.ID, []billing.LineItem{{Type: billing.ItemPart, Name: "Clutch plate", Quantity: 1, UnitPrice: 3000}}, "", 0)
	require.NoError(t, err)

	rejected, err := svc.RejectEstimate(ctx, jc.ID, "too expensive")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, rejected.Status)
	require.Equal(t, EstimateRejected, rejected.Estimate.Status)
	require.Equal(t, "too expensive", rejected.Estimate.Reason)
	require.Equal(t, 1, notifier.reviewed)

	// The rejected version lands in history right away, and a revision
	// does not file it twice.
	require.Len(t, rejected.EstimateHistory, 1)
	require.Equal(t, EstimateRejected, rejected.EstimateHistory[0].Status)

	revised, err := svc.CreateEstimate(ctx, jc.ID, []billing.LineItem{{Type: billing.ItemPart, Name: "Clutch plate", Quantity: 1, UnitPrice: 2500}}, "", 0)
	require.NoError(t, err)
	require.Equal(t, 2, revised.Estimate.Version)
	require.Len(t, revised.EstimateHistory, 1)
}

func TestEstimateReviewClosedAfterAdminOverride(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	_, err := svc.CreateEstimate(ctx, jc.ID, []billing.LineItem{{Type: billing.ItemService, Name: "Suspension work", Quantity: 1, UnitPrice: 5000}}, "", 0)
	require.NoError(t, err)

	// Admin pushes the job past the review window despite the pending
	// estimate.
	_, err = svc.ChangeStatus(ctx, jc.ID, StatusApproved, "customer confirmed on phone")
	require.NoError(t, err)
	_, err = svc.ChangeStatus(ctx, jc.ID, StatusInProgress, "")
	require.NoError(t, err)

	// Reviewing the stale estimate must not yank the status backwards.
	_, err = svc.ApproveEstimate(ctx, jc.ID)
	require.ErrorIs(t, err, httpx.ErrBusinessRule)
	_, err = svc.RejectEstimate(ctx, jc.ID, "stale")
	require.ErrorIs(t, err, httpx.ErrBusinessRule)

	got, err := svc.Get(ctx, jc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, got.Status)
}

func TestPendingEstimateBlocksNonAdminTransitions(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	_, err := svc.ChangeStatus(ctx, jc.ID, StatusInspection, "")
	require.NoError(t, err)
	_, err = svc.AssignMechanic(ctx, jc.ID, "mech-1")
	require.NoError(t, err)
	_, err = svc.CreateEstimate(ctx, jc.ID, []billing.LineItem{{Type: billing.ItemService, Name: "Detailing", Quantity: 1, UnitPrice: 400}}, "", 0)
	require.NoError(t, err)

	mech := shared.ContextWithActor(context.Background(), shared.Actor{ID: "mech-1", Role: shared.RoleMechanic})
	_, err = svc.ChangeStatus(mech, jc.ID, StatusApproved, "")
	require.ErrorIs(t, err, httpx.ErrConflict)
}

func TestPartialApprovalSwitchesToApprovedOnlyBilling(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	jc2, err := svc.AddItem(ctx, jc.ID, billing.LineItem{Type: billing.ItemService, Name: "Oil change", Quantity: 1, UnitPrice: 500})
	require.NoError(t, err)
	jc2, err = svc.AddItem(ctx, jc.ID, billing.LineItem{Type: billing.ItemPart, Name: "Air filter", Quantity: 1, UnitPrice: 300})
	require.NoError(t, err)

	for _, target := range []Status{StatusInspection, StatusAwaitingApproval} {
		_, err = svc.ChangeStatus(ctx, jc.ID, target, "")
		require.NoError(t, err)
	}

	got, err := svc.ApproveItems(ctx, jc.ID, []string{jc2.Items[0].ID})
	require.NoError(t, err)
	require.True(t, got.BillingApprovedOnly)
	require.Equal(t, StatusAwaitingApproval, got.Status)
	require.Equal(t, 500.0, got.Billing.Subtotal)

	// Approving the remainder restores full billing and advances the job.
	got, err = svc.ApproveItems(ctx, jc.ID, []string{jc2.Items[1].ID})
	require.NoError(t, err)
	require.False(t, got.BillingApprovedOnly)
	require.Equal(t, StatusApproved, got.Status)
	require.Equal(t, 800.0, got.Billing.Subtotal)
}

func TestItemMutationsLockedAfterQualityCheck(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	for _, target := range []Status{StatusInspection, StatusAwaitingApproval, StatusApproved, StatusInProgress, StatusQualityCheck} {
		_, err := svc.ChangeStatus(ctx, jc.ID, target, "")
		require.NoError(t, err)
	}

	_, err := svc.AddItem(ctx, jc.ID, billing.LineItem{Type: billing.ItemPart, Name: "Wiper blade", Quantity: 1, UnitPrice: 250})
	require.ErrorIs(t, err, httpx.ErrBusinessRule)
}

func TestApplyCouponInstallsDiscount(t *testing.T) {
	repo := newMemRepo()
	coupons := &fakeCoupons{
		coupon:   coupon.Coupon{Code: "WELCOME100", Type: coupon.DiscountFlat, Value: 100},
		discount: 100,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, coupons, &fakeLedger{}, &fakeNotifier{}, nil, nil, logger, 10)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	_, err := svc.AddItem(ctx, jc.ID, billing.LineItem{Type: billing.ItemService, Name: "Wash", Quantity: 1, UnitPrice: 500})
	require.NoError(t, err)

	got, err := svc.ApplyCoupon(ctx, jc.ID, "WELCOME100")
	require.NoError(t, err)
	require.Equal(t, 100.0, got.Billing.Discount)
	require.Equal(t, "COUPON:WELCOME100", got.Billing.DiscountReason)
	require.Equal(t, "WELCOME100", got.Billing.CouponCode)
	require.Equal(t, 440.0, got.Billing.GrandTotal)

	cleared, err := svc.RemoveCoupon(ctx, jc.ID)
	require.NoError(t, err)
	require.Zero(t, cleared.Billing.Discount)
	require.Empty(t, cleared.Billing.CouponCode)
	require.Equal(t, 550.0, cleared.Billing.GrandTotal)
}

func TestApplyCouponRecordsUsageOnceAndRejectsSecondCode(t *testing.T) {
	repo := newMemRepo()
	coupons := &fakeCoupons{
		coupon:   coupon.Coupon{Code: "WELCOME100", Type: coupon.DiscountFlat, Value: 100},
		discount: 100,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, coupons, &fakeLedger{}, &fakeNotifier{}, nil, nil, logger, 10)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	_, err := svc.AddItem(ctx, jc.ID, billing.LineItem{Type: billing.ItemService, Name: "Service", Quantity: 1, UnitPrice: 500})
	require.NoError(t, err)
	_, err = svc.ApplyCoupon(ctx, jc.ID, "WELCOME100")
	require.NoError(t, err)
	require.Equal(t, 1, coupons.recorded)

	// Reapplying the same code keeps the discount but not the counter.
	got, err := svc.ApplyCoupon(ctx, jc.ID, "WELCOME100")
	require.NoError(t, err)
	require.Equal(t, 100.0, got.Billing.Discount)
	require.Equal(t, 1, coupons.recorded)

	// A different code must not stack.
	coupons.coupon = coupon.Coupon{Code: "OTHER50", Type: coupon.DiscountFlat, Value: 50}
	coupons.discount = 50
	_, err = svc.ApplyCoupon(ctx, jc.ID, "OTHER50")
	require.ErrorIs(t, err, httpx.ErrBusinessRule)
}

func TestManualDiscountClearsCoupon(t *testing.T) {
	repo := newMemRepo()
	coupons := &fakeCoupons{
		coupon:   coupon.Coupon{Code: "FLAT50", Type: coupon.DiscountFlat, Value: 50},
		discount: 50,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, coupons, &fakeLedger{}, &fakeNotifier{}, nil, nil, logger, 10)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	_, err := svc.AddItem(ctx, jc.ID, billing.LineItem{Type: billing.ItemService, Name: "Polish", Quantity: 1, UnitPrice: 1000})
	require.NoError(t, err)
	_, err = svc.ApplyCoupon(ctx, jc.ID, "FLAT50")
	require.NoError(t, err)

	got, err := svc.SetDiscount(ctx, jc.ID, 200, "loyal customer")
	require.NoError(t, err)
	require.Equal(t, 200.0, got.Billing.Discount)
	require.Equal(t, "loyal customer", got.Billing.DiscountReason)
	require.Empty(t, got.Billing.CouponCode)
}

func TestVehicleReadyNotificationOnReady(t *testing.T) {
	svc, _, _, notifier := testService(t)
	ctx := adminCtx()
	jc := newJobCard(t, svc)

	for _, target := range []Status{StatusInspection, StatusAwaitingApproval, StatusApproved, StatusInProgress, StatusQualityCheck, StatusReady} {
		_, err := svc.ChangeStatus(ctx, jc.ID, target, "")
		require.NoError(t, err)
	}
	require.Equal(t, 1, notifier.vehicleReady)
	require.Equal(t, 6, notifier.statusChanges)
}
