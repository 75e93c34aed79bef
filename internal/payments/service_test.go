package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gearbox-erp/gearbox-erp/internal/billing"
	"github.com/gearbox-erp/gearbox-erp/internal/invoice"
	"github.com/gearbox-erp/gearbox-erp/internal/jobcard"
	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
)

type memRepo struct {
	payments map[string]Payment
	refunds  map[string]RefundRequest
}

func newMemRepo() *memRepo {
	return &memRepo{payments: map[string]Payment{}, refunds: map[string]RefundRequest{}}
}

func (m *memRepo) CreatePayment(_ context.Context, p Payment) error {
	m.payments[p.ID] = p
	return nil
}

func (m *memRepo) GetPayment(_ context.Context, id string) (Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return Payment{}, fmt.Errorf("%w: payment not found", httpx.ErrNotFound)
	}
	return p, nil
}

func (m *memRepo) GetPaymentByOrder(_ context.Context, orderID string) (Payment, error) {
	for _, p := range m.payments {
		if p.GatewayOrderID == orderID {
			return p, nil
		}
	}
	return Payment{}, fmt.Errorf("%w: payment not found", httpx.ErrNotFound)
}

func (m *memRepo) ListByJobCard(_ context.Context, jobCardID string) ([]Payment, error) {
	var out []Payment
	for _, p := range m.payments {
		if p.JobCardID == jobCardID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memRepo) CompletePayment(_ context.Context, id, gatewayPaymentID string, at time.Time) (Payment, error) {
	p, ok := m.payments[id]
	if !ok || p.Status != PaymentPending {
		return Payment{}, fmt.Errorf("%w: payment is not pending", httpx.ErrConflict)
	}
	p.Status = PaymentCompleted
	p.GatewayPaymentID = gatewayPaymentID
	p.PaidAt = &at
	m.payments[id] = p
	return p, nil
}

func (m *memRepo) FailPayment(_ context.Context, id string) error {
	p := m.payments[id]
	p.Status = PaymentFailed
	m.payments[id] = p
	return nil
}

func (m *memRepo) TotalPaid(_ context.Context, jobCardID string) (float64, int, error) {
	var total float64
	var count int
	for _, p := range m.payments {
		if p.JobCardID != jobCardID {
			continue
		}
		switch p.Status {
		case PaymentCompleted:
			total += p.Effective()
			count++
		case PaymentRefunded:
			total += p.Effective()
		}
	}
	return total, count, nil
}

func (m *memRepo) ApplyRefundToPayment(_ context.Context, id string, amount float64) (Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return Payment{}, fmt.Errorf("%w: payment not found", httpx.ErrNotFound)
	}
	if p.RefundedAmount+amount > p.Amount || p.RefundedAmount+amount < 0 {
		return Payment{}, fmt.Errorf("%w: refund exceeds the payment's settled amount", httpx.ErrBusinessRule)
	}
	p.RefundedAmount += amount
	if p.RefundedAmount >= p.Amount {
		p.Status = PaymentRefunded
	} else {
		p.Status = PaymentCompleted
	}
	m.payments[id] = p
	return p, nil
}

func (m *memRepo) CreateRefund(_ context.Context, rr RefundRequest) error {
	m.refunds[rr.ID] = rr
	return nil
}

func (m *memRepo) GetRefund(_ context.Context, id string) (RefundRequest, error) {
	rr, ok := m.refunds[id]
	if !ok {
		return RefundRequest{}, fmt.Errorf("%w: refund request not found", httpx.ErrNotFound)
	}
	return rr, nil
}

func (m *memRepo) ListRefunds(_ context.Context, status RefundStatus, limit, offset int) ([]RefundRequest, int, error) {
	var out []RefundRequest
	for _, rr := range m.refunds {
		if status != "" && rr.Status != status {
			continue
		}
		out = append(out, rr)
	}
	return out, len(out), nil
}

func (m *memRepo) TransitionRefund(_ context.Context, id string, from, to RefundStatus, entry RefundLog) (RefundRequest, error) {
	rr, ok := m.refunds[id]
	if !ok || rr.Status != from {
		return RefundRequest{}, fmt.Errorf("%w: refund request is not %s", httpx.ErrConflict, from)
	}
	rr.Status = to
	rr.Logs = append(rr.Logs, entry)
	m.refunds[id] = rr
	return rr, nil
}

type memInvoices struct {
	invoices map[string]invoice.Invoice
}

func (m *memInvoices) Get(_ context.Context, id string) (invoice.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return invoice.Invoice{}, fmt.Errorf("%w: invoice not found", httpx.ErrNotFound)
	}
	return inv, nil
}

func (m *memInvoices) GetByJobCard(_ context.Context, jobCardID string) (invoice.Invoice, error) {
	for _, inv := range m.invoices {
		if inv.JobCardID == jobCardID && inv.Status != invoice.StatusCancelled {
			return inv, nil
		}
	}
	return invoice.Invoice{}, fmt.Errorf("%w: invoice not found", httpx.ErrNotFound)
}

func (m *memInvoices) ApplyPayment(_ context.Context, id string, amount float64, at time.Time) (invoice.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return invoice.Invoice{}, fmt.Errorf("%w: invoice not found", httpx.ErrNotFound)
	}
	if inv.PaidAmount >= inv.GrandTotal {
		return invoice.Invoice{}, fmt.Errorf("%w: invoice %s is already fully paid", httpx.ErrBusinessRule, inv.Number)
	}
	inv.PaidAmount = billing.Round2(inv.PaidAmount + amount)
	inv.BalanceAmount = billing.Round2(inv.GrandTotal - inv.PaidAmount)
	if inv.BalanceAmount < 0 {
		inv.BalanceAmount = 0
	}
	if inv.PaidAmount >= inv.GrandTotal {
		inv.Status = invoice.StatusPaid
		if inv.PaidAt == nil {
			stamp := at
			inv.PaidAt = &stamp
		}
	} else {
		inv.Status = invoice.StatusPartiallyPaid
	}
	m.invoices[id] = inv
	return inv, nil
}

func (m *memInvoices) ApplyRefund(_ context.Context, id string, amount float64) (invoice.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return invoice.Invoice{}, fmt.Errorf("%w: invoice not found", httpx.ErrNotFound)
	}
	if inv.PaidAmount < amount {
		return invoice.Invoice{}, fmt.Errorf("%w: refund exceeds the invoice paid amount", httpx.ErrBusinessRule)
	}
	inv.PaidAmount = billing.Round2(inv.PaidAmount - amount)
	inv.BalanceAmount = billing.Round2(inv.GrandTotal - inv.PaidAmount)
	switch {
	case inv.PaidAmount <= 0:
		inv.Status = invoice.StatusRefunded
	case inv.PaidAmount >= inv.GrandTotal:
		inv.Status = invoice.StatusPaid
	default:
		inv.Status = invoice.StatusPartiallyPaid
	}
	m.invoices[id] = inv
	return inv, nil
}

const testSecret = "test-secret"

type fakeGateway struct {
	orders     int
	refunds    int
	refundErr  error
	lastRefund float64
}

func (g *fakeGateway) CreateOrder(_ context.Context, amount float64, receipt string) (GatewayOrder, error) {
	g.orders++
	return GatewayOrder{ID: fmt.Sprintf("order_%d", g.orders), Amount: amount, Currency: "INR", Receipt: receipt}, nil
}

func (g *fakeGateway) VerifySignature(orderID, paymentID, signature string) bool {
	return sign(orderID, paymentID) == signature
}

func (g *fakeGateway) FetchPayment(_ context.Context, paymentID string) (GatewayPayment, error) {
	return GatewayPayment{ID: paymentID, Status: "captured"}, nil
}

func (g *fakeGateway) Refund(_ context.Context, paymentID string, amount float64) error {
	g.refunds++
	g.lastRefund = amount
	return g.refundErr
}

func sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

type fakeNotifier struct {
	successes int
}

func (f *fakeNotifier) PaymentSucceeded(context.Context, Payment) error {
	f.successes++
	return nil
}

func testService(t *testing.T) (*Service, *memRepo, *memInvoices, *fakeGateway, *fakeNotifier) {
	t.Helper()
	repo := newMemRepo()
	invoices := &memInvoices{invoices: map[string]invoice.Invoice{
		"inv-1": {
			ID:            "inv-1",
			Number:        "INV26080001",
			JobCardID:     "jc-1",
			Customer:      jobcard.CustomerSnapshot{CustomerID: "cust-1", Name: "Asha"},
			GrandTotal:    2000,
			BalanceAmount: 2000,
			Status:        invoice.StatusIssued,
		},
	}}
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, invoices, gateway, notifier, nil, logger)
	return svc, repo, invoices, gateway, notifier
}

func settle(t *testing.T, svc *Service) Payment {
	t.Helper()
	ctx := context.Background()
	p, order, err := svc.CreateOrder(ctx, "jc-1", 0)
	require.NoError(t, err)
	require.Equal(t, 2000.0, p.Amount)
	completed, err := svc.VerifyAndComplete(ctx, order.ID, "pay_1", sign(order.ID, "pay_1"))
	require.NoError(t, err)
	return completed
}

func TestFullPaymentMarksInvoicePaidOnce(t *testing.T) {
	svc, _, invoices, _, notifier := testService(t)
	ctx := context.Background()

	completed := settle(t, svc)
	require.Equal(t, PaymentCompleted, completed.Status)
	require.NotNil(t, completed.PaidAt)

	inv := invoices.invoices["inv-1"]
	require.Equal(t, invoice.StatusPaid, inv.Status)
	require.Equal(t, 2000.0, inv.PaidAmount)
	require.Zero(t, inv.BalanceAmount)
	require.NotNil(t, inv.PaidAt)
	firstStamp := *inv.PaidAt
	require.Equal(t, 1, notifier.successes)

	// A second rupee against the settled invoice is rejected outright.
	_, _, err := svc.CreateOrder(ctx, "jc-1", 1)
	require.ErrorIs(t, err, httpx.ErrBusinessRule)
	require.Contains(t, err.Error(), "already fully paid")
	require.Equal(t, firstStamp, *invoices.invoices["inv-1"].PaidAt)
}

func TestRacingCompletionFailsPaymentWhenInvoiceRefuses(t *testing.T) {
	svc, repo, _, _, _ := testService(t)
	ctx := context.Background()

	// Two orders opened before either settles.
	p1, order1, err := svc.CreateOrder(ctx, "jc-1", 2000)
	require.NoError(t, err)
	p2, order2, err := svc.CreateOrder(ctx, "jc-1", 2000)
	require.NoError(t, err)

	_, err = svc.VerifyAndComplete(ctx, order1.ID, "pay_1", sign(order1.ID, "pay_1"))
	require.NoError(t, err)

	_, err = svc.VerifyAndComplete(ctx, order2.ID, "pay_2", sign(order2.ID, "pay_2"))
	require.ErrorIs(t, err, httpx.ErrBusinessRule)
	require.Equal(t, PaymentCompleted, repo.payments[p1.ID].Status)
	require.Equal(t, PaymentFailed, repo.payments[p2.ID].Status)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	svc, _, _, _, _ := testService(t)
	ctx := context.Background()

	_, order, err := svc.CreateOrder(ctx, "jc-1", 0)
	require.NoError(t, err)
	_, err = svc.VerifyAndComplete(ctx, order.ID, "pay_1", "forged")
	require.ErrorIs(t, err, httpx.ErrUpstream)
}

func TestCreateOrderRejectsAmountAboveBalance(t *testing.T) {
	svc, _, _, _, _ := testService(t)
	_, _, err := svc.CreateOrder(context.Background(), "jc-1", 2500)
	require.ErrorIs(t, err, httpx.ErrBusinessRule)
}

func TestPartialRefundRevertsInvoiceToPartiallyPaid(t *testing.T) {
	svc, repo, invoices, gateway, _ := testService(t)
	ctx := context.Background()
	completed := settle(t, svc)

	rr, err := svc.RequestRefund(ctx, completed.ID, 500, "overcharged labour")
	require.NoError(t, err)
	require.Equal(t, RefundPending, rr.Status)
	require.Len(t, rr.Logs, 1)

	rr, err = svc.ApproveRefund(ctx, rr.ID, "verified")
	require.NoError(t, err)
	require.Equal(t, RefundApproved, rr.Status)

	rr, err = svc.ProcessRefund(ctx, rr.ID)
	require.NoError(t, err)
	require.Equal(t, RefundProcessed, rr.Status)
	require.Len(t, rr.Logs, 3)

	p := repo.payments[completed.ID]
	require.Equal(t, 1500.0, p.Effective())
	require.Equal(t, PaymentCompleted, p.Status)

	inv := invoices.invoices["inv-1"]
	require.Equal(t, invoice.StatusPartiallyPaid, inv.Status)
	require.Equal(t, 1500.0, inv.PaidAmount)
	require.Equal(t, 500.0, inv.BalanceAmount)
	require.NotNil(t, inv.PaidAt)

	require.Equal(t, 1, gateway.refunds)
	require.Equal(t, 500.0, gateway.lastRefund)
}

func TestFullRefundMarksPaymentRefunded(t *testing.T) {
	svc, repo, invoices, _, _ := testService(t)
	ctx := context.Background()
	completed := settle(t, svc)

	rr, err := svc.RequestRefund(ctx, completed.ID, 2000, "vehicle returned")
	require.NoError(t, err)
	_, err = svc.ApproveRefund(ctx, rr.ID, "")
	require.NoError(t, err)
	_, err = svc.ProcessRefund(ctx, rr.ID)
	require.NoError(t, err)

	require.Equal(t, PaymentRefunded, repo.payments[completed.ID].Status)
	require.Zero(t, repo.payments[completed.ID].Effective())
	require.Equal(t, invoice.StatusRefunded, invoices.invoices["inv-1"].Status)
}

func TestRefundWorkflowIsOneWay(t *testing.T) {
	svc, _, _, _, _ := testService(t)
	ctx := context.Background()
	completed := settle(t, svc)

	rr, err := svc.RequestRefund(ctx, completed.ID, 300, "goodwill")
	require.NoError(t, err)

	// Processing before approval is rejected.
	_, err = svc.ProcessRefund(ctx, rr.ID)
	require.ErrorIs(t, err, httpx.ErrConflict)

	_, err = svc.RejectRefund(ctx, rr.ID, "not warranted")
	require.NoError(t, err)

	// A rejected request can be neither approved nor processed.
	_, err = svc.ApproveRefund(ctx, rr.ID, "")
	require.ErrorIs(t, err, httpx.ErrConflict)
	_, err = svc.ProcessRefund(ctx, rr.ID)
	require.ErrorIs(t, err, httpx.ErrConflict)
}

func TestProcessRefundIsIdempotentGuarded(t *testing.T) {
	svc, _, _, _, _ := testService(t)
	ctx := context.Background()
	completed := settle(t, svc)

	rr, err := svc.RequestRefund(ctx, completed.ID, 200, "parts returned")
	require.NoError(t, err)
	_, err = svc.ApproveRefund(ctx, rr.ID, "")
	require.NoError(t, err)
	_, err = svc.ProcessRefund(ctx, rr.ID)
	require.NoError(t, err)

	_, err = svc.ProcessRefund(ctx, rr.ID)
	require.ErrorIs(t, err, httpx.ErrConflict)
}

func TestProcessRefundLeavesRequestApprovedWhenMoneyRanOut(t *testing.T) {
	svc, _, invoices, _, _ := testService(t)
	ctx := context.Background()
	completed := settle(t, svc)

	// Both requests pass validation against the untouched payment.
	first, err := svc.RequestRefund(ctx, completed.ID, 1500, "wrong parts billed")
	require.NoError(t, err)
	second, err := svc.RequestRefund(ctx, completed.ID, 1500, "duplicate charge")
	require.NoError(t, err)
	_, err = svc.ApproveRefund(ctx, first.ID, "")
	require.NoError(t, err)
	_, err = svc.ApproveRefund(ctx, second.ID, "")
	require.NoError(t, err)

	_, err = svc.ProcessRefund(ctx, first.ID)
	require.NoError(t, err)

	// The payment has only 500 left, so the second refund must refuse
	// without moving the request or the invoice.
	_, err = svc.ProcessRefund(ctx, second.ID)
	require.ErrorIs(t, err, httpx.ErrBusinessRule)

	got, err := svc.GetRefund(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, RefundApproved, got.Status)
	require.Equal(t, 500.0, invoices.invoices["inv-1"].PaidAmount)
}

func TestProcessRefundReleasesClaimWhenInvoiceRefuses(t *testing.T) {
	svc, repo, invoices, _, _ := testService(t)
	ctx := context.Background()
	completed := settle(t, svc)

	rr, err := svc.RequestRefund(ctx, completed.ID, 500, "overcharged")
	require.NoError(t, err)
	_, err = svc.ApproveRefund(ctx, rr.ID, "")
	require.NoError(t, err)

	// Strip the invoice credit behind the ledger's back so its refund
	// adjustment refuses.
	inv := invoices.invoices["inv-1"]
	inv.PaidAmount = 0
	invoices.invoices["inv-1"] = inv

	_, err = svc.ProcessRefund(ctx, rr.ID)
	require.ErrorIs(t, err, httpx.ErrBusinessRule)

	// The payment got its money back and the request can be retried.
	require.Equal(t, 2000.0, repo.payments[completed.ID].Effective())
	got, err := svc.GetRefund(ctx, rr.ID)
	require.NoError(t, err)
	require.Equal(t, RefundApproved, got.Status)
}

func TestRequestRefundRejectsExcessAmount(t *testing.T) {
	svc, _, _, _, _ := testService(t)
	ctx := context.Background()
	completed := settle(t, svc)

	_, err := svc.RequestRefund(ctx, completed.ID, 2500, "too much")
	require.ErrorIs(t, err, httpx.ErrBusinessRule)
}

func TestGatewayRefundFailureDoesNotBlockLedger(t *testing.T) {
	svc, repo, invoices, gateway, _ := testService(t)
	gateway.refundErr = errors.New("gateway timeout")
	ctx := context.Background()
	completed := settle(t, svc)

	rr, err := svc.RequestRefund(ctx, completed.ID, 500, "overcharged")
	require.NoError(t, err)
	_, err = svc.ApproveRefund(ctx, rr.ID, "")
	require.NoError(t, err)

	rr, err = svc.ProcessRefund(ctx, rr.ID)
	require.NoError(t, err)
	require.Equal(t, RefundProcessed, rr.Status)
	require.Equal(t, 1500.0, repo.payments[completed.ID].Effective())
	require.Equal(t, 1500.0, invoices.invoices["inv-1"].PaidAmount)
}

func TestCashPaymentSettlesWithoutGateway(t *testing.T) {
	svc, _, invoices, gateway, _ := testService(t)
	ctx := context.Background()

	p, err := svc.RecordCashPayment(ctx, "jc-1", 2000, "")
	require.NoError(t, err)
	require.Equal(t, PaymentCompleted, p.Status)
	require.Equal(t, "cash", p.Method)
	require.Zero(t, gateway.orders)
	require.Equal(t, invoice.StatusPaid, invoices.invoices["inv-1"].Status)
}

func TestCashPaymentRevertedWhenInvoiceRefuses(t *testing.T) {
	svc, repo, invoices, _, notifier := testService(t)
	ctx := context.Background()
	settle(t, svc)

	// The invoice is settled, so the counter payment must not stand.
	p, err := svc.RecordCashPayment(ctx, "jc-1", 500, "")
	require.Error(t, err)
	require.ErrorIs(t, err, httpx.ErrBusinessRule)
	require.Zero(t, p.ID)

	require.Equal(t, 2000.0, invoices.invoices["inv-1"].PaidAmount)
	total, count, err := svc.TotalPaid(ctx, "jc-1")
	require.NoError(t, err)
	require.Equal(t, 2000.0, total)
	require.Equal(t, 1, count)
	require.Equal(t, 1, notifier.successes)

	// The recorded row was voided, never left hanging completed.
	for _, stored := range repo.payments {
		if stored.Method == "cash" {
			require.Equal(t, PaymentFailed, stored.Status)
		}
	}
}

func TestVerifySignatureHMAC(t *testing.T) {
	g := NewHTTPGateway("http://localhost", "key", testSecret)
	sig := sign("order_1", "pay_1")
	require.True(t, g.VerifySignature("order_1", "pay_1", sig))
	require.False(t, g.VerifySignature("order_1", "pay_2", sig))
}

func TestTotalPaidCountsCompletedEffective(t *testing.T) {
	svc, repo, _, _, _ := testService(t)
	ctx := context.Background()
	completed := settle(t, svc)

	total, count, err := svc.TotalPaid(ctx, "jc-1")
	require.NoError(t, err)
	require.Equal(t, 2000.0, total)
	require.Equal(t, 1, count)

	_, err = repo.ApplyRefundToPayment(ctx, completed.ID, 2000)
	require.NoError(t, err)
	total, count, err = svc.TotalPaid(ctx, "jc-1")
	require.NoError(t, err)
	require.Zero(t, total)
	require.Zero(t, count)
}
