package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence for payments and
// refund requests. Every financial mutation is a single conditional
// statement; concurrent completions or refunds cannot interleave a
// read-modify-write.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const paymentColumns = `id, job_card_id, invoice_id, customer_id, amount, refunded_amount,
	method, status, gateway_order_id, gateway_payment_id, paid_at, created_at, updated_at`

func (r *Repository) CreatePayment(ctx context.Context, p Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query,
		p.ID, p.JobCardID, p.InvoiceID, p.CustomerID, p.Amount, p.RefundedAmount,
		p.Method, p.Status, p.GatewayOrderID, p.GatewayPaymentID, p.PaidAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("payments: insert: %w", err)
	}
	return nil
}

func (r *Repository) GetPayment(ctx context.Context, id string) (Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return r.scanPayment(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) GetPaymentByOrder(ctx context.Context, gatewayOrderID string) (Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_order_id = $1`
	return r.scanPayment(r.pool.QueryRow(ctx, query, gatewayOrderID))
}

func (r *Repository) ListByJobCard(ctx context.Context, jobCardID string) ([]Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE job_card_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, jobCardID)
	if err != nil {
		return nil, fmt.Errorf("payments: list: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := r.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CompletePayment flips a pending payment to completed exactly once.
func (r *Repository) CompletePayment(ctx context.Context, id, gatewayPaymentID string, at time.Time) (Payment, error) {
	query := `
		UPDATE payments SET
			status = 'completed', gateway_payment_id = $2, paid_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + paymentColumns
	p, err := r.scanPayment(r.pool.QueryRow(ctx, query, id, gatewayPaymentID, at))
	if errors.Is(err, httpx.ErrNotFound) {
		return Payment{}, fmt.Errorf("%w: payment is not pending", httpx.ErrConflict)
	}
	return p, err
}

// FailPayment voids a payment whose invoice credit was refused. It
// covers both pending orders and freshly completed records being
// reverted.
func (r *Repository) FailPayment(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payments SET status = 'failed', updated_at = NOW() WHERE id = $1 AND status IN ('pending', 'completed')`, id)
	if err != nil {
		return fmt.Errorf("payments: mark failed: %w", err)
	}
	return nil
}

// TotalPaid derives the settled amount and completed-payment count for a
// job card straight from the rows; nothing is cached.
func (r *Repository) TotalPaid(ctx context.Context, jobCardID string) (float64, int, error) {
	query := `
		SELECT COALESCE(SUM(amount - refunded_amount), 0),
			COUNT(*) FILTER (WHERE status = 'completed')
		FROM payments
		WHERE job_card_id = $1 AND status IN ('completed', 'refunded')`
	var total float64
	var count int
	if err := r.pool.QueryRow(ctx, query, jobCardID).Scan(&total, &count); err != nil {
		return 0, 0, fmt.Errorf("payments: total paid: %w", err)
	}
	return total, count, nil
}

// ApplyRefundToPayment grows the refunded amount and, when the whole
// payment is clawed back, flips the status to refunded, atomically. A
// negative amount restores money clawed back by a refund whose invoice
// adjustment later refused.
func (r *Repository) ApplyRefundToPayment(ctx context.Context, id string, amount float64) (Payment, error) {
	query := `
		UPDATE payments SET
			refunded_amount = refunded_amount + $2,
			status = CASE WHEN refunded_amount + $2 >= amount THEN 'refunded' ELSE 'completed' END,
			updated_at = NOW()
		WHERE id = $1
			AND status IN ('completed', 'refunded')
			AND refunded_amount + $2 BETWEEN 0 AND amount
		RETURNING ` + paymentColumns
	p, err := r.scanPayment(r.pool.QueryRow(ctx, query, id, amount))
	if errors.Is(err, httpx.ErrNotFound) {
		return Payment{}, fmt.Errorf("%w: refund exceeds the payment's settled amount", httpx.ErrBusinessRule)
	}
	return p, err
}

const refundColumns = `id, payment_id, job_card_id, invoice_id, requested_amount, reason,
	status, logs, created_at, updated_at`

func (r *Repository) CreateRefund(ctx context.Context, rr RefundRequest) error {
	logs, err := json.Marshal(rr.Logs)
	if err != nil {
		return fmt.Errorf("payments: marshal refund logs: %w", err)
	}
	query := `
		INSERT INTO refund_requests (` + refundColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.pool.Exec(ctx, query,
		rr.ID, rr.PaymentID, rr.JobCardID, rr.InvoiceID, rr.RequestedAmount, rr.Reason,
		rr.Status, logs, rr.CreatedAt, rr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("payments: insert refund: %w", err)
	}
	return nil
}

func (r *Repository) GetRefund(ctx context.Context, id string) (RefundRequest, error) {
	query := `SELECT ` + refundColumns + ` FROM refund_requests WHERE id = $1`
	return r.scanRefund(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) ListRefunds(ctx context.Context, status RefundStatus, limit, offset int) ([]RefundRequest, int, error) {
	where := ` WHERE ($1 = '' OR status = $1)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM refund_requests`+where, string(status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("payments: count refunds: %w", err)
	}
	query := `SELECT ` + refundColumns + ` FROM refund_requests` + where +
		` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("payments: list refunds: %w", err)
	}
	defer rows.Close()

	out := make([]RefundRequest, 0, limit)
	for rows.Next() {
		rr, err := r.scanRefund(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rr)
	}
	return out, total, rows.Err()
}

// TransitionRefund moves a refund request from one status to another and
// appends the workflow log entry in the same statement. The conditional
// WHERE makes repeated or out-of-order transitions fail cleanly.
func (r *Repository) TransitionRefund(ctx context.Context, id string, from, to RefundStatus, entry RefundLog) (RefundRequest, error) {
	log, err := json.Marshal(entry)
	if err != nil {
		return RefundRequest{}, fmt.Errorf("payments: marshal refund log: %w", err)
	}
	query := `
		UPDATE refund_requests SET
			status = $3, logs = logs || $4::jsonb, updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING ` + refundColumns
	rr, err := r.scanRefund(r.pool.QueryRow(ctx, query, id, from, to, log, entry.At))
	if errors.Is(err, httpx.ErrNotFound) {
		return RefundRequest{}, fmt.Errorf("%w: refund request is not %s", httpx.ErrConflict, from)
	}
	return rr, err
}

func (r *Repository) scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.JobCardID, &p.InvoiceID, &p.CustomerID, &p.Amount, &p.RefundedAmount,
		&p.Method, &p.Status, &p.GatewayOrderID, &p.GatewayPaymentID, &p.PaidAt,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, fmt.Errorf("%w: payment not found", httpx.ErrNotFound)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("payments: scan: %w", err)
	}
	return p, nil
}

func (r *Repository) scanRefund(row pgx.Row) (RefundRequest, error) {
	var rr RefundRequest
	var logs []byte
	err := row.Scan(
		&rr.ID, &rr.PaymentID, &rr.JobCardID, &rr.InvoiceID, &rr.RequestedAmount,
		&rr.Reason, &rr.Status, &logs, &rr.CreatedAt, &rr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefundRequest{}, fmt.Errorf("%w: refund request not found", httpx.ErrNotFound)
	}
	if err != nil {
		return RefundRequest{}, fmt.Errorf("payments: scan refund: %w", err)
	}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &rr.Logs); err != nil {
			return RefundRequest{}, fmt.Errorf("payments: unmarshal refund logs: %w", err)
		}
	}
	return rr, nil
}
