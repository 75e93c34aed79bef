package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence for invoices. The
// one-open-invoice-per-job-card rule is enforced by a partial unique
// index on job_card_id excluding cancelled rows, so concurrent issues
// cannot slip past the application-level check.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const invoiceColumns = `id, number, job_card_id, job_number, customer, vehicle, items,
	subtotal, discount, discount_note, cgst_rate, cgst_amount, sgst_rate, sgst_amount,
	grand_total, paid_amount, balance_amount, status, issued_at, due_date, paid_at,
	created_at, updated_at`

func (r *Repository) Create(ctx context.Context, inv Invoice) error {
	customer, err := json.Marshal(inv.Customer)
	if err != nil {
		return fmt.Errorf("invoice: marshal customer: %w", err)
	}
	vehicle, err := json.Marshal(inv.Vehicle)
	if err != nil {
		return fmt.Errorf("invoice: marshal vehicle: %w", err)
	}
	items, err := json.Marshal(inv.Items)
	if err != nil {
		return fmt.Errorf("invoice: marshal items: %w", err)
	}

	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23)`

	_, err = r.pool.Exec(ctx, query,
		inv.ID, inv.Number, inv.JobCardID, inv.JobNumber, customer, vehicle, items,
		inv.Subtotal, inv.Discount, inv.DiscountNote, inv.CGSTRate, inv.CGSTAmount,
		inv.SGSTRate, inv.SGSTAmount, inv.GrandTotal, inv.PaidAmount, inv.BalanceAmount,
		inv.Status, inv.IssuedAt, inv.DueDate, inv.PaidAt, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: job card already has an open invoice", httpx.ErrConflict)
		}
		return fmt.Errorf("invoice: insert: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) GetByJobCard(ctx context.Context, jobCardID string) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE job_card_id = $1 AND status <> 'CANCELLED'
		ORDER BY created_at DESC LIMIT 1`
	return r.scanOne(r.pool.QueryRow(ctx, query, jobCardID))
}

func (r *Repository) List(ctx context.Context, f ListFilter, limit, offset int) ([]Invoice, int, error) {
	where := ` WHERE ($1 = '' OR status = $1)
		AND ($2 = '' OR customer->>'customer_id' = $2)
		AND (NOT $3 OR (balance_amount > 0.01 AND status NOT IN ('CANCELLED', 'REFUNDED')))`
	args := []any{string(f.Status), f.CustomerID, f.Outstanding}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("invoice: count: %w", err)
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices` + where +
		` ORDER BY issued_at DESC LIMIT $4 OFFSET $5`
	rows, err := r.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("invoice: list: %w", err)
	}
	defer rows.Close()

	invoices := make([]Invoice, 0, limit)
	for rows.Next() {
		inv, err := r.scanOne(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, total, rows.Err()
}

func (r *Repository) Cancel(ctx context.Context, id string) (Invoice, error) {
	query := `
		UPDATE invoices SET status = 'CANCELLED', updated_at = NOW()
		WHERE id = $1 AND paid_amount = 0 AND status <> 'CANCELLED'
		RETURNING ` + invoiceColumns
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// NextNumber allocates the next INV<yy><mm><nnnn> number, scoped to the
// calendar month through an upserted counter row.
func (r *Repository) NextNumber(ctx context.Context, month time.Time) (string, error) {
	key := month.Format("0601")
	var n int
	err := r.pool.QueryRow(ctx, `
		INSERT INTO invoice_number_counters (month_key, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (month_key) DO UPDATE SET last_seq = invoice_number_counters.last_seq + 1
		RETURNING last_seq`, key).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("invoice: next number: %w", err)
	}
	return fmt.Sprintf("INV%s%04d", key, n), nil
}

// ApplyPayment adds a completed payment to the invoice in one statement:
// increment, balance recompute, status recompute and the once-only
// paid_at stamp all happen atomically. A fully paid invoice rejects
// further payments.
func (r *Repository) ApplyPayment(ctx context.Context, id string, amount float64, at time.Time) (Invoice, error) {
	query := `
		UPDATE invoices SET
			paid_amount = paid_amount + $2,
			balance_amount = GREATEST(0, grand_total - (paid_amount + $2)),
			status = CASE
				WHEN paid_amount + $2 >= grand_total THEN 'PAID'
				WHEN paid_amount + $2 > 0 THEN 'PARTIALLY_PAID'
				ELSE status
			END,
			paid_at = CASE
				WHEN paid_amount + $2 >= grand_total AND paid_at IS NULL THEN $3
				ELSE paid_at
			END,
			updated_at = $3
		WHERE id = $1
			AND status IN ('ISSUED', 'PARTIALLY_PAID', 'REFUNDED')
			AND paid_amount < grand_total
		RETURNING ` + invoiceColumns

	inv, err := r.scanOne(r.pool.QueryRow(ctx, query, id, amount, at))
	if errors.Is(err, httpx.ErrNotFound) {
		return r.paymentRejection(ctx, id)
	}
	return inv, err
}

// paymentRejection distinguishes a missing invoice from one that cannot
// accept payments.
func (r *Repository) paymentRejection(ctx context.Context, id string) (Invoice, error) {
	inv, err := r.Get(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.PaidAmount >= inv.GrandTotal {
		return Invoice{}, fmt.Errorf("%w: invoice %s is already fully paid", httpx.ErrBusinessRule, inv.Number)
	}
	return Invoice{}, fmt.Errorf("%w: invoice %s does not accept payments in status %s", httpx.ErrBusinessRule, inv.Number, inv.Status)
}

// ApplyRefund removes a processed refund amount from the invoice. The
// status drops back to PARTIALLY_PAID, or REFUNDED when nothing paid
// remains; paid_at is never cleared.
func (r *Repository) ApplyRefund(ctx context.Context, id string, amount float64) (Invoice, error) {
	query := `
		UPDATE invoices SET
			paid_amount = GREATEST(0, paid_amount - $2),
			balance_amount = GREATEST(0, grand_total - GREATEST(0, paid_amount - $2)),
			status = CASE
				WHEN paid_amount - $2 <= 0 THEN 'REFUNDED'
				WHEN paid_amount - $2 >= grand_total THEN 'PAID'
				ELSE 'PARTIALLY_PAID'
			END,
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('CANCELLED') AND paid_amount >= $2
		RETURNING ` + invoiceColumns

	inv, err := r.scanOne(r.pool.QueryRow(ctx, query, id, amount))
	if errors.Is(err, httpx.ErrNotFound) {
		return Invoice{}, fmt.Errorf("%w: refund exceeds the invoice paid amount", httpx.ErrBusinessRule)
	}
	return inv, err
}

func (r *Repository) scanOne(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var customer, vehicle, items []byte
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.JobCardID, &inv.JobNumber, &customer, &vehicle, &items,
		&inv.Subtotal, &inv.Discount, &inv.DiscountNote, &inv.CGSTRate, &inv.CGSTAmount,
		&inv.SGSTRate, &inv.SGSTAmount, &inv.GrandTotal, &inv.PaidAmount, &inv.BalanceAmount,
		&inv.Status, &inv.IssuedAt, &inv.DueDate, &inv.PaidAt, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, fmt.Errorf("%w: invoice not found", httpx.ErrNotFound)
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: scan: %w", err)
	}
	if err := json.Unmarshal(customer, &inv.Customer); err != nil {
		return Invoice{}, fmt.Errorf("invoice: unmarshal customer: %w", err)
	}
	if err := json.Unmarshal(vehicle, &inv.Vehicle); err != nil {
		return Invoice{}, fmt.Errorf("invoice: unmarshal vehicle: %w", err)
	}
	if err := json.Unmarshal(items, &inv.Items); err != nil {
		return Invoice{}, fmt.Errorf("invoice: unmarshal items: %w", err)
	}
	return inv, nil
}
