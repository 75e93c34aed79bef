package coupon

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gearbox-erp/gearbox-erp/internal/platform/db"
	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence for coupons.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const couponColumns = `id, code, discount_type, value, max_discount_amount, min_invoice_amount,
	is_active, valid_from, valid_till, usage_limit_total, usage_limit_per_user, used_count,
	created_at, updated_at`

// Create inserts a new coupon. A duplicate code surfaces as Conflict.
func (r *Repository) Create(ctx context.Context, c Coupon) (Coupon, error) {
	query := `
		INSERT INTO coupons (
			id, code, discount_type, value, max_discount_amount, min_invoice_amount,
			is_active, valid_from, valid_till, usage_limit_total, usage_limit_per_user,
			used_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, NOW(), NOW())
		RETURNING created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		c.ID, c.Code, string(c.Type), c.Value, c.MaxDiscountAmount, c.MinInvoiceAmount,
		c.IsActive, c.ValidFrom, c.ValidTill, c.UsageLimitTotal, c.UsageLimitPerUser,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Coupon{}, httpx.ErrConflict
		}
		return Coupon{}, err
	}
	return c, nil
}

// GetByCode fetches a coupon by its code.
func (r *Repository) GetByCode(ctx context.Context, code string) (Coupon, error) {
	var c Coupon
	var discountType string
	err := r.pool.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code).Scan(
		&c.ID, &c.Code, &discountType, &c.Value, &c.MaxDiscountAmount, &c.MinInvoiceAmount,
		&c.IsActive, &c.ValidFrom, &c.ValidTill, &c.UsageLimitTotal, &c.UsageLimitPerUser,
		&c.UsedCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Coupon{}, httpx.ErrNotFound
	}
	if err != nil {
		return Coupon{}, err
	}
	c.Type = DiscountType(discountType)
	return c, nil
}

// List returns coupons ordered by creation time, newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Coupon, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM coupons`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var coupons []Coupon
	for rows.Next() {
		var c Coupon
		var discountType string
		if err := rows.Scan(
			&c.ID, &c.Code, &discountType, &c.Value, &c.MaxDiscountAmount, &c.MinInvoiceAmount,
			&c.IsActive, &c.ValidFrom, &c.ValidTill, &c.UsageLimitTotal, &c.UsageLimitPerUser,
			&c.UsedCount, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		c.Type = DiscountType(discountType)
		coupons = append(coupons, c)
	}
	return coupons, total, rows.Err()
}

// CustomerUsage returns how many times a customer has used a coupon.
func (r *Repository) CustomerUsage(ctx context.Context, couponID, customerID string) (int, error) {
	var used int
	err := r.pool.QueryRow(ctx,
		`SELECT used_count FROM coupon_usages WHERE coupon_id = $1 AND customer_id = $2`,
		couponID, customerID).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return used, err
}

// RecordUsage increments the global and per-customer counters in a single
// transaction. Both increments are guarded in SQL so a concurrent request
// racing past validation cannot push a counter over its limit: the guarded
// UPDATE affects zero rows instead.
func (r *Repository) RecordUsage(ctx context.Context, c Coupon, customerID string, at time.Time) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE coupons
			SET used_count = used_count + 1, updated_at = $2
			WHERE id = $1 AND (usage_limit_total < 0 OR used_count < usage_limit_total)`,
			c.ID, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrUsageExhausted
		}

		var perUser int
		err = tx.QueryRow(ctx, `
			INSERT INTO coupon_usages (coupon_id, customer_id, used_count, last_used_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (coupon_id, customer_id) DO UPDATE
			SET used_count = coupon_usages.used_count + 1, last_used_at = $3
			WHERE $4 < 0 OR coupon_usages.used_count < $4
			RETURNING used_count`,
			c.ID, customerID, at, c.UsageLimitPerUser).Scan(&perUser)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPerUserLimit
		}
		return err
	})
}
