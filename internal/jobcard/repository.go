package jobcard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gearbox-erp/gearbox-erp/internal/platform/db"
	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
)

// PgRepository provides PostgreSQL backed persistence for job cards. The
// card is stored as a document row: scalar columns for everything that is
// filtered on, JSONB for the nested blocks.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const jobCardColumns = `id, job_number, customer, vehicle, items, billing, billing_approved_only,
	estimate, estimate_history, status, status_history, mechanics, images, videos,
	version, created_at, updated_at`

func (r *PgRepository) Create(ctx context.Context, jc JobCard) error {
	doc, err := marshalDoc(jc)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO job_cards (` + jobCardColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16)`

	_, err = r.pool.Exec(ctx, query,
		jc.ID, jc.JobNumber, doc.customer, doc.vehicle, doc.items, doc.billing,
		jc.BillingApprovedOnly, doc.estimate, doc.estimateHistory, jc.Status,
		doc.statusHistory, doc.mechanics, doc.images, doc.videos,
		jc.CreatedAt, jc.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: job number already exists", httpx.ErrConflict)
		}
		return fmt.Errorf("jobcard: insert: %w", err)
	}
	return nil
}

func (r *PgRepository) Get(ctx context.Context, id string) (JobCard, error) {
	query := `SELECT ` + jobCardColumns + ` FROM job_cards WHERE id = $1`
	jc, err := scanJobCard(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return JobCard{}, fmt.Errorf("%w: job card not found", httpx.ErrNotFound)
	}
	return jc, err
}

func (r *PgRepository) List(ctx context.Context, f ListFilter, limit, offset int) ([]JobCard, int, error) {
	where := ` WHERE ($1 = '' OR status = $1)
		AND ($2 = '' OR customer->>'customer_id' = $2)
		AND ($3 = '' OR mechanics @> to_jsonb(ARRAY[$3]))`
	args := []any{string(f.Status), f.CustomerID, f.MechanicID}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_cards`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("jobcard: count: %w", err)
	}

	query := `SELECT ` + jobCardColumns + ` FROM job_cards` + where +
		` ORDER BY created_at DESC LIMIT $4 OFFSET $5`
	rows, err := r.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("jobcard: list: %w", err)
	}
	defer rows.Close()

	cards := make([]JobCard, 0, limit)
	for rows.Next() {
		jc, err := scanJobCard(rows)
		if err != nil {
			return nil, 0, err
		}
		cards = append(cards, jc)
	}
	return cards, total, rows.Err()
}

// Update rewrites the document under an optimistic version check. A stale
// version surfaces as Conflict so the caller can reload and retry.
func (r *PgRepository) Update(ctx context.Context, jc JobCard) (JobCard, error) {
	doc, err := marshalDoc(jc)
	if err != nil {
		return JobCard{}, err
	}
	query := `
		UPDATE job_cards SET
			customer = $3, vehicle = $4, items = $5, billing = $6,
			billing_approved_only = $7, estimate = $8, estimate_history = $9,
			status = $10, status_history = $11, mechanics = $12, images = $13,
			videos = $14, version = version + 1, updated_at = $15
		WHERE id = $1 AND version = $2`

	tag, err := r.pool.Exec(ctx, query,
		jc.ID, jc.Version, doc.customer, doc.vehicle, doc.items, doc.billing,
		jc.BillingApprovedOnly, doc.estimate, doc.estimateHistory, jc.Status,
		doc.statusHistory, doc.mechanics, doc.images, doc.videos, jc.UpdatedAt)
	if err != nil {
		return JobCard{}, fmt.Errorf("jobcard: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return JobCard{}, fmt.Errorf("%w: job card was modified concurrently", httpx.ErrConflict)
	}
	jc.Version++
	return jc, nil
}

// UpdateStatus persists the status change, the document and the
// append-only history row in one transaction.
func (r *PgRepository) UpdateStatus(ctx context.Context, jc JobCard, entry StatusHistoryEntry) (JobCard, error) {
	doc, err := marshalDoc(jc)
	if err != nil {
		return JobCard{}, err
	}
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE job_cards SET
				items = $3, billing = $4, billing_approved_only = $5,
				estimate = $6, estimate_history = $7, status = $8,
				status_history = $9, version = version + 1, updated_at = $10
			WHERE id = $1 AND version = $2`

		tag, err := tx.Exec(ctx, query,
			jc.ID, jc.Version, doc.items, doc.billing, jc.BillingApprovedOnly,
			doc.estimate, doc.estimateHistory, jc.Status, doc.statusHistory, jc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("jobcard: update status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: job card was modified concurrently", httpx.ErrConflict)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO job_status_history (job_card_id, status, actor_id, note, occurred_at)
			VALUES ($1, $2, $3, $4, $5)`,
			jc.ID, entry.Status, entry.ActorID, entry.Note, entry.At)
		if err != nil {
			return fmt.Errorf("jobcard: append history: %w", err)
		}
		return nil
	})
	if err != nil {
		return JobCard{}, err
	}
	jc.Version++
	return jc, nil
}

// NextJobNumber allocates the next JC-<yyyymmdd>-<nnnn> number for the day
// via an upserted counter row, so concurrent creates never collide.
func (r *PgRepository) NextJobNumber(ctx context.Context, day time.Time) (string, error) {
	key := day.Format("20060102")
	var n int
	err := r.pool.QueryRow(ctx, `
		INSERT INTO job_number_counters (day_key, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (day_key) DO UPDATE SET last_seq = job_number_counters.last_seq + 1
		RETURNING last_seq`, key).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("jobcard: next job number: %w", err)
	}
	return fmt.Sprintf("JC-%s-%04d", key, n), nil
}

type docColumns struct {
	customer        []byte
	vehicle         []byte
	items           []byte
	billing         []byte
	estimate        []byte
	estimateHistory []byte
	statusHistory   []byte
	mechanics       []byte
	images          []byte
	videos          []byte
}

func marshalDoc(jc JobCard) (docColumns, error) {
	var d docColumns
	var err error
	marshal := func(dst *[]byte, v any) {
		if err != nil {
			return
		}
		*dst, err = json.Marshal(v)
	}
	marshal(&d.customer, jc.Customer)
	marshal(&d.vehicle, jc.Vehicle)
	marshal(&d.items, jc.Items)
	marshal(&d.billing, jc.Billing)
	marshal(&d.estimateHistory, emptySlice(jc.EstimateHistory))
	marshal(&d.statusHistory, emptySlice(jc.StatusHistory))
	marshal(&d.mechanics, emptySlice(jc.Mechanics))
	marshal(&d.images, emptySlice(jc.Images))
	marshal(&d.videos, emptySlice(jc.Videos))
	if err == nil && jc.Estimate != nil {
		d.estimate, err = json.Marshal(jc.Estimate)
	}
	if err != nil {
		return docColumns{}, fmt.Errorf("jobcard: marshal document: %w", err)
	}
	return d, nil
}

// emptySlice keeps JSONB columns as [] instead of null for nil slices.
func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanJobCard(row pgx.Row) (JobCard, error) {
	var jc JobCard
	var d docColumns
	err := row.Scan(
		&jc.ID, &jc.JobNumber, &d.customer, &d.vehicle, &d.items, &d.billing,
		&jc.BillingApprovedOnly, &d.estimate, &d.estimateHistory, &jc.Status,
		&d.statusHistory, &d.mechanics, &d.images, &d.videos,
		&jc.Version, &jc.CreatedAt, &jc.UpdatedAt)
	if err != nil {
		return JobCard{}, err
	}

	unmarshal := func(src []byte, dst any) {
		if err != nil || len(src) == 0 {
			return
		}
		err = json.Unmarshal(src, dst)
	}
	unmarshal(d.customer, &jc.Customer)
	unmarshal(d.vehicle, &jc.Vehicle)
	unmarshal(d.items, &jc.Items)
	unmarshal(d.billing, &jc.Billing)
	unmarshal(d.estimate, &jc.Estimate)
	unmarshal(d.estimateHistory, &jc.EstimateHistory)
	unmarshal(d.statusHistory, &jc.StatusHistory)
	unmarshal(d.mechanics, &jc.Mechanics)
	unmarshal(d.images, &jc.Images)
	unmarshal(d.videos, &jc.Videos)
	if err != nil {
		return JobCard{}, fmt.Errorf("jobcard: unmarshal document: %w", err)
	}
	return jc, nil
}
