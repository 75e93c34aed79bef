// Package mechanic resolves garage staff records and the work types
// each mechanic is certified for.
package mechanic

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gearbox-erp/gearbox-erp/internal/billing"
)

// Directory answers capability lookups against the mechanics table.
type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// CanPerform reports whether the mechanic is active and certified for
// every item type on the job. Unknown mechanics simply fail the check.
func (d *Directory) CanPerform(ctx context.Context, mechanicID string, types []billing.ItemType) (bool, error) {
	const query = `SELECT capabilities FROM mechanics WHERE id = $1 AND active`

	var capabilities []string
	if err := d.pool.QueryRow(ctx, query, mechanicID).Scan(&capabilities); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("mechanic: lookup %s: %w", mechanicID, err)
	}

	certified := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		certified[c] = true
	}
	for _, t := range types {
		if !certified[string(t)] {
			return false, nil
		}
	}
	return true, nil
}
