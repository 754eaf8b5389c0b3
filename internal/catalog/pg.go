package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PG answers existence checks from the master data tables.
type PG struct {
	db *pgxpool.Pool
}

// NewPG builds a catalog over the given pool.
func NewPG(db *pgxpool.Pool) *PG {
	return &PG{db: db}
}

// ProductExists reports whether an active product with the id exists.
func (c *PG) ProductExists(ctx context.Context, productID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1 AND is_active)`
	var ok bool
	if err := c.db.QueryRow(ctx, query, productID).Scan(&ok); err != nil {
		return false, fmt.Errorf("catalog: product lookup: %w", err)
	}
	return ok, nil
}

// LocationExists reports whether an active location with the id exists.
func (c *PG) LocationExists(ctx context.Context, locationID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM locations WHERE id = $1 AND is_active)`
	var ok bool
	if err := c.db.QueryRow(ctx, query, locationID).Scan(&ok); err != nil {
		return false, fmt.Errorf("catalog: location lookup: %w", err)
	}
	return ok, nil
}
