package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/kardex-erp/kardex/internal/ledger"
)

// Lookup resolves the threshold for key. A row for the exact location
// wins over the product-wide row at location zero.
func (s *Store) Lookup(ctx context.Context, key ledger.Key) (ledger.Threshold, bool, error) {
	var (
		th  ledger.Threshold
		max pgtype.Int8
	)
	err := s.pool.QueryRow(ctx, `
		SELECT product_id, location_id, min_level, max_level
		FROM stock_thresholds
		WHERE product_id = $1 AND location_id IN ($2, 0)
		ORDER BY location_id DESC
		LIMIT 1`,
		key.ProductID, key.LocationID,
	).Scan(&th.ProductID, &th.LocationID, &th.MinLevel, &max)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Threshold{}, false, nil
	}
	if err != nil {
		return ledger.Threshold{}, false, err
	}
	if max.Valid {
		th.MaxLevel = max.Int64
		th.HasMax = true
	}
	return th, true, nil
}

// SetThreshold stores or replaces a threshold row.
func (s *Store) SetThreshold(ctx context.Context, th ledger.Threshold) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stock_thresholds (product_id, location_id, min_level, max_level)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, location_id) DO UPDATE SET
			min_level = EXCLUDED.min_level,
			max_level = EXCLUDED.max_level`,
		th.ProductID, th.LocationID, th.MinLevel,
		pgtype.Int8{Int64: th.MaxLevel, Valid: th.HasMax})
	return err
}

// DeleteThreshold removes a threshold row if present.
func (s *Store) DeleteThreshold(ctx context.Context, productID, locationID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM stock_thresholds WHERE product_id = $1 AND location_id = $2`,
		productID, locationID)
	return err
}
