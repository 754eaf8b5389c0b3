// Package db persists the stock ledger in PostgreSQL.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kardex-erp/kardex/internal/ledger"
)

//go:embed schema.sql
var schemaSQL string

const eventColumns = `id, uid, request_id, product_id, location_id, delta, unit_cost, kind, reason, actor_id, forced, recorded_at, checksum`

// Store persists events, aggregates and thresholds in PostgreSQL. It
// implements ledger.EventStore, ledger.AggregateStore and
// ledger.ThresholdSource.
type Store struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

// NewStore constructs the store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		// timestamptz keeps microseconds and RecordedAt participates in
		// the checksum, so sub-microsecond precision would fail chain
		// verification after a read back
		clock: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// EnsureSchema applies the ledger schema. Safe to call on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// Append records the event inside a transaction that holds a per-key
// advisory lock, so ids within a key follow commit order and the
// checksum chain stays linear. A known RequestID returns the stored
// event without writing.
func (s *Store) Append(ctx context.Context, ev ledger.StockEvent) (ledger.StockEvent, error) {
	stored, err := s.append(ctx, ev)
	if err == nil {
		return stored, nil
	}
	// concurrent duplicate on another key's lock: the unique index on
	// request_id fired, so the event is already recorded
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && ev.RequestID != uuid.Nil {
		row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM stock_events WHERE request_id = $1`, ev.RequestID)
		return scanEvent(row)
	}
	return ledger.StockEvent{}, err
}

func (s *Store) append(ctx context.Context, ev ledger.StockEvent) (ledger.StockEvent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.StockEvent{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, ev.Key().String()); err != nil {
		return ledger.StockEvent{}, err
	}

	if ev.RequestID != uuid.Nil {
		row := tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM stock_events WHERE request_id = $1`, ev.RequestID)
		prev, err := scanEvent(row)
		switch {
		case err == nil:
			return prev, tx.Commit(ctx)
		case !errors.Is(err, pgx.ErrNoRows):
			return ledger.StockEvent{}, err
		}
	}

	var prevSum []byte
	row := tx.QueryRow(ctx, `SELECT checksum FROM stock_events WHERE product_id = $1 AND location_id = $2 ORDER BY id DESC LIMIT 1`,
		ev.ProductID, ev.LocationID)
	if err := row.Scan(&prevSum); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return ledger.StockEvent{}, err
	}

	// the id participates in the checksum, so fetch it before insert
	if err := tx.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('stock_events', 'id'))`).Scan(&ev.ID); err != nil {
		return ledger.StockEvent{}, err
	}
	ev.UID = uuid.New()
	ev.RecordedAt = s.clock()
	ev.Checksum = ledger.EventChecksum(prevSum, ev)

	_, err = tx.Exec(ctx, `
		INSERT INTO stock_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.ID,
		ev.UID,
		pgtype.UUID{Bytes: ev.RequestID, Valid: ev.RequestID != uuid.Nil},
		ev.ProductID,
		ev.LocationID,
		ev.Delta,
		ev.UnitCost,
		string(ev.Kind),
		ev.Reason,
		ev.ActorID,
		ev.Forced,
		ev.RecordedAt,
		ev.Checksum,
	)
	if err != nil {
		return ledger.StockEvent{}, err
	}
	return ev, tx.Commit(ctx)
}

// ReadSince returns up to limit events for key with id > afterID in
// ascending id order. A non-positive limit returns everything.
func (s *Store) ReadSince(ctx context.Context, key ledger.Key, afterID int64, limit int) ([]ledger.StockEvent, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM stock_events
		WHERE product_id = $1 AND location_id = $2 AND id > $3
		ORDER BY id
		LIMIT NULLIF($4, 0)`,
		key.ProductID, key.LocationID, afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ReadWindow is ReadSince restricted to RecordedAt within [from, to].
func (s *Store) ReadWindow(ctx context.Context, key ledger.Key, from, to time.Time, afterID int64, limit int) ([]ledger.StockEvent, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM stock_events
		WHERE product_id = $1 AND location_id = $2 AND id > $3
		  AND ($4::timestamptz IS NULL OR recorded_at >= $4)
		  AND ($5::timestamptz IS NULL OR recorded_at <= $5)
		ORDER BY id
		LIMIT NULLIF($6, 0)`,
		key.ProductID, key.LocationID, afterID,
		pgtype.Timestamptz{Time: from, Valid: !from.IsZero()},
		pgtype.Timestamptz{Time: to, Valid: !to.IsZero()},
		limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// Head returns the highest recorded event id for key, zero when none.
func (s *Store) Head(ctx context.Context, key ledger.Key) (int64, error) {
	var head int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM stock_events WHERE product_id = $1 AND location_id = $2`,
		key.ProductID, key.LocationID).Scan(&head)
	return head, err
}

// Keys lists keys with recorded events inside scope, ordered by
// product then location.
func (s *Store) Keys(ctx context.Context, scope ledger.Scope) ([]ledger.Key, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT product_id, location_id
		FROM stock_events
		WHERE ($1 = 0 OR product_id = $1) AND ($2 = 0 OR location_id = $2)
		ORDER BY product_id, location_id`,
		scope.ProductID, scope.LocationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []ledger.Key
	for rows.Next() {
		var key ledger.Key
		if err := rows.Scan(&key.ProductID, &key.LocationID); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Get returns the stored aggregate for key.
func (s *Store) Get(ctx context.Context, key ledger.Key) (ledger.StockAggregate, error) {
	var agg ledger.StockAggregate
	err := s.pool.QueryRow(ctx, `
		SELECT product_id, location_id, quantity, avg_cost, applied_event_id, cursor_id, updated_at
		FROM stock_aggregates
		WHERE product_id = $1 AND location_id = $2`,
		key.ProductID, key.LocationID,
	).Scan(&agg.ProductID, &agg.LocationID, &agg.Quantity, &agg.AvgCost, &agg.AppliedEventID, &agg.Cursor, &agg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.StockAggregate{}, fmt.Errorf("%w: aggregate %s", ledger.ErrNotFound, key)
	}
	if err != nil {
		return ledger.StockAggregate{}, err
	}
	return agg, nil
}

// Put stores the aggregate, replacing any previous state.
func (s *Store) Put(ctx context.Context, agg ledger.StockAggregate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stock_aggregates (product_id, location_id, quantity, avg_cost, applied_event_id, cursor_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (product_id, location_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_cost = EXCLUDED.avg_cost,
			applied_event_id = EXCLUDED.applied_event_id,
			cursor_id = EXCLUDED.cursor_id,
			updated_at = EXCLUDED.updated_at`,
		agg.ProductID, agg.LocationID, agg.Quantity, agg.AvgCost, agg.AppliedEventID, agg.Cursor, agg.UpdatedAt)
	return err
}

func collectEvents(rows pgx.Rows) ([]ledger.StockEvent, error) {
	defer rows.Close()

	var events []ledger.StockEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (ledger.StockEvent, error) {
	var (
		ev   ledger.StockEvent
		req  pgtype.UUID
		kind string
	)
	err := row.Scan(&ev.ID, &ev.UID, &req, &ev.ProductID, &ev.LocationID, &ev.Delta, &ev.UnitCost,
		&kind, &ev.Reason, &ev.ActorID, &ev.Forced, &ev.RecordedAt, &ev.Checksum)
	if err != nil {
		return ledger.StockEvent{}, err
	}
	if req.Valid {
		ev.RequestID = req.Bytes
	}
	ev.Kind = ledger.AdjustmentKind(kind)
	return ev, nil
}
