// Package sqlite persists the stock ledger in a single SQLite file,
// for single-node deployments and the CLI. WAL mode keeps reads
// concurrent with the one writer.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kardex-erp/kardex/internal/ledger"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

const eventColumns = `id, uid, request_id, product_id, location_id, delta, unit_cost, kind, reason, actor_id, forced, recorded_at, checksum`

// Store implements ledger.EventStore, ledger.AggregateStore and
// ledger.ThresholdSource on one SQLite database.
type Store struct {
	// Clock overrides the wall clock stamped on appended events.
	// Tests use it; nil means time.Now in UTC.
	Clock func() time.Time

	db *sql.DB
	mu sync.Mutex // serializes appends; reads go through WAL
}

// Open creates or opens the database at path, applies pragmas and
// brings the schema up to date. Safe to call repeatedly on one file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	// SQLite allows one writer; a second connection would only trade
	// SQLITE_BUSY errors for queueing we already get from database/sql
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", version, schemaVersion)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

// Append assigns identity and checksum and records the event. A known
// RequestID returns the previously stored event unchanged.
func (s *Store) Append(ctx context.Context, ev ledger.StockEvent) (ledger.StockEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.RequestID != uuid.Nil {
		row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM stock_events WHERE request_id = ?`, ev.RequestID.String())
		prev, err := scanEvent(row)
		switch {
		case err == nil:
			return prev, nil
		case !errors.Is(err, sql.ErrNoRows):
			return ledger.StockEvent{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.StockEvent{}, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM stock_events`).Scan(&ev.ID); err != nil {
		return ledger.StockEvent{}, err
	}
	var prevSum []byte
	row := tx.QueryRowContext(ctx, `SELECT checksum FROM stock_events WHERE product_id = ? AND location_id = ? ORDER BY id DESC LIMIT 1`,
		ev.ProductID, ev.LocationID)
	if err := row.Scan(&prevSum); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ledger.StockEvent{}, err
	}

	ev.UID = uuid.New()
	ev.RecordedAt = s.now()
	ev.Checksum = ledger.EventChecksum(prevSum, ev)

	var requestID sql.NullString
	if ev.RequestID != uuid.Nil {
		requestID = sql.NullString{String: ev.RequestID.String(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.UID.String(),
		requestID,
		ev.ProductID,
		ev.LocationID,
		ev.Delta,
		ev.UnitCost.String(),
		string(ev.Kind),
		ev.Reason,
		ev.ActorID,
		ev.Forced,
		ev.RecordedAt.UnixNano(),
		ev.Checksum,
	)
	if err != nil {
		return ledger.StockEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.StockEvent{}, err
	}
	return ev, nil
}

// ReadSince returns up to limit events for key with id > afterID in
// ascending id order. A non-positive limit returns everything.
func (s *Store) ReadSince(ctx context.Context, key ledger.Key, afterID int64, limit int) ([]ledger.StockEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM stock_events
		WHERE product_id = ? AND location_id = ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		key.ProductID, key.LocationID, afterID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ReadWindow is ReadSince restricted to RecordedAt within [from, to].
func (s *Store) ReadWindow(ctx context.Context, key ledger.Key, from, to time.Time, afterID int64, limit int) ([]ledger.StockEvent, error) {
	var fromNs, toNs int64
	if !from.IsZero() {
		fromNs = from.UnixNano()
	}
	if !to.IsZero() {
		toNs = to.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM stock_events
		WHERE product_id = ? AND location_id = ? AND id > ?
		  AND (? = 0 OR recorded_at >= ?)
		  AND (? = 0 OR recorded_at <= ?)
		ORDER BY id
		LIMIT ?`,
		key.ProductID, key.LocationID, afterID, fromNs, fromNs, toNs, toNs, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// Head returns the highest recorded event id for key, zero when none.
func (s *Store) Head(ctx context.Context, key ledger.Key) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM stock_events WHERE product_id = ? AND location_id = ?`,
		key.ProductID, key.LocationID).Scan(&head)
	return head, err
}

// Keys lists keys with recorded events inside scope, ordered by
// product then location.
func (s *Store) Keys(ctx context.Context, scope ledger.Scope) ([]ledger.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT product_id, location_id
		FROM stock_events
		WHERE (? = 0 OR product_id = ?) AND (? = 0 OR location_id = ?)
		ORDER BY product_id, location_id`,
		scope.ProductID, scope.ProductID, scope.LocationID, scope.LocationID)
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
	var (
		agg       ledger.StockAggregate
		updatedNs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, location_id, quantity, avg_cost, applied_event_id, cursor_id, updated_at
		FROM stock_aggregates
		WHERE product_id = ? AND location_id = ?`,
		key.ProductID, key.LocationID,
	).Scan(&agg.ProductID, &agg.LocationID, &agg.Quantity, &agg.AvgCost, &agg.AppliedEventID, &agg.Cursor, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.StockAggregate{}, fmt.Errorf("%w: aggregate %s", ledger.ErrNotFound, key)
	}
	if err != nil {
		return ledger.StockAggregate{}, err
	}
	agg.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return agg, nil
}

// Put stores the aggregate, replacing any previous state.
func (s *Store) Put(ctx context.Context, agg ledger.StockAggregate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_aggregates (product_id, location_id, quantity, avg_cost, applied_event_id, cursor_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id, location_id) DO UPDATE SET
			quantity = excluded.quantity,
			avg_cost = excluded.avg_cost,
			applied_event_id = excluded.applied_event_id,
			cursor_id = excluded.cursor_id,
			updated_at = excluded.updated_at`,
		agg.ProductID, agg.LocationID, agg.Quantity, agg.AvgCost.String(),
		agg.AppliedEventID, agg.Cursor, agg.UpdatedAt.UnixNano())
	return err
}

// Lookup resolves the threshold for key. A row for the exact location
// wins over the product-wide row at location zero.
func (s *Store) Lookup(ctx context.Context, key ledger.Key) (ledger.Threshold, bool, error) {
	var (
		th  ledger.Threshold
		max sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, location_id, min_level, max_level
		FROM stock_thresholds
		WHERE product_id = ? AND location_id IN (?, 0)
		ORDER BY location_id DESC
		LIMIT 1`,
		key.ProductID, key.LocationID,
	).Scan(&th.ProductID, &th.LocationID, &th.MinLevel, &max)
	if errors.Is(err, sql.ErrNoRows) {
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
	var max sql.NullInt64
	if th.HasMax {
		max = sql.NullInt64{Int64: th.MaxLevel, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_thresholds (product_id, location_id, min_level, max_level)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (product_id, location_id) DO UPDATE SET
			min_level = excluded.min_level,
			max_level = excluded.max_level`,
		th.ProductID, th.LocationID, th.MinLevel, max)
	return err
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1 // no limit
	}
	return limit
}

func collectEvents(rows *sql.Rows) ([]ledger.StockEvent, error) {
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (ledger.StockEvent, error) {
	var (
		ev         ledger.StockEvent
		uid        string
		requestID  sql.NullString
		cost       string
		kind       string
		recordedNs int64
	)
	err := row.Scan(&ev.ID, &uid, &requestID, &ev.ProductID, &ev.LocationID, &ev.Delta, &cost,
		&kind, &ev.Reason, &ev.ActorID, &ev.Forced, &recordedNs, &ev.Checksum)
	if err != nil {
		return ledger.StockEvent{}, err
	}
	if ev.UID, err = uuid.Parse(uid); err != nil {
		return ledger.StockEvent{}, fmt.Errorf("event %d: bad uid: %w", ev.ID, err)
	}
	if requestID.Valid {
		if ev.RequestID, err = uuid.Parse(requestID.String); err != nil {
			return ledger.StockEvent{}, fmt.Errorf("event %d: bad request id: %w", ev.ID, err)
		}
	}
	if err := ev.UnitCost.Scan(cost); err != nil {
		return ledger.StockEvent{}, fmt.Errorf("event %d: bad unit cost: %w", ev.ID, err)
	}
	ev.Kind = ledger.AdjustmentKind(kind)
	ev.RecordedAt = time.Unix(0, recordedNs).UTC()
	return ev, nil
}
