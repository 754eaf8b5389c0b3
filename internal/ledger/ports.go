package ledger

import (
	"context"
	"time"
)

// EventStore persists the append-only adjustment log. Append is the
// single durability point: once it returns, the event is recorded and
// immediately visible to reads from the same store. Implementations
// serialize same-key appends so per-key id order equals commit order
// and the checksum chain stays well formed.
type EventStore interface {
	// Append assigns ID, UID, RecordedAt and Checksum and stores the
	// event. When the event carries a RequestID that was appended
	// before, the previously stored event is returned instead of
	// recording a duplicate.
	Append(ctx context.Context, ev StockEvent) (StockEvent, error)
	// ReadSince returns up to limit events for key with id > afterID,
	// in ascending id order.
	ReadSince(ctx context.Context, key Key, afterID int64, limit int) ([]StockEvent, error)
	// ReadWindow is ReadSince restricted to RecordedAt within
	// [from, to]. Zero bounds are open.
	ReadWindow(ctx context.Context, key Key, from, to time.Time, afterID int64, limit int) ([]StockEvent, error)
	// Head returns the highest event id recorded for key, zero when
	// the key has no events.
	Head(ctx context.Context, key Key) (int64, error)
	// Keys lists the ledger keys with recorded events inside scope.
	Keys(ctx context.Context, scope Scope) ([]Key, error)
}

// AggregateStore persists projected aggregates. Only the projector
// writes; everything else reads.
type AggregateStore interface {
	// Get returns the stored aggregate for key, or ErrNotFound.
	Get(ctx context.Context, key Key) (StockAggregate, error)
	// Put stores the aggregate, replacing any previous state.
	Put(ctx context.Context, agg StockAggregate) error
}

// ThresholdSource resolves alert thresholds. A location-specific
// threshold wins over a product-wide one.
type ThresholdSource interface {
	Lookup(ctx context.Context, key Key) (Threshold, bool, error)
}

// Catalog answers existence checks against the product and location
// master data. The ledger never stores master data itself.
type Catalog interface {
	ProductExists(ctx context.Context, productID int64) (bool, error)
	LocationExists(ctx context.Context, locationID int64) (bool, error)
}

// AlertSink receives threshold breach signals. Publish failures never
// fail the adjustment that produced the signal; deduplication and
// delivery guarantees belong to the sink.
type AlertSink interface {
	Publish(ctx context.Context, sig AlertSignal) error
}

// StateReader serves current projected state, catching the projection
// up to the event log head when it lags.
type StateReader interface {
	CurrentState(ctx context.Context, key Key) (StockAggregate, error)
}

// ValuerPort abstracts valuation so reports can be wrapped with a
// cache for immutable historical results.
type ValuerPort interface {
	ValueAt(ctx context.Context, asOf time.Time, scope Scope) (ValuationReport, error)
}
