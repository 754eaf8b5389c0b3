// Package ledger implements an append-only stock ledger: adjustment
// events are the source of truth, per-key aggregates are derived
// projections that can always be rebuilt from the log.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdjustmentKind enumerates supported stock adjustment types.
type AdjustmentKind string

const (
	// KindRestock represents inbound replenishment.
	KindRestock AdjustmentKind = "RESTOCK"
	// KindSale represents stock issued to a sale.
	KindSale AdjustmentKind = "SALE"
	// KindCorrection represents a manual count correction, either sign.
	KindCorrection AdjustmentKind = "CORRECTION"
	// KindTransferIn receives the inbound leg of a transfer.
	KindTransferIn AdjustmentKind = "TRANSFER_IN"
	// KindTransferOut issues the outbound leg of a transfer.
	KindTransferOut AdjustmentKind = "TRANSFER_OUT"
	// KindWriteOff removes damaged or lost stock.
	KindWriteOff AdjustmentKind = "WRITE_OFF"
)

// Valid reports whether k is a known adjustment kind.
func (k AdjustmentKind) Valid() bool {
	switch k {
	case KindRestock, KindSale, KindCorrection, KindTransferIn, KindTransferOut, KindWriteOff:
		return true
	}
	return false
}

// AllowsDelta reports whether the signed quantity change matches the
// direction the kind implies. Corrections may go either way.
func (k AdjustmentKind) AllowsDelta(delta int64) bool {
	switch k {
	case KindRestock, KindTransferIn:
		return delta > 0
	case KindSale, KindTransferOut, KindWriteOff:
		return delta < 0
	case KindCorrection:
		return delta != 0
	}
	return false
}

// Key identifies one ledger stream: a product at a location.
type Key struct {
	ProductID  int64
	LocationID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d@%d", k.ProductID, k.LocationID)
}

// Scope selects ledger keys for queries and maintenance. A zero field
// widens the selection: zero product means every product, zero
// location means every location.
type Scope struct {
	ProductID  int64
	LocationID int64
}

// Matches reports whether key falls inside the scope.
func (s Scope) Matches(k Key) bool {
	if s.ProductID != 0 && s.ProductID != k.ProductID {
		return false
	}
	if s.LocationID != 0 && s.LocationID != k.LocationID {
		return false
	}
	return true
}

// IsGlobal reports whether the scope spans the entire ledger.
func (s Scope) IsGlobal() bool {
	return s.ProductID == 0 && s.LocationID == 0
}

func (s Scope) String() string {
	return fmt.Sprintf("%d@%d", s.ProductID, s.LocationID)
}

// StockEvent is one immutable entry in the adjustment log. The store
// assigns ID, UID, RecordedAt and Checksum on append; events are never
// updated or deleted afterwards.
type StockEvent struct {
	ID         int64
	UID        uuid.UUID
	RequestID  uuid.UUID
	ProductID  int64
	LocationID int64
	Delta      int64
	UnitCost   decimal.Decimal
	Kind       AdjustmentKind
	Reason     string
	ActorID    int64
	Forced     bool
	RecordedAt time.Time
	Checksum   []byte
}

// Key returns the ledger stream the event belongs to.
func (e StockEvent) Key() Key {
	return Key{ProductID: e.ProductID, LocationID: e.LocationID}
}

// StockAggregate is the projected state of one key. It is derived
// bookkeeping, never authoritative: a rebuild from the event log must
// reproduce it exactly.
//
// AppliedEventID is the id of the last event folded into Quantity and
// AvgCost. Cursor is the id of the last event the projector processed,
// including events rejected for projection, so catch-up never rescans
// a rejected tail. Cursor >= AppliedEventID always holds.
type StockAggregate struct {
	ProductID      int64
	LocationID     int64
	Quantity       int64
	AvgCost        decimal.Decimal
	AppliedEventID int64
	Cursor         int64
	UpdatedAt      time.Time
}

// Key returns the ledger stream the aggregate projects.
func (a StockAggregate) Key() Key {
	return Key{ProductID: a.ProductID, LocationID: a.LocationID}
}

// Threshold configures alert levels for a product, either at one
// location or, with LocationID zero, at every location. MaxLevel is
// only meaningful when HasMax is set; without it overstock is never
// signaled.
type Threshold struct {
	ProductID  int64
	LocationID int64
	MinLevel   int64
	MaxLevel   int64
	HasMax     bool
}

// AlertKind enumerates threshold breach signals.
type AlertKind string

const (
	// AlertLowStock fires when quantity is at or below the minimum.
	AlertLowStock AlertKind = "LOW_STOCK"
	// AlertOverstock fires when quantity is at or above the maximum.
	AlertOverstock AlertKind = "OVERSTOCK"
)

// AlertSignal reports a threshold breach observed after an adjustment.
// The engine emits signals; delivery and deduplication belong to the
// subscribed sinks.
type AlertSignal struct {
	ProductID  int64
	LocationID int64
	Kind       AlertKind
	Quantity   int64
	Threshold  int64
	At         time.Time
}

// Key returns the ledger stream the signal refers to.
func (a AlertSignal) Key() Key {
	return Key{ProductID: a.ProductID, LocationID: a.LocationID}
}

// AdjustmentInput describes a requested stock adjustment. RequestID is
// optional; retrying a failed submit with the same RequestID returns
// the already-recorded event instead of recording a duplicate.
type AdjustmentInput struct {
	ProductID  int64           `validate:"required,gt=0"`
	LocationID int64           `validate:"required,gt=0"`
	Delta      int64           `validate:"required"`
	UnitCost   decimal.Decimal
	Kind       AdjustmentKind  `validate:"required"`
	Reason     string          `validate:"max=500"`
	ActorID    int64           `validate:"required,gt=0"`
	RequestID  uuid.UUID
}

// TransferInput describes a stock transfer between two locations of
// the same product. Quantity is always positive.
type TransferInput struct {
	ProductID   int64     `validate:"required,gt=0"`
	SrcLocation int64     `validate:"required,gt=0"`
	DstLocation int64     `validate:"required,gt=0"`
	Quantity    int64     `validate:"required,gt=0"`
	Reason      string    `validate:"max=500"`
	ActorID     int64     `validate:"required,gt=0"`
	RequestID   uuid.UUID
}

// HistoryFilter filters movement history for one key. AfterID restarts
// a paged read after the given event id; Limit caps the page size.
type HistoryFilter struct {
	ProductID  int64
	LocationID int64
	From       time.Time
	To         time.Time
	AfterID    int64
	Limit      int
}

// Key returns the ledger stream the filter addresses.
func (f HistoryFilter) Key() Key {
	return Key{ProductID: f.ProductID, LocationID: f.LocationID}
}

// CostingMethod selects how valuation prices stock.
type CostingMethod string

const (
	// CostingWeightedAverage prices stock at the projected moving
	// average. Valid for current valuations only.
	CostingWeightedAverage CostingMethod = "WEIGHTED_AVERAGE"
	// CostingAsOfReplay prices stock by replaying events up to the
	// requested instant. Supports historical valuations.
	CostingAsOfReplay CostingMethod = "AS_OF_REPLAY"
)

// Valid reports whether m is a known costing method.
func (m CostingMethod) Valid() bool {
	return m == CostingWeightedAverage || m == CostingAsOfReplay
}

// ValuationLine values one key in a valuation report.
type ValuationLine struct {
	ProductID  int64
	LocationID int64
	Quantity   int64
	UnitCost   decimal.Decimal
	Value      decimal.Decimal
}

// ProductValue totals one product across the report's locations.
type ProductValue struct {
	ProductID int64
	Quantity  int64
	Value     decimal.Decimal
}

// ValuationReport is a point-in-time monetary valuation of the stock
// inside a scope. A zero AsOf means the report was taken now.
type ValuationReport struct {
	AsOf      time.Time
	Method    CostingMethod
	Scope     Scope
	Lines     []ValuationLine
	ByProduct []ProductValue
	Total     decimal.Decimal
}
