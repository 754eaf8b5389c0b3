package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation indicates a malformed input, including references to
// products or locations the catalog does not recognize.
var ErrValidation = errors.New("ledger: invalid input")

// ErrInsufficientStock indicates an adjustment would drive quantity
// below zero while backorders are disallowed. The event stays in the
// log; it is simply never folded into the projection.
var ErrInsufficientStock = errors.New("ledger: insufficient stock")

// ErrNotFound indicates a query against a key with no recorded stock.
var ErrNotFound = errors.New("ledger: not found")

// ErrInvalidScope indicates a scope that matches nothing, reported
// only under strict scope checking.
var ErrInvalidScope = errors.New("ledger: scope matches no stock")

// ErrConsistency marks a divergence between a stored aggregate and its
// replay from the event log. Faults are fatal per key: writes to the
// key halt until a manual rebuild.
var ErrConsistency = errors.New("ledger: consistency fault")

// ConsistencyFault describes a detected projection divergence for one
// key. It unwraps to ErrConsistency.
type ConsistencyFault struct {
	Key        Key
	Stored     StockAggregate
	Replayed   StockAggregate
	Reason     string
	DetectedAt time.Time
}

func (f *ConsistencyFault) Error() string {
	return fmt.Sprintf("ledger: consistency fault on %s: %s", f.Key, f.Reason)
}

func (f *ConsistencyFault) Unwrap() error {
	return ErrConsistency
}
