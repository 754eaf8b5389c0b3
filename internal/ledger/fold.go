package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// costScale is the decimal precision kept for moving average costs.
const costScale = 6

// foldEvent applies one event to a (quantity, average cost) pair and
// returns the next pair. It is the single fold rule shared by the
// projector, rebuilds and as-of valuation replays, so every consumer
// derives identical state from the same prefix of the log.
//
// Inbound deltas blend cost pools into a weighted moving average.
// Outbound deltas leave the average untouched; issues are costed at
// the pre-adjustment average. A quantity landing at or below zero
// clears the average, and restocking from there starts a fresh pool at
// the incoming unit cost.
func foldEvent(qty int64, avg decimal.Decimal, ev StockEvent, allowNeg bool) (int64, decimal.Decimal, error) {
	next := qty + ev.Delta
	if next < 0 && !allowNeg && !ev.Forced {
		return qty, avg, fmt.Errorf("%w: %d on hand at %s, delta %d", ErrInsufficientStock, qty, ev.Key(), ev.Delta)
	}
	if ev.Delta < 0 {
		if next <= 0 {
			return next, decimal.Zero, nil
		}
		return next, avg, nil
	}
	if qty <= 0 {
		if next <= 0 {
			return next, decimal.Zero, nil
		}
		return next, ev.UnitCost.Round(costScale), nil
	}
	pool := decimal.NewFromInt(qty).Mul(avg).Add(decimal.NewFromInt(ev.Delta).Mul(ev.UnitCost))
	return next, pool.DivRound(decimal.NewFromInt(next), costScale), nil
}
