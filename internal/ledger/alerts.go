package ledger

import "time"

// EvaluateThreshold derives at most one breach signal from projected
// state against a threshold. It is pure and keeps no history; whether
// a signal repeats an earlier one is for the sinks to decide.
//
// Low stock is inclusive: quantity at exactly MinLevel signals.
// Overstock requires a configured maximum and is likewise inclusive.
func EvaluateThreshold(agg StockAggregate, th Threshold, at time.Time) (AlertSignal, bool) {
	if agg.Quantity <= th.MinLevel {
		return AlertSignal{
			ProductID:  agg.ProductID,
			LocationID: agg.LocationID,
			Kind:       AlertLowStock,
			Quantity:   agg.Quantity,
			Threshold:  th.MinLevel,
			At:         at,
		}, true
	}
	if th.HasMax && agg.Quantity >= th.MaxLevel {
		return AlertSignal{
			ProductID:  agg.ProductID,
			LocationID: agg.LocationID,
			Kind:       AlertOverstock,
			Quantity:   agg.Quantity,
			Threshold:  th.MaxLevel,
			At:         at,
		}, true
	}
	return AlertSignal{}, false
}
